// Package reduce implements aperture tracking and flux extraction on
// windowed CCD frames: target search, PSF fitting, sky estimation and
// normal or profile-weighted photometry.
package reduce

import (
	"fmt"
	"strings"
)

// Status is a bitmask describing everything that went wrong for one
// aperture on one frame. Zero means a clean extraction.
type Status uint16

const (
	// NoFwhm is set when the profile fit failed or was rejected.
	NoFwhm Status = 1 << iota
	// NoSky is set when no usable sky pixels were found.
	NoSky
	// SkyAtEdge is set when the sky annulus overlaps a window edge.
	SkyAtEdge
	// TargetAtEdge is set when the target circle overlaps a window edge.
	TargetAtEdge
	// TargetSaturated is set when any target pixel exceeds the
	// saturation level.
	TargetSaturated
	// TargetNonlinear is set when any target pixel exceeds the
	// nonlinearity level.
	TargetNonlinear
	// NoExtraction is set when no flux could be measured at all.
	NoExtraction
	// NoData is set when the aperture lies outside every window.
	NoData
)

// StatusOK is the all-clear value.
const StatusOK Status = 0

var statusNames = []struct {
	bit  Status
	name string
}{
	{NoFwhm, "NO_FWHM"},
	{NoSky, "NO_SKY"},
	{SkyAtEdge, "SKY_AT_EDGE"},
	{TargetAtEdge, "TARGET_AT_EDGE"},
	{TargetSaturated, "TARGET_SATURATED"},
	{TargetNonlinear, "TARGET_NONLINEAR"},
	{NoExtraction, "NO_EXTRACTION"},
	{NoData, "NO_DATA"},
}

// Has reports whether all bits in flag are set.
func (s Status) Has(flag Status) bool { return s&flag == flag }

// String renders the set bits joined by '|', or "OK" when clean.
func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	var parts []string
	for _, sn := range statusNames {
		if s&sn.bit != 0 {
			parts = append(parts, sn.name)
		}
	}
	if rest := s &^ (NoFwhm | NoSky | SkyAtEdge | TargetAtEdge | TargetSaturated | TargetNonlinear | NoExtraction | NoData); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint16(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseFlag converts a monitor flag name as written in config files
// back into its status bit.
func ParseFlag(name string) (Status, error) {
	for _, sn := range statusNames {
		if sn.name == name {
			return sn.bit, nil
		}
	}
	return 0, fmt.Errorf("unknown status flag %q", name)
}
