package ccd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Region selects detector pixels for inclusion or exclusion when composing a
// boolean mask, e.g. to keep fringe-affected areas out of sky and flux sums.
// Regions compose strictly left to right: an additive region ORs its pixels
// into the mask, a subtractive one ANDs them out. The first region of a list
// defines the base mask on its own.
type Region interface {
	// Apply folds the region into mask, which holds one flag per binned
	// pixel of w in row-major order. A nil mask means no region has been
	// applied yet; Apply then allocates and returns the base mask.
	Apply(w *Window, mask []bool) []bool
}

// CircleRegion selects pixels within a circle in unbinned detector
// coordinates.
type CircleRegion struct {
	X, Y   float64
	Radius float64
	Add    bool
}

// Apply implements Region.
func (c *CircleRegion) Apply(w *Window, mask []bool) []bool {
	rsq := c.Radius * c.Radius
	if mask == nil {
		mask = make([]bool, w.NX*w.NY)
		for i := range mask {
			mask[i] = !c.Add
		}
	}
	for iy := 0; iy < w.NY; iy++ {
		dy := w.YOf(iy) - c.Y
		for ix := 0; ix < w.NX; ix++ {
			dx := w.XOf(ix) - c.X
			inside := dx*dx+dy*dy < rsq
			i := iy*w.NX + ix
			if c.Add {
				mask[i] = mask[i] || inside
			} else {
				mask[i] = mask[i] && !inside
			}
		}
	}
	return mask
}

// RectRegion selects pixels within an axis-aligned rectangle in unbinned
// detector coordinates.
type RectRegion struct {
	X1, X2 float64
	Y1, Y2 float64
	Add    bool
}

// Apply implements Region.
func (r *RectRegion) Apply(w *Window, mask []bool) []bool {
	if mask == nil {
		mask = make([]bool, w.NX*w.NY)
		for i := range mask {
			mask[i] = !r.Add
		}
	}
	for iy := 0; iy < w.NY; iy++ {
		y := w.YOf(iy)
		insideY := y >= r.Y1 && y <= r.Y2
		for ix := 0; ix < w.NX; ix++ {
			x := w.XOf(ix)
			inside := insideY && x >= r.X1 && x <= r.X2
			i := iy*w.NX + ix
			if r.Add {
				mask[i] = mask[i] || inside
			} else {
				mask[i] = mask[i] && !inside
			}
		}
	}
	return mask
}

// ApplyRegions composes regions left to right into a per-pixel mask for w.
// It returns nil when regions is empty, meaning "no mask".
func ApplyRegions(w *Window, regions []Region) []bool {
	var mask []bool
	for _, r := range regions {
		mask = r.Apply(w, mask)
	}
	return mask
}

// regionJSON is the tagged wire form of a Region.
type regionJSON struct {
	Type   string  `json:"type"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Radius float64 `json:"radius,omitempty"`
	X1     float64 `json:"x1,omitempty"`
	X2     float64 `json:"x2,omitempty"`
	Y1     float64 `json:"y1,omitempty"`
	Y2     float64 `json:"y2,omitempty"`
	Add    bool    `json:"add"`
}

// RegionList is a JSON-serializable ordered list of regions.
type RegionList []Region

// MarshalJSON implements json.Marshaler.
func (rl RegionList) MarshalJSON() ([]byte, error) {
	out := make([]regionJSON, 0, len(rl))
	for _, r := range rl {
		switch v := r.(type) {
		case *CircleRegion:
			out = append(out, regionJSON{Type: "circle", X: v.X, Y: v.Y, Radius: v.Radius, Add: v.Add})
		case *RectRegion:
			out = append(out, regionJSON{Type: "rect", X1: v.X1, X2: v.X2, Y1: v.Y1, Y2: v.Y2, Add: v.Add})
		default:
			return nil, fmt.Errorf("unknown region type %T", r)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (rl *RegionList) UnmarshalJSON(data []byte) error {
	var raw []regionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(RegionList, 0, len(raw))
	for _, r := range raw {
		switch r.Type {
		case "circle":
			out = append(out, &CircleRegion{X: r.X, Y: r.Y, Radius: r.Radius, Add: r.Add})
		case "rect":
			out = append(out, &RectRegion{X1: r.X1, X2: r.X2, Y1: r.Y1, Y2: r.Y2, Add: r.Add})
		default:
			return fmt.Errorf("unknown region type %q", r.Type)
		}
	}
	*rl = out
	return nil
}

// ReadRegionMap parses a JSON document mapping CCD labels to ordered
// region lists. List order is preserved; label order is irrelevant.
func ReadRegionMap(r io.Reader) (map[string]RegionList, error) {
	var m map[string]RegionList
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("parse region file: %w", err)
	}
	return m, nil
}

// LoadRegionMap reads a region file from disk.
func LoadRegionMap(path string) (map[string]RegionList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := ReadRegionMap(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
