// Package aperture defines photometric apertures and their per-detector
// collections, including linkage between apertures and lossless JSON
// round-tripping of aperture files.
package aperture

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrLinkCycle reports a chain of linked apertures that never reaches
	// an unlinked one.
	ErrLinkCycle = errors.New("cyclic aperture link")

	// ErrLinkDangling reports a link naming an aperture that does not
	// exist in the same collection.
	ErrLinkDangling = errors.New("dangling aperture link")
)

// OffsetCircle is a circular sub-region at a fixed offset from an aperture's
// centre, radius in unbinned pixels. Mask circles exclude pixels from the sky
// estimate (e.g. a nearby star in the annulus); extra circles add pixels to
// the flux sum (e.g. a blended companion).
type OffsetCircle struct {
	XOff   float64
	YOff   float64
	Radius float64
}

// MarshalJSON writes the circle as a compact [xoff, yoff, radius] triple,
// matching the aperture file format.
func (o OffsetCircle) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{o.XOff, o.YOff, o.Radius})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OffsetCircle) UnmarshalJSON(data []byte) error {
	var v [3]float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("offset circle: %w", err)
	}
	o.XOff, o.YOff, o.Radius = v[0], v[1], v[2]
	return nil
}

// Aperture is one photometric target: a target circle of radius R1 and a sky
// annulus between R2 and R3, centred at (X, Y) in unbinned detector
// coordinates. When Link names another aperture, (X, Y) is instead the fixed
// offset from that aperture and the absolute position comes from resolving
// the link chain.
type Aperture struct {
	X     float64        `json:"x"`
	Y     float64        `json:"y"`
	R1    float64        `json:"r1"`
	R2    float64        `json:"r2"`
	R3    float64        `json:"r3"`
	Ref   bool           `json:"ref"`
	Link  string         `json:"link"`
	Mask  []OffsetCircle `json:"mask"`
	Extra []OffsetCircle `json:"extra"`
}

// New returns an unlinked aperture at (x, y) with the given radii.
func New(x, y, r1, r2, r3 float64, ref bool) *Aperture {
	return &Aperture{X: x, Y: y, R1: r1, R2: r2, R3: r3, Ref: ref}
}

// AddMask appends a sky-exclusion circle offset from the aperture centre.
func (a *Aperture) AddMask(xoff, yoff, radius float64) {
	a.Mask = append(a.Mask, OffsetCircle{xoff, yoff, radius})
}

// AddExtra appends a flux-inclusion circle offset from the aperture centre.
func (a *Aperture) AddExtra(xoff, yoff, radius float64) {
	a.Extra = append(a.Extra, OffsetCircle{xoff, yoff, radius})
}

// LinkTo makes this aperture move rigidly with the aperture named label.
// The current (X, Y) is reinterpreted as the offset from that aperture.
func (a *Aperture) LinkTo(label string) {
	a.Link = label
}

// BreakLink removes any link, leaving (X, Y) as an absolute position.
func (a *Aperture) BreakLink() {
	a.Link = ""
}

// Linked reports whether the aperture derives its position from another.
func (a *Aperture) Linked() bool {
	return a.Link != ""
}

// Copy returns a deep copy of the aperture.
func (a *Aperture) Copy() *Aperture {
	c := *a
	if a.Mask != nil {
		c.Mask = append([]OffsetCircle(nil), a.Mask...)
	}
	if a.Extra != nil {
		c.Extra = append([]OffsetCircle(nil), a.Extra...)
	}
	return &c
}

// Equal reports whether two apertures hold identical field values.
func (a *Aperture) Equal(b *Aperture) bool {
	if a.X != b.X || a.Y != b.Y || a.R1 != b.R1 || a.R2 != b.R2 || a.R3 != b.R3 {
		return false
	}
	if a.Ref != b.Ref || a.Link != b.Link {
		return false
	}
	if len(a.Mask) != len(b.Mask) || len(a.Extra) != len(b.Extra) {
		return false
	}
	for i := range a.Mask {
		if a.Mask[i] != b.Mask[i] {
			return false
		}
	}
	for i := range a.Extra {
		if a.Extra[i] != b.Extra[i] {
			return false
		}
	}
	return true
}
