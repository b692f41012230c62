package aperture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Set is the ordered label -> Aperture mapping for one detector. Iteration
// follows insertion order so downstream records come out deterministically.
type Set struct {
	labels []string
	apers  map[string]*Aperture
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{apers: make(map[string]*Aperture)}
}

// Add registers a under label. Labels are unique within a set.
func (s *Set) Add(label string, a *Aperture) error {
	if _, ok := s.apers[label]; ok {
		return fmt.Errorf("aperture %q already defined", label)
	}
	s.labels = append(s.labels, label)
	s.apers[label] = a
	return nil
}

// Get returns the aperture registered under label.
func (s *Set) Get(label string) (*Aperture, bool) {
	a, ok := s.apers[label]
	return a, ok
}

// Labels returns the aperture labels in insertion order. The returned slice
// must not be modified.
func (s *Set) Labels() []string {
	return s.labels
}

// Len returns the number of apertures in the set.
func (s *Set) Len() int {
	return len(s.labels)
}

// Remove deletes the aperture registered under label and breaks any links
// that pointed at it, so no link is ever left dangling.
func (s *Set) Remove(label string) {
	if _, ok := s.apers[label]; !ok {
		return
	}
	delete(s.apers, label)
	for i, l := range s.labels {
		if l == label {
			s.labels = append(s.labels[:i], s.labels[i+1:]...)
			break
		}
	}
	for _, a := range s.apers {
		if a.Link == label {
			a.BreakLink()
		}
	}
}

// Resolve returns the absolute centre of the aperture registered under
// label, walking any chain of links. The stored (X, Y) of a linked aperture
// is an offset from its target, so chains accumulate offsets until they
// terminate at an unlinked aperture. A chain that revisits a label is cyclic
// and returns ErrLinkCycle; a link naming an unknown label returns
// ErrLinkDangling.
func (s *Set) Resolve(label string) (float64, float64, error) {
	seen := make(map[string]bool)
	var x, y float64
	for {
		a, ok := s.apers[label]
		if !ok {
			return 0, 0, fmt.Errorf("%w: %q", ErrLinkDangling, label)
		}
		x += a.X
		y += a.Y
		if !a.Linked() {
			return x, y, nil
		}
		if seen[label] {
			return 0, 0, fmt.Errorf("%w: at %q", ErrLinkCycle, label)
		}
		seen[label] = true
		label = a.Link
	}
}

// Validate checks every link in the set: each must name an existing aperture
// and every chain must terminate. It is intended to run once at session
// start, turning bad aperture files into an immediate configuration error.
func (s *Set) Validate() error {
	for _, label := range s.labels {
		if _, _, err := s.Resolve(label); err != nil {
			return err
		}
	}
	return nil
}

// Copy returns a deep copy of the set preserving order.
func (s *Set) Copy() *Set {
	c := NewSet()
	for _, label := range s.labels {
		c.labels = append(c.labels, label)
		c.apers[label] = s.apers[label].Copy()
	}
	return c
}

// Collection groups aperture sets by detector label, in insertion order.
// This is the unit that round-trips through an aperture file.
type Collection struct {
	ccds []string
	sets map[string]*Set
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{sets: make(map[string]*Set)}
}

// Add registers the set for detector ccd.
func (c *Collection) Add(ccd string, s *Set) error {
	if _, ok := c.sets[ccd]; ok {
		return fmt.Errorf("apertures for CCD %q already defined", ccd)
	}
	c.ccds = append(c.ccds, ccd)
	c.sets[ccd] = s
	return nil
}

// Get returns the set for detector ccd.
func (c *Collection) Get(ccd string) (*Set, bool) {
	s, ok := c.sets[ccd]
	return s, ok
}

// CCDs returns the detector labels in insertion order. The returned slice
// must not be modified.
func (c *Collection) CCDs() []string {
	return c.ccds
}

// Validate checks link integrity across all detectors.
func (c *Collection) Validate() error {
	for _, ccd := range c.ccds {
		if err := c.sets[ccd].Validate(); err != nil {
			return fmt.Errorf("CCD %s: %w", ccd, err)
		}
	}
	return nil
}

// Copy returns a deep copy of every set in the collection.
func (c *Collection) Copy() *Collection {
	n := NewCollection()
	for _, ccd := range c.ccds {
		n.ccds = append(n.ccds, ccd)
		n.sets[ccd] = c.sets[ccd].Copy()
	}
	return n
}

// Read parses an aperture file: a JSON object mapping detector labels to
// objects mapping aperture labels to apertures. Key order in the file is
// preserved as insertion order, which a plain map round-trip would lose, so
// the outer two levels are walked token by token.
func Read(r io.Reader) (*Collection, error) {
	dec := json.NewDecoder(r)

	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("aperture file: %w", err)
	}
	col := NewCollection()
	for dec.More() {
		ccd, err := stringToken(dec)
		if err != nil {
			return nil, fmt.Errorf("aperture file: %w", err)
		}
		if err := expectDelim(dec, '{'); err != nil {
			return nil, fmt.Errorf("aperture file, CCD %s: %w", ccd, err)
		}
		set := NewSet()
		for dec.More() {
			label, err := stringToken(dec)
			if err != nil {
				return nil, fmt.Errorf("aperture file, CCD %s: %w", ccd, err)
			}
			var a Aperture
			if err := dec.Decode(&a); err != nil {
				return nil, fmt.Errorf("aperture %s:%s: %w", ccd, label, err)
			}
			if err := set.Add(label, &a); err != nil {
				return nil, fmt.Errorf("CCD %s: %w", ccd, err)
			}
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, fmt.Errorf("aperture file, CCD %s: %w", ccd, err)
		}
		if err := col.Add(ccd, set); err != nil {
			return nil, err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, fmt.Errorf("aperture file: %w", err)
	}
	return col, nil
}

// Write serializes the collection with detectors and apertures in insertion
// order. Output is indented JSON suitable for hand editing.
func (c *Collection) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ccd := range c.ccds {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(ccd)
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteByte('{')
		set := c.sets[ccd]
		for j, label := range set.labels {
			if j > 0 {
				buf.WriteByte(',')
			}
			akey, _ := json.Marshal(label)
			buf.Write(akey)
			buf.WriteByte(':')
			aval, err := json.Marshal(set.apers[label])
			if err != nil {
				return fmt.Errorf("aperture %s:%s: %w", ccd, label, err)
			}
			buf.Write(aval)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}

// Load reads an aperture file from disk.
func Load(path string) (*Collection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	col, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return col, nil
}

// Save writes the collection to an aperture file on disk.
func (c *Collection) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected string key, got %v", tok)
	}
	return s, nil
}
