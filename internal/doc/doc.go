// Package doc holds the materialized document state. The state is created
// empty and mutated exclusively by the conflict resolver; everything
// handed outward is a copy.
package doc

import (
	"strings"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/op"
)

// ImagePlaceholder stands in for an image unit in the flat text rendering.
const ImagePlaceholder = '￼' // object replacement character

// Unit is one content atom: a rune or an image block. LastOp records which
// operation last touched the unit, for conflict-aware rendering.
type Unit struct {
	Rune     rune
	Image    bool
	AssetRef string
	Caption  string
	Format   string
	LastOp   clock.Ref
}

// State is the ordered unit sequence.
type State struct {
	units []Unit
}

// NewState returns an empty document.
func NewState() *State {
	return &State{}
}

// Len returns the unit count.
func (s *State) Len() int {
	return len(s.units)
}

// String renders the document as flat text, images as placeholders.
func (s *State) String() string {
	var b strings.Builder
	for _, u := range s.units {
		if u.Image {
			b.WriteRune(ImagePlaceholder)
		} else {
			b.WriteRune(u.Rune)
		}
	}
	return b.String()
}

// Snapshot returns a copy of the units for rendering.
func (s *State) Snapshot() []Unit {
	out := make([]Unit, len(s.units))
	copy(out, s.units)
	return out
}

// Apply mutates the state with an already-ordered, already-transformed
// operation. Positions are clamped rather than rejected: transformation
// against concurrent deletes can legitimately shrink a range to nothing.
func (s *State) Apply(o op.Operation) {
	switch o.Kind {
	case op.KindInsert:
		runes := []rune(o.Content)
		units := make([]Unit, len(runes))
		for i, r := range runes {
			units[i] = Unit{Rune: r, LastOp: o.Ref()}
		}
		s.insert(o.Pos, units)
	case op.KindInsertImage:
		s.insert(o.Pos, []Unit{{
			Image:    true,
			AssetRef: o.AssetRef,
			Caption:  o.Caption,
			LastOp:   o.Ref(),
		}})
	case op.KindDelete:
		start, end := s.clampSpan(o.Span)
		if end > start {
			s.units = append(s.units[:start], s.units[end:]...)
		}
	case op.KindFormat:
		start, end := s.clampSpan(o.Span)
		for i := start; i < end; i++ {
			s.units[i].Format = o.Format
			s.units[i].LastOp = o.Ref()
		}
	}
}

func (s *State) insert(pos int, units []Unit) {
	pos = clamp(pos, 0, len(s.units))
	s.units = append(s.units[:pos], append(units, s.units[pos:]...)...)
}

func (s *State) clampSpan(r op.Range) (int, int) {
	start := clamp(r.Start, 0, len(s.units))
	end := clamp(r.End, start, len(s.units))
	return start, end
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
