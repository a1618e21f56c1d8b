// Package op defines the document mutation model shared by every replica.
// Operations form a closed tagged union handled exhaustively by the
// resolver; positions are rune offsets into the materialized document.
package op

import (
	"errors"
	"fmt"

	"github.com/coedit/syncpad/internal/clock"
)

// ErrMalformed marks operations that fail local validation. Such
// operations are dropped and never broadcast.
var ErrMalformed = errors.New("malformed operation")

// Kind discriminates the operation union.
type Kind string

const (
	KindInsert      Kind = "insert"
	KindDelete      Kind = "delete"
	KindFormat      Kind = "format"
	KindInsertImage Kind = "insert_image"
)

// Range is a half-open [Start, End) span of unit offsets.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of units covered.
func (r Range) Len() int {
	return r.End - r.Start
}

// Empty reports whether the range covers nothing.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Operation is one document mutation. Actor and Seq identify it; Deps is
// the version vector snapshot taken when it was created.
type Operation struct {
	Kind  Kind          `json:"kind"`
	Actor clock.ActorID `json:"actor"`
	Seq   uint64        `json:"seq"`
	Deps  clock.Vector  `json:"deps,omitempty"`

	Pos     int    `json:"pos,omitempty"`     // Insert, InsertImage
	Content string `json:"content,omitempty"` // Insert
	Span    Range  `json:"span"`              // Delete, Format
	Format  string `json:"format,omitempty"`  // Format

	AssetRef string `json:"asset_ref,omitempty"` // InsertImage
	Caption  string `json:"caption,omitempty"`   // InsertImage
}

// Ref returns the operation's identity.
func (o Operation) Ref() clock.Ref {
	return clock.Ref{Actor: o.Actor, Seq: o.Seq}
}

// Clone returns a deep copy, including the deps vector.
func (o Operation) Clone() Operation {
	c := o
	c.Deps = o.Deps.Clone()
	return c
}

// Validate checks structural well-formedness. It does not check causal
// context; that is the resolver's job.
func (o Operation) Validate() error {
	if o.Actor == "" {
		return fmt.Errorf("%w: missing actor", ErrMalformed)
	}
	if o.Seq == 0 {
		return fmt.Errorf("%w: seq must start at 1", ErrMalformed)
	}
	switch o.Kind {
	case KindInsert:
		if o.Pos < 0 {
			return fmt.Errorf("%w: negative insert position %d", ErrMalformed, o.Pos)
		}
		if o.Content == "" {
			return fmt.Errorf("%w: empty insert content", ErrMalformed)
		}
	case KindDelete:
		if o.Span.Start < 0 || o.Span.End < o.Span.Start {
			return fmt.Errorf("%w: invalid delete range [%d,%d)", ErrMalformed, o.Span.Start, o.Span.End)
		}
	case KindFormat:
		if o.Span.Start < 0 || o.Span.End < o.Span.Start {
			return fmt.Errorf("%w: invalid format range [%d,%d)", ErrMalformed, o.Span.Start, o.Span.End)
		}
		if o.Format == "" {
			return fmt.Errorf("%w: empty format kind", ErrMalformed)
		}
	case KindInsertImage:
		if o.Pos < 0 {
			return fmt.Errorf("%w: negative image position %d", ErrMalformed, o.Pos)
		}
		if o.AssetRef == "" {
			return fmt.Errorf("%w: empty asset ref", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, o.Kind)
	}
	return nil
}

// InsertLen returns how many units the operation adds at Pos, zero for
// non-inserting kinds.
func (o Operation) InsertLen() int {
	switch o.Kind {
	case KindInsert:
		return len([]rune(o.Content))
	case KindInsertImage:
		return 1
	default:
		return 0
	}
}
