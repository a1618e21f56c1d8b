// Package oplog keeps the append-only record of operations a replica has
// produced or accepted, ordered by arrival, addressable by version vector.
package oplog

import (
	"fmt"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/op"
)

// Log is an append-only operation sequence. Per-actor seq order is
// enforced on append; duplicates are ignored.
type Log struct {
	ops []op.Operation
	vec clock.Vector
}

// New returns an empty log.
func New() *Log {
	return &Log{vec: clock.Vector{}}
}

// Append records o. Re-appending an already-known seq is a no-op; a seq
// gap for the actor is an error, the caller is expected to buffer until
// the gap closes.
func (l *Log) Append(o op.Operation) error {
	last := l.vec.Get(o.Actor)
	if o.Seq <= last {
		return nil
	}
	if o.Seq != last+1 {
		return fmt.Errorf("append %s/%d: seq gap, last seen %d", o.Actor, o.Seq, last)
	}
	l.ops = append(l.ops, o.Clone())
	l.vec.Observe(o.Actor, o.Seq)
	return nil
}

// Since returns ops the holder of remote has not seen, in the order this
// log recorded them.
func (l *Log) Since(remote clock.Vector) []op.Operation {
	var out []op.Operation
	for _, o := range l.ops {
		if o.Seq > remote.Get(o.Actor) {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Vector returns a copy of the log's version vector.
func (l *Log) Vector() clock.Vector {
	return l.vec.Clone()
}

// Len returns the number of recorded operations.
func (l *Log) Len() int {
	return len(l.ops)
}
