// Package clock provides actor identity and the version vectors that
// establish causal order between replicas.
package clock

import (
	"sort"

	"github.com/google/uuid"
)

// ActorID identifies one editing session. Stable for the lifetime of the
// session, unique across peers.
type ActorID string

// NewActorID returns a fresh random actor identifier.
func NewActorID() ActorID {
	return ActorID(uuid.NewString())
}

// Ref names a single operation by its origin.
type Ref struct {
	Actor ActorID `json:"actor"`
	Seq   uint64  `json:"seq"`
}

// Vector maps each known actor to the highest sequence number observed from
// it. Entries are monotonically non-decreasing.
type Vector map[ActorID]uint64

// Get returns the observed seq for actor, zero if unknown.
func (v Vector) Get(a ActorID) uint64 {
	return v[a]
}

// Observe records that seq from actor has been seen. Lower values are
// ignored.
func (v Vector) Observe(a ActorID, seq uint64) {
	if seq > v[a] {
		v[a] = seq
	}
}

// Merge folds other into v, keeping the maximum per actor.
func (v Vector) Merge(other Vector) {
	for a, seq := range other {
		v.Observe(a, seq)
	}
}

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	c := make(Vector, len(v))
	for a, seq := range v {
		c[a] = seq
	}
	return c
}

// Dominates reports whether v has seen everything other has.
func (v Vector) Dominates(other Vector) bool {
	for a, seq := range other {
		if v[a] < seq {
			return false
		}
	}
	return true
}

// Satisfies reports whether every dependency named by deps has been
// observed by v.
func (v Vector) Satisfies(deps Vector) bool {
	return v.Dominates(deps)
}

// Missing returns, for each actor where deps runs ahead of v, the next
// operation v needs. Sorted by actor for deterministic output.
func (v Vector) Missing(deps Vector) []Ref {
	var refs []Ref
	for a, seq := range deps {
		if v[a] < seq {
			refs = append(refs, Ref{Actor: a, Seq: v[a] + 1})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Actor < refs[j].Actor })
	return refs
}

// Clock stamps locally generated operations with a monotonically
// increasing sequence number and a causal snapshot.
type Clock struct {
	actor ActorID
	seq   uint64
	seen  Vector
}

// New returns a clock for the given actor with an empty history.
func New(actor ActorID) *Clock {
	return &Clock{actor: actor, seen: Vector{}}
}

// Actor returns the clock's actor identifier.
func (c *Clock) Actor() ActorID {
	return c.actor
}

// Next allocates the next local sequence number and returns it together
// with a snapshot of everything seen so far, suitable for causal_deps.
func (c *Clock) Next() (uint64, Vector) {
	deps := c.seen.Clone()
	c.seq++
	c.seen.Observe(c.actor, c.seq)
	return c.seq, deps
}

// Observe folds a remote operation into the clock's causal history.
func (c *Clock) Observe(a ActorID, seq uint64) {
	c.seen.Observe(a, seq)
	if a == c.actor && seq > c.seq {
		c.seq = seq
	}
}

// Seen returns a copy of the clock's version vector.
func (c *Clock) Seen() Vector {
	return c.seen.Clone()
}
