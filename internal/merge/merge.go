// Package merge implements the conflict resolver: it accepts operations
// from any number of actors in any arrival order, buffers the ones whose
// causal dependencies are unmet, and materializes a document state every
// peer reproduces identically.
//
// Ordering rule: operations are grouped by causal layer (topological depth
// of the dependency DAG derived from version vectors), tie-broken by
// (actor, seq). Concurrent operations ordered later are positionally
// transformed against the effective form of concurrent operations ordered
// earlier, so same-position inserts interleave by actor order on every
// peer.
package merge

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/doc"
	"github.com/coedit/syncpad/internal/op"
)

// ErrCausalGapTimeout reports operations stuck in the pending buffer
// longer than the configured timeout. Recoverable: the caller should
// request the missing operations and merge again.
var ErrCausalGapTimeout = errors.New("causal gap timeout")

// ErrPendingOverflow reports that the pending buffer is full and the
// offered operation was dropped.
var ErrPendingOverflow = errors.New("pending buffer overflow")

// GapError carries the refs still needed to close a causal gap.
type GapError struct {
	Missing []clock.Ref
	Oldest  time.Duration
}

func (e *GapError) Error() string {
	return fmt.Sprintf("causal gap timeout: %d missing refs, oldest pending %s", len(e.Missing), e.Oldest)
}

func (e *GapError) Is(target error) bool {
	return target == ErrCausalGapTimeout
}

// Config tunes the resolver. Zero values pick defaults.
type Config struct {
	GapTimeout time.Duration // pending age before a GapError surfaces (default 10s)
	MaxPending int           // pending buffer capacity (default 1024)
	Now        func() time.Time
	Logf       func(format string, args ...any)
}

const (
	defaultGapTimeout = 10 * time.Second
	defaultMaxPending = 1024
)

type pendingOp struct {
	op    op.Operation
	since time.Time
}

// Resolver merges operation streams into one document state.
type Resolver struct {
	applied clock.Vector
	ordered []op.Operation // total order: (layer, actor, seq)
	layers  map[clock.Ref]int
	pending map[clock.Ref]pendingOp

	state *doc.State

	gapTimeout time.Duration
	maxPending int
	now        func() time.Time
	logf       func(format string, args ...any)
}

// New returns an empty resolver.
func New(cfg Config) *Resolver {
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = defaultGapTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Resolver{
		applied:    clock.Vector{},
		layers:     make(map[clock.Ref]int),
		pending:    make(map[clock.Ref]pendingOp),
		state:      doc.NewState(),
		gapTimeout: cfg.GapTimeout,
		maxPending: cfg.MaxPending,
		now:        cfg.Now,
		logf:       cfg.Logf,
	}
}

// Merge folds ops into the resolver. Malformed operations are dropped and
// logged, duplicates are no-ops. The returned state is the live document;
// a non-nil error is either a GapError (recoverable, resync) or
// ErrPendingOverflow.
func (r *Resolver) Merge(ops ...op.Operation) (*doc.State, error) {
	now := r.now()
	var overflow bool

	for _, o := range ops {
		if err := o.Validate(); err != nil {
			r.logf("merge: dropping %s/%d: %v", o.Actor, o.Seq, err)
			continue
		}
		if o.Seq <= r.applied.Get(o.Actor) {
			continue // already applied, duplicate delivery
		}
		ref := o.Ref()
		if _, ok := r.pending[ref]; ok {
			continue
		}
		if len(r.pending) >= r.maxPending {
			overflow = true
			r.logf("merge: pending buffer full, dropping %s/%d", o.Actor, o.Seq)
			continue
		}
		r.pending[ref] = pendingOp{op: o.Clone(), since: now}
	}

	if r.drain() {
		r.rebuild()
	}

	if overflow {
		return r.state, ErrPendingOverflow
	}
	if gap := r.expiredGap(now); gap != nil {
		return r.state, gap
	}
	return r.state, nil
}

// drain integrates every pending op whose dependencies are satisfied,
// repeating until no progress. Returns whether anything was integrated.
func (r *Resolver) drain() bool {
	integrated := false
	for {
		progressed := false
		for ref, p := range r.pending {
			if !r.ready(p.op) {
				continue
			}
			delete(r.pending, ref)
			r.integrate(p.op)
			progressed = true
			integrated = true
		}
		if !progressed {
			return integrated
		}
	}
}

// ready reports whether o is the actor's next op and all deps are applied.
func (r *Resolver) ready(o op.Operation) bool {
	if o.Seq != r.applied.Get(o.Actor)+1 {
		return false
	}
	return r.applied.Satisfies(o.Deps)
}

// integrate places o into the deterministic total order.
func (r *Resolver) integrate(o op.Operation) {
	layer := r.layerOf(o)
	r.layers[o.Ref()] = layer

	idx := sort.Search(len(r.ordered), func(i int) bool {
		return r.less(o, layer, r.ordered[i])
	})
	r.ordered = append(r.ordered, op.Operation{})
	copy(r.ordered[idx+1:], r.ordered[idx:])
	r.ordered[idx] = o

	r.applied.Observe(o.Actor, o.Seq)
}

// layerOf is the topological depth of o: one past the deepest op on its
// dependency frontier. Dependencies always reference strictly earlier
// seqs, so depth is acyclic by construction.
func (r *Resolver) layerOf(o op.Operation) int {
	layer := 0
	for a, seq := range o.Deps {
		if seq == 0 {
			continue
		}
		if d, ok := r.layers[clock.Ref{Actor: a, Seq: seq}]; ok && d+1 > layer {
			layer = d + 1
		}
	}
	return layer
}

func (r *Resolver) less(o op.Operation, layer int, other op.Operation) bool {
	ol := r.layers[other.Ref()]
	if layer != ol {
		return layer < ol
	}
	if o.Actor != other.Actor {
		return o.Actor < other.Actor
	}
	return o.Seq < other.Seq
}

// rebuild replays the ordered log from an empty document. Each op is
// transformed against the effective form of every concurrent op ordered
// before it; causally prior ops are already reflected in its positions.
func (r *Resolver) rebuild() {
	state := doc.NewState()
	effective := make([]op.Operation, 0, len(r.ordered))

	for _, o := range r.ordered {
		t := o.Clone()
		for j, p := range r.ordered[:len(effective)] {
			if concurrent(o, p) {
				t = transform(t, effective[j])
			}
		}
		effective = append(effective, t)
		state.Apply(t)
	}
	r.state = state
}

// concurrent reports whether p is not in o's causal past.
func concurrent(o, p op.Operation) bool {
	if o.Actor == p.Actor {
		return false
	}
	return p.Seq > o.Deps.Get(p.Actor)
}

// State returns the live document state.
func (r *Resolver) State() *doc.State {
	return r.state
}

// Applied returns a copy of the applied version vector.
func (r *Resolver) Applied() clock.Vector {
	return r.applied.Clone()
}

// PendingCount returns how many operations are buffered on unmet deps.
func (r *Resolver) PendingCount() int {
	return len(r.pending)
}

// Missing returns the deduplicated refs needed to unblock every pending
// operation, sorted for deterministic resync requests.
func (r *Resolver) Missing() []clock.Ref {
	set := mapset.NewThreadUnsafeSet[clock.Ref]()
	for _, p := range r.pending {
		for _, ref := range r.applied.Missing(p.op.Deps) {
			set.Add(ref)
		}
		if next := r.applied.Get(p.op.Actor) + 1; p.op.Seq > next {
			set.Add(clock.Ref{Actor: p.op.Actor, Seq: next})
		}
	}
	refs := set.ToSlice()
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Actor != refs[j].Actor {
			return refs[i].Actor < refs[j].Actor
		}
		return refs[i].Seq < refs[j].Seq
	})
	return refs
}

func (r *Resolver) expiredGap(now time.Time) error {
	var oldest time.Duration
	for _, p := range r.pending {
		if age := now.Sub(p.since); age >= r.gapTimeout && age > oldest {
			oldest = age
		}
	}
	if oldest == 0 {
		return nil
	}
	return &GapError{Missing: r.Missing(), Oldest: oldest}
}
