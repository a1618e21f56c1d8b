package hub

import (
	"context"
	"sync"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/op"
)

// Archive stores relayed operations per document so reconnecting and
// late-joining replicas can pull what their vector lacks.
type Archive interface {
	AppendOp(ctx context.Context, docID string, o op.Operation) error
	OpsSince(ctx context.Context, docID string, have clock.Vector) ([]op.Operation, error)
}

// MemoryArchive keeps the archive in process memory, for single-instance
// deployments without mongo and for tests.
type MemoryArchive struct {
	mu   sync.Mutex
	ops  map[string][]op.Operation
	seen map[string]map[clock.Ref]bool
}

// NewMemoryArchive returns an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		ops:  make(map[string][]op.Operation),
		seen: make(map[string]map[clock.Ref]bool),
	}
}

// AppendOp records o under docID; duplicate refs are absorbed.
func (a *MemoryArchive) AppendOp(_ context.Context, docID string, o op.Operation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen[docID] == nil {
		a.seen[docID] = make(map[clock.Ref]bool)
	}
	if a.seen[docID][o.Ref()] {
		return nil
	}
	a.seen[docID][o.Ref()] = true
	a.ops[docID] = append(a.ops[docID], o.Clone())
	return nil
}

// OpsSince returns archived ops the given vector has not observed, in
// arrival order.
func (a *MemoryArchive) OpsSince(_ context.Context, docID string, have clock.Vector) ([]op.Operation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []op.Operation
	for _, o := range a.ops[docID] {
		if o.Seq > have.Get(o.Actor) {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

// archiveVector folds the archived ops for docID into a version vector.
func archiveVector(ctx context.Context, a Archive, docID string) (clock.Vector, error) {
	ops, err := a.OpsSince(ctx, docID, clock.Vector{})
	if err != nil {
		return nil, err
	}
	v := clock.Vector{}
	for _, o := range ops {
		v.Observe(o.Actor, o.Seq)
	}
	return v, nil
}
