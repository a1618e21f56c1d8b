// Package queue persists locally-generated operations while the peer is
// unreachable and replays them on reconnect. Operations leave the durable
// store only after the remote acknowledges them; a crash between send and
// ack re-sends, which is safe because application is idempotent.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/op"
	"github.com/coedit/syncpad/internal/transport"
	"github.com/coedit/syncpad/internal/wire"
)

// ErrTransport marks a flush stopped by the connection; the remaining
// operations stay queued and are retried with backoff.
var ErrTransport = errors.New("transport failure")

// ErrPersistence marks a durable-store failure. Fatal for the operation
// in question: the caller must warn that the edit may be lost if the
// process dies before a retry succeeds.
var ErrPersistence = errors.New("persistence failure")

// Store is the durable backing of the queue.
type Store interface {
	Append(ctx context.Context, o op.Operation) error
	LoadPending(ctx context.Context) ([]op.Operation, error)
	Remove(ctx context.Context, actor clock.ActorID, seq uint64) error
}

// FlushReport summarizes one flush attempt.
type FlushReport struct {
	Sent      int
	Remaining int
}

// Queue holds pending operations in creation order. Owned by the session
// loop; not safe for concurrent use.
type Queue struct {
	store   Store
	pending []op.Operation
}

// Open loads the pending backlog from the store, e.g. after a restart.
func Open(ctx context.Context, store Store) (*Queue, error) {
	pending, err := store.LoadPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load pending: %v", ErrPersistence, err)
	}
	return &Queue{store: store, pending: pending}, nil
}

// Enqueue appends o to the durable store and marks it pending.
func (q *Queue) Enqueue(ctx context.Context, o op.Operation) error {
	if err := q.store.Append(ctx, o); err != nil {
		return fmt.Errorf("%w: append %s/%d: %v", ErrPersistence, o.Actor, o.Seq, err)
	}
	q.pending = append(q.pending, o.Clone())
	return nil
}

// Flush sends pending operations in creation order, stopping at the
// first transport failure so no partial reorder can happen. Sent
// operations remain pending until Ack removes them.
//
// Operations go out exactly as stamped. Their deps still name the
// history in effect when the edit was made, so every replica sees the
// same concurrency relation and transforms them identically; restamping
// deps after a pull would make remote replicas apply stale positions
// literally and diverge.
func (q *Queue) Flush(ctx context.Context, t transport.Transport) (FlushReport, error) {
	var report FlushReport
	for _, o := range q.pending {
		env, err := wire.NewOperation(o)
		if err != nil {
			return report, fmt.Errorf("encode %s/%d: %w", o.Actor, o.Seq, err)
		}
		frame, err := wire.Marshal(env)
		if err != nil {
			return report, fmt.Errorf("encode %s/%d: %w", o.Actor, o.Seq, err)
		}
		if err := t.Send(ctx, frame); err != nil {
			report.Remaining = len(q.pending) - report.Sent
			return report, fmt.Errorf("%w: send %s/%d: %v", ErrTransport, o.Actor, o.Seq, err)
		}
		report.Sent++
	}
	report.Remaining = len(q.pending) - report.Sent
	return report, nil
}

// Ack removes an acknowledged operation from the durable store and the
// in-memory backlog. Unknown refs are ignored: duplicate acks arrive
// after reconnects.
func (q *Queue) Ack(ctx context.Context, actor clock.ActorID, seq uint64) error {
	found := false
	for i, o := range q.pending {
		if o.Actor == actor && o.Seq == seq {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	if err := q.store.Remove(ctx, actor, seq); err != nil {
		return fmt.Errorf("%w: remove %s/%d: %v", ErrPersistence, actor, seq, err)
	}
	return nil
}

// Pending returns a copy of the backlog in creation order.
func (q *Queue) Pending() []op.Operation {
	out := make([]op.Operation, len(q.pending))
	for i, o := range q.pending {
		out[i] = o.Clone()
	}
	return out
}

// Len returns the backlog size.
func (q *Queue) Len() int {
	return len(q.pending)
}
