// Package session ties the sync core together for one editing replica.
// One goroutine owns the document, resolver, queue and presence table;
// every input arrives as a message, so the core logic needs no locks.
// Editing always succeeds locally; a dead connection only shows up as a
// reconnecting state, never as blocked input.
package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/coedit/syncpad/internal/batch"
	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/doc"
	"github.com/coedit/syncpad/internal/merge"
	"github.com/coedit/syncpad/internal/op"
	"github.com/coedit/syncpad/internal/oplog"
	"github.com/coedit/syncpad/internal/presence"
	"github.com/coedit/syncpad/internal/queue"
	"github.com/coedit/syncpad/internal/transport"
	"github.com/coedit/syncpad/internal/viewport"
	"github.com/coedit/syncpad/internal/wire"
)

// Config assembles a session. Zero values pick defaults; Store is
// required.
type Config struct {
	Actor  clock.ActorID // generated when empty
	UserID string        // defaults to the actor id

	Store queue.Store

	GapTimeout       time.Duration
	PresenceCapacity int // negative picks the default, zero disables LRU

	// OnDocumentChanged fires inside the session goroutine after any
	// merge that may have changed the document. Callbacks must not call
	// back into the session.
	OnDocumentChanged func(*doc.State)
	// OnPresenceChanged fires after presence updates and ticks.
	OnPresenceChanged func([]presence.Entry)

	Now  func() time.Time
	Logf func(format string, args ...any)
}

// Session is one replica's event loop. All exported methods are safe
// from any goroutine; they hand work to the loop.
type Session struct {
	actor  clock.ActorID
	userID string

	clk      *clock.Clock
	log      *oplog.Log
	resolver *merge.Resolver
	q        *queue.Queue
	pres     *presence.Manager
	vp       *viewport.SyncManager
	batcher  *batch.Batcher

	conn      transport.Transport
	connected bool
	backoff   queue.Backoff
	retryAt   time.Time

	onDoc      func(*doc.State)
	onPresence func([]presence.Entry)
	now        func() time.Time
	logf       func(format string, args ...any)

	cmds      chan func()
	summaries chan wire.PresenceSummary
	done      chan struct{}
}

// New builds a session. The queue backlog is loaded from cfg.Store, so a
// restart resumes with its unacked edits intact.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Actor == "" {
		cfg.Actor = clock.NewActorID()
	}
	if cfg.UserID == "" {
		cfg.UserID = string(cfg.Actor)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.OnDocumentChanged == nil {
		cfg.OnDocumentChanged = func(*doc.State) {}
	}
	if cfg.OnPresenceChanged == nil {
		cfg.OnPresenceChanged = func([]presence.Entry) {}
	}

	q, err := queue.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	s := &Session{
		actor:      cfg.Actor,
		userID:     cfg.UserID,
		clk:        clock.New(cfg.Actor),
		log:        oplog.New(),
		resolver:   merge.New(merge.Config{GapTimeout: cfg.GapTimeout, Now: cfg.Now, Logf: cfg.Logf}),
		q:          q,
		pres:       presence.NewManager(cfg.PresenceCapacity, cfg.Now),
		vp:         viewport.NewSyncManager(0, 0),
		onDoc:      cfg.OnDocumentChanged,
		onPresence: cfg.OnPresenceChanged,
		now:        cfg.Now,
		logf:       cfg.Logf,
		cmds:       make(chan func(), 64),
		summaries:  make(chan wire.PresenceSummary, 16),
		done:       make(chan struct{}),
	}
	s.batcher = batch.New(batch.Config{
		Emit: func(sum wire.PresenceSummary) error {
			select {
			case s.summaries <- sum:
				return nil
			case <-s.done:
				return transport.ErrClosed
			}
		},
		Logf: cfg.Logf,
	})

	// Replay the persisted backlog so the local document reflects edits
	// made before the restart.
	for _, o := range q.Pending() {
		s.clk.Observe(o.Actor, o.Seq)
		if err := s.log.Append(o); err != nil {
			cfg.Logf("session: backlog replay: %v", err)
		}
	}
	if _, err := s.resolver.Merge(q.Pending()...); err != nil {
		cfg.Logf("session: backlog merge: %v", err)
	}
	return s, nil
}

// Actor returns the session's actor id.
func (s *Session) Actor() clock.ActorID { return s.actor }

// Run drives the event loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	bctx, bcancel := context.WithCancel(ctx)
	defer bcancel()
	go s.batcher.Run(bctx)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	lastPresenceTick := s.now()

	for {
		// A nil receive channel blocks forever, which is exactly what an
		// offline session wants.
		var inbound <-chan []byte
		if s.conn != nil {
			inbound = s.conn.Receive()
		}

		select {
		case cmd := <-s.cmds:
			cmd()
		case sum := <-s.summaries:
			s.sendSummary(sum)
		case frame, ok := <-inbound:
			if !ok {
				s.dropConnection("connection closed by peer")
				continue
			}
			s.handleFrame(ctx, frame)
		case <-ticker.C:
			now := s.now()
			if now.Sub(lastPresenceTick) >= presence.TickInterval {
				lastPresenceTick = now
				if events := s.pres.Tick(); len(events) != 0 {
					s.onPresence(s.pres.Snapshot())
				}
			}
			if r := s.vp.Poll(now); r != nil {
				s.submitPresence(wire.PresenceDelta{UserID: s.userID, Viewport: r})
			}
			s.maybeRetry(ctx, now)
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn in the loop goroutine and waits for it.
func (s *Session) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- func() { reply <- fn() }:
	case <-s.done:
		return transport.ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return transport.ErrClosed
	}
}

// Insert types content at a rune position.
func (s *Session) Insert(ctx context.Context, pos int, content string) error {
	return s.do(func() error {
		return s.localOp(ctx, op.Operation{Kind: op.KindInsert, Pos: pos, Content: content})
	})
}

// Delete removes the half-open rune range [start, end).
func (s *Session) Delete(ctx context.Context, start, end int) error {
	return s.do(func() error {
		return s.localOp(ctx, op.Operation{Kind: op.KindDelete, Span: op.Range{Start: start, End: end}})
	})
}

// Format applies a formatting kind over [start, end).
func (s *Session) Format(ctx context.Context, start, end int, kind string) error {
	return s.do(func() error {
		return s.localOp(ctx, op.Operation{Kind: op.KindFormat, Span: op.Range{Start: start, End: end}, Format: kind})
	})
}

// InsertImage places an image block at a rune position.
func (s *Session) InsertImage(ctx context.Context, pos int, assetRef, caption string) error {
	return s.do(func() error {
		return s.localOp(ctx, op.Operation{Kind: op.KindInsertImage, Pos: pos, AssetRef: assetRef, Caption: caption})
	})
}

// localOp stamps, records, applies and ships one local edit. The edit is
// visible locally even when the connection is down or the flush fails.
func (s *Session) localOp(ctx context.Context, o op.Operation) error {
	o.Actor = s.actor
	probe := o
	probe.Seq = 1
	if err := probe.Validate(); err != nil {
		return err
	}

	seq, deps := s.clk.Next()
	o.Seq = seq
	o.Deps = deps

	if err := s.log.Append(o); err != nil {
		return fmt.Errorf("record local op: %w", err)
	}
	if _, err := s.resolver.Merge(o); err != nil {
		s.logf("session: local merge: %v", err)
	}
	s.onDoc(s.resolver.State())
	s.touchSelf(presence.Delta{})

	if err := s.q.Enqueue(ctx, o); err != nil {
		// The edit is applied but not durable; surface it.
		return err
	}
	s.flush(ctx)
	return nil
}

// MoveCursor records the local cursor and batches the delta for peers.
func (s *Session) MoveCursor(line, col int) {
	s.enqueueCmd(func() {
		c := presence.Cursor{Line: line, Col: col}
		s.touchSelf(presence.Delta{Cursor: &c})
		s.submitPresence(wire.PresenceDelta{UserID: s.userID, Cursor: &c})
	})
}

// SetTyping records the local typing state and batches it for peers.
func (s *Session) SetTyping(typing bool) {
	s.enqueueCmd(func() {
		t := typing
		s.touchSelf(presence.Delta{Typing: &t})
		s.submitPresence(wire.PresenceDelta{UserID: s.userID, IsTyping: &t})
	})
}

// ViewportChanged feeds a local scroll/resize through the throttle; only
// changes that clear the similarity and interval gates reach peers.
func (s *Session) ViewportChanged(r viewport.Rect) {
	s.enqueueCmd(func() {
		rc := r
		s.touchSelf(presence.Delta{Viewport: &rc})
		if out := s.vp.OnViewportChanged(r, s.now()); out != nil {
			s.submitPresence(wire.PresenceDelta{UserID: s.userID, Viewport: out})
		}
	})
}

// Connect adopts a fresh transport and starts the vector handshake: our
// vector goes out, the peer replies with the operations we lack and then
// its own vector, which triggers the push side of reconciliation.
func (s *Session) Connect(t transport.Transport) {
	s.enqueueCmd(func() {
		if s.conn != nil {
			s.conn.Close()
		}
		s.conn = t
		s.connected = true
		s.backoff.Reset()
		s.sendVector()
	})
}

// Disconnect drops the transport; pending edits stay queued.
func (s *Session) Disconnect() {
	s.enqueueCmd(func() {
		s.dropConnection("disconnect requested")
	})
}

// Connected reports whether a transport is currently attached.
func (s *Session) Connected() bool {
	var up bool
	_ = s.do(func() error {
		up = s.connected
		return nil
	})
	return up
}

// Text returns the current document text.
func (s *Session) Text() string {
	var text string
	_ = s.do(func() error {
		text = s.resolver.State().String()
		return nil
	})
	return text
}

// Presence returns a snapshot of the presence table.
func (s *Session) Presence() []presence.Entry {
	var out []presence.Entry
	_ = s.do(func() error {
		out = s.pres.Snapshot()
		return nil
	})
	return out
}

// PendingOps returns how many local edits await acknowledgment.
func (s *Session) PendingOps() int {
	var n int
	_ = s.do(func() error {
		n = s.q.Len()
		return nil
	})
	return n
}

func (s *Session) enqueueCmd(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// touchSelf keeps the local user in the shared presence table so local
// rendering and remote rendering draw from the same state.
func (s *Session) touchSelf(d presence.Delta) {
	if events := s.pres.Update(s.userID, d); len(events) != 0 {
		s.logf("session: presence capacity evicted %d entries", len(events))
	}
	s.onPresence(s.pres.Snapshot())
}

func (s *Session) submitPresence(d wire.PresenceDelta) {
	s.batcher.Submit(d)
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	env, err := wire.Unmarshal(frame)
	if err != nil {
		s.logf("session: bad frame: %v", err)
		return
	}
	switch env.Kind {
	case wire.KindOperation:
		o, err := env.Operation()
		if err != nil {
			s.logf("session: %v", err)
			return
		}
		s.mergeRemote(o)
	case wire.KindAck:
		ack, err := env.Ack()
		if err != nil {
			s.logf("session: %v", err)
			return
		}
		if err := s.q.Ack(ctx, ack.Actor, ack.Seq); err != nil {
			s.logf("session: ack: %v", err)
		}
	case wire.KindVectorExchange:
		remote, err := env.Vector()
		if err != nil {
			s.logf("session: %v", err)
			return
		}
		s.reconcile(ctx, remote)
	case wire.KindPresenceSummary:
		sum, err := env.PresenceSummary()
		if err != nil {
			s.logf("session: %v", err)
			return
		}
		for _, d := range sum.Deltas {
			s.applyPresenceDelta(d)
		}
		s.onPresence(s.pres.Snapshot())
	case wire.KindPresenceUpdate, wire.KindTypingIndicator, wire.KindViewportUpdate:
		d, err := env.PresenceDelta()
		if err != nil {
			s.logf("session: %v", err)
			return
		}
		s.applyPresenceDelta(d)
		s.onPresence(s.pres.Snapshot())
	default:
		s.logf("session: ignoring frame kind %s", env.Kind)
	}
}

func (s *Session) applyPresenceDelta(d wire.PresenceDelta) {
	if d.UserID == s.userID {
		return
	}
	s.pres.Update(d.UserID, presence.Delta{
		Cursor:          d.Cursor,
		Viewport:        d.Viewport,
		Typing:          d.IsTyping,
		ResolutionLevel: d.ResolutionLevel,
	})
}

func (s *Session) mergeRemote(o op.Operation) {
	s.clk.Observe(o.Actor, o.Seq)
	if _, err := s.resolver.Merge(o); err != nil {
		if gap, ok := err.(*merge.GapError); ok {
			// Missing causal ancestors; ask the peer for a resync.
			s.logf("session: causal gap, %d refs missing, requesting resync", len(gap.Missing))
			s.sendVector()
		} else {
			s.logf("session: merge: %v", err)
		}
	}
	s.onDoc(s.resolver.State())
}

// reconcile is the pull-before-push sync point. The peer has finished
// sending what we lacked; now push every local op the peer's vector has
// not seen. Everything goes out exactly as stamped: queued ops keep the
// deps they were created with, so the peer and any later joiner see the
// same concurrency relation this replica resolved and transform the
// positions identically.
func (s *Session) reconcile(ctx context.Context, remote clock.Vector) {
	pending := make(map[clock.Ref]bool, s.q.Len())
	for _, o := range s.q.Pending() {
		pending[o.Ref()] = true
	}
	// Acked ops the peer lost (e.g. a fresh hub instance) come straight
	// from the log; queued ones go through the flush path below.
	for _, o := range s.log.Since(remote) {
		if pending[o.Ref()] {
			continue
		}
		if err := s.send(ctx, o); err != nil {
			s.connectionFailed(err)
			return
		}
	}
	s.flush(ctx)
}

func (s *Session) send(ctx context.Context, o op.Operation) error {
	env, err := wire.NewOperation(o)
	if err != nil {
		return err
	}
	frame, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, frame)
}

func (s *Session) sendVector() {
	if s.conn == nil {
		return
	}
	env, err := wire.NewVectorExchange(s.actor, s.clk.Seen())
	if err != nil {
		s.logf("session: %v", err)
		return
	}
	frame, err := wire.Marshal(env)
	if err != nil {
		s.logf("session: %v", err)
		return
	}
	if err := s.conn.Send(context.Background(), frame); err != nil {
		s.connectionFailed(err)
	}
}

func (s *Session) sendSummary(sum wire.PresenceSummary) {
	if s.conn == nil {
		return
	}
	env, err := wire.NewPresenceSummary(s.actor, sum)
	if err != nil {
		s.logf("session: %v", err)
		return
	}
	frame, err := wire.Marshal(env)
	if err != nil {
		s.logf("session: %v", err)
		return
	}
	// Presence is best-effort; a lost summary only means staleness.
	if err := s.conn.Send(context.Background(), frame); err != nil {
		s.connectionFailed(err)
	}
}

// flush pushes the queued backlog. Failure keeps everything queued and
// schedules a retry with backoff.
func (s *Session) flush(ctx context.Context) {
	if s.conn == nil {
		return
	}
	report, err := s.q.Flush(ctx, s.conn)
	if err != nil {
		s.logf("session: flush sent %d, %d remaining: %v", report.Sent, report.Remaining, err)
		s.connectionFailed(err)
		return
	}
	s.backoff.Reset()
}

func (s *Session) maybeRetry(ctx context.Context, now time.Time) {
	if s.conn == nil || s.q.Len() == 0 || s.retryAt.IsZero() || now.Before(s.retryAt) {
		return
	}
	s.retryAt = time.Time{}
	s.flush(ctx)
}

func (s *Session) connectionFailed(err error) {
	s.logf("session: connection failed, reconnecting: %v", err)
	s.retryAt = s.now().Add(s.backoff.Next())
	// Keep the transport; the next retry may succeed on a transient
	// failure. A closed receive stream drops it for real.
}

func (s *Session) dropConnection(reason string) {
	if s.conn == nil {
		return
	}
	s.logf("session: %s, %d ops queued", reason, s.q.Len())
	s.conn.Close()
	s.conn = nil
	s.connected = false
}
