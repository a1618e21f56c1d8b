// Package hub implements the relay that connects replicas editing the
// same document: one goroutine per document owning the subscriber set,
// a vector handshake that backfills what a connecting replica lacks, op
// fan-out with acknowledgments, and optional cross-instance fan-out over
// a message bus.
package hub

import (
	"context"
	"log"
	"time"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/transport"
	"github.com/coedit/syncpad/internal/wire"
)

const (
	sendTimeout = 5 * time.Second
	// outboundBuffer is how far one peer may fall behind before the hub
	// gives up on it.
	outboundBuffer = 256
)

type subscriber struct {
	actor clock.ActorID
	conn  transport.Transport
	// out feeds the subscriber's writer goroutine; the hub loop never
	// touches the connection directly, so a stuck peer cannot stall it.
	out chan []byte
}

type inboundFrame struct {
	from  *subscriber
	frame []byte
}

// Hub relays traffic for one document.
type Hub struct {
	docID   string
	archive Archive
	bus     Bus

	joins    chan *subscriber
	leaves   chan *subscriber
	inbound  chan inboundFrame
	relayed  <-chan []byte
	shutdown chan struct{}

	logf func(format string, args ...any)
}

// newHub builds a hub for docID; Run must be started by the caller.
func newHub(docID string, archive Archive, bus Bus, logf func(string, ...any)) *Hub {
	if logf == nil {
		logf = log.Printf
	}
	return &Hub{
		docID:    docID,
		archive:  archive,
		bus:      bus,
		joins:    make(chan *subscriber),
		leaves:   make(chan *subscriber),
		inbound:  make(chan inboundFrame, 64),
		shutdown: make(chan struct{}),
		logf:     logf,
	}
}

// Join attaches a replica's transport to the hub. The hub takes over the
// connection; it is closed when the hub shuts down or the peer leaves.
func (h *Hub) Join(actor clock.ActorID, conn transport.Transport) {
	sub := &subscriber{actor: actor, conn: conn, out: make(chan []byte, outboundBuffer)}
	select {
	case h.joins <- sub:
	case <-h.shutdown:
		conn.Close()
	}
}

// Run owns the subscriber set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.shutdown)

	if h.bus != nil {
		ch, err := h.bus.Subscribe(ctx, h.docID)
		if err != nil {
			h.logf("hub %s: bus subscribe failed, running single-instance: %v", h.docID, err)
		} else {
			h.relayed = ch
		}
	}

	subs := make(map[*subscriber]bool)
	defer func() {
		for sub := range subs {
			h.drop(subs, sub)
		}
	}()

	for {
		select {
		case sub := <-h.joins:
			subs[sub] = true
			go h.pump(ctx, sub)
			go h.writer(ctx, sub)
			h.logf("hub %s: %s joined, %d subscribers", h.docID, sub.actor, len(subs))
		case sub := <-h.leaves:
			h.drop(subs, sub)
		case in := <-h.inbound:
			h.handle(ctx, subs, in)
		case frame := <-h.relayed:
			// Traffic relayed from another hub instance via the bus.
			h.fanOut(subs, nil, frame)
		case <-ctx.Done():
			return
		}
	}
}

// drop removes a subscriber, closing its connection and its outbound
// stream. Only the hub loop calls it.
func (h *Hub) drop(subs map[*subscriber]bool, sub *subscriber) {
	if !subs[sub] {
		return
	}
	delete(subs, sub)
	close(sub.out)
	sub.conn.Close()
	h.logf("hub %s: %s left, %d subscribers", h.docID, sub.actor, len(subs))
}

// writer drains one subscriber's outbound stream onto its connection,
// keeping slow connections out of the hub loop.
func (h *Hub) writer(ctx context.Context, sub *subscriber) {
	for {
		select {
		case frame, ok := <-sub.out:
			if !ok {
				return
			}
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := sub.conn.Send(sctx, frame)
			cancel()
			if err != nil {
				h.logf("hub %s: send to %s: %v", h.docID, sub.actor, err)
				select {
				case h.leaves <- sub:
				case <-ctx.Done():
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pump moves frames from one connection into the hub loop.
func (h *Hub) pump(ctx context.Context, sub *subscriber) {
	for frame := range sub.conn.Receive() {
		select {
		case h.inbound <- inboundFrame{from: sub, frame: frame}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case h.leaves <- sub:
	case <-ctx.Done():
	}
}

func (h *Hub) handle(ctx context.Context, subs map[*subscriber]bool, in inboundFrame) {
	env, err := wire.Unmarshal(in.frame)
	if err != nil {
		h.logf("hub %s: bad frame from %s: %v", h.docID, in.from.actor, err)
		return
	}

	switch env.Kind {
	case wire.KindVectorExchange:
		have, err := env.Vector()
		if err != nil {
			h.logf("hub %s: %v", h.docID, err)
			return
		}
		h.backfill(ctx, subs, in.from, have)
	case wire.KindOperation:
		o, err := env.Operation()
		if err != nil {
			h.logf("hub %s: %v", h.docID, err)
			return
		}
		if err := o.Validate(); err != nil {
			h.logf("hub %s: rejecting op from %s: %v", h.docID, in.from.actor, err)
			return
		}
		if err := h.archive.AppendOp(ctx, h.docID, o); err != nil {
			// Without the archive, a reconnecting replica could miss this
			// op forever; do not ack or relay it.
			h.logf("hub %s: archive append: %v", h.docID, err)
			return
		}
		h.ack(subs, in.from, o.Ref())
		h.fanOut(subs, in.from, in.frame)
		h.publish(ctx, in.frame)
	case wire.KindPresenceUpdate, wire.KindPresenceSummary,
		wire.KindTypingIndicator, wire.KindViewportUpdate:
		// Presence is ephemeral: relay without archiving.
		h.fanOut(subs, in.from, in.frame)
		h.publish(ctx, in.frame)
	default:
		h.logf("hub %s: ignoring %s frame from %s", h.docID, env.Kind, in.from.actor)
	}
}

// backfill answers a vector handshake: the ops the replica lacks, then
// the archive's own vector as the pull/push sync point.
func (h *Hub) backfill(ctx context.Context, subs map[*subscriber]bool, sub *subscriber, have clock.Vector) {
	missing, err := h.archive.OpsSince(ctx, h.docID, have)
	if err != nil {
		h.logf("hub %s: backfill query: %v", h.docID, err)
		return
	}
	for _, o := range missing {
		env, err := wire.NewOperation(o)
		if err != nil {
			h.logf("hub %s: %v", h.docID, err)
			return
		}
		if !h.send(subs, sub, env) {
			return
		}
	}
	vec, err := archiveVector(ctx, h.archive, h.docID)
	if err != nil {
		h.logf("hub %s: archive vector: %v", h.docID, err)
		return
	}
	env, err := wire.NewVectorExchange("", vec)
	if err != nil {
		h.logf("hub %s: %v", h.docID, err)
		return
	}
	h.send(subs, sub, env)
	h.logf("hub %s: backfilled %d ops to %s", h.docID, len(missing), sub.actor)
}

func (h *Hub) ack(subs map[*subscriber]bool, sub *subscriber, ref clock.Ref) {
	env, err := wire.NewAck("", ref)
	if err != nil {
		h.logf("hub %s: %v", h.docID, err)
		return
	}
	h.send(subs, sub, env)
}

func (h *Hub) send(subs map[*subscriber]bool, sub *subscriber, env wire.Envelope) bool {
	frame, err := wire.Marshal(env)
	if err != nil {
		h.logf("hub %s: %v", h.docID, err)
		return false
	}
	return h.enqueue(subs, sub, frame)
}

// enqueue hands a frame to a subscriber's writer without blocking the
// hub loop. A peer whose buffer is full has fallen too far behind to
// keep; it is dropped and can reconnect with a fresh handshake.
func (h *Hub) enqueue(subs map[*subscriber]bool, sub *subscriber, frame []byte) bool {
	if !subs[sub] {
		return false
	}
	select {
	case sub.out <- frame:
		return true
	default:
		h.logf("hub %s: %s cannot keep up, dropping", h.docID, sub.actor)
		h.drop(subs, sub)
		return false
	}
}

// fanOut relays a frame to every subscriber except the origin.
func (h *Hub) fanOut(subs map[*subscriber]bool, origin *subscriber, frame []byte) {
	for sub := range subs {
		if sub == origin {
			continue
		}
		h.enqueue(subs, sub, frame)
	}
}

func (h *Hub) publish(ctx context.Context, frame []byte) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, h.docID, frame); err != nil {
		h.logf("hub %s: bus publish: %v", h.docID, err)
	}
}
