// Package wire defines the message envelope exchanged between peers and
// the relay. Every payload rides inside an Envelope tagged by kind; the
// transport below this layer only ever sees opaque bytes.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/op"
	"github.com/coedit/syncpad/internal/presence"
	"github.com/coedit/syncpad/internal/viewport"
)

// Kind tags an envelope's payload.
type Kind string

const (
	KindOperation       Kind = "Operation"
	KindPresenceUpdate  Kind = "PresenceUpdate"
	KindPresenceSummary Kind = "PresenceSummary"
	KindViewportUpdate  Kind = "ViewportUpdate"
	KindTypingIndicator Kind = "TypingIndicator"

	// Protocol kinds beyond the presence/operation surface.
	KindVectorExchange Kind = "VectorExchange"
	KindAck            Kind = "Ack"
)

// Envelope is the unit of transmission.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Actor   clock.ActorID   `json:"actor_id"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceDelta is the payload for PresenceUpdate, TypingIndicator and
// ViewportUpdate, and the element of a PresenceSummary. Nil fields carry
// no change.
type PresenceDelta struct {
	UserID          string           `json:"user_id"`
	Cursor          *presence.Cursor `json:"cursor,omitempty"`
	Viewport        *viewport.Rect   `json:"viewport,omitempty"`
	IsTyping        *bool            `json:"is_typing,omitempty"`
	ResolutionLevel *int             `json:"resolution_level,omitempty"`
}

// PresenceSummary aggregates a batch window of presence deltas into one
// message.
type PresenceSummary struct {
	Deltas []PresenceDelta `json:"deltas"`
}

// AckPayload acknowledges durable receipt of one operation.
type AckPayload struct {
	Actor clock.ActorID `json:"actor"`
	Seq   uint64        `json:"seq"`
}

// VectorPayload carries a replica's version vector for reconciliation.
type VectorPayload struct {
	Vector clock.Vector `json:"vector"`
}

// Marshal encodes an envelope for the transport.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a transport frame.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Kind == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind")
	}
	return e, nil
}

// NewOperation wraps an operation.
func NewOperation(o op.Operation) (Envelope, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode operation: %w", err)
	}
	return Envelope{Kind: KindOperation, Actor: o.Actor, Seq: o.Seq, Payload: payload}, nil
}

// Operation extracts the payload of a KindOperation envelope.
func (e Envelope) Operation() (op.Operation, error) {
	if e.Kind != KindOperation {
		return op.Operation{}, fmt.Errorf("envelope is %s, not an operation", e.Kind)
	}
	var o op.Operation
	if err := json.Unmarshal(e.Payload, &o); err != nil {
		return op.Operation{}, fmt.Errorf("decode operation payload: %w", err)
	}
	return o, nil
}

// NewPresenceUpdate wraps a single presence delta.
func NewPresenceUpdate(actor clock.ActorID, d PresenceDelta) (Envelope, error) {
	return payloadEnvelope(KindPresenceUpdate, actor, d)
}

// NewTypingIndicator wraps a typing-only delta.
func NewTypingIndicator(actor clock.ActorID, userID string, typing bool) (Envelope, error) {
	return payloadEnvelope(KindTypingIndicator, actor, PresenceDelta{UserID: userID, IsTyping: &typing})
}

// NewViewportUpdate wraps a viewport-only delta.
func NewViewportUpdate(actor clock.ActorID, userID string, r viewport.Rect) (Envelope, error) {
	return payloadEnvelope(KindViewportUpdate, actor, PresenceDelta{UserID: userID, Viewport: &r})
}

// NewPresenceSummary wraps a batched summary.
func NewPresenceSummary(actor clock.ActorID, s PresenceSummary) (Envelope, error) {
	return payloadEnvelope(KindPresenceSummary, actor, s)
}

// NewAck wraps an operation acknowledgment.
func NewAck(actor clock.ActorID, ref clock.Ref) (Envelope, error) {
	return payloadEnvelope(KindAck, actor, AckPayload{Actor: ref.Actor, Seq: ref.Seq})
}

// NewVectorExchange wraps a version vector for reconciliation.
func NewVectorExchange(actor clock.ActorID, v clock.Vector) (Envelope, error) {
	return payloadEnvelope(KindVectorExchange, actor, VectorPayload{Vector: v})
}

// PresenceDelta extracts the delta from presence-bearing envelopes.
func (e Envelope) PresenceDelta() (PresenceDelta, error) {
	switch e.Kind {
	case KindPresenceUpdate, KindTypingIndicator, KindViewportUpdate:
	default:
		return PresenceDelta{}, fmt.Errorf("envelope is %s, not a presence delta", e.Kind)
	}
	var d PresenceDelta
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return PresenceDelta{}, fmt.Errorf("decode presence payload: %w", err)
	}
	return d, nil
}

// PresenceSummary extracts the payload of a KindPresenceSummary envelope.
func (e Envelope) PresenceSummary() (PresenceSummary, error) {
	if e.Kind != KindPresenceSummary {
		return PresenceSummary{}, fmt.Errorf("envelope is %s, not a summary", e.Kind)
	}
	var s PresenceSummary
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return PresenceSummary{}, fmt.Errorf("decode summary payload: %w", err)
	}
	return s, nil
}

// Ack extracts the payload of a KindAck envelope.
func (e Envelope) Ack() (AckPayload, error) {
	if e.Kind != KindAck {
		return AckPayload{}, fmt.Errorf("envelope is %s, not an ack", e.Kind)
	}
	var a AckPayload
	if err := json.Unmarshal(e.Payload, &a); err != nil {
		return AckPayload{}, fmt.Errorf("decode ack payload: %w", err)
	}
	return a, nil
}

// Vector extracts the payload of a KindVectorExchange envelope.
func (e Envelope) Vector() (clock.Vector, error) {
	if e.Kind != KindVectorExchange {
		return nil, fmt.Errorf("envelope is %s, not a vector exchange", e.Kind)
	}
	var p VectorPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode vector payload: %w", err)
	}
	if p.Vector == nil {
		p.Vector = clock.Vector{}
	}
	return p.Vector, nil
}

func payloadEnvelope(kind Kind, actor clock.ActorID, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Actor: actor, Payload: b}, nil
}
