package wire

import (
	"testing"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/op"
	"github.com/coedit/syncpad/internal/presence"
)

func TestOperationEnvelope(t *testing.T) {
	o := op.Operation{
		Kind: op.KindInsert, Actor: "a", Seq: 3, Pos: 7, Content: "hi",
		Deps: clock.Vector{"b": 2},
	}

	env, err := NewOperation(o)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if env.Kind != KindOperation || env.Actor != "a" || env.Seq != 3 {
		t.Fatalf("unexpected envelope header %+v", env)
	}

	b, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, err := back.Operation()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got.Content != "hi" || got.Deps.Get("b") != 2 {
		t.Fatalf("operation did not survive the wire: %+v", got)
	}
}

func TestKindMismatch(t *testing.T) {
	env, err := NewTypingIndicator("a", "u1", true)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := env.Operation(); err == nil {
		t.Fatal("extracting an operation from a typing indicator should fail")
	}

	d, err := env.PresenceDelta()
	if err != nil {
		t.Fatalf("extract delta: %v", err)
	}
	if d.UserID != "u1" || d.IsTyping == nil || !*d.IsTyping {
		t.Fatalf("unexpected delta %+v", d)
	}
}

func TestUnmarshalRejectsMissingKind(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"actor_id":"a"}`)); err == nil {
		t.Fatal("expected error for missing kind")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatal("expected error for junk input")
	}
}

func TestVectorExchangeRoundTrip(t *testing.T) {
	env, err := NewVectorExchange("a", clock.Vector{"a": 4, "b": 9})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	b, _ := Marshal(env)
	back, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, err := back.Vector()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if v.Get("a") != 4 || v.Get("b") != 9 {
		t.Fatalf("vector did not survive: %v", v)
	}
}

func TestSummaryCarriesPerUserDeltas(t *testing.T) {
	lod := 1
	env, err := NewPresenceSummary("a", PresenceSummary{Deltas: []PresenceDelta{
		{UserID: "u1", Cursor: &presence.Cursor{Line: 2, Col: 5}, ResolutionLevel: &lod},
		{UserID: "u2"},
	}})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	s, err := env.PresenceSummary()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(s.Deltas) != 2 || s.Deltas[0].Cursor.Col != 5 || *s.Deltas[0].ResolutionLevel != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}
}
