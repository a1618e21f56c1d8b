package doc

import (
	"testing"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/op"
)

func TestApplyInsertDelete(t *testing.T) {
	s := NewState()
	s.Apply(op.Operation{Kind: op.KindInsert, Actor: "a", Seq: 1, Pos: 0, Content: "hello"})
	s.Apply(op.Operation{Kind: op.KindInsert, Actor: "a", Seq: 2, Pos: 5, Content: " world"})

	if s.String() != "hello world" {
		t.Fatalf("got %q", s.String())
	}

	s.Apply(op.Operation{Kind: op.KindDelete, Actor: "a", Seq: 3, Span: op.Range{Start: 5, End: 11}})
	if s.String() != "hello" {
		t.Fatalf("after delete got %q", s.String())
	}
}

func TestApplyFormatRecordsProvenance(t *testing.T) {
	s := NewState()
	s.Apply(op.Operation{Kind: op.KindInsert, Actor: "a", Seq: 1, Pos: 0, Content: "abc"})
	s.Apply(op.Operation{Kind: op.KindFormat, Actor: "b", Seq: 1, Span: op.Range{Start: 1, End: 3}, Format: "bold"})

	units := s.Snapshot()
	if units[0].Format != "" || units[1].Format != "bold" || units[2].Format != "bold" {
		t.Fatalf("unexpected formats %+v", units)
	}
	if units[1].LastOp != (clock.Ref{Actor: "b", Seq: 1}) {
		t.Fatalf("format should update provenance, got %+v", units[1].LastOp)
	}
	if units[0].LastOp != (clock.Ref{Actor: "a", Seq: 1}) {
		t.Fatalf("untouched unit kept insert provenance, got %+v", units[0].LastOp)
	}
}

func TestApplyImage(t *testing.T) {
	s := NewState()
	s.Apply(op.Operation{Kind: op.KindInsert, Actor: "a", Seq: 1, Pos: 0, Content: "ab"})
	s.Apply(op.Operation{Kind: op.KindInsertImage, Actor: "a", Seq: 2, Pos: 1, AssetRef: "asset://7", Caption: "fig"})

	if s.Len() != 3 {
		t.Fatalf("expected 3 units, got %d", s.Len())
	}
	u := s.Snapshot()[1]
	if !u.Image || u.AssetRef != "asset://7" || u.Caption != "fig" {
		t.Fatalf("unexpected image unit %+v", u)
	}
}

func TestApplyClampsOutOfRange(t *testing.T) {
	s := NewState()
	s.Apply(op.Operation{Kind: op.KindInsert, Actor: "a", Seq: 1, Pos: 99, Content: "x"})
	if s.String() != "x" {
		t.Fatalf("insert past end should clamp, got %q", s.String())
	}

	s.Apply(op.Operation{Kind: op.KindDelete, Actor: "a", Seq: 2, Span: op.Range{Start: 5, End: 9}})
	if s.String() != "x" {
		t.Fatalf("delete past end should be a no-op, got %q", s.String())
	}
}
