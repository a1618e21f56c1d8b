package merge

import "github.com/coedit/syncpad/internal/op"

// transform adjusts t's positions for the effects of p, a concurrent
// operation ordered before it. Format carries no positional effect, so
// only inserts and deletes shift anything. Delete-wins-over-format falls
// out of this: a format range transformed against a concurrent delete
// shrinks to cover only the surviving units.
func transform(t, p op.Operation) op.Operation {
	switch p.Kind {
	case op.KindInsert, op.KindInsertImage:
		return shiftForInsert(t, p.Pos, p.InsertLen())
	case op.KindDelete:
		return shiftForDelete(t, p.Span)
	default:
		return t
	}
}

// shiftForInsert moves t right of n units inserted at pos. An insert at
// the same position as t shifts t: the earlier-ordered actor keeps the
// left side, which is what makes same-position interleaving identical on
// every peer.
func shiftForInsert(t op.Operation, pos, n int) op.Operation {
	switch t.Kind {
	case op.KindInsert, op.KindInsertImage:
		if t.Pos >= pos {
			t.Pos += n
		}
	case op.KindDelete, op.KindFormat:
		switch {
		case pos <= t.Span.Start:
			t.Span.Start += n
			t.Span.End += n
		case pos < t.Span.End:
			// insert landed inside the span; the span absorbs it
			t.Span.End += n
		}
	}
	return t
}

// shiftForDelete maps t's positions through the removal of span.
// Positions inside the deleted range collapse to its start; a range fully
// inside it becomes empty and the op a no-op.
func shiftForDelete(t op.Operation, span op.Range) op.Operation {
	if span.Empty() {
		return t
	}
	switch t.Kind {
	case op.KindInsert, op.KindInsertImage:
		t.Pos = mapThroughDelete(t.Pos, span)
	case op.KindDelete, op.KindFormat:
		t.Span.Start = mapThroughDelete(t.Span.Start, span)
		t.Span.End = mapThroughDelete(t.Span.End, span)
	}
	return t
}

func mapThroughDelete(pos int, span op.Range) int {
	switch {
	case pos <= span.Start:
		return pos
	case pos >= span.End:
		return pos - span.Len()
	default:
		return span.Start
	}
}
