package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coedit/syncpad/internal/presence"
	"github.com/coedit/syncpad/internal/wire"
)

type capture struct {
	mu        sync.Mutex
	summaries []wire.PresenceSummary
	notify    chan struct{}
}

func newCapture() *capture {
	return &capture{notify: make(chan struct{}, 16)}
}

func (c *capture) emit(s wire.PresenceSummary) error {
	c.mu.Lock()
	c.summaries = append(c.summaries, s)
	c.mu.Unlock()
	c.notify <- struct{}{}
	return nil
}

func (c *capture) all() []wire.PresenceSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.PresenceSummary, len(c.summaries))
	copy(out, c.summaries)
	return out
}

func (c *capture) wait(t *testing.T) wire.PresenceSummary {
	t.Helper()
	select {
	case <-c.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("no flush happened")
	}
	s := c.all()
	return s[len(s)-1]
}

func cursorAt(line, col int) *presence.Cursor {
	return &presence.Cursor{Line: line, Col: col}
}

func TestCountThresholdFlushesEarly(t *testing.T) {
	sink := newCapture()
	b := New(Config{Window: time.Hour, MaxItems: 10, Emit: sink.emit})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	for i := 0; i < 10; i++ {
		b.Submit(wire.PresenceDelta{UserID: "u1", Cursor: cursorAt(0, i)})
	}

	s := sink.wait(t)
	if len(s.Deltas) != 1 {
		t.Fatalf("deltas for one user must coalesce, got %d", len(s.Deltas))
	}
	if s.Deltas[0].Cursor.Col != 9 {
		t.Fatalf("latest cursor must win, got col %d", s.Deltas[0].Cursor.Col)
	}
}

func TestWindowFlushesWithoutThreshold(t *testing.T) {
	sink := newCapture()
	b := New(Config{Window: 20 * time.Millisecond, MaxItems: 100, Emit: sink.emit})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	typing := true
	b.Submit(wire.PresenceDelta{UserID: "u1", IsTyping: &typing})
	b.Submit(wire.PresenceDelta{UserID: "u2", Cursor: cursorAt(3, 1)})

	s := sink.wait(t)
	if len(s.Deltas) != 2 {
		t.Fatalf("expected both users in one summary, got %+v", s.Deltas)
	}
}

func TestMergeKeepsUnrelatedFields(t *testing.T) {
	sink := newCapture()
	b := New(Config{Window: 20 * time.Millisecond, MaxItems: 100, Emit: sink.emit})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	typing := true
	b.Submit(wire.PresenceDelta{UserID: "u1", IsTyping: &typing})
	b.Submit(wire.PresenceDelta{UserID: "u1", Cursor: cursorAt(1, 4)})

	s := sink.wait(t)
	d := s.Deltas[0]
	if d.IsTyping == nil || !*d.IsTyping {
		t.Fatalf("typing flag lost in merge: %+v", d)
	}
	if d.Cursor == nil || d.Cursor.Col != 4 {
		t.Fatalf("cursor lost in merge: %+v", d)
	}
}

func TestNoFlushWhenEmpty(t *testing.T) {
	sink := newCapture()
	b := New(Config{Window: 10 * time.Millisecond, MaxItems: 10, Emit: sink.emit})
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	if n := len(sink.all()); n != 0 {
		t.Fatalf("empty batches must not flush, got %d summaries", n)
	}
}

func TestShutdownFlushesRemainder(t *testing.T) {
	sink := newCapture()
	b := New(Config{Window: time.Hour, MaxItems: 100, Emit: sink.emit})
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	b.Submit(wire.PresenceDelta{UserID: "u1", Cursor: cursorAt(0, 0)})
	time.Sleep(20 * time.Millisecond) // let Run consume the submit
	cancel()

	s := sink.wait(t)
	if len(s.Deltas) != 1 || s.Deltas[0].UserID != "u1" {
		t.Fatalf("shutdown must flush buffered deltas, got %+v", s)
	}
}
