package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/hub"
	"github.com/coedit/syncpad/internal/op"
	"github.com/coedit/syncpad/internal/transport"
)

type memStore struct {
	ops []op.Operation
}

func (m *memStore) Append(_ context.Context, o op.Operation) error {
	m.ops = append(m.ops, o)
	return nil
}

func (m *memStore) LoadPending(_ context.Context) ([]op.Operation, error) {
	out := make([]op.Operation, len(m.ops))
	copy(out, m.ops)
	return out, nil
}

func (m *memStore) Remove(_ context.Context, actor clock.ActorID, seq uint64) error {
	for i, o := range m.ops {
		if o.Actor == actor && o.Seq == seq {
			m.ops = append(m.ops[:i], m.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func newSession(t *testing.T, ctx context.Context, actor string) *Session {
	t.Helper()
	s, err := New(ctx, Config{
		Actor:  clock.ActorID(actor),
		UserID: actor,
		Store:  &memStore{},
		Logf:   t.Logf,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	go s.Run(ctx)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLocalEditAppliesWhileOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newSession(t, ctx, "alice")

	if err := s.Insert(ctx, 0, "hi"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := s.Text(); got != "hi" {
		t.Fatalf("offline edit must apply locally, got %q", got)
	}
	if n := s.PendingOps(); n != 1 {
		t.Fatalf("edit must stay queued for later sync, pending=%d", n)
	}
}

func TestMalformedEditRejectedBeforeStamping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newSession(t, ctx, "alice")

	if err := s.Insert(ctx, -1, "x"); err == nil {
		t.Fatal("negative position must be rejected")
	}
	if err := s.Insert(ctx, 0, ""); err == nil {
		t.Fatal("empty insert must be rejected")
	}
	if err := s.Insert(ctx, 0, "ok"); err != nil {
		t.Fatalf("valid insert after rejections: %v", err)
	}
	if got := s.Text(); got != "ok" {
		t.Fatalf("rejected edits must leave no trace, got %q", got)
	}
	if n := s.PendingOps(); n != 1 {
		t.Fatalf("seq numbers must not be burned on rejects, pending=%d", n)
	}
}

func TestConnectedSessionsConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newSession(t, ctx, "alice")
	b := newSession(t, ctx, "bob")

	ta, tb := transport.Pair()
	a.Connect(ta)
	b.Connect(tb)

	if err := a.Insert(ctx, 0, "hello"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	waitFor(t, "bob to see hello", func() bool { return b.Text() == "hello" })

	if err := b.Insert(ctx, 5, " world"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	waitFor(t, "both to converge", func() bool {
		return a.Text() == "hello world" && b.Text() == "hello world"
	})
}

func TestOfflineEditsReconcileOnConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newSession(t, ctx, "alice")
	b := newSession(t, ctx, "bob")

	// Both edit while disconnected: 5 edits on one side, 3 on the other.
	for i := 0; i < 5; i++ {
		if err := a.Insert(ctx, i, "a"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := b.Insert(ctx, i, "b"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	ta, tb := transport.Pair()
	a.Connect(ta)
	b.Connect(tb)

	waitFor(t, "replicas to converge", func() bool {
		at, bt := a.Text(), b.Text()
		return at == bt && len(at) == 8
	})
	text := a.Text()
	if strings.Count(text, "a") != 5 || strings.Count(text, "b") != 3 {
		t.Fatalf("edits lost in reconciliation: %q", text)
	}
}

// Offline edits reconciled through the relay must leave the editing
// replica, the archive, and any later joiner in the same state. The
// archived history is concurrent with the offline edit, so the edit must
// arrive at the hub with its original deps; pushing it as if it depended
// on the pulled history would make remote replicas skip the concurrent
// transform and diverge.
func TestHubReconciliationConvergesWithLateJoiner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archive := hub.NewMemoryArchive()
	err := archive.AppendOp(ctx, "doc1", op.Operation{
		Kind: op.KindInsert, Actor: "a", Seq: 1,
		Pos: 0, Content: "qqq", Deps: clock.Vector{},
	})
	if err != nil {
		t.Fatalf("seed archive: %v", err)
	}

	srv := hub.NewServer(ctx, []byte("test-secret"), archive, nil, t.Logf)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/doc1"

	dial := func() transport.Transport {
		resp, err := http.Post(ts.URL+"/api/join/doc1", "application/json", nil)
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		defer resp.Body.Close()
		var join struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&join); err != nil {
			t.Fatalf("decode join: %v", err)
		}
		conn, err := transport.Dial(ctx, wsURL, join.Token)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return conn
	}

	// An edit made offline, concurrent with the archived history.
	b := newSession(t, ctx, "b")
	if err := b.Insert(ctx, 0, "zzz"); err != nil {
		t.Fatalf("offline insert: %v", err)
	}

	b.Connect(dial())
	waitFor(t, "replica to merge the archived history", func() bool {
		return b.Text() == "qqqzzz"
	})
	waitFor(t, "offline edit to be acked", func() bool {
		return b.PendingOps() == 0
	})

	// A fresh replica rebuilding purely from the archive must land on
	// the same text as the replica that made the edit.
	c := newSession(t, ctx, "c")
	c.Connect(dial())
	waitFor(t, "late joiner to converge", func() bool {
		return c.Text() == "qqqzzz"
	})
}

func TestPresencePropagatesViaSummaries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newSession(t, ctx, "alice")
	b := newSession(t, ctx, "bob")

	ta, tb := transport.Pair()
	a.Connect(ta)
	b.Connect(tb)

	a.SetTyping(true)
	a.MoveCursor(2, 7)

	waitFor(t, "bob to see alice typing", func() bool {
		for _, e := range b.Presence() {
			if e.UserID == "alice" && e.IsTyping && e.Cursor != nil && e.Cursor.Col == 7 {
				return true
			}
		}
		return false
	})
}

func TestDisconnectKeepsEditsQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newSession(t, ctx, "alice")

	ta, _ := transport.Pair()
	a.Connect(ta)
	a.Disconnect()

	if err := a.Insert(ctx, 0, "x"); err != nil {
		t.Fatalf("insert after disconnect: %v", err)
	}
	if a.Connected() {
		t.Fatal("session must report disconnected")
	}
	if n := a.PendingOps(); n != 1 {
		t.Fatalf("edit must stay queued, pending=%d", n)
	}
}
