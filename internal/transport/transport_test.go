package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPairDelivers(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	if err := a.Send(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case frame := <-b.Receive():
		if string(frame) != "hello" {
			t.Fatalf("got %q", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestPairSendCopiesFrame(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	frame := []byte("abc")
	if err := a.Send(context.Background(), frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame[0] = 'z'

	got := <-b.Receive()
	if string(got) != "abc" {
		t.Fatalf("payloads must be immutable in flight, got %q", got)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	a, b := Pair()
	b.Close()

	err := a.Send(context.Background(), []byte("x"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseEndsReceiveStream(t *testing.T) {
	a, b := Pair()
	a.Close()

	select {
	case _, ok := <-b.Receive():
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatal("receive stream did not close")
	}
}
