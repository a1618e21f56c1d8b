package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WS adapts a websocket connection to the Transport interface. Reads are
// pumped into the receive channel by a dedicated goroutine; writes are
// serialized with a mutex because gorilla connections allow only one
// concurrent writer.
type WS struct {
	conn *websocket.Conn
	in   chan []byte

	mu     sync.Mutex // protects concurrent conn writes
	closed bool
}

// Dial connects to a hub websocket endpoint, presenting the join token.
func Dial(ctx context.Context, url, token string) (*WS, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWS(conn), nil
}

// NewWS wraps an established connection. The hub uses this for accepted
// connections, the client via Dial.
func NewWS(conn *websocket.Conn) *WS {
	w := &WS{conn: conn, in: make(chan []byte, 256)}
	go w.readLoop()
	return w
}

func (w *WS) readLoop() {
	defer close(w.in)
	for {
		_, frame, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		w.in <- frame
	}
}

// Send writes one frame.
func (w *WS) Send(ctx context.Context, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Receive returns the inbound frame stream.
func (w *WS) Receive() <-chan []byte {
	return w.in
}

// Close tears the connection down; the read loop then closes the stream.
func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close()
}
