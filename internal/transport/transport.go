// Package transport abstracts the reliable-ordered byte pipe the sync
// core rides on. Encryption, auth handshakes and NAT traversal live below
// this interface; connections may drop and be replaced arbitrarily.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed reports a send on a disconnected transport.
var ErrClosed = errors.New("transport closed")

// Transport is one reliable-ordered connection.
type Transport interface {
	// Send writes one frame. An error means the frame may not have been
	// delivered; the caller keeps it queued.
	Send(ctx context.Context, frame []byte) error
	// Receive returns the inbound frame stream. The channel closes when
	// the connection dies.
	Receive() <-chan []byte
	// Close tears the connection down, closing the receive stream.
	Close() error
}

// pipe is one end of an in-memory pair. Both ends share one mutex and a
// closed flag, so a close on either side fails sends on both.
type pipe struct {
	mu     *sync.Mutex
	closed *bool
	out    chan []byte
	in     chan []byte
}

// Pair returns two connected in-memory transports, used by tests and by
// in-process embedding of the hub.
func Pair() (Transport, Transport) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	mu := &sync.Mutex{}
	closed := new(bool)
	a := &pipe{mu: mu, closed: closed, out: ab, in: ba}
	b := &pipe{mu: mu, closed: closed, out: ba, in: ab}
	return a, b
}

func (p *pipe) Send(ctx context.Context, frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	p.mu.Lock()
	defer p.mu.Unlock()
	if *p.closed {
		return ErrClosed
	}
	select {
	case p.out <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) Receive() <-chan []byte {
	return p.in
}

func (p *pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if *p.closed {
		return nil
	}
	*p.closed = true
	close(p.out)
	close(p.in)
	return nil
}
