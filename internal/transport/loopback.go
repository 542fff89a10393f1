package transport

import (
	"context"
	"sync"
)

type loopbackShared struct {
	once sync.Once
	done chan struct{}
}

func (s *loopbackShared) close() {
	s.once.Do(func() { close(s.done) })
}

// Loopback is an in-process Channel implementation. A Pair of endpoints
// shares two buffered queues; a single FIFO per direction preserves
// per-object causal order by construction.
type Loopback struct {
	out    chan Envelope
	in     chan Envelope
	shared *loopbackShared
}

// Pair returns two connected loopback endpoints with the given queue depth.
func Pair(depth int) (*Loopback, *Loopback) {
	if depth <= 0 {
		depth = 64
	}
	ab := make(chan Envelope, depth)
	ba := make(chan Envelope, depth)
	shared := &loopbackShared{done: make(chan struct{})}
	a := &Loopback{out: ab, in: ba, shared: shared}
	b := &Loopback{out: ba, in: ab, shared: shared}
	return a, b
}

// Send queues an envelope for the peer. It fails once either endpoint has
// closed, and respects context cancellation while the queue is full.
func (l *Loopback) Send(ctx context.Context, env Envelope) error {
	select {
	case <-l.shared.done:
		return ErrClosed
	default:
	}
	select {
	case l.out <- env:
		return nil
	case <-l.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive exposes the inbound queue. Consumers should also watch Done to
// observe peer disconnection.
func (l *Loopback) Receive() <-chan Envelope {
	return l.in
}

// Done closes when either endpoint closes the pair.
func (l *Loopback) Done() <-chan struct{} {
	return l.shared.done
}

// Close tears down both directions. Idempotent.
func (l *Loopback) Close() error {
	l.shared.close()
	return nil
}
