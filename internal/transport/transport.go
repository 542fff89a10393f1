// Package transport defines the delivery contract the replication layer
// consumes. The contract is deliberately small: best-effort per-message
// delivery, causal ordering of messages from one sender about one object,
// and a notification when the remote side goes away. The websocket layer is
// the production implementation; Loopback serves embedding and tests.
package transport

import (
	"context"
	"errors"
)

// ErrClosed rejects sends on a closed channel.
var ErrClosed = errors.New("transport channel closed")

// Envelope carries one encoded replication message.
type Envelope struct {
	From    string
	Object  string
	Seq     uint64
	Payload []byte
}

// Channel delivers envelopes to one remote peer.
type Channel interface {
	// Send queues an envelope for delivery. Delivery is best effort, but
	// envelopes about the same object from the same sender arrive in the
	// order they were sent.
	Send(ctx context.Context, env Envelope) error

	// Receive exposes inbound envelopes. The channel closes when the peer
	// disconnects.
	Receive() <-chan Envelope

	// Close tears the channel down and notifies the peer.
	Close() error
}
