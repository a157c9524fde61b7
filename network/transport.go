package network

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport closed")

// Message is one frame received from the network. From names the
// transport-level sender, which is not authenticated: the frame carries
// its own signature.
type Message struct {
	From string
	Data []byte
}

// Transport is the collaborator the engine gossips frames through.
// Delivery is at-least-once at best: frames may be lost, duplicated or
// reordered.
type Transport interface {
	// Broadcast sends data to every reachable peer but the sender.
	Broadcast(ctx context.Context, data []byte) error
	// Messages delivers inbound frames until the transport is closed.
	Messages() <-chan Message
	Close() error
}
