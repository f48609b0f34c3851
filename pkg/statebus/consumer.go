package statebus

import "context"

// Message is one raw state event off the bus.
type Message struct {
	Value []byte
}

// Consumer abstracts the event source so tests can feed events without a
// broker.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
