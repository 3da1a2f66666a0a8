// Package bus provides message bus abstractions for the fleet controller.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = errors.New("bus: connection closed")

// Message is a raw delivery from the bus. Payload encoding is defined
// per subject, not by the bus.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler is a function that handles a delivered message. Errors are
// logged and counted; they never reach the bus library.
type Handler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus interface for message bus operations
type Bus interface {
	// Publish sends a payload to a subject
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler Handler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout)
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Message, error)

	// Close drains and closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
