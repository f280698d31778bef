package messaging

import (
	"context"
	"time"
)

// Message is what a transport carries: routing properties plus an opaque body
type Message struct {
	MessageID     string
	CorrelationID string
	ReplyTo       string
	ContentType   string
	TTL           time.Duration
	Headers       map[string]interface{}
	Body          []byte
}

// DeliveryHandler receives messages from a subscription. A returned error is
// reported to the subscription's ErrorHandler; it does not stop delivery.
type DeliveryHandler func(ctx context.Context, msg *Message) error

// ErrorHandler receives receive-side errors of a subscription
type ErrorHandler func(err error)

// Sender sends messages to one destination
type Sender interface {
	// Send enqueues a message on the sender's destination
	Send(ctx context.Context, msg *Message) error

	// Close releases the sender
	Close() error
}

// Subscription is a running continuous delivery from a queue
type Subscription interface {
	// Close stops delivery
	Close() error
}

// SenderFactory creates senders for named destinations
type SenderFactory interface {
	NewSender(destination string) (Sender, error)
}

// Transport is the queue-based message transport the request/reply engine runs on
type Transport interface {
	SenderFactory

	// Subscribe starts continuous delivery from a queue
	Subscribe(ctx context.Context, source string, onMessage DeliveryHandler, onError ErrorHandler) (Subscription, error)

	// QueueExists reports whether a queue exists
	QueueExists(ctx context.Context, name string) (bool, error)

	// CreateQueue creates a queue, succeeding if it already exists
	CreateQueue(ctx context.Context, name string, options QueueOptions) error

	// DeleteQueue deletes a queue, succeeding if it does not exist
	DeleteQueue(ctx context.Context, name string) error

	// Close releases all transport resources
	Close() error
}

// QueueOptions defines options for queue creation
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]interface{}
}
