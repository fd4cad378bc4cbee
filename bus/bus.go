package bus

import (
	"errors"
)

// Common errors.
var (
	ErrClosed         = errors.New("channel closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the channel.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// Channel is a best-effort broadcast between sibling execution contexts.
//
// Delivery is not guaranteed: messages may be dropped when a subscriber's
// buffer is full, may arrive late, and a context may have zero siblings.
// Anything that must hold even when every message is lost belongs in the
// state store, not here; the channel only speeds up convergence.
type Channel interface {
	// Publish sends a message to all current subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	// All subscribers receive all messages, best effort.
	Subscribe(subject string) (Subscription, error)

	// Close shuts down the channel.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// The channel is closed when the subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common channel configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 64
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 64,
	}
}

// ValidateSubject checks if a subject is valid.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	return nil
}
