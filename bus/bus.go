// Package bus provides the message bus the kernel uses for completion events
// and remote agent calls.
//
// The MessageBus interface enables pub/sub and request/reply patterns over
// NATS or in process memory. All implementations use channel-based
// subscription APIs for Go-idiomatic concurrent use.
package bus

import (
	"context"
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte

	// Reply is the reply subject for request/reply pattern.
	// Empty for regular pub/sub messages.
	Reply string
}

// MessageBus provides pub/sub and request/reply messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	// All subscribers receive all messages.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across queue members.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request sends a request and waits for a single reply.
	// Returns ErrTimeout if ctx ends first, ErrNoResponders if nobody listens.
	Request(ctx context.Context, subject string, data []byte) (*Message, error)

	// Close shuts down the bus.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks that subject is a publishable dotted name.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n*>") {
		return ErrInvalidSubject
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}
