// Package bus defines the message-bus abstraction (spec §4.1): publish and
// subscribe routed by stable routing keys, with two selectable driver
// families living in the amqpbus and natsbus subpackages.
package bus

import (
	"context"
	"strings"

	"github.com/archivesum/pipeline/event"
)

// Handler processes one delivered envelope. Returning an error nacks the
// delivery; the bus driver owns the requeue-once-then-dead-letter policy
// (spec §4.1 failure semantics, §7 propagation policy). Handlers never
// swallow errors themselves.
type Handler func(ctx context.Context, env event.Envelope) error

// PublishError is returned by Publish when the broker rejects the message,
// the routing key is unroutable, or acknowledged persistence fails.
type PublishError struct {
	RoutingKey string
	Wrapped    error
}

func (e *PublishError) Error() string {
	return "bus: publish " + e.RoutingKey + ": " + e.Wrapped.Error()
}
func (e *PublishError) Unwrap() error { return e.Wrapped }

// Bus is the driver-agnostic capability every stage depends on. Concrete
// drivers (amqpbus, natsbus) implement it; stage workers and the retry
// supervisor hold only this interface (spec §9's "polymorphism over
// drivers").
type Bus interface {
	// Publish sends env on routingKey, returning only after the broker
	// has acknowledged persistence. Fails with *PublishError.
	Publish(ctx context.Context, routingKey string, env event.Envelope) error

	// DeclareQueue idempotently pre-creates a durable, non-exclusive,
	// non-auto-delete queue bound to routingKey.
	DeclareQueue(ctx context.Context, queue, routingKey string) error

	// Subscribe registers handler on queue. If routingKey is empty it is
	// derived from eventType via RoutingKeyFor.
	Subscribe(queue, eventType string, routingKey string, handler Handler) error

	// StartConsuming blocks, dispatching one message at a time per
	// subscription, until ctx is cancelled.
	StartConsuming(ctx context.Context) error

	// StopConsuming marks the bus as stopping. It does not end
	// StartConsuming by itself: consumption stops when the ctx passed to
	// StartConsuming is cancelled.
	StopConsuming()

	// Close releases the underlying connection.
	Close() error
}

// RoutingKeyFor derives a routing key from an event type by lowercasing and
// using dot separators, the fallback spec §4.1 describes for subscribe()
// calls with no explicit routing key.
func RoutingKeyFor(eventType string) string {
	var b strings.Builder
	for i := 0; i < len(eventType); i++ {
		c := eventType[i]
		if i > 0 && c >= 'A' && c <= 'Z' {
			prev := eventType[i-1]
			nextLower := i+1 < len(eventType) && eventType[i+1] >= 'a' && eventType[i+1] <= 'z'
			if (prev >= 'a' && prev <= 'z') || (prev >= 'A' && prev <= 'Z' && nextLower) {
				b.WriteByte('.')
			}
		}
		b.WriteByte(c)
	}
	return strings.ToLower(b.String())
}
