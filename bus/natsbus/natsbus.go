// Package natsbus implements the cloud topic/subscription driver family of
// the bus.Bus abstraction (spec §4.1, §6): one shared JetStream stream
// backing the "copilot.events" topic, one durable consumer per stage
// filtered to the subject carrying its event type — the subject-filter
// analog of the spec's named SQL filter rule (EventTypeFilter). Trace
// context propagation is adapted from the reference repo's
// pkg/natsutil.natsHeaderCarrier.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/event"
)

const streamName = "COPILOT_EVENTS"
const subjectPrefix = "copilot.events."

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier, the same
// pattern as the reference repo's pkg/natsutil.natsHeaderCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}
func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}
func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// subscription holds one durable consumer's subscription and handler.
type subscription struct {
	eventType string
	sub       *nats.Subscription
	handler   bus.Handler
}

// Bus implements bus.Bus over NATS JetStream.
type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions []subscription
}

// Config configures New.
type Config struct {
	URL    string
	Logger *slog.Logger
}

// New connects to NATS, enables JetStream, and ensures the stream backing
// the "copilot.events" topic exists.
func New(cfg Config) (*Bus, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsbus: jetstream: %w", err)
	}

	if _, err := js.StreamInfo(streamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subjectPrefix + ">"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("natsbus: add stream: %w", err)
		}
	}

	return &Bus{nc: nc, js: js, logger: logger}, nil
}

func subject(routingKey string) string { return subjectPrefix + routingKey }

// Publish sends env on the subject derived from routingKey, blocking for
// JetStream's publish acknowledgment (spec §4.1's "returns only after
// broker acknowledgment").
func (b *Bus) Publish(ctx context.Context, routingKey string, env event.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return &bus.PublishError{RoutingKey: routingKey, Wrapped: err}
	}

	msg := &nats.Msg{Subject: subject(routingKey), Data: body}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))

	if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return &bus.PublishError{RoutingKey: routingKey, Wrapped: err}
	}
	return nil
}

// DeclareQueue is a no-op for JetStream: the stream already captures every
// subject under subjectPrefix, and durable consumers (created in
// Subscribe) are the JetStream analog of a queue.
func (b *Bus) DeclareQueue(ctx context.Context, queue, routingKey string) error { return nil }

// Subscribe creates a durable JetStream consumer named queue, filtered to
// the subject for routingKey (derived from eventType if empty) — the
// subject-filter analog of the spec's SQL EventTypeFilter rule.
func (b *Bus) Subscribe(queue, eventType, routingKey string, handler bus.Handler) error {
	if routingKey == "" {
		routingKey = bus.RoutingKeyFor(eventType)
	}

	sub, err := b.js.PullSubscribe(subject(routingKey), queue, nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("natsbus: pull subscribe %s: %w", queue, err)
	}

	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, subscription{eventType: eventType, sub: sub, handler: handler})
	b.mu.Unlock()
	return nil
}

// StartConsuming blocks, pulling one message at a time per durable
// consumer, until ctx is cancelled.
func (b *Bus) StartConsuming(ctx context.Context) error {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subscriptions...)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub subscription) {
			defer wg.Done()
			b.pullLoop(ctx, sub)
		}(sub)
	}
	wg.Wait()
	return nil
}

func (b *Bus) pullLoop(ctx context.Context, sub subscription) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := sub.sub.Fetch(1, nats.MaxWait(1))
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			b.dispatch(ctx, msg, sub.handler)
		}
	}
}

// dispatch invokes handler and applies the requeue-once-then-terminate
// policy (spec §4.1, §7): the NumDelivered metadata is JetStream's native
// redelivery counter, so the first failure Nak()s (redelivered once) and a
// second failure on the same message routes it to the failure subject and
// Term()s it so JetStream stops redelivering.
func (b *Bus) dispatch(ctx context.Context, msg *nats.Msg, handler bus.Handler) {
	var env event.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Error("natsbus: malformed envelope", "error", err)
		_ = msg.Term()
		return
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, (*headerCarrier)(msg))

	err := handler(ctx, env)
	if err == nil {
		_ = msg.Ack()
		return
	}

	delivered := 1
	if meta, merr := msg.Metadata(); merr == nil {
		delivered = int(meta.NumDelivered)
	}

	b.logger.Error("natsbus: handler failed", "event_type", env.EventType, "delivered", delivered, "error", err)

	if delivered <= 1 {
		_ = msg.Nak()
		return
	}

	b.publishToFailureSubject(ctx, msg.Subject, env, err, delivered)
	_ = msg.Term()
}

func (b *Bus) publishToFailureSubject(ctx context.Context, origSubject string, env event.Envelope, cause error, attempts int) {
	data := make(map[string]any, len(env.Data)+2)
	for k, v := range env.Data {
		data[k] = v
	}
	data["error"] = cause.Error()
	data["attempt_count"] = attempts

	poison := event.New(env.EventType, data)
	body, err := json.Marshal(poison)
	if err != nil {
		b.logger.Error("natsbus: marshal poison envelope", "error", err)
		return
	}

	if _, err := b.js.Publish(origSubject+".failed", body, nats.Context(ctx)); err != nil {
		b.logger.Error("natsbus: publish to failure subject", "error", err)
	}
}

// StopConsuming cancels no state directly; callers cancel the context
// passed to StartConsuming, matching the cooperative shutdown every pull
// loop already observes.
func (b *Bus) StopConsuming() {}

// Close closes the underlying connection; pending messages are not drained.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}
