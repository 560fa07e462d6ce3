// Package amqpbus implements the topic-exchange broker driver family of the
// bus.Bus abstraction (spec §4.1, §6): one topic exchange, durable
// non-exclusive non-auto-delete queues, publisher confirms, the mandatory
// flag, and persistent messages, over github.com/streadway/amqp. The
// dependency-injectable connection/channel/dialer interfaces are grounded
// on evalgo-org-eve/queue's AMQPConnection/AMQPChannel/AMQPDialer shape so
// the driver can be exercised against a fake broker in tests.
package amqpbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/event"
)

// Connection abstracts *amqp.Connection for dependency injection.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	NotifyClose(chan *amqp.Error) chan *amqp.Error
}

// Channel abstracts *amqp.Channel for dependency injection.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Dialer abstracts amqp.Dial for dependency injection.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// realConnection wraps *amqp.Connection.
type realConnection struct{ conn *amqp.Connection }

func (r *realConnection) Channel() (Channel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realChannel{ch: ch}, nil
}
func (r *realConnection) Close() error { return r.conn.Close() }
func (r *realConnection) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return r.conn.NotifyClose(c)
}

type realChannel struct{ ch *amqp.Channel }

func (r *realChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return r.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}
func (r *realChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}
func (r *realChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return r.ch.QueueBind(name, key, exchange, noWait, args)
}
func (r *realChannel) Confirm(noWait bool) error { return r.ch.Confirm(noWait) }
func (r *realChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	return r.ch.NotifyPublish(c)
}
func (r *realChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}
func (r *realChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return r.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}
func (r *realChannel) Close() error { return r.ch.Close() }

// RealDialer dials a real broker.
type RealDialer struct {
	Heartbeat          time.Duration
	BlockedConnTimeout time.Duration
}

func (d *RealDialer) Dial(url string) (Connection, error) {
	cfg := amqp.Config{Heartbeat: d.Heartbeat}
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}

// subscription holds one registered handler bound to a queue.
type subscription struct {
	queue      string
	routingKey string
	handler    bus.Handler
}

// Bus implements bus.Bus over an AMQP topic exchange.
type Bus struct {
	conn     Connection
	ch       Channel
	exchange string
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions []subscription
	stopping      bool
}

// Config configures New.
type Config struct {
	URL      string
	Exchange string
	Dialer   Dialer
	Logger   *slog.Logger
}

// New connects to the broker, declares the topic exchange, and enables
// publisher confirms.
func New(cfg Config) (*Bus, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &RealDialer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqpbus: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpbus: channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqpbus: declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqpbus: enable confirms: %w", err)
	}

	return &Bus{conn: conn, ch: ch, exchange: cfg.Exchange, logger: logger}, nil
}

// Publish sends env with delivery_mode=2 (persistent) and the mandatory
// flag set, blocking for the broker's publisher confirm (spec §4.1). Only
// the confirm decides the result: a message the broker returns as
// unroutable is not detected, so Publish does not fail for an unbound
// routing key.
func (b *Bus) Publish(ctx context.Context, routingKey string, env event.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return &bus.PublishError{RoutingKey: routingKey, Wrapped: err}
	}

	confirms := b.ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	err = b.ch.Publish(b.exchange, routingKey, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.EventID,
		Timestamp:    env.Timestamp,
		Body:         body,
	})
	if err != nil {
		return &bus.PublishError{RoutingKey: routingKey, Wrapped: err}
	}

	select {
	case confirm, ok := <-confirms:
		if !ok || !confirm.Ack {
			return &bus.PublishError{RoutingKey: routingKey, Wrapped: fmt.Errorf("broker did not acknowledge persistence")}
		}
	case <-ctx.Done():
		return &bus.PublishError{RoutingKey: routingKey, Wrapped: ctx.Err()}
	}
	return nil
}

// DeclareQueue idempotently declares a durable, non-exclusive,
// non-auto-delete queue and binds it to routingKey on the topic exchange.
func (b *Bus) DeclareQueue(ctx context.Context, queue, routingKey string) error {
	if _, err := b.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqpbus: declare queue %s: %w", queue, err)
	}
	if err := b.ch.QueueBind(queue, routingKey, b.exchange, false, nil); err != nil {
		return fmt.Errorf("amqpbus: bind queue %s to %s: %w", queue, routingKey, err)
	}
	return nil
}

// Subscribe registers handler on queue, declaring and binding the queue
// first if routingKey is non-empty (deriving it from eventType otherwise).
func (b *Bus) Subscribe(queue, eventType, routingKey string, handler bus.Handler) error {
	if routingKey == "" {
		routingKey = bus.RoutingKeyFor(eventType)
	}
	if err := b.DeclareQueue(context.Background(), queue, routingKey); err != nil {
		return err
	}

	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, subscription{queue: queue, routingKey: routingKey, handler: handler})
	b.mu.Unlock()
	return nil
}

// StartConsuming blocks, dispatching one message at a time per
// subscription, until ctx is cancelled.
func (b *Bus) StartConsuming(ctx context.Context) error {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subscriptions...)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		deliveries, err := b.ch.Consume(sub.queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("amqpbus: consume %s: %w", sub.queue, err)
		}
		wg.Add(1)
		go func(sub subscription, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			b.consumeLoop(ctx, sub, deliveries)
		}(sub, deliveries)
	}
	wg.Wait()
	return nil
}

// consumeLoop dispatches deliveries on one queue to its handler, one at a
// time, applying the requeue-once-then-dead-letter policy (spec §4.1,
// §7): a handler error on a fresh delivery nacks with requeue; a handler
// error on a redelivered message is poison — it is routed to the failure
// queue and acked off the original queue.
func (b *Bus) consumeLoop(ctx context.Context, sub subscription, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.dispatch(ctx, sub, d)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, sub subscription, d amqp.Delivery) {
	var env event.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		b.logger.Error("amqpbus: malformed envelope", "queue", sub.queue, "error", err)
		_ = d.Nack(false, false)
		return
	}

	err := sub.handler(ctx, env)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	b.logger.Error("amqpbus: handler failed", "queue", sub.queue, "event_type", env.EventType, "redelivered", d.Redelivered, "error", err)

	if !d.Redelivered {
		_ = d.Nack(false, true)
		return
	}

	b.publishToFailureQueue(ctx, sub.queue, env, err)
	_ = d.Ack(false)
}

func (b *Bus) publishToFailureQueue(ctx context.Context, queue string, env event.Envelope, cause error) {
	failQueue := queue + ".failed"
	if err := b.DeclareQueue(ctx, failQueue, failQueue); err != nil {
		b.logger.Error("amqpbus: declare failure queue", "queue", failQueue, "error", err)
		return
	}

	data := make(map[string]any, len(env.Data)+2)
	for k, v := range env.Data {
		data[k] = v
	}
	data["error"] = cause.Error()
	data["attempt_count"] = 2

	poison := event.New(env.EventType, data)
	if err := b.Publish(ctx, failQueue, poison); err != nil {
		b.logger.Error("amqpbus: publish to failure queue", "queue", failQueue, "error", err)
	}
}

// StopConsuming sets the bus's stopping flag. The consume loops do not read
// it; they stop when the context passed to StartConsuming is cancelled.
func (b *Bus) StopConsuming() {
	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()
}

// Close releases the channel and connection.
func (b *Bus) Close() error {
	if err := b.ch.Close(); err != nil {
		b.conn.Close()
		return err
	}
	return b.conn.Close()
}
