// Package worker implements the stage-agnostic base worker spec §4.5
// describes: every stage subscribes one event type through the same safe
// handler, the same stats tracker, and the same metrics collector, with
// retry-with-backoff available to the stage's own business method for
// transient external calls. Grounded on engine/ingest.StartConsumer's
// subscribe/log/dispatch/DLQ shape, generalized from one hardcoded NATS
// subscription to any bus.Bus and any stage.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
)

// Outcome is what a stage's Process function hands back to the worker to
// publish next, or nil if the stage has nothing further to emit (e.g. the
// chunk stage when a message yields no chunks).
type Outcome struct {
	EventType  string
	RoutingKey string // derived from EventType via bus.RoutingKeyFor when empty
	Data       map[string]any
}

// Process is a stage's business method: validate, transform, call adapters,
// and return the event to publish next (or nil) or an error. Errors should
// be errs.TransientError, errs.PermanentError, or errs.ValidationError so
// the worker can classify them for the failures_total{error_type} label and
// for the decision of whether to re-raise for bus requeue.
type Process func(ctx context.Context, env event.Envelope) (*Outcome, error)

// Config wires a Worker to its stage identity, bus, logging, and metrics.
// Bus should already be wrapped in schema.ValidatingPublisher so outbound
// events are validated the same way regardless of stage.
type Config struct {
	Stage   string
	Queue   string // defaults to Stage
	Bus     bus.Bus
	Logger  *slog.Logger
	Metrics *Metrics
	Stats   *Stats
}

// Worker is the stage-agnostic base worker: one subscription, one safe
// handler, shared stats and metrics (spec §4.5).
type Worker struct {
	cfg     Config
	process Process
}

// New builds a Worker for stage cfg.Stage running process as its business
// method. Logger, Metrics, and Stats default to usable zero values when
// left nil so tests can construct a bare Config.
func New(cfg Config, process Process) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Queue == "" {
		cfg.Queue = cfg.Stage
	}
	if cfg.Stats == nil {
		cfg.Stats = &Stats{}
	}
	return &Worker{cfg: cfg, process: process}
}

// Stats returns the worker's stats tracker.
func (w *Worker) Stats() *Stats { return w.cfg.Stats }

// Start declares the stage's input queue and subscribes the safe handler.
// It does not block; call Run afterward to begin consuming.
func (w *Worker) Start(ctx context.Context) error {
	eventType, ok := event.Queues[w.cfg.Stage]
	if !ok {
		return errors.New("worker: no queue registered for stage " + w.cfg.Stage)
	}
	routingKey := bus.RoutingKeyFor(eventType)
	if err := w.cfg.Bus.DeclareQueue(ctx, w.cfg.Queue, routingKey); err != nil {
		return err
	}
	return w.cfg.Bus.Subscribe(w.cfg.Queue, eventType, routingKey, w.safeHandler())
}

// Run blocks consuming deliveries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.cfg.Bus.StartConsuming(ctx)
}

// Stop calls the bus's StopConsuming. Consumption ends when the ctx passed
// to Run is cancelled.
func (w *Worker) Stop() { w.cfg.Bus.StopConsuming() }

// safeHandler implements spec §4.5(b): logs the event, dispatches to the
// stage's business method, and on error reports it, increments
// failures_total{error_type}, and re-raises so the bus nacks with requeue.
// Handlers never swallow errors (spec §7 propagation policy).
func (w *Worker) safeHandler() bus.Handler {
	return func(ctx context.Context, env event.Envelope) error {
		log := w.cfg.Logger.With("stage", w.cfg.Stage, "event_type", env.EventType, "event_id", env.EventID)
		log.Info("event.received")

		ctx, span := otel.Tracer("worker").Start(ctx, "stage."+w.cfg.Stage)
		defer span.End()

		start := time.Now()
		outcome, err := w.process(ctx, env)
		dur := time.Since(start)

		if err != nil {
			w.cfg.Stats.RecordFailure(dur)
			et := classify(err)
			if w.cfg.Metrics != nil {
				w.cfg.Metrics.Increment("failures_total", map[string]string{"stage": w.cfg.Stage, "error_type": et})
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("event.failed", "error", err, "error_type", et, "duration", dur)
			return err
		}

		w.cfg.Stats.RecordSuccess(dur)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.Increment("events_processed_total", map[string]string{"stage": w.cfg.Stage})
			w.cfg.Metrics.Observe("processing_duration_seconds", dur.Seconds(), map[string]string{"stage": w.cfg.Stage})
		}
		log.Info("event.processed", "duration", dur)

		if outcome == nil || outcome.EventType == "" {
			return nil
		}
		next := event.New(outcome.EventType, outcome.Data)
		rk := outcome.RoutingKey
		if rk == "" {
			rk = bus.RoutingKeyFor(outcome.EventType)
		}
		if err := w.cfg.Bus.Publish(ctx, rk, next); err != nil {
			log.Error("event.publish_failed", "next_event_type", outcome.EventType, "error", err)
			return errs.Transient(w.cfg.Stage+".publish", err)
		}
		return nil
	}
}

// classify maps an error to the failures_total error_type label (spec §7's
// taxonomy: validation, transient, permanent, poison, unknown).
func classify(err error) string {
	var v *errs.ValidationError
	if errors.As(err, &v) {
		return "validation"
	}
	var t *errs.TransientError
	if errors.As(err, &t) {
		return "transient"
	}
	var p *errs.PermanentError
	if errors.As(err, &p) {
		return "permanent"
	}
	var pm *errs.PoisonMessage
	if errors.As(err, &pm) {
		return "poison"
	}
	return "unknown"
}
