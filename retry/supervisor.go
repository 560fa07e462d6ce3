package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/store"
	"github.com/archivesum/pipeline/worker"
)

// Supervisor is the periodic retry job (spec §4.7): scans for documents
// stuck in failed or stale-processing, re-emits the originating event up
// to MaxRetries with exponential backoff on attempt_count, and permanently
// fails documents that exceed it. It only ever modifies status,
// attempt_count, and last_attempt_time — never a stage's own fields —
// keeping it distinct from bus-level redelivery (spec §4.8).
type Supervisor struct {
	Store           store.DocumentStore
	Bus             bus.Bus
	Metrics         *worker.Metrics
	Logger          *slog.Logger
	Specs           []Spec
	Interval        time.Duration
	MaxRetries      int
	StaleProcessing time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// NewSupervisor builds a Supervisor over the default collection specs.
func NewSupervisor(s store.DocumentStore, b bus.Bus, m *worker.Metrics, logger *slog.Logger, interval time.Duration, maxRetries int, staleProcessing, backoffBase, backoffMax time.Duration) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = 10
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Supervisor{
		Store: s, Bus: b, Metrics: m, Logger: logger, Specs: DefaultSpecs(),
		Interval: interval, MaxRetries: maxRetries, StaleProcessing: staleProcessing,
		BackoffBase: backoffBase, BackoffMax: backoffMax,
	}
}

// Run blocks, scanning on Interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce runs a single scan-and-reemit pass over every spec's
// collection. Exported so tests and a manual-trigger admin endpoint can
// invoke it without waiting on the ticker.
func (s *Supervisor) ScanOnce(ctx context.Context) {
	for _, spec := range s.Specs {
		candidates, err := s.collectCandidates(ctx, spec)
		if err != nil {
			s.Logger.Error("retry_supervisor.query_failed", "collection", spec.Collection, "error", err)
			continue
		}
		for _, doc := range candidates {
			s.processDocument(ctx, spec, doc)
		}
	}
}

func (s *Supervisor) collectCandidates(ctx context.Context, spec Spec) ([]store.Document, error) {
	failed, err := s.Store.Query(ctx, spec.Collection, store.Filter{
		Equals: map[string]any{"status": string(store.StatusFailed)},
	}, 0)
	if err != nil {
		return nil, err
	}

	staleCutoff := time.Now().Add(-s.StaleProcessing)
	stale, err := s.Store.Query(ctx, spec.Collection, store.Filter{
		Equals: map[string]any{"status": string(store.StatusProcessing)},
		Lt:     map[string]time.Time{"last_updated": staleCutoff},
	}, 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(failed)+len(stale))
	var out []store.Document
	for _, d := range append(failed, stale...) {
		if !seen[d.Key] {
			seen[d.Key] = true
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Supervisor) processDocument(ctx context.Context, spec Spec, doc store.Document) {
	if doc.AttemptCount >= s.MaxRetries {
		s.giveUp(ctx, spec, doc)
		return
	}

	due := doc.LastAttemptTime.Add(backoffForAttempt(doc.AttemptCount, s.BackoffBase, s.BackoffMax))
	if time.Now().Before(due) {
		return
	}

	data, err := spec.BuildData(ctx, s.Store, doc)
	if err != nil {
		s.Logger.Error("retry_supervisor.build_data_failed", "collection", spec.Collection, "key", doc.Key, "error", err)
		return
	}
	env := event.New(spec.EventType, data)
	if err := s.Bus.Publish(ctx, bus.RoutingKeyFor(spec.EventType), env); err != nil {
		s.Logger.Error("retry_supervisor.publish_failed", "collection", spec.Collection, "key", doc.Key, "error", err)
		return
	}

	nextAttempt := doc.AttemptCount + 1
	now := time.Now()
	processing := store.StatusProcessing
	if _, err := s.Store.Update(ctx, spec.Collection, doc.Key, store.Patch{
		Status:          &processing,
		AttemptCount:    &nextAttempt,
		LastAttemptTime: &now,
	}); err != nil {
		s.Logger.Error("retry_supervisor.update_failed", "collection", spec.Collection, "key", doc.Key, "error", err)
		return
	}
	s.Metrics.Increment("retry_supervisor_reemits_total", map[string]string{"collection": spec.Collection})
}

func (s *Supervisor) giveUp(ctx context.Context, spec Spec, doc store.Document) {
	failed := store.StatusFailed
	if _, err := s.Store.Update(ctx, spec.Collection, doc.Key, store.Patch{Status: &failed}); err != nil {
		s.Logger.Error("retry_supervisor.give_up_update_failed", "collection", spec.Collection, "key", doc.Key, "error", err)
		return
	}
	s.Metrics.Increment("retry_job_documents_max_retries_exceeded_total", map[string]string{"collection": spec.Collection})
	s.Logger.Warn("retry_supervisor.max_retries_exceeded", "collection", spec.Collection, "key", doc.Key, "attempt_count", doc.AttemptCount)
}
