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

// Requeuer runs the startup requeue pass (spec §4.7): for each Spec's
// collection, find documents stuck pending/processing since before the
// stall threshold and republish the event that would carry them forward.
// Downstream idempotency keys make a spurious republish a no-op, so this
// never double-processes completed work.
type Requeuer struct {
	Store          store.DocumentStore
	Bus            bus.Bus
	Metrics        *worker.Metrics
	Logger         *slog.Logger
	Specs          []Spec
	StallThreshold time.Duration
}

// NewRequeuer builds a Requeuer over the default collection specs.
func NewRequeuer(s store.DocumentStore, b bus.Bus, m *worker.Metrics, logger *slog.Logger, stallThreshold time.Duration) *Requeuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Requeuer{Store: s, Bus: b, Metrics: m, Logger: logger, Specs: DefaultSpecs(), StallThreshold: stallThreshold}
}

// Run executes one startup requeue pass. Call it once, before a process's
// worker starts consuming.
func (r *Requeuer) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-r.StallThreshold)
	for _, spec := range r.Specs {
		docs, err := r.Store.Query(ctx, spec.Collection, store.Filter{
			In: map[string][]any{"status": {string(store.StatusPending), string(store.StatusProcessing)}},
			Lt: map[string]time.Time{"last_updated": cutoff},
		}, 0)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			r.requeueOne(ctx, spec, doc)
		}
	}
	return nil
}

func (r *Requeuer) requeueOne(ctx context.Context, spec Spec, doc store.Document) {
	data, err := spec.BuildData(ctx, r.Store, doc)
	if err != nil {
		r.Logger.Error("requeue.build_data_failed", "collection", spec.Collection, "key", doc.Key, "error", err)
		return
	}
	env := event.New(spec.EventType, data)
	if err := r.Bus.Publish(ctx, bus.RoutingKeyFor(spec.EventType), env); err != nil {
		r.Logger.Error("requeue.publish_failed", "collection", spec.Collection, "key", doc.Key, "error", err)
		return
	}
	r.Metrics.Increment("startup_requeue_documents_total", map[string]string{"collection": spec.Collection})
	r.Logger.Info("requeue.republished", "collection", spec.Collection, "key", doc.Key, "event_type", spec.EventType)
}
