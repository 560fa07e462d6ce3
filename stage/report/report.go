// Package report implements the report stage (spec §4.6.7), the pipeline's
// terminus: deliver a completed summary to configured webhook sinks. The
// circuit breaker around each sink's HTTP call is grounded on
// pkg/resilience.Breaker, generalized from a single external-call guard to
// one breaker per configured sink.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/config"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/pkg/resilience"
	"github.com/archivesum/pipeline/store"
	"github.com/archivesum/pipeline/worker"
)

// Sink delivers one rendered report payload. webhookSink implements this
// against an HTTP endpoint; tests substitute a fake.
type Sink interface {
	Deliver(ctx context.Context, payload []byte) error
}

// Service implements the report stage's business method.
type Service struct {
	Store   store.DocumentStore
	Bus     bus.Bus
	Sinks   []Sink
	Metrics *worker.Metrics
	Logger  *slog.Logger
}

// New builds a report Service with one webhookSink per configured URL,
// each independently circuit-broken.
func New(s store.DocumentStore, b bus.Bus, m *worker.Metrics, logger *slog.Logger, cfg config.ReportConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sinks := make([]Sink, 0, len(cfg.WebhookURLs))
	for _, url := range cfg.WebhookURLs {
		sinks = append(sinks, newWebhookSink(url, timeout))
	}
	return &Service{Store: s, Bus: b, Sinks: sinks, Metrics: m, Logger: logger}
}

// Process handles one summary.complete event: load the summary, render it,
// and deliver it to every configured sink. A single sink's failure fails
// the whole delivery so the retry supervisor can re-trigger it; partial
// delivery is not modeled since sinks are assumed idempotent on retry.
func (s *Service) Process(ctx context.Context, env event.Envelope) (*worker.Outcome, error) {
	summaryID, _ := env.Data["summary_id"].(string)
	threadID, _ := env.Data["thread_id"].(string)
	if summaryID == "" {
		return nil, errs.Permanent("report", errors.New("missing summary_id"))
	}

	summary, err := s.Store.Get(ctx, store.CollectionSummaries, summaryID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Permanent("report.get_summary", err)
		}
		return nil, errs.Transient("report.get_summary", err)
	}

	payload, err := json.Marshal(map[string]any{
		"summary_id": summaryID,
		"thread_id":  threadID,
		"text":       summary.Fields["text"],
		"model":      summary.Fields["model"],
	})
	if err != nil {
		return nil, errs.Permanent("report.render", err)
	}

	if len(s.Sinks) == 0 {
		s.Logger.Warn("report.no_sinks_configured", "summary_id", summaryID)
	}
	for _, sink := range s.Sinks {
		if err := sink.Deliver(ctx, payload); err != nil {
			return nil, s.fail(ctx, summaryID, threadID, err)
		}
	}

	s.Metrics.Increment("report_deliveries_total", map[string]string{"status": "published"})
	return &worker.Outcome{
		EventType: event.ReportPublished,
		Data: map[string]any{
			"summary_id": summaryID,
			"thread_id":  threadID,
			"timestamp":  time.Now().UTC(),
		},
	}, nil
}

func (s *Service) fail(ctx context.Context, summaryID, threadID string, cause error) error {
	s.Metrics.Increment("report_deliveries_total", map[string]string{"status": "failed"})
	env := event.New(event.ReportDeliveryFailed, map[string]any{
		"summary_id": summaryID,
		"thread_id":  threadID,
		"error":      cause.Error(),
	})
	_ = s.Bus.Publish(ctx, bus.RoutingKeyFor(event.ReportDeliveryFailed), env)
	return errs.Transient("report.deliver", cause)
}

// webhookSink POSTs the rendered report to a configured URL, guarded by a
// circuit breaker so a sustained-down sink stops absorbing request latency
// on every delivery.
type webhookSink struct {
	url     string
	client  *http.Client
	breaker *resilience.Breaker
}

func newWebhookSink(url string, timeout time.Duration) *webhookSink {
	return &webhookSink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

func (w *webhookSink) Deliver(ctx context.Context, payload []byte) error {
	return w.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s: status %d", w.url, resp.StatusCode)
		}
		return nil
	})
}
