package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/pkg/metrics"
)

// fakeBus is a minimal in-memory bus.Bus for exercising Worker without a
// broker, mirroring how engine/ingest's tests stub NATS connections.
type fakeBus struct {
	declaredQueue  string
	declaredKey    string
	subscribedKey  string
	handler        bus.Handler
	published      []event.Envelope
	publishedKeys  []string
	publishErr     error
	subscribeErr   error
	declareErr     error
}

func (f *fakeBus) Publish(ctx context.Context, routingKey string, env event.Envelope) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, env)
	f.publishedKeys = append(f.publishedKeys, routingKey)
	return nil
}

func (f *fakeBus) DeclareQueue(ctx context.Context, queue, routingKey string) error {
	f.declaredQueue = queue
	f.declaredKey = routingKey
	return f.declareErr
}

func (f *fakeBus) Subscribe(queue, eventType, routingKey string, handler bus.Handler) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribedKey = routingKey
	f.handler = handler
	return nil
}

func (f *fakeBus) StartConsuming(ctx context.Context) error { return nil }
func (f *fakeBus) StopConsuming()                           {}
func (f *fakeBus) Close() error                              { return nil }

var _ bus.Bus = (*fakeBus)(nil)

func newTestWorker(fb *fakeBus, process Process) *Worker {
	return New(Config{
		Stage:   "chunk",
		Bus:     fb,
		Metrics: NewMetrics(metrics.New()),
	}, process)
}

func TestWorkerStartDeclaresAndSubscribesForStage(t *testing.T) {
	fb := &fakeBus{}
	w := newTestWorker(fb, func(ctx context.Context, env event.Envelope) (*Outcome, error) {
		return nil, nil
	})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fb.declaredQueue != "chunk" {
		t.Errorf("expected declared queue 'chunk', got %q", fb.declaredQueue)
	}
	wantKey := bus.RoutingKeyFor(event.JSONParsed)
	if fb.declaredKey != wantKey || fb.subscribedKey != wantKey {
		t.Errorf("expected routing key %q, got declared=%q subscribed=%q", wantKey, fb.declaredKey, fb.subscribedKey)
	}
	if fb.handler == nil {
		t.Fatal("expected handler to be registered")
	}
}

func TestWorkerStartRejectsUnknownStage(t *testing.T) {
	fb := &fakeBus{}
	w := New(Config{Stage: "nonexistent", Bus: fb}, func(ctx context.Context, env event.Envelope) (*Outcome, error) {
		return nil, nil
	})
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error for unregistered stage")
	}
}

func TestSafeHandlerPublishesOutcome(t *testing.T) {
	fb := &fakeBus{}
	w := newTestWorker(fb, func(ctx context.Context, env event.Envelope) (*Outcome, error) {
		return &Outcome{EventType: event.ChunksPrepared, Data: map[string]any{"archive_id": "a1"}}, nil
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := event.New(event.JSONParsed, map[string]any{"archive_id": "a1"})
	if err := fb.handler(context.Background(), env); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	if len(fb.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(fb.published))
	}
	if fb.published[0].EventType != event.ChunksPrepared {
		t.Errorf("expected %s, got %s", event.ChunksPrepared, fb.published[0].EventType)
	}
	snap := w.Stats().Snapshot()
	if snap.Processed != 1 || snap.Failures != 0 {
		t.Errorf("expected 1 processed 0 failures, got %+v", snap)
	}
}

func TestSafeHandlerReraisesProcessError(t *testing.T) {
	fb := &fakeBus{}
	wantErr := errs.Transient("chunk", errors.New("boom"))
	w := newTestWorker(fb, func(ctx context.Context, env event.Envelope) (*Outcome, error) {
		return nil, wantErr
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := event.New(event.JSONParsed, nil)
	err := fb.handler(context.Background(), env)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected handler to re-raise %v, got %v", wantErr, err)
	}
	if len(fb.published) != 0 {
		t.Fatal("expected no publish on process error")
	}
	snap := w.Stats().Snapshot()
	if snap.Failures != 1 || snap.Processed != 0 {
		t.Errorf("expected 1 failure 0 processed, got %+v", snap)
	}
}

func TestSafeHandlerNoOutcomeIsTerminus(t *testing.T) {
	fb := &fakeBus{}
	w := newTestWorker(fb, func(ctx context.Context, env event.Envelope) (*Outcome, error) {
		return nil, nil
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := event.New(event.JSONParsed, nil)
	if err := fb.handler(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fb.published) != 0 {
		t.Fatal("expected no publish when outcome is nil")
	}
}

func TestSafeHandlerPublishFailureIsTransient(t *testing.T) {
	fb := &fakeBus{publishErr: errors.New("broker down")}
	w := newTestWorker(fb, func(ctx context.Context, env event.Envelope) (*Outcome, error) {
		return &Outcome{EventType: event.ChunksPrepared}, nil
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := event.New(event.JSONParsed, nil)
	err := fb.handler(context.Background(), env)
	if !errs.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"validation", errs.NewValidation("x", nil, errors.New("bad")), "validation"},
		{"transient", errs.Transient("op", errors.New("boom")), "transient"},
		{"permanent", errs.Permanent("op", errors.New("boom")), "permanent"},
		{"poison", &errs.PoisonMessage{EventType: "x", Attempts: 2, Wrapped: errors.New("boom")}, "poison"},
		{"unknown", errors.New("plain"), "unknown"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classify(c.err); got != c.want {
				t.Errorf("expected %s, got %s", c.want, got)
			}
		})
	}
}
