package summarize

import (
	"context"
	"errors"
	"testing"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/config"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/store"
)

type fakeStore struct {
	docs map[string]map[string]store.Document
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]map[string]store.Document)}
}

func (f *fakeStore) Insert(ctx context.Context, collection, key string, fields map[string]any) error {
	if f.docs[collection] == nil {
		f.docs[collection] = make(map[string]store.Document)
	}
	f.docs[collection][key] = store.Document{Key: key, Fields: fields}
	return nil
}

func (f *fakeStore) Get(ctx context.Context, collection, key string) (*store.Document, error) {
	d, ok := f.docs[collection][key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &d, nil
}

func (f *fakeStore) Query(ctx context.Context, collection string, filter store.Filter, limit int) ([]store.Document, error) {
	return nil, nil
}

func (f *fakeStore) Update(ctx context.Context, collection, key string, patch store.Patch) (bool, error) {
	if f.docs[collection] == nil {
		f.docs[collection] = make(map[string]store.Document)
	}
	d := f.docs[collection][key]
	if d.Fields == nil {
		d.Fields = make(map[string]any)
	}
	for k, v := range patch.Fields {
		d.Fields[k] = v
	}
	d.Key = key
	f.docs[collection][key] = d
	return true, nil
}

func (f *fakeStore) Delete(ctx context.Context, collection, key string) (bool, error) { return true, nil }

var _ store.DocumentStore = (*fakeStore)(nil)

type fakeBus struct{ published []event.Envelope }

func (f *fakeBus) Publish(ctx context.Context, routingKey string, env event.Envelope) error {
	f.published = append(f.published, env)
	return nil
}
func (f *fakeBus) DeclareQueue(ctx context.Context, queue, routingKey string) error   { return nil }
func (f *fakeBus) Subscribe(queue, eventType, routingKey string, h bus.Handler) error { return nil }
func (f *fakeBus) StartConsuming(ctx context.Context) error                          { return nil }
func (f *fakeBus) StopConsuming()                                                    {}
func (f *fakeBus) Close() error                                                      { return nil }

var _ bus.Bus = (*fakeBus)(nil)

type fakeLLM struct {
	text string
	err  error
	calls int
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, prompt string, temperature float64) (*Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Completion{Text: f.text, PromptTokens: 10, CompletionTokens: 5}, nil
}

func newTestService(fs *fakeStore, fb *fakeBus, llm *fakeLLM) *Service {
	svc := New(fs, fb, llm, nil, nil, config.LLMConfig{Model: "test-model", Temperature: 0.2})
	svc.RetryOpts.MaxAttempts = 2
	svc.RetryOpts.Base = 0
	return svc
}

func seedThreadAndChunks(fs *fakeStore) {
	fs.docs[store.CollectionThreads] = map[string]store.Document{
		"t1": {Key: "t1", Fields: map[string]any{"subject": "thread subject"}},
	}
	fs.docs[store.CollectionChunks] = map[string]store.Document{
		"c1": {Key: "c1", Fields: map[string]any{"text": "chunk one text"}},
	}
}

func TestProcessStoresSummaryAndPublishes(t *testing.T) {
	fs := newFakeStore()
	seedThreadAndChunks(fs)
	fb := &fakeBus{}
	llm := &fakeLLM{text: "Summary referencing [c1]."}
	svc := newTestService(fs, fb, llm)

	env := event.New(event.SummarizationRequested, map[string]any{
		"thread_ids":        []string{"t1"},
		"summary_type":      "thread_digest",
		"request_id":        "req1",
		"context_chunk_ids": []string{"c1"},
	})
	outcome, err := svc.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome == nil || outcome.EventType != event.SummaryComplete {
		t.Fatalf("expected summary.complete outcome, got %+v", outcome)
	}
	summaryKey := store.SummaryKey("t1", "thread_digest")
	summary, ok := fs.docs[store.CollectionSummaries][summaryKey]
	if !ok {
		t.Fatal("expected summary document stored")
	}
	if summary.Fields["text"] != "Summary referencing [c1]." {
		t.Errorf("unexpected summary text: %v", summary.Fields["text"])
	}
	cited, _ := summary.Fields["cited_chunk_ids"].([]string)
	if len(cited) != 1 || cited[0] != "c1" {
		t.Errorf("expected cited_chunk_ids=[c1], got %v", cited)
	}
	thread := fs.docs[store.CollectionThreads]["t1"]
	if thread.Fields["summary_id"] != summaryKey {
		t.Error("expected thread.summary_id set to the new summary key")
	}
}

func TestProcessDedupesDuplicateRequestID(t *testing.T) {
	fs := newFakeStore()
	seedThreadAndChunks(fs)
	summaryKey := store.SummaryKey("t1", "thread_digest")
	fs.docs[store.CollectionSummaries] = map[string]store.Document{
		summaryKey: {Key: summaryKey, Fields: map[string]any{"request_id": "req1"}},
	}
	fb := &fakeBus{}
	llm := &fakeLLM{text: "should not be called"}
	svc := newTestService(fs, fb, llm)

	env := event.New(event.SummarizationRequested, map[string]any{
		"thread_ids":        []string{"t1"},
		"summary_type":      "thread_digest",
		"request_id":        "req1",
		"context_chunk_ids": []string{"c1"},
	})
	outcome, err := svc.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != nil {
		t.Fatalf("expected nil outcome for duplicate request, got %+v", outcome)
	}
	if llm.calls != 0 {
		t.Errorf("expected LLM not called for duplicate request, got %d calls", llm.calls)
	}
}

func TestProcessPublishesFailureOnPersistentLLMError(t *testing.T) {
	fs := newFakeStore()
	seedThreadAndChunks(fs)
	fb := &fakeBus{}
	llm := &fakeLLM{err: errors.New("backend down")}
	svc := newTestService(fs, fb, llm)

	env := event.New(event.SummarizationRequested, map[string]any{
		"thread_ids":        []string{"t1"},
		"summary_type":      "thread_digest",
		"request_id":        "req1",
		"context_chunk_ids": []string{"c1"},
	})
	_, err := svc.Process(context.Background(), env)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(fb.published) != 1 || fb.published[0].EventType != event.SummarizationFailed {
		t.Fatalf("expected summarization.failed published, got %+v", fb.published)
	}
}

func TestProcessMissingFieldsIsPermanent(t *testing.T) {
	fs := newFakeStore()
	fb := &fakeBus{}
	llm := &fakeLLM{}
	svc := newTestService(fs, fb, llm)

	_, err := svc.Process(context.Background(), event.New(event.SummarizationRequested, map[string]any{}))
	if !errs.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestExtractCitationsDedupes(t *testing.T) {
	cited := extractCitations("See [c1] and [c2], also [c1] again.")
	if len(cited) != 2 {
		t.Fatalf("expected 2 unique citations, got %v", cited)
	}
}
