package orchestrate

import (
	"context"
	"testing"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/config"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/store"
	"github.com/archivesum/pipeline/vectorstore"
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
	var out []store.Document
	for _, d := range f.docs[collection] {
		match := true
		for k, v := range filter.Equals {
			if d.Fields[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) Update(ctx context.Context, collection, key string, patch store.Patch) (bool, error) {
	d := f.docs[collection][key]
	if d.Fields == nil {
		d.Fields = make(map[string]any)
	}
	for k, v := range patch.Fields {
		d.Fields[k] = v
	}
	f.docs[collection][key] = d
	return true, nil
}

func (f *fakeStore) Delete(ctx context.Context, collection, key string) (bool, error) { return true, nil }

var _ store.DocumentStore = (*fakeStore)(nil)

type fakeVectorStore struct {
	results []vectorstore.SearchResult
}

func (f *fakeVectorStore) EnsureCollection(ctx context.Context, dimension int) error { return nil }
func (f *fakeVectorStore) Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error {
	return nil
}
func (f *fakeVectorStore) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]vectorstore.SearchResult, error) {
	return f.results, nil
}
func (f *fakeVectorStore) Delete(ctx context.Context, id string) error { return nil }
func (f *fakeVectorStore) Count(ctx context.Context) (uint64, error)  { return 0, nil }

var _ vectorstore.VectorStore = (*fakeVectorStore)(nil)

type fakeEmbedder struct{ vector []float32 }

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

var _ Embedder = (*fakeEmbedder)(nil)

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

func TestProcessTriggersSummaryForNewThread(t *testing.T) {
	fs := newFakeStore()
	fs.docs[store.CollectionChunks] = map[string]store.Document{
		"c1": {Key: "c1", Fields: map[string]any{"thread_id": "t1", "token_count": 100}},
	}
	fs.docs[store.CollectionThreads] = map[string]store.Document{
		"t1": {Key: "t1", Fields: map[string]any{"subject": "hello thread"}},
	}
	vs := &fakeVectorStore{results: []vectorstore.SearchResult{
		{ID: "c1", Payload: map[string]any{"token_count": 100}},
	}}
	fb := &fakeBus{}
	emb := &fakeEmbedder{vector: []float32{0.1, 0.2, 0.3}}
	svc := New(fs, vs, fb, emb, nil, nil, config.RetrievalConfig{TopK: 8, ContextWindowTokens: 4096})

	env := event.New(event.EmbeddingsGenerated, map[string]any{"chunk_ids": []string{"c1"}})
	_, err := svc.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fb.published) != 1 || fb.published[0].EventType != event.SummarizationRequested {
		t.Fatalf("expected summarization.requested published, got %+v", fb.published)
	}
	ids, _ := fb.published[0].Data["context_chunk_ids"].([]string)
	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("expected context_chunk_ids=[c1], got %v", ids)
	}
}

func TestProcessSkipsThreadWithExistingSummary(t *testing.T) {
	fs := newFakeStore()
	fs.docs[store.CollectionChunks] = map[string]store.Document{
		"c1": {Key: "c1", Fields: map[string]any{"thread_id": "t1"}},
	}
	fs.docs[store.CollectionThreads] = map[string]store.Document{
		"t1": {Key: "t1", Fields: map[string]any{"subject": "hello thread", "summary_id": "s1"}},
	}
	vs := &fakeVectorStore{}
	fb := &fakeBus{}
	svc := New(fs, vs, fb, nil, nil, nil, config.RetrievalConfig{})

	env := event.New(event.EmbeddingsGenerated, map[string]any{"chunk_ids": []string{"c1"}})
	_, err := svc.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fb.published) != 0 {
		t.Fatalf("expected no publish for thread with existing summary, got %+v", fb.published)
	}
}

func TestProcessMissingChunkIDsIsPermanent(t *testing.T) {
	fs := newFakeStore()
	vs := &fakeVectorStore{}
	fb := &fakeBus{}
	svc := New(fs, vs, fb, nil, nil, nil, config.RetrievalConfig{})

	_, err := svc.Process(context.Background(), event.New(event.EmbeddingsGenerated, map[string]any{}))
	if !errs.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestRequestKeyIsDeterministic(t *testing.T) {
	a := requestKey("t1", []string{"c1", "c2"}, "thread_digest")
	b := requestKey("t1", []string{"c1", "c2"}, "thread_digest")
	if a != b {
		t.Fatalf("expected deterministic request key, got %q vs %q", a, b)
	}
	c := requestKey("t1", []string{"c1"}, "thread_digest")
	if a == c {
		t.Fatal("expected different context to produce different request key")
	}
}
