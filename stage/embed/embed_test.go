package embed

import (
	"context"
	"errors"
	"testing"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/store"
	"github.com/archivesum/pipeline/vectorstore"
)

type fakeStore struct {
	docs map[string]store.Document
}

func (f *fakeStore) Insert(ctx context.Context, collection, key string, fields map[string]any) error {
	return nil
}
func (f *fakeStore) Get(ctx context.Context, collection, key string) (*store.Document, error) {
	d, ok := f.docs[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &d, nil
}
func (f *fakeStore) Query(ctx context.Context, collection string, filter store.Filter, limit int) ([]store.Document, error) {
	return nil, nil
}
func (f *fakeStore) Update(ctx context.Context, collection, key string, patch store.Patch) (bool, error) {
	d := f.docs[key]
	for k, v := range patch.Fields {
		if d.Fields == nil {
			d.Fields = make(map[string]any)
		}
		d.Fields[k] = v
	}
	f.docs[key] = d
	return true, nil
}
func (f *fakeStore) Delete(ctx context.Context, collection, key string) (bool, error) { return true, nil }

var _ store.DocumentStore = (*fakeStore)(nil)

type fakeVectorStore struct {
	upsertedIDs []string
	upsertErr   error
}

func (f *fakeVectorStore) EnsureCollection(ctx context.Context, dimension int) error { return nil }
func (f *fakeVectorStore) Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upsertedIDs = append(f.upsertedIDs, ids...)
	return nil
}
func (f *fakeVectorStore) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]vectorstore.SearchResult, error) {
	return nil, nil
}
func (f *fakeVectorStore) Delete(ctx context.Context, id string) error { return nil }
func (f *fakeVectorStore) Count(ctx context.Context) (uint64, error)  { return 0, nil }

var _ vectorstore.VectorStore = (*fakeVectorStore)(nil)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

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

func newTestService(fs *fakeStore, vs *fakeVectorStore, eb *fakeEmbedder, fb *fakeBus) *Service {
	svc := New(fs, vs, fb, eb, nil, nil, "test-model")
	svc.RetryOpts.MaxAttempts = 2
	svc.RetryOpts.Base = 0
	return svc
}

func TestProcessEmbedsAndFlagsChunks(t *testing.T) {
	fs := &fakeStore{docs: map[string]store.Document{
		"c1": {Key: "c1", Fields: map[string]any{"text": "hello", "embedding_generated": false}},
	}}
	vs := &fakeVectorStore{}
	eb := &fakeEmbedder{}
	fb := &fakeBus{}
	svc := newTestService(fs, vs, eb, fb)

	env := event.New(event.ChunksPrepared, map[string]any{"chunk_ids": []string{"c1"}})
	outcome, err := svc.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome == nil || outcome.EventType != event.EmbeddingsGenerated {
		t.Fatalf("expected embeddings.generated outcome, got %+v", outcome)
	}
	if len(vs.upsertedIDs) != 1 {
		t.Fatalf("expected 1 vector upserted, got %d", len(vs.upsertedIDs))
	}
	if gen, _ := fs.docs["c1"].Fields["embedding_generated"].(bool); !gen {
		t.Error("expected embedding_generated flag set")
	}
}

func TestProcessSkipsAlreadyEmbeddedChunks(t *testing.T) {
	fs := &fakeStore{docs: map[string]store.Document{
		"c1": {Key: "c1", Fields: map[string]any{"text": "hello", "embedding_generated": true}},
	}}
	vs := &fakeVectorStore{}
	eb := &fakeEmbedder{}
	fb := &fakeBus{}
	svc := newTestService(fs, vs, eb, fb)

	env := event.New(event.ChunksPrepared, map[string]any{"chunk_ids": []string{"c1"}})
	outcome, err := svc.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != nil {
		t.Fatalf("expected nil outcome when all chunks already embedded, got %+v", outcome)
	}
	if eb.calls != 0 {
		t.Errorf("expected embedder not called, got %d calls", eb.calls)
	}
}

func TestProcessPublishesFailureOnPersistentEmbedError(t *testing.T) {
	fs := &fakeStore{docs: map[string]store.Document{
		"c1": {Key: "c1", Fields: map[string]any{"text": "hello", "embedding_generated": false}},
	}}
	vs := &fakeVectorStore{}
	eb := &fakeEmbedder{err: errors.New("backend down")}
	fb := &fakeBus{}
	svc := newTestService(fs, vs, eb, fb)

	env := event.New(event.ChunksPrepared, map[string]any{"chunk_ids": []string{"c1"}})
	_, err := svc.Process(context.Background(), env)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(fb.published) != 1 || fb.published[0].EventType != event.EmbeddingGenerationFailed {
		t.Fatalf("expected embedding.generation.failed published, got %+v", fb.published)
	}
	if gen, _ := fs.docs["c1"].Fields["embedding_generated"].(bool); gen {
		t.Error("expected embedding_generated to remain false on failure")
	}
}

func TestProcessMissingChunkIDsIsPermanent(t *testing.T) {
	fs := &fakeStore{docs: map[string]store.Document{}}
	vs := &fakeVectorStore{}
	eb := &fakeEmbedder{}
	fb := &fakeBus{}
	svc := newTestService(fs, vs, eb, fb)

	_, err := svc.Process(context.Background(), event.New(event.ChunksPrepared, map[string]any{}))
	if !errs.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
