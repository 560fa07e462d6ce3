package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/stage/ingest"
	"github.com/archivesum/pipeline/store"
)

type fakeStore struct {
	docs map[string]map[string]store.Document
}

func newFakeStore() *fakeStore { return &fakeStore{docs: make(map[string]map[string]store.Document)} }

func (f *fakeStore) Insert(ctx context.Context, collection, key string, fields map[string]any) error {
	if f.docs[collection] == nil {
		f.docs[collection] = make(map[string]store.Document)
	}
	if _, ok := f.docs[collection][key]; ok {
		return nil
	}
	f.docs[collection][key] = store.Document{Key: key, Status: store.StatusPending, Fields: fields}
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
	d, ok := f.docs[collection][key]
	if !ok {
		return false, nil
	}
	if patch.Status != nil {
		d.Status = *patch.Status
	}
	if patch.AttemptCount != nil {
		d.AttemptCount = *patch.AttemptCount
	}
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

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
}

func TestHandleIngestRequiresSource(t *testing.T) {
	svc := ingest.New(newFakeStore(), &fakeBus{}, nil, slog.Default())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/ingest", bytes.NewReader([]byte("mbox body")))
	handleIngest(svc, slog.Default())(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleIngestAccepted(t *testing.T) {
	fb := &fakeBus{}
	svc := ingest.New(newFakeStore(), fb, nil, slog.Default())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/ingest?source=ietf-archive", bytes.NewReader([]byte("From foo@example.com\n\nbody")))
	handleIngest(svc, slog.Default())(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(fb.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(fb.published))
	}
	if fb.published[0].EventType != event.ArchiveIngested {
		t.Errorf("expected archive.ingested, got %s", fb.published[0].EventType)
	}
}
