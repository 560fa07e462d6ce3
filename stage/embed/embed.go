// Package embed implements the embed stage (spec §4.6.4): vectorize each
// unembedded chunk, upsert it into the vector store, then flag the chunk
// document — in that order, since the vector must exist before the flag
// is set (spec §3 invariant 2). Transient embedder failures retry via
// worker.RetryWithBackoff, grounded on engine/ingest's embed-then-persist
// ordering and pkg/resilience's rate-limited external-call pattern.
package embed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/store"
	"github.com/archivesum/pipeline/vectorstore"
	"github.com/archivesum/pipeline/worker"
)

// Embedder vectorizes text. pkg/ollama.EmbedClient and any other backend
// selected by config.EmbeddingConfig.Backend implement this.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service implements the embed stage's business method.
type Service struct {
	Store       store.DocumentStore
	VectorStore vectorstore.VectorStore
	Bus         bus.Bus
	Embedder    Embedder
	Metrics     *worker.Metrics
	Logger      *slog.Logger
	Model       string
	RetryOpts   worker.RetryOpts
}

// New builds an embed Service.
func New(s store.DocumentStore, vs vectorstore.VectorStore, b bus.Bus, embedder Embedder, m *worker.Metrics, logger *slog.Logger, model string) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store: s, VectorStore: vs, Bus: b, Embedder: embedder,
		Metrics: m, Logger: logger, Model: model, RetryOpts: worker.DefaultRetryOpts,
	}
}

// Process handles one chunks.prepared event: embeds every chunk still
// missing a vector, upserts, then flags embedding_generated, and publishes
// embeddings.generated listing every chunk processed this call.
func (s *Service) Process(ctx context.Context, env event.Envelope) (*worker.Outcome, error) {
	rawIDs, _ := env.Data["chunk_ids"].([]string)
	if rawIDs == nil {
		if asAny, ok := env.Data["chunk_ids"].([]any); ok {
			for _, v := range asAny {
				if s, ok := v.(string); ok {
					rawIDs = append(rawIDs, s)
				}
			}
		}
	}
	if len(rawIDs) == 0 {
		return nil, errs.Permanent("embed", errors.New("missing chunk_ids"))
	}

	var pending []store.Document
	var pendingIDs []string
	for _, id := range rawIDs {
		doc, err := s.Store.Get(ctx, store.CollectionChunks, id)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			return nil, errs.Transient("embed.get", err)
		}
		if gen, _ := doc.Fields["embedding_generated"].(bool); gen {
			continue // already embedded: no-op
		}
		pending = append(pending, *doc)
		pendingIDs = append(pendingIDs, id)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	texts := make([]string, len(pending))
	for i, d := range pending {
		texts[i], _ = d.Fields["text"].(string)
	}

	var vectors [][]float32
	err := worker.RetryWithBackoff(ctx, s.RetryOpts, func(ctx context.Context) error {
		v, err := s.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return errs.Transient("embed.call", err)
		}
		vectors = v
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, pendingIDs, err)
	}

	payloads := make([]map[string]any, len(pending))
	for i, d := range pending {
		payloads[i] = map[string]any{
			"message_id":  d.Fields["message_id"],
			"thread_id":   d.Fields["thread_id"],
			"archive_id":  d.Fields["archive_id"],
			"chunk_index": d.Fields["chunk_index"],
			"text":        d.Fields["text"],
			"token_count": d.Fields["token_count"],
		}
	}
	if err := s.VectorStore.Upsert(ctx, pendingIDs, vectors, payloads); err != nil {
		return nil, s.fail(ctx, pendingIDs, errs.Transient("embed.upsert", err))
	}

	for _, id := range pendingIDs {
		generated := true
		if _, err := s.Store.Update(ctx, store.CollectionChunks, id, store.Patch{
			Fields: map[string]any{"embedding_generated": generated},
		}); err != nil {
			return nil, errs.Transient("embed.flag", err)
		}
	}

	return &worker.Outcome{
		EventType: event.EmbeddingsGenerated,
		Data: map[string]any{
			"chunk_ids":           pendingIDs,
			"embedding_model":     s.Model,
			"vector_store_updated": true,
			"timestamp":           time.Now().UTC(),
		},
	}, nil
}

func (s *Service) fail(ctx context.Context, chunkIDs []string, cause error) error {
	env := event.New(event.EmbeddingGenerationFailed, map[string]any{
		"chunk_ids": chunkIDs,
		"error":     cause.Error(),
	})
	_ = s.Bus.Publish(ctx, bus.RoutingKeyFor(event.EmbeddingGenerationFailed), env)
	return cause
}
