// Package orchestrate implements the orchestrate stage (spec §4.6.5):
// decide per-thread whether a new summary is warranted, assemble a
// retrieval context, and request one. Grounded on engine/rag's
// retrieve-then-assemble-context shape, generalized from a single chat
// query to per-thread summarization requests.
package orchestrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/config"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/store"
	"github.com/archivesum/pipeline/vectorstore"
	"github.com/archivesum/pipeline/worker"
)

// Embedder vectorizes text. Same seam as stage/embed.Embedder — the
// orchestrate stage needs it too, to embed a thread's query text into the
// same vector space its chunks were embedded into.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service implements the orchestrate stage's business method.
type Service struct {
	Store       store.DocumentStore
	VectorStore vectorstore.VectorStore
	Bus         bus.Bus
	Embedder    Embedder
	Metrics     *worker.Metrics
	Logger      *slog.Logger
	Retrieval   config.RetrievalConfig
	SummaryType string
}

// New builds an orchestrate Service.
func New(s store.DocumentStore, vs vectorstore.VectorStore, b bus.Bus, embedder Embedder, m *worker.Metrics, logger *slog.Logger, retrieval config.RetrievalConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: s, VectorStore: vs, Bus: b, Embedder: embedder, Metrics: m, Logger: logger, Retrieval: retrieval, SummaryType: "thread_digest"}
}

// Process handles one embeddings.generated event: resolve the affected
// threads from the embedded chunks and, for each, either skip (an
// up-to-date summary already exists) or publish summarization.requested
// with an assembled retrieval context.
func (s *Service) Process(ctx context.Context, env event.Envelope) (*worker.Outcome, error) {
	chunkIDs := stringSlice(env.Data["chunk_ids"])
	if len(chunkIDs) == 0 {
		return nil, errs.Permanent("orchestrate", errors.New("missing chunk_ids"))
	}

	threadIDs, err := s.resolveThreads(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}

	for _, threadID := range threadIDs {
		if err := s.processThread(ctx, threadID); err != nil {
			s.Logger.Error("orchestrate.thread_failed", "thread_id", threadID, "error", err)
		}
	}
	return nil, nil
}

func (s *Service) resolveThreads(ctx context.Context, chunkIDs []string) ([]string, error) {
	seen := make(map[string]bool)
	var threadIDs []string
	for _, id := range chunkIDs {
		chunk, err := s.Store.Get(ctx, store.CollectionChunks, id)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			return nil, errs.Transient("orchestrate.get_chunk", err)
		}
		tid, _ := chunk.Fields["thread_id"].(string)
		if tid != "" && !seen[tid] {
			seen[tid] = true
			threadIDs = append(threadIDs, tid)
		}
	}
	sort.Strings(threadIDs)
	return threadIDs, nil
}

// processThread, not a *Service method returning an Outcome: orchestrate
// can trigger zero, one, or many summarization.requested events from a
// single embeddings.generated event, so each thread publishes directly.
func (s *Service) processThread(ctx context.Context, threadID string) error {
	thread, err := s.Store.Get(ctx, store.CollectionThreads, threadID)
	if err != nil {
		return errs.Transient("orchestrate.get_thread", err)
	}

	if summaryID, _ := thread.Fields["summary_id"].(string); summaryID != "" {
		s.Metrics.Increment("orchestrator_summary_skipped_total", map[string]string{"reason": "summary_already_exists"})
		return nil
	}

	chunks, err := s.Store.Query(ctx, store.CollectionChunks, store.Filter{
		Equals: map[string]any{"thread_id": threadID},
	}, 0)
	if err != nil {
		return errs.Transient("orchestrate.query_chunks", err)
	}
	if len(chunks) == 0 {
		s.Metrics.Increment("orchestrator_summary_skipped_total", map[string]string{"reason": "no_chunks"})
		return nil
	}

	queryText := threadQueryText(thread)
	vectors, err := s.Embedder.EmbedBatch(ctx, []string{queryText})
	if err != nil {
		return errs.Transient("orchestrate.embed_query", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return errs.Transient("orchestrate.embed_query", errors.New("embedder returned no vector"))
	}
	queryVector := vectors[0]

	topK := s.Retrieval.TopK
	if topK <= 0 {
		topK = 8
	}
	results, err := s.VectorStore.Query(ctx, queryVector, topK, map[string]string{"thread_id": threadID})
	if err != nil {
		return errs.Transient("orchestrate.query_vectors", err)
	}

	contextChunkIDs := make([]string, 0, len(results))
	budget := s.Retrieval.ContextWindowTokens
	if budget <= 0 {
		budget = 4096
	}
	used := 0
	for _, r := range results {
		tokens, _ := r.Payload["token_count"].(int)
		if used+tokens > budget && len(contextChunkIDs) > 0 {
			break
		}
		contextChunkIDs = append(contextChunkIDs, r.ID)
		used += tokens
	}

	requestID := requestKey(threadID, contextChunkIDs, s.SummaryType)

	env := event.New(event.SummarizationRequested, map[string]any{
		"thread_ids":        []string{threadID},
		"summary_type":      s.SummaryType,
		"request_id":        requestID,
		"context_chunk_ids": contextChunkIDs,
		"llm_params":        map[string]any{},
	})
	if err := s.publish(ctx, env); err != nil {
		return errs.Transient("orchestrate.publish", err)
	}
	s.Metrics.Increment("orchestrator_summary_triggered_total", map[string]string{"reason": "retrieval_context_assembled"})
	return nil
}

func (s *Service) publish(ctx context.Context, env event.Envelope) error {
	return s.Bus.Publish(ctx, bus.RoutingKeyFor(event.SummarizationRequested), env)
}

func threadQueryText(thread *store.Document) string {
	subject, _ := thread.Fields["subject"].(string)
	if subject == "" {
		subject = thread.Key
	}
	return subject
}

func requestKey(threadKey string, contextChunkIDs []string, summaryType string) string {
	joined := strings.Join(contextChunkIDs, ",")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", threadKey, joined, summaryType)))
	return hex.EncodeToString(sum[:])[:16]
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
