// Package summarize implements the summarize stage (spec §4.6.6): turn an
// assembled retrieval context into a thread summary via an LLM backend.
// Prompt construction and citation extraction are grounded on engine/rag's
// buildContextParts/[source_id] citation convention, generalized from a
// one-shot chat answer to a persisted, thread-keyed summary document.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/config"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/store"
	"github.com/archivesum/pipeline/worker"
)

// LLMBackend generates a completion from a system prompt and a user
// prompt. pkg/ollama.ChatClient implements this against Ollama's
// /api/generate endpoint.
type LLMBackend interface {
	Complete(ctx context.Context, systemPrompt, prompt string, temperature float64) (*Completion, error)
}

// Completion is the result every LLMBackend returns. pkg/ollama.Completion
// is an alias of this type, so this package doesn't import the ollama
// client; any backend selected by config.LLMConfig satisfies LLMBackend by
// returning this shape.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

const defaultSystemPrompt = `You are summarizing a mailing-list thread for future readers. Write a concise digest of the discussion using ONLY the provided context. Cite the chunks you draw from using [chunk_id].`

// Service implements the summarize stage's business method.
type Service struct {
	Store     store.DocumentStore
	Bus       bus.Bus
	LLM       LLMBackend
	Metrics   *worker.Metrics
	Logger    *slog.Logger
	LLMConfig config.LLMConfig
	RetryOpts worker.RetryOpts
}

// New builds a summarize Service.
func New(s store.DocumentStore, b bus.Bus, llm LLMBackend, m *worker.Metrics, logger *slog.Logger, cfg config.LLMConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: s, Bus: b, LLM: llm, Metrics: m, Logger: logger, LLMConfig: cfg, RetryOpts: worker.DefaultRetryOpts}
}

// Process handles one summarization.requested event: dedupe by request_id,
// call the LLM over the assembled context, extract cited chunk ids, store
// the summary, update the owning thread, and publish summary.complete.
func (s *Service) Process(ctx context.Context, env event.Envelope) (*worker.Outcome, error) {
	threadIDs := stringSlice(env.Data["thread_ids"])
	requestID, _ := env.Data["request_id"].(string)
	summaryType, _ := env.Data["summary_type"].(string)
	contextChunkIDs := stringSlice(env.Data["context_chunk_ids"])

	if len(threadIDs) == 0 || requestID == "" || summaryType == "" {
		return nil, errs.Permanent("summarize", errors.New("missing thread_ids, request_id, or summary_type"))
	}
	threadID := threadIDs[0]

	summaryKey := store.SummaryKey(threadID, summaryType)
	existing, err := s.Store.Get(ctx, store.CollectionSummaries, summaryKey)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Transient("summarize.get_existing", err)
	}
	if existing != nil {
		if rid, _ := existing.Fields["request_id"].(string); rid == requestID {
			return nil, nil // duplicate request: no-op
		}
	}

	contextParts, err := s.loadContext(ctx, contextChunkIDs)
	if err != nil {
		return nil, err
	}

	prompt := buildPrompt(threadID, contextParts)

	var completion *Completion
	retryErr := worker.RetryWithBackoff(ctx, s.RetryOpts, func(ctx context.Context) error {
		c, err := s.LLM.Complete(ctx, defaultSystemPrompt, prompt, s.LLMConfig.Temperature)
		if err != nil {
			return errs.Transient("summarize.llm", err)
		}
		completion = c
		return nil
	})
	if retryErr != nil {
		return nil, s.fail(ctx, threadID, requestID, retryErr)
	}

	citedChunkIDs := extractCitations(completion.Text)

	fields := map[string]any{
		"thread_id":         threadID,
		"summary_type":      summaryType,
		"request_id":        requestID,
		"text":              completion.Text,
		"cited_chunk_ids":   citedChunkIDs,
		"context_chunk_ids": contextChunkIDs,
		"model":             s.LLMConfig.Model,
		"created_at":        time.Now().UTC(),
	}
	if existing == nil {
		if err := s.Store.Insert(ctx, store.CollectionSummaries, summaryKey, fields); err != nil {
			return nil, errs.Transient("summarize.insert", err)
		}
	} else {
		if _, err := s.Store.Update(ctx, store.CollectionSummaries, summaryKey, store.Patch{Fields: fields}); err != nil {
			return nil, errs.Transient("summarize.update", err)
		}
	}

	if _, err := s.Store.Update(ctx, store.CollectionThreads, threadID, store.Patch{
		Fields: map[string]any{"summary_id": summaryKey},
	}); err != nil {
		return nil, errs.Transient("summarize.flag_thread", err)
	}

	s.Metrics.Increment("summarization_tokens_total", map[string]string{"type": "prompt"})
	s.Metrics.Observe("summarization_tokens_total", float64(completion.PromptTokens), map[string]string{"type": "prompt"})
	s.Metrics.Observe("summarization_tokens_total", float64(completion.CompletionTokens), map[string]string{"type": "completion"})

	return &worker.Outcome{
		EventType: event.SummaryComplete,
		Data: map[string]any{
			"thread_id":   threadID,
			"summary_id":  summaryKey,
			"summary_type": summaryType,
			"request_id":  requestID,
			"timestamp":   time.Now().UTC(),
		},
	}, nil
}

func (s *Service) loadContext(ctx context.Context, chunkIDs []string) ([]string, error) {
	parts := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		chunk, err := s.Store.Get(ctx, store.CollectionChunks, id)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			return nil, errs.Transient("summarize.get_chunk", err)
		}
		text, _ := chunk.Fields["text"].(string)
		parts = append(parts, fmt.Sprintf("[%s]\n%s", id, text))
	}
	return parts, nil
}

func buildPrompt(threadID string, contextParts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thread: %s\n\nContext:\n", threadID)
	b.WriteString(strings.Join(contextParts, "\n\n"))
	b.WriteString("\n\nWrite the summary now.")
	return b.String()
}

var citationPattern = regexp.MustCompile(`\[([a-zA-Z0-9_\-]+)\]`)

func extractCitations(text string) []string {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if id := m[1]; !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) fail(ctx context.Context, threadID, requestID string, cause error) error {
	env := event.New(event.SummarizationFailed, map[string]any{
		"thread_id":  threadID,
		"request_id": requestID,
		"error":      cause.Error(),
	})
	_ = s.Bus.Publish(ctx, bus.RoutingKeyFor(event.SummarizationFailed), env)
	return cause
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
