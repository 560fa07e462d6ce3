// Package ollama implements the embed stage's Embedder interface against
// Ollama's HTTP embeddings API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/archivesum/pipeline/pkg/fn"
	"github.com/archivesum/pipeline/pkg/resilience"
)

// EmbedClient calls Ollama's /api/embeddings endpoint, guarded by a rate
// limiter and circuit breaker the same way engine/scraper/youtube.go
// throttles its external API calls (pkg/resilience).
type EmbedClient struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *resilience.Limiter
	breaker *resilience.Breaker
}

// NewEmbedClient creates an Ollama embedding client. ratePerSecond and
// burst configure the token bucket guarding calls into the backend; pass
// 0 rate for unlimited.
func NewEmbedClient(baseURL, model string, ratePerSecond float64, burst int) *EmbedClient {
	c := &EmbedClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
	if ratePerSecond > 0 {
		c.limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: ratePerSecond, Burst: burst})
	}
	return c
}

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// requestStage is the bare HTTP call to Ollama's embeddings endpoint,
// expressed as an fn.Stage so the breaker and limiter can wrap it the same
// way pkg/resilience's Stage helpers are meant to compose around any call.
func (c *EmbedClient) requestStage(ctx context.Context, text string) fn.Result[[]float32] {
	body, _ := json.Marshal(ollamaEmbedReq{Model: c.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return fn.Err[[]float32](err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fn.Err[[]float32](fmt.Errorf("ollama embed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fn.Err[[]float32](fmt.Errorf("ollama embed: status %d", resp.StatusCode))
	}

	var result ollamaEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fn.Err[[]float32](fmt.Errorf("ollama embed decode: %w", err))
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return fn.Ok(out)
}

func (c *EmbedClient) embed(ctx context.Context, text string) ([]float32, error) {
	stage := fn.Stage[string, []float32](c.requestStage)
	if c.limiter != nil {
		stage = resilience.LimiterStageWait(c.limiter, stage)
	}
	stage = resilience.BreakerStage(c.breaker, stage)
	return stage(ctx, text).Unwrap()
}

// Embed vectorizes a single text. Ollama's embeddings endpoint takes one
// prompt per call, so EmbedBatch below issues one request per text.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, text)
}

// EmbedBatch vectorizes texts in order, stopping at the first failure.
func (c *EmbedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vals, err := c.embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d]: %w", i, err)
		}
		out[i] = vals
	}
	return out, nil
}
