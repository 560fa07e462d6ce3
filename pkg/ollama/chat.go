package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/archivesum/pipeline/pkg/fn"
	"github.com/archivesum/pipeline/pkg/resilience"
	"github.com/archivesum/pipeline/stage/summarize"
)

// ChatClient calls Ollama's /api/generate endpoint, implementing the
// summarize stage's LLM backend seam the same way EmbedClient implements
// the embed stage's: a thin HTTP wrapper, no generated-client dependency,
// guarded by the same rate limiter/circuit breaker pair.
type ChatClient struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *resilience.Limiter
	breaker *resilience.Breaker
}

// NewChatClient creates an Ollama completion client. ratePerSecond and
// burst configure the token bucket guarding calls into the backend; pass
// 0 rate for unlimited.
func NewChatClient(baseURL, model string, ratePerSecond float64, burst int) *ChatClient {
	c := &ChatClient{
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

type ollamaGenerateReq struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Stream      bool    `json:"stream"`
}

type ollamaGenerateResp struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Completion is one LLM call's result, including token accounting the
// summarize stage exports via summarization_tokens_total. It is the same
// type as summarize.Completion, so ChatClient satisfies summarize.LLMBackend.
type Completion = summarize.Completion

// completionRequest bundles Complete's arguments so the HTTP call can be
// expressed as a single-input fn.Stage.
type completionRequest struct {
	systemPrompt string
	prompt       string
	temperature  float64
}

// requestStage is the bare HTTP call to Ollama's generate endpoint,
// expressed as an fn.Stage so the breaker and limiter can wrap it the same
// way pkg/resilience's Stage helpers are meant to compose around any call.
func (c *ChatClient) requestStage(ctx context.Context, req completionRequest) fn.Result[*Completion] {
	body, _ := json.Marshal(ollamaGenerateReq{
		Model:       c.model,
		Prompt:      req.prompt,
		System:      req.systemPrompt,
		Temperature: req.temperature,
		Stream:      false,
	})
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fn.Err[*Completion](err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fn.Err[*Completion](fmt.Errorf("ollama generate: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fn.Err[*Completion](fmt.Errorf("ollama generate: status %d", resp.StatusCode))
	}

	var result ollamaGenerateResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fn.Err[*Completion](fmt.Errorf("ollama generate decode: %w", err))
	}

	return fn.Ok(&Completion{
		Text:             result.Response,
		PromptTokens:     result.PromptEvalCount,
		CompletionTokens: result.EvalCount,
	})
}

// Complete issues a single non-streaming generation request.
func (c *ChatClient) Complete(ctx context.Context, systemPrompt, prompt string, temperature float64) (*Completion, error) {
	stage := fn.Stage[completionRequest, *Completion](c.requestStage)
	if c.limiter != nil {
		stage = resilience.LimiterStageWait(c.limiter, stage)
	}
	stage = resilience.BreakerStage(c.breaker, stage)
	return stage(ctx, completionRequest{systemPrompt: systemPrompt, prompt: prompt, temperature: temperature}).Unwrap()
}
