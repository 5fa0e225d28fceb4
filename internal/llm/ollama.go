// Package llm adapts the Ollama HTTP API for the literature pipeline.
//
// Generation calls never fail: transport errors, non-2xx responses and unparseable JSON are
// retried up to the configured number of attempts, after which GenerateJSON returns an empty
// map and GenerateText an empty string. Callers treat the empty value as a failed call.
//
// Example usage:
//
//	client := llm.NewOllamaClient(llm.Config{BaseURL: "http://localhost:11434", MaxRetries: 3})
//	out := client.GenerateJSON(ctx, "llama3.1:8b", prompt)
//	if len(out) == 0 {
//		// the model produced nothing usable
//	}
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/httpclient"
)

// Default values for the Ollama adapter.
const (
	defaultBaseURL     = "http://localhost:11434"
	defaultTimeout     = 900 * time.Second
	defaultMaxRetries  = 3
	defaultRetryDelay  = 5 * time.Second
	defaultPullTimeout = time.Hour
)

// Generator produces model output for a prompt.
type Generator interface {
	// GenerateJSON asks the model for a JSON object. It returns an empty map when every
	// attempt failed or produced something other than an object.
	GenerateJSON(ctx context.Context, model, prompt string) map[string]any

	// GenerateText asks the model for free text. It returns "" when every attempt failed.
	GenerateText(ctx context.Context, model, prompt string) string
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ModelPuller downloads a model into the backend.
type ModelPuller interface {
	PullModel(ctx context.Context, model string) error
}

// Recorder receives model call metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordModelRequest(operation, model string, durationSeconds float64)
	RecordModelRequestFailed(operation, model, errorType string)
	RecordModelEmptyResponse(operation, model string)
}

// Config holds the parameters needed to create an Ollama client.
// It mirrors config.LLMConfig so this package does not import the config package.
type Config struct {
	// BaseURL is the Ollama API base URL.
	BaseURL string
	// Timeout bounds a single generation request.
	Timeout time.Duration
	// MaxRetries is the number of attempts before the empty sentinel is returned.
	MaxRetries int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// EmbeddingModel is the model used by Embed.
	EmbeddingModel string
	// PullTimeout bounds a model pull.
	PullTimeout time.Duration
}

// generateRequest is the body of POST /api/generate.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

// generateResponse is the non-streaming /api/generate response.
type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

type pullResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Option customizes an OllamaClient.
type Option func(*OllamaClient)

// WithMetrics records model call metrics.
func WithMetrics(recorder Recorder) Option {
	return func(c *OllamaClient) { c.metrics = recorder }
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *OllamaClient) { c.logger = logger.With().Str("component", "ollama").Logger() }
}

var (
	_ Generator   = (*OllamaClient)(nil)
	_ Embedder    = (*OllamaClient)(nil)
	_ ModelPuller = (*OllamaClient)(nil)
)

// OllamaClient implements Generator, Embedder and ModelPuller over the Ollama HTTP API.
type OllamaClient struct {
	http    *httpclient.Client
	pull    *httpclient.Client
	cfg     Config
	metrics Recorder
	logger  zerolog.Logger

	// sleep pauses between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOllamaClient creates a client. The adapter owns the retry budget, so the underlying
// HTTP client makes a single attempt per call.
func NewOllamaClient(cfg Config, opts ...Option) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = defaultPullTimeout
	}

	c := &OllamaClient{
		http:   httpclient.New(httpclient.Config{Timeout: cfg.Timeout, MaxRetries: 1}),
		pull:   httpclient.New(httpclient.Config{Timeout: cfg.PullTimeout, MaxRetries: 1}),
		cfg:    cfg,
		logger: zerolog.Nop(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateJSON asks the model for a JSON object using the backend's JSON format mode.
// Code fences around the object are stripped before parsing.
func (c *OllamaClient) GenerateJSON(ctx context.Context, model, prompt string) map[string]any {
	var out map[string]any
	ok := c.generate(ctx, "generate_json", model, prompt, "json", func(text string) error {
		parsed, err := ParseJSONObject(text)
		if err != nil {
			return err
		}
		out = parsed
		return nil
	})
	if !ok {
		return map[string]any{}
	}
	return out
}

// GenerateText asks the model for free text.
func (c *OllamaClient) GenerateText(ctx context.Context, model, prompt string) string {
	var out string
	ok := c.generate(ctx, "generate_text", model, prompt, "", func(text string) error {
		out = text
		return nil
	})
	if !ok {
		return ""
	}
	return out
}

// generate runs the attempt loop and reports whether accept took a response.
func (c *OllamaClient) generate(ctx context.Context, operation, model, prompt, format string, accept func(string) error) bool {
	req := generateRequest{Model: model, Prompt: prompt, Stream: false, Format: format}
	logger := c.logger.With().Str("model", model).Str("operation", operation).Logger()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		start := time.Now()
		var resp generateResponse
		err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/api/generate", req, &resp)
		if err != nil {
			if ctx.Err() == nil {
				err = toAPIError("generate", err)
			}
		} else {
			err = accept(resp.Response)
		}
		if c.metrics != nil {
			c.metrics.RecordModelRequest(operation, model, time.Since(start).Seconds())
		}
		if err == nil {
			return true
		}

		lastErr = err
		if c.metrics != nil {
			c.metrics.RecordModelRequestFailed(operation, model, errorType(err))
		}
		if ctx.Err() != nil {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.cfg.MaxRetries).Msg("model call failed")
		if attempt < c.cfg.MaxRetries {
			if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
				break
			}
		}
	}

	if c.metrics != nil {
		c.metrics.RecordModelEmptyResponse(operation, model)
	}
	logger.Error().Err(lastErr).Msg("model call exhausted retries, returning empty response")
	return false
}

// Embed returns the embedding of text from the configured embedding model.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var resp embeddingResponse
	err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/api/embeddings", embeddingRequest{
		Model:  c.cfg.EmbeddingModel,
		Prompt: text,
	}, &resp)
	if c.metrics != nil {
		c.metrics.RecordModelRequest("embed", c.cfg.EmbeddingModel, time.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, toAPIError("embeddings", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, &APIError{Operation: "embeddings", Message: "empty embedding"}
	}
	return resp.Embedding, nil
}

// PullModel downloads model into the backend and waits for the pull to finish.
func (c *OllamaClient) PullModel(ctx context.Context, model string) error {
	if strings.TrimSpace(model) == "" {
		return errors.New("model name is required")
	}

	var resp pullResponse
	if err := c.pull.PostJSON(ctx, c.cfg.BaseURL+"/api/pull", pullRequest{Name: model, Stream: false}, &resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return toAPIError("pull", err)
	}
	if resp.Error != "" {
		return &APIError{Operation: "pull", Message: resp.Error}
	}
	if resp.Status != "success" {
		return &APIError{Operation: "pull", Message: fmt.Sprintf("unexpected pull status %q", resp.Status)}
	}
	c.logger.Info().Str("model", model).Msg("model pulled")
	return nil
}

// ParseJSONObject strips Markdown code fences from text and decodes the JSON object it
// contains. Arrays, scalars and null are rejected.
func ParseJSONObject(text string) (map[string]any, error) {
	cleaned := StripCodeFences(text)
	if cleaned == "" {
		return nil, &malformedError{cause: errors.New("empty response")}
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, &malformedError{cause: err}
	}
	if out == nil {
		return nil, &malformedError{cause: errors.New("null response")}
	}
	return out, nil
}

// StripCodeFences removes ```json and ``` markers and surrounding whitespace.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
