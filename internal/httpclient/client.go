// Package httpclient provides the outbound HTTP client shared by the bibliographic source
// clients, the PDF downloader and the model adapter.
//
// Transient failures (connection errors, timeouts and HTTP 429/500/502/503/504) are retried
// with exponential backoff: after attempt n (counting from zero) the client sleeps
// BackoffBase^n seconds plus a uniform jitter in [0, Jitter). A Retry-After header replaces
// the computed delay when it is longer. Any other non-2xx status is returned immediately as
// a *StatusError.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 1.6
	DefaultJitter      = 300 * time.Millisecond
	DefaultUserAgent   = "literature-pipeline/1.0"

	// maxErrorBody bounds how much of a failed response body is kept in a StatusError.
	maxErrorBody = 2048
)

// Config configures a Client.
type Config struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration

	// MaxRetries is the maximum number of attempts, including the first one.
	MaxRetries int

	// BackoffBase is raised to the attempt number to get the delay in seconds.
	BackoffBase float64

	// Jitter is the exclusive upper bound of the random delay added to each backoff.
	Jitter time.Duration

	// UserAgent is set on requests that do not carry one.
	UserAgent string

	// APIKey is an optional key sent in APIKeyHeader.
	APIKey string

	// APIKeyHeader is the header name for APIKey (e.g. "api_key", "X-API-Key").
	APIKeyHeader string
}

// RetryRecorder receives one call per retried attempt.
// *observability.Metrics satisfies it.
type RetryRecorder interface {
	RecordHTTPRetry(host, reason string)
}

// StatusError is returned for a response whose status is not 2xx, either immediately for a
// non-retryable status or after the retry budget is spent on a retryable one.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	// Body holds the start of the response body for diagnostics.
	Body string
	// Attempts is the number of requests made.
	Attempts int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s %s: status %d after %d attempts", e.Method, e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Option customizes a Client.
type Option func(*Client)

// WithRateLimiter paces every attempt through limiter.
func WithRateLimiter(limiter *RateLimiter) Option {
	return func(c *Client) { c.rateLimiter = limiter }
}

// WithMetrics records retried attempts.
func WithMetrics(recorder RetryRecorder) Option {
	return func(c *Client) { c.metrics = recorder }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger.With().Str("component", "httpclient").Logger() }
}

// WithTransport replaces the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.client.Transport = rt }
}

// Client wraps http.Client with retries, backoff and optional rate limiting.
// It is safe for concurrent use.
type Client struct {
	client      *http.Client
	rateLimiter *RateLimiter
	metrics     RetryRecorder
	logger      zerolog.Logger
	config      Config

	// wait sleeps between attempts; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
	// jitter returns a random duration in [0, limit).
	jitter func(limit time.Duration) time.Duration
}

// New creates a Client, applying defaults for zero-valued fields.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase < 1 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	// A negative jitter disables it.
	if cfg.Jitter == 0 {
		cfg.Jitter = DefaultJitter
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	c := &Client{
		client: &http.Client{Timeout: cfg.Timeout},
		logger: zerolog.Nop(),
		config: cfg,
		wait:   waitForRetry,
		jitter: randomJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// Do sends req and returns a response with a 2xx status. The caller must close its body.
//
// Requests with a body are retried only when req.GetBody is set, which http.NewRequest does
// for bytes, strings and bytes.Reader bodies.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.APIKey != "" && c.config.APIKeyHeader != "" {
		req.Header.Set(c.config.APIKeyHeader, c.config.APIKey)
	}

	ctx := req.Context()
	var lastErr error

	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := resetRequestBody(req); err != nil {
				return nil, fmt.Errorf("cannot retry request: %w", err)
			}
		}

		if c.rateLimiter != nil {
			if err := c.rateLimiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter wait: %w", err)
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
			if !c.retryAfter(ctx, req, attempt, 0, "network") {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := newStatusError(req, resp, attempt+1)
		if !shouldRetry(resp.StatusCode) {
			return nil, statusErr
		}
		lastErr = statusErr
		if !c.retryAfter(ctx, req, attempt, retryAfterDelay(resp.Header.Get("Retry-After")), strconv.Itoa(resp.StatusCode)) {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = errors.New("http retries exhausted")
	}
	return nil, lastErr
}

// retryAfter sleeps before the next attempt. It returns false when no attempt is left.
func (c *Client) retryAfter(ctx context.Context, req *http.Request, attempt int, hinted time.Duration, reason string) bool {
	if attempt+1 >= c.config.MaxRetries {
		return false
	}
	delay := c.Backoff(attempt)
	if hinted > delay {
		delay = hinted
	}

	if c.metrics != nil {
		c.metrics.RecordHTTPRetry(req.URL.Host, reason)
	}
	c.logger.Warn().
		Str("method", req.Method).
		Str("host", req.URL.Host).
		Str("reason", reason).
		Int("attempt", attempt+1).
		Int("max_attempts", c.config.MaxRetries).
		Dur("delay", delay).
		Msg("retrying request")

	// A canceled wait is reported by the caller through ctx.Err().
	_ = c.wait(ctx, delay)
	return true
}

// Backoff returns the delay that follows the given zero-based attempt.
func (c *Client) Backoff(attempt int) time.Duration {
	seconds := math.Pow(c.config.BackoffBase, float64(attempt))
	d := time.Duration(seconds * float64(time.Second))
	if c.config.Jitter > 0 {
		d += c.jitter(c.config.Jitter)
	}
	return d
}

// GetBytes issues a GET and returns the full response body.
func (c *Client) GetBytes(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	body, err := c.GetBytes(ctx, url, http.Header{"Accept": []string{"application/json"}})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// PostJSON sends in as a JSON body and decodes the response into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func newStatusError(req *http.Request, resp *http.Response, attempts int) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return &StatusError{
		StatusCode: resp.StatusCode,
		Method:     req.Method,
		URL:        req.URL.Redacted(),
		Body:       string(body),
		Attempts:   attempts,
	}
}

// shouldRetry reports whether a status is transient.
func shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfterDelay parses a Retry-After value given in seconds or as an HTTP date.
// It returns 0 when the header is absent or unusable.
func retryAfterDelay(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return 0
	}
	if t, err := http.ParseTime(value); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}
	return 0
}

func waitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

func resetRequestBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.GetBody == nil {
		return errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("get request body: %w", err)
	}
	req.Body = body
	return nil
}
