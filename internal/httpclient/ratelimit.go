package httpclient

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces requests to a single upstream with a token bucket.
// It is safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter allowing ratePerSecond sustained requests with the
// given burst. A non-positive rate disables limiting.
//
// Typical settings:
//   - PubMed: NewRateLimiter(3, 3) without an API key, (10, 10) with one
//   - arXiv: NewRateLimiter(1, 1)
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(ratePerSecond)
	if ratePerSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a request is allowed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Allow reports whether a request may proceed now, consuming a token if so.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// SetRate changes the sustained rate, for example after an upstream announces a new quota.
func (r *RateLimiter) SetRate(ratePerSecond float64) {
	r.limiter.SetLimit(rate.Limit(ratePerSecond))
}

// Tokens returns the number of currently available tokens.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
