package transport

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"time"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
)

// RetryConfig controls attempts and backoff.
type RetryConfig struct {
	// MaxRetries is the total number of attempts, the first one included.
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter adds up to Jitter*delay on top of each computed delay.
	Jitter float64
}

// ExponentialRetryPolicy decides whether and how long to wait between attempts.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	multiplier  float64
	maxDelay    time.Duration
	jitter      float64
}

// NewExponentialRetryPolicy builds a policy, filling zero values with defaults.
func NewExponentialRetryPolicy(cfg RetryConfig) *ExponentialRetryPolicy {
	p := &ExponentialRetryPolicy{
		maxAttempts: cfg.MaxRetries,
		baseDelay:   cfg.BaseDelay,
		multiplier:  cfg.Multiplier,
		maxDelay:    cfg.MaxDelay,
		jitter:      cfg.Jitter,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.baseDelay <= 0 {
		p.baseDelay = time.Second
	}
	if p.multiplier < 1 {
		p.multiplier = 2
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 60 * time.Second
	}
	if p.jitter < 0 {
		p.jitter = 0
	}
	return p
}

// MaxAttempts returns the attempt budget.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt is allowed after attempts tries.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempts int) bool {
	if err == nil || attempts >= p.maxAttempts {
		return false
	}
	return Retryable(err)
}

// Backoff returns the wait after failure k (k = 0 after the first attempt):
// base * multiplier^k, capped at the max delay, plus optional jitter.
func (p *ExponentialRetryPolicy) Backoff(k int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(p.multiplier, float64(k))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if p.jitter > 0 {
		delay += rand.Float64() * p.jitter * delay
	}
	return time.Duration(delay)
}

// Retryable reports whether err is a transient condition.
func Retryable(err error) bool {
	var httpErr *crawler.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	if errors.Is(err, crawler.ErrNetwork) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
