package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryConfig parameterizes ExponentialRetryPolicy.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
	MaxDelay   time.Duration
	// Jitter spreads each delay uniformly over [delay/2, delay).
	Jitter bool
}

// ExponentialRetryPolicy retries transient fetch failures with base*factor^n delays.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	factor     float64
	maxDelay   time.Duration
	jitter     bool
}

// NewExponentialRetryPolicy builds a policy, filling unset fields with defaults.
func NewExponentialRetryPolicy(cfg RetryConfig) *ExponentialRetryPolicy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Factor < 1 {
		cfg.Factor = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	return &ExponentialRetryPolicy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		factor:     cfg.Factor,
		maxDelay:   cfg.MaxDelay,
		jitter:     cfg.Jitter,
	}
}

// MaxRetries returns the number of retries after the initial attempt.
func (p *ExponentialRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry reports whether a failure after `retries` completed retries deserves another attempt.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, retries int) bool {
	if err == nil || retries >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return IsTransient(err)
}

// Backoff returns the wait before retry number `retry` (zero based).
func (p *ExponentialRetryPolicy) Backoff(retry int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(p.factor, float64(retry))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if !p.jitter {
		return time.Duration(delay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
