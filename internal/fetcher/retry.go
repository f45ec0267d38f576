// Package fetcher wraps sessions with retry, identity rotation and backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/metrics"
)

// Retrier implements crawler.PageFetcher. Transient failures rotate the
// session and back off before the next attempt; once retries are exhausted the
// failure is escalated to a PermanentFetchError.
type Retrier struct {
	policy  *crawler.ExponentialRetryPolicy
	sleeper crawler.Sleeper
	logger  *zap.Logger
}

// NewRetrier builds a Retrier.
func NewRetrier(policy *crawler.ExponentialRetryPolicy, sleeper crawler.Sleeper, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: policy, sleeper: sleeper, logger: logger}
}

// Fetch renders req through sess with up to policy.MaxRetries() retries.
func (r *Retrier) Fetch(ctx context.Context, sess crawler.Session, req crawler.FetchRequest) (crawler.RenderedPage, error) {
	for retries := 0; ; retries++ {
		page, err := sess.Fetch(ctx, req)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return crawler.RenderedPage{}, fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
		}
		if !crawler.IsTransient(err) {
			return crawler.RenderedPage{}, err
		}
		if !r.policy.ShouldRetry(err, retries) {
			return crawler.RenderedPage{}, &crawler.PermanentFetchError{
				URL:    req.URL,
				Reason: "retries_exhausted",
				Err:    err,
			}
		}

		delay := r.policy.Backoff(retries)
		metrics.ObserveRetry(string(req.Source), transientReason(err))
		r.logger.Warn("transient fetch failure, rotating session",
			zap.String("url", req.URL),
			zap.Int("attempt", retries+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if rotErr := sess.Rotate(ctx); rotErr != nil {
			r.logger.Warn("session rotation failed", zap.String("url", req.URL), zap.Error(rotErr))
		}
		if err := r.sleeper.Sleep(ctx, delay); err != nil {
			return crawler.RenderedPage{}, fmt.Errorf("fetch %s: backoff interrupted: %w", req.URL, err)
		}
	}
}

func transientReason(err error) string {
	var transient *crawler.TransientFetchError
	if errors.As(err, &transient) && transient.Reason != "" {
		return transient.Reason
	}
	return "unknown"
}

// Delays lists the backoff schedule, mostly for logging the effective policy.
func Delays(policy *crawler.ExponentialRetryPolicy) []time.Duration {
	out := make([]time.Duration, 0, policy.MaxRetries())
	for i := 0; i < policy.MaxRetries(); i++ {
		out = append(out, policy.Backoff(i))
	}
	return out
}
