package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicyConfig carries the C6 retry knobs enumerated in spec.md §6.
type RetryPolicyConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

func DefaultRetryPolicyConfig() RetryPolicyConfig {
	return RetryPolicyConfig{
		MaxAttempts:     3,
		InitialInterval: 1000 * time.Millisecond,
		Multiplier:      2.0,
		MaxInterval:     10_000 * time.Millisecond,
	}
}

// NewBackOff builds the per-message exponential schedule C6 steps through.
// MaxElapsedTime is left at zero (disabled): attempt counting is owned by
// the caller via MaxAttempts, not by backoff's own elapsed-time cutoff.
func (c RetryPolicyConfig) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.Multiplier = c.Multiplier
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryDecision is returned by the Retry & Dead-Letter Controller after
// classifying a chunk-processing failure, telling the caller whether to
// sleep and redeliver or to publish straight to the dead-letter topic.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
}

// NextAttempt inspects the error's classified code and the attempt count
// already made (1-based: the value after the failing call) and decides
// whether C6 should schedule another attempt. Non-retryable codes and
// attempts that have exhausted MaxAttempts route to the dead-letter topic.
func (c RetryPolicyConfig) NextAttempt(code ErrorCode, attemptsSoFar int, bo backoff.BackOff) RetryDecision {
	if !code.Retryable() {
		return RetryDecision{ShouldRetry: false}
	}
	if attemptsSoFar >= c.MaxAttempts {
		return RetryDecision{ShouldRetry: false}
	}
	return RetryDecision{ShouldRetry: true, Delay: bo.NextBackOff()}
}

// Sleep blocks for d or until ctx is cancelled, whichever comes first. C6
// calls this between redelivery attempts; Tracking Store and publish-to-DLT
// calls are the other blocking suspension points named in spec.md §5.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
