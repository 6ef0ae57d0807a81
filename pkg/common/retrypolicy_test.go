package common

import (
	"context"
	"testing"
	"time"
)

func TestRetryPolicy_NonRetryableCodeNeverRetries(t *testing.T) {
	cfg := DefaultRetryPolicyConfig()
	bo := cfg.NewBackOff()

	decision := cfg.NextAttempt(ErrInvalidStatusTransition, 1, bo)
	if decision.ShouldRetry {
		t.Error("expected a non-retryable code to never schedule a retry")
	}
}

func TestRetryPolicy_ExhaustsAfterMaxAttempts(t *testing.T) {
	cfg := DefaultRetryPolicyConfig()
	cfg.MaxAttempts = 3
	bo := cfg.NewBackOff()

	if d := cfg.NextAttempt(ErrTicketCreationFailed, 1, bo); !d.ShouldRetry {
		t.Error("expected attempt 1 to still be retryable")
	}
	if d := cfg.NextAttempt(ErrTicketCreationFailed, 2, bo); !d.ShouldRetry {
		t.Error("expected attempt 2 to still be retryable")
	}
	if d := cfg.NextAttempt(ErrTicketCreationFailed, 3, bo); d.ShouldRetry {
		t.Error("expected attempt 3 to exhaust MAX_ATTEMPTS and route to the dead-letter topic")
	}
}

func TestRetryPolicy_SleepRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, time.Second)
	if err == nil {
		t.Error("expected Sleep to return an error for an already-cancelled context")
	}
}

func TestRetryPolicy_SleepZeroDurationReturnsImmediately(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("unexpected error for zero duration: %v", err)
	}
}
