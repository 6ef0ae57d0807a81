package main

import (
	"context"

	"github.com/ticketforge/bulk-pipeline/pkg/common"
	"github.com/twmb/franz-go/pkg/kgo"
)

// runWithRetry implements C6: up to MAX_ATTEMPTS deliveries of fn with
// exponential backoff. The not-retryable class set (structural-null,
// validation, duplicate) short-circuits to the dead-letter topic on the
// first failure; anything else gets redelivered until MAX_ATTEMPTS is
// exhausted, at which point it is also routed to the DLT.
func (s *Server) runWithRetry(ctx context.Context, record *kgo.Record, chunkKey string, fn func() error) error {
	bo := s.cfg.RetryPolicy.NewBackOff()
	attempts := 0

	for {
		err := fn()
		if err == nil {
			return nil
		}
		attempts++

		code := common.ClassifyException(err)
		decision := s.cfg.RetryPolicy.NextAttempt(code, attempts, bo)
		if !decision.ShouldRetry {
			s.publishToDLT(ctx, record, chunkKey, code, err)
			return err
		}

		if sleepErr := common.Sleep(ctx, decision.Delay); sleepErr != nil {
			s.publishToDLT(ctx, record, chunkKey, code, err)
			return sleepErr
		}
	}
}
