package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/silknetwork-maker/silk-network/internal/store"
)

const (
	defaultReadAttempts = 3
	defaultReadBackoff  = 50 * time.Millisecond
)

// retryRead retries an idempotent read while the store is unavailable,
// doubling the delay after each attempt. Mutations must never go through here.
func retryRead[T any](ctx context.Context, s *Service, read func() (T, error)) (T, error) {
	attempts := s.readAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := s.readBackoff

	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = read()
		if !errors.Is(err, store.ErrStoreUnavailable) || attempt == attempts {
			return result, err
		}
		log.Printf("level=warn component=service op=read outcome=store_unavailable attempt=%d retry_in=%s", attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return result, err
}
