/**
 * @description
 * This file contains the core business logic for the SILK ledger. The `Service`
 * struct owns every rule that decides whether tokens may move: reward
 * eligibility, transfer validation and fee deduction, referral attribution and
 * the KYC lifecycle. Persistence is delegated to store.Repository, which
 * performs each mutation atomically.
 *
 * Key features:
 * - Optimistic versioning with bounded retry for per-account serialisation.
 * - Backoff retry for idempotent reads when the store is unavailable.
 * - Optional Redis-backed rate limiting on reward and transfer endpoints.
 *
 * @dependencies
 * - internal/domain, internal/store: domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/silknetwork-maker/silk-network/internal/domain"
	"github.com/silknetwork-maker/silk-network/internal/store"
)

const (
	DefaultMaxConflictRetries = 3
	DefaultTransactionLimit   = 50
	MaxTransactionLimit       = 200
	DefaultNotificationLimit  = 20
	DefaultTaskLimit          = 50
	DefaultEventsExchange     = "silk.events"

	// RewardInterval is the minimum elapsed time between check-ins and the
	// length of a mining session.
	RewardInterval = 24 * time.Hour
)

// RateLimiter decides whether an account may perform another operation in a
// ledger scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) (RateDecision, error)
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	Email string
	Admin bool
}

// Service provides the core business logic for the ledger.
type Service struct {
	repo               store.Repository
	settings           domain.Settings
	eventsExchange     string
	maxConflictRetries int

	limiter RateLimiter

	readAttempts int
	readBackoff  time.Duration
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, settings domain.Settings, eventsExchange string) *Service {
	if eventsExchange == "" {
		eventsExchange = DefaultEventsExchange
	}
	return &Service{
		repo:               repo,
		settings:           settings,
		eventsExchange:     eventsExchange,
		maxConflictRetries: DefaultMaxConflictRetries,
		readAttempts:       defaultReadAttempts,
		readBackoff:        defaultReadBackoff,
	}
}

// SetMaxConflictRetries bounds how often a versioned write is retried.
func (s *Service) SetMaxConflictRetries(n int) {
	if n < 0 {
		n = 0
	}
	s.maxConflictRetries = n
}

// SetRateLimiter enables per-account limits on rewards and transfers.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// Settings returns the reward constants in effect.
func (s *Service) Settings() domain.Settings {
	return s.settings
}

// GetAccount returns an existing account.
func (s *Service) GetAccount(ctx context.Context, email string) (*domain.Account, error) {
	email = domain.NormalizeEmail(email)
	return retryRead(ctx, s, func() (*domain.Account, error) {
		return s.repo.FindAccountByEmail(ctx, email)
	})
}

// EnsureAccount returns the caller's account, provisioning it on first sight.
func (s *Service) EnsureAccount(ctx context.Context, email string) (*domain.Account, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, store.ErrAccountNotFound
	}

	acc, err := s.GetAccount(ctx, email)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, store.ErrAccountNotFound) {
		return nil, err
	}

	acc, err = s.repo.CreateAccount(ctx, email)
	if errors.Is(err, store.ErrAccountExists) {
		// Lost a provisioning race; the winner's row is authoritative.
		return s.GetAccount(ctx, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	log.Printf("level=info component=service op=create_account outcome=created email=%s referral_code=%s", acc.Email, acc.ReferralCode)
	return acc, nil
}

// ProvisionAccount ensures the account exists and attributes the referral code
// once. Unknown codes are ignored so a bad invitation link never blocks signup.
func (s *Service) ProvisionAccount(ctx context.Context, req domain.ProvisionAccountRequest) (*domain.Account, error) {
	acc, err := s.EnsureAccount(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if domain.NormalizeReferralCode(req.ReferralCode) == "" {
		return acc, nil
	}
	applied, err := s.AttributeReferral(ctx, acc.Email, req.ReferralCode)
	if errors.Is(err, ErrInvalidReferralCode) {
		log.Printf("level=warn component=service op=provision_account outcome=referral_ignored email=%s code=%s", acc.Email, req.ReferralCode)
		return acc, nil
	}
	if err != nil {
		return nil, err
	}
	if !applied {
		return acc, nil
	}
	return s.GetAccount(ctx, acc.Email)
}

// ListTransactions returns the caller's ledger history, newest first.
func (s *Service) ListTransactions(ctx context.Context, email string, limit int) ([]domain.Transaction, error) {
	email = domain.NormalizeEmail(email)
	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	if limit > MaxTransactionLimit {
		limit = MaxTransactionLimit
	}
	return retryRead(ctx, s, func() ([]domain.Transaction, error) {
		return s.repo.ListTransactionsByEmail(ctx, email, limit)
	})
}

// ListActiveNotifications returns the announcement feed.
func (s *Service) ListActiveNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	return retryRead(ctx, s, func() ([]domain.Notification, error) {
		return s.repo.ListActiveNotifications(ctx, limit)
	})
}

// ListActiveTasks returns the open task board, newest first.
func (s *Service) ListActiveTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = DefaultTaskLimit
	}
	return retryRead(ctx, s, func() ([]domain.Task, error) {
		return s.repo.ListActiveTasks(ctx, limit)
	})
}

// checkRateLimit fails open when the limiter itself is unavailable.
func (s *Service) checkRateLimit(ctx context.Context, scope, subject string) error {
	if s.limiter == nil {
		return nil
	}
	decision, err := s.limiter.Allow(ctx, scope, subject)
	if err != nil {
		log.Printf("level=warn component=service op=rate_limit outcome=limiter_unavailable scope=%s err=%v", scope, err)
		return nil
	}
	if !decision.Allowed {
		log.Printf("level=warn component=service op=rate_limit outcome=rejected scope=%s subject=%s used=%d limit=%d", scope, subject, decision.Used, decision.Limit)
	}
	return decision.Err()
}

// withConflictRetry re-runs fn while the store reports a version conflict.
// fn must re-read the account on every attempt.
func (s *Service) withConflictRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, store.ErrConcurrentModification) {
			return err
		}
		if attempt >= s.maxConflictRetries {
			log.Printf("level=warn component=service op=%s outcome=conflict_exhausted attempts=%d", op, attempt+1)
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Printf("level=info component=service op=%s outcome=conflict_retry attempt=%d", op, attempt+1)
	}
}
