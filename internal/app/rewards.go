package app

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/silknetwork-maker/silk-network/internal/domain"
	"github.com/silknetwork-maker/silk-network/internal/store"
)

const (
	checkinDescription = "Daily check-in reward"
	miningDescription  = "24-hour mining reward"
)

// RewardResult is the outcome of a successful reward claim.
type RewardResult struct {
	Applied        bool                `json:"applied"`
	NewBalance     decimal.Decimal     `json:"new_balance"`
	NextEligibleAt time.Time           `json:"next_eligible_at"`
	Transaction    *domain.Transaction `json:"transaction,omitempty"`
}

// MiningStartResult is the outcome of opening a mining session.
type MiningStartResult struct {
	Started   bool      `json:"started"`
	StartedAt time.Time `json:"started_at"`
}

// ClaimCheckin credits the daily check-in reward when at least 24 hours have
// elapsed since the previous claim.
func (s *Service) ClaimCheckin(ctx context.Context, email string, now time.Time) (*RewardResult, error) {
	email = domain.NormalizeEmail(email)
	if err := s.checkRateLimit(ctx, RateLimitScopeReward, email); err != nil {
		return nil, err
	}

	reward := s.settings.CheckinReward
	var result *RewardResult
	err := s.withConflictRetry(ctx, "checkin", func() error {
		acc, err := s.GetAccount(ctx, email)
		if err != nil {
			return err
		}
		if acc.LastCheckin != nil {
			next := acc.LastCheckin.Add(RewardInterval)
			if now.Before(next) {
				return &EligibilityError{NextEligibleAt: next}
			}
		}

		entry := newRewardEntry(domain.TransactionCheckin, email, email, reward, checkinDescription, now)
		updated, err := s.repo.ApplyCheckin(ctx, store.CreditParams{
			Email:           email,
			ExpectedVersion: acc.Version,
			Amount:          reward,
			At:              now,
			Entry:           entry,
			Event:           s.rewardEvent(domain.RoutingKeyCheckinClaimed, entry, email, acc.Tokens.Add(reward)),
		})
		if err != nil {
			return err
		}
		result = &RewardResult{
			Applied:        true,
			NewBalance:     updated.Tokens,
			NextEligibleAt: now.Add(RewardInterval),
			Transaction:    &entry,
		}
		return nil
	})
	if err != nil {
		log.Printf("level=info component=service op=checkin outcome=rejected email=%s err=%v", email, err)
		return nil, err
	}

	log.Printf("level=info component=service op=checkin outcome=applied email=%s amount=%s balance=%s", email, reward, result.NewBalance)
	return result, nil
}

// StartMining opens a mining session. Only one session may be active.
func (s *Service) StartMining(ctx context.Context, email string, now time.Time) (*MiningStartResult, error) {
	email = domain.NormalizeEmail(email)
	if err := s.checkRateLimit(ctx, RateLimitScopeReward, email); err != nil {
		return nil, err
	}

	var result *MiningStartResult
	err := s.withConflictRetry(ctx, "mining_start", func() error {
		acc, err := s.GetAccount(ctx, email)
		if err != nil {
			return err
		}
		if acc.MiningActive() {
			return &MiningActiveError{StartedAt: *acc.MiningStartedAt}
		}
		if _, err := s.repo.ApplyMiningStart(ctx, email, acc.Version, now); err != nil {
			return err
		}
		result = &MiningStartResult{Started: true, StartedAt: now}
		return nil
	})
	if err != nil {
		log.Printf("level=info component=service op=mining_start outcome=rejected email=%s err=%v", email, err)
		return nil, err
	}

	log.Printf("level=info component=service op=mining_start outcome=started email=%s", email)
	return result, nil
}

// CollectMining credits the mining reward once the active session is at least
// 24 hours old, then re-arms the session from now.
func (s *Service) CollectMining(ctx context.Context, email string, now time.Time) (*RewardResult, error) {
	email = domain.NormalizeEmail(email)
	if err := s.checkRateLimit(ctx, RateLimitScopeReward, email); err != nil {
		return nil, err
	}

	reward := s.settings.MiningReward
	var result *RewardResult
	err := s.withConflictRetry(ctx, "mining_collect", func() error {
		acc, err := s.GetAccount(ctx, email)
		if err != nil {
			return err
		}
		if !acc.MiningActive() {
			return ErrMiningNotStarted
		}
		next := acc.MiningStartedAt.Add(RewardInterval)
		if now.Before(next) {
			return &EligibilityError{NextEligibleAt: next}
		}

		entry := newRewardEntry(domain.TransactionMining, email, email, reward, miningDescription, now)
		updated, err := s.repo.ApplyMiningCollect(ctx, store.CreditParams{
			Email:           email,
			ExpectedVersion: acc.Version,
			Amount:          reward,
			At:              now,
			Entry:           entry,
			Event:           s.rewardEvent(domain.RoutingKeyMiningCollected, entry, email, acc.Tokens.Add(reward)),
		})
		if err != nil {
			return err
		}
		result = &RewardResult{
			Applied:        true,
			NewBalance:     updated.Tokens,
			NextEligibleAt: now.Add(RewardInterval),
			Transaction:    &entry,
		}
		return nil
	})
	if err != nil {
		log.Printf("level=info component=service op=mining_collect outcome=rejected email=%s err=%v", email, err)
		return nil, err
	}

	log.Printf("level=info component=service op=mining_collect outcome=applied email=%s amount=%s balance=%s", email, reward, result.NewBalance)
	return result, nil
}

func newRewardEntry(txType domain.TransactionType, createdBy, recipient string, amount decimal.Decimal, description string, now time.Time) domain.Transaction {
	to := recipient
	return domain.Transaction{
		ID:          uuid.New(),
		Type:        txType,
		Amount:      amount,
		Fee:         decimal.Zero,
		ToEmail:     &to,
		Status:      domain.TransactionSuccess,
		Description: description,
		CreatedBy:   createdBy,
		CreatedDate: now,
	}
}

func (s *Service) rewardEvent(routingKey string, entry domain.Transaction, email string, newBalance decimal.Decimal) *store.OutboxEvent {
	return &store.OutboxEvent{
		Exchange:   s.eventsExchange,
		RoutingKey: routingKey,
		Payload: domain.RewardClaimedEvent{
			TransactionID: entry.ID,
			Type:          entry.Type,
			Email:         email,
			Amount:        entry.Amount,
			NewBalance:    newBalance,
			OccurredAt:    entry.CreatedDate,
		},
	}
}
