package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/silknetwork-maker/silk-network/internal/domain"
	"github.com/silknetwork-maker/silk-network/internal/store"
)

const referralBonusDescription = "Referral bonus"

// GrantReferralBonus credits an admin-issued referral bonus to the target account.
func (s *Service) GrantReferralBonus(ctx context.Context, actor Actor, req domain.ReferralBonusRequest, now time.Time) (*domain.Transaction, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	target := domain.NormalizeEmail(req.Email)
	adminEmail := domain.NormalizeEmail(actor.Email)

	description := referralBonusDescription
	if note := strings.TrimSpace(req.Note); note != "" {
		description = referralBonusDescription + ": " + note
	}

	var entry domain.Transaction
	err := s.withConflictRetry(ctx, "referral_bonus", func() error {
		acc, err := s.GetAccount(ctx, target)
		if err != nil {
			return err
		}
		entry = newRewardEntry(domain.TransactionReferral, adminEmail, target, req.Amount, description, now)
		_, err = s.repo.ApplyReferralBonus(ctx, store.CreditParams{
			Email:           target,
			ExpectedVersion: acc.Version,
			Amount:          req.Amount,
			At:              now,
			Entry:           entry,
			Event:           s.rewardEvent(domain.RoutingKeyReferralBonusGranted, entry, target, acc.Tokens.Add(req.Amount)),
		})
		return err
	})
	if err != nil {
		log.Printf("level=info component=service op=referral_bonus outcome=rejected admin=%s email=%s err=%v", adminEmail, target, err)
		return nil, err
	}

	log.Printf("level=info component=service op=referral_bonus outcome=applied admin=%s email=%s amount=%s", adminEmail, target, req.Amount)
	return &entry, nil
}

// GetFeePool returns the accumulated transfer fees.
func (s *Service) GetFeePool(ctx context.Context, actor Actor) (*domain.FeePool, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	return retryRead(ctx, s, func() (*domain.FeePool, error) {
		return s.repo.GetFeePool(ctx)
	})
}
