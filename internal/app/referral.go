package app

import (
	"context"
	"errors"
	"log"

	"github.com/silknetwork-maker/silk-network/internal/domain"
	"github.com/silknetwork-maker/silk-network/internal/store"
)

// CountApprovedReferrals returns how many KYC-approved accounts were referred by code.
func (s *Service) CountApprovedReferrals(ctx context.Context, code string) (int64, error) {
	code = domain.NormalizeReferralCode(code)
	if code == "" {
		return 0, ErrInvalidReferralCode
	}
	return retryRead(ctx, s, func() (int64, error) {
		return s.repo.CountApprovedReferrals(ctx, code)
	})
}

// AttributeReferral records code as the account's referrer. Attribution happens
// at most once; later calls report applied=false and change nothing.
func (s *Service) AttributeReferral(ctx context.Context, email, code string) (bool, error) {
	email = domain.NormalizeEmail(email)
	code = domain.NormalizeReferralCode(code)
	if code == "" {
		return false, ErrInvalidReferralCode
	}

	acc, err := s.GetAccount(ctx, email)
	if err != nil {
		return false, err
	}
	if acc.ReferredBy != nil {
		return false, nil
	}
	if acc.ReferralCode == code {
		return false, ErrInvalidReferralCode
	}

	if _, err := s.repo.FindAccountByReferralCode(ctx, code); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return false, ErrInvalidReferralCode
		}
		return false, err
	}

	applied, err := s.repo.SetReferredBy(ctx, email, code)
	if err != nil {
		return false, err
	}
	if applied {
		log.Printf("level=info component=service op=attribute_referral outcome=applied email=%s code=%s", email, code)
	}
	return applied, nil
}
