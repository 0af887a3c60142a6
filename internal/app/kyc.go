package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/silknetwork-maker/silk-network/internal/domain"
	"github.com/silknetwork-maker/silk-network/internal/store"
)

// SubmitKYC files the caller's identity documents for review. A submission is
// accepted from not_submitted, or from rejected as a resubmission.
func (s *Service) SubmitKYC(ctx context.Context, email string, sub domain.KYCSubmission, now time.Time) (*domain.Account, error) {
	email = domain.NormalizeEmail(email)
	fullName := strings.TrimSpace(sub.FullName)
	country := strings.TrimSpace(sub.Country)
	front := strings.TrimSpace(sub.DocumentFrontURL)
	back := strings.TrimSpace(sub.DocumentBackURL)
	if fullName == "" || country == "" || front == "" || back == "" {
		return nil, ErrInvalidKYCSubmission
	}

	var updated *domain.Account
	err := s.withConflictRetry(ctx, "kyc_submit", func() error {
		acc, err := s.GetAccount(ctx, email)
		if err != nil {
			return err
		}
		if acc.KYCStatus != domain.KYCNotSubmitted && acc.KYCStatus != domain.KYCRejected {
			return ErrInvalidKYCTransition
		}
		submittedAt := now
		updated, err = s.repo.UpdateKYC(ctx, store.KYCUpdateParams{
			Email:           email,
			ExpectedVersion: acc.Version,
			Status:          domain.KYCPending,
			FullName:        &fullName,
			Country:         &country,
			FrontURL:        &front,
			BackURL:         &back,
			SubmittedAt:     &submittedAt,
		})
		return err
	})
	if err != nil {
		log.Printf("level=info component=service op=kyc_submit outcome=rejected email=%s err=%v", email, err)
		return nil, err
	}
	log.Printf("level=info component=service op=kyc_submit outcome=pending email=%s", email)
	return updated, nil
}

// ReviewKYC approves or rejects a pending submission.
func (s *Service) ReviewKYC(ctx context.Context, actor Actor, targetEmail string, approve bool) (*domain.Account, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	targetEmail = domain.NormalizeEmail(targetEmail)
	status := domain.KYCRejected
	if approve {
		status = domain.KYCApproved
	}

	var updated *domain.Account
	err := s.withConflictRetry(ctx, "kyc_review", func() error {
		acc, err := s.GetAccount(ctx, targetEmail)
		if err != nil {
			return err
		}
		if acc.KYCStatus != domain.KYCPending {
			return ErrInvalidKYCTransition
		}
		updated, err = s.repo.UpdateKYC(ctx, store.KYCUpdateParams{
			Email:           targetEmail,
			ExpectedVersion: acc.Version,
			Status:          status,
		})
		return err
	})
	if err != nil {
		log.Printf("level=info component=service op=kyc_review outcome=rejected admin=%s email=%s err=%v", actor.Email, targetEmail, err)
		return nil, err
	}
	log.Printf("level=info component=service op=kyc_review outcome=%s admin=%s email=%s", status, actor.Email, targetEmail)
	return updated, nil
}
