package app

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrRecipientNotFound      = errors.New("recipient not found")
	ErrNotEligibleYet         = errors.New("not eligible yet")
	ErrMiningNotStarted       = errors.New("mining session not started")
	ErrMiningAlreadyActive    = errors.New("mining session already active")
	ErrSelfTransferNotAllowed = errors.New("cannot transfer to your own account")
	ErrInvalidReferralCode    = errors.New("invalid referral code")
	ErrInvalidKYCTransition   = errors.New("kyc status does not allow this action")
	ErrInvalidKYCSubmission   = errors.New("kyc submission is incomplete")
	ErrForbidden              = errors.New("forbidden")
	ErrRateLimited            = errors.New("rate limit exceeded")
)

// EligibilityError reports a reward that is not yet claimable.
type EligibilityError struct {
	NextEligibleAt time.Time
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("not eligible until %s", e.NextEligibleAt.UTC().Format(time.RFC3339))
}

func (e *EligibilityError) Unwrap() error { return ErrNotEligibleYet }

// MiningActiveError reports the start time of the session that blocks a new one.
type MiningActiveError struct {
	StartedAt time.Time
}

func (e *MiningActiveError) Error() string {
	return fmt.Sprintf("mining session active since %s", e.StartedAt.UTC().Format(time.RFC3339))
}

func (e *MiningActiveError) Unwrap() error { return ErrMiningAlreadyActive }

// RateLimitError carries the retry hint from the limiter.
type RateLimitError struct {
	Scope             string
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %ds", e.Scope, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
