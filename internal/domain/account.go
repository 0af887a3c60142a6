/**
 * @description
 * This file defines the account-side domain models for the ledger service.
 * An Account is the canonical holder of a user's SILK balance together with
 * the timestamps that gate the check-in and mining rewards.
 *
 * @notes
 * - Token amounts use shopspring/decimal so fractional SILK values (0.1, 0.3)
 *   never pass through float64.
 * - Version is the optimistic-concurrency counter. Every write bumps it.
 */

package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// KYCStatus is the verification state of an account.
type KYCStatus string

const (
	KYCNotSubmitted KYCStatus = "not_submitted"
	KYCPending      KYCStatus = "pending"
	KYCApproved     KYCStatus = "approved"
	KYCRejected     KYCStatus = "rejected"
)

// Valid reports whether s is one of the known KYC states.
func (s KYCStatus) Valid() bool {
	switch s {
	case KYCNotSubmitted, KYCPending, KYCApproved, KYCRejected:
		return true
	}
	return false
}

// AmountScale is the number of fractional digits SILK amounts may carry.
const AmountScale = 8

// Account represents a user's token balance and reward state.
// This struct maps directly to the `accounts` table in the database.
type Account struct {
	Email               string          `json:"email"`
	Tokens              decimal.Decimal `json:"tokens"`
	KYCStatus           KYCStatus       `json:"kyc_status"`
	FullName            *string         `json:"full_name,omitempty"`
	Country             *string         `json:"country,omitempty"`
	KYCDocumentFrontURL *string         `json:"kyc_document_front_url,omitempty"`
	KYCDocumentBackURL  *string         `json:"kyc_document_back_url,omitempty"`
	KYCSubmittedAt      *time.Time      `json:"kyc_submitted_at,omitempty"`
	LastCheckin         *time.Time      `json:"last_checkin"`
	MiningStartedAt     *time.Time      `json:"mining_started_at"`
	MiningCollectedAt   *time.Time      `json:"mining_collected_at"`
	ReferralCode        string          `json:"referral_code"`
	ReferredBy          *string         `json:"referred_by"`
	Version             int64           `json:"-"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// MiningActive reports whether a mining session is currently running.
// A session is running once started and stays running across collections,
// because collecting re-arms it. Only a collection recorded strictly after
// the start (never produced by this service) marks the session finished.
func (a Account) MiningActive() bool {
	if a.MiningStartedAt == nil {
		return false
	}
	if a.MiningCollectedAt != nil && a.MiningCollectedAt.After(*a.MiningStartedAt) {
		return false
	}
	return true
}

// NormalizeEmail canonicalises an identity key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeReferralCode canonicalises a referral code as shared in invitation links.
func NormalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// KYCSubmission is the payload a user files to move into KYC review.
// Document URLs are produced by the external upload collaborator.
type KYCSubmission struct {
	FullName         string `json:"full_name"`
	Country          string `json:"country"`
	DocumentFrontURL string `json:"document_front_url"`
	DocumentBackURL  string `json:"document_back_url"`
}

// KYCReviewRequest is the admin decision on a pending submission.
type KYCReviewRequest struct {
	Approve bool `json:"approve"`
}

// ProvisionAccountRequest is sent by the signup collaborator.
type ProvisionAccountRequest struct {
	Email        string `json:"email"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// Notification is an item of the read-only announcement feed.
type Notification struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Status      string    `json:"status"`
	CreatedDate time.Time `json:"created_date"`
}

// NotificationStatusActive marks feed items that should be displayed.
const NotificationStatusActive = "active"

// Task is an entry of the read-only task board. Reward is the amount shown to
// the user; completing a task is handled outside the ledger.
type Task struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Reward      decimal.Decimal `json:"reward"`
	Link        string          `json:"link,omitempty"`
	Status      string          `json:"status"`
	CreatedDate time.Time       `json:"created_date"`
}

// TaskStatusActive marks tasks that are open to users.
const TaskStatusActive = "active"
