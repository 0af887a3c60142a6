/**
 * @description
 * This file defines the `Repository` interface, the contract for every data
 * access operation the ledger needs. Business rules live in internal/app; the
 * store only guarantees that each Apply* write is atomic with its ledger row,
 * its fee-pool update and its outbox event.
 *
 * @dependencies
 * - github.com/shopspring/decimal: token amounts.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/silknetwork-maker/silk-network/internal/domain"
)

var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountExists          = errors.New("account already exists")
	ErrRecipientNotFound      = errors.New("recipient account not found")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrConcurrentModification = errors.New("account was modified concurrently")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrReferralCodeTaken      = errors.New("referral code already in use")
)

// Repository defines the set of methods for interacting with the ledger store.
type Repository interface {
	// Account methods
	FindAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	FindAccountByReferralCode(ctx context.Context, code string) (*domain.Account, error)
	CreateAccount(ctx context.Context, email string) (*domain.Account, error)
	// SetReferredBy records the referrer only when none is recorded yet.
	SetReferredBy(ctx context.Context, email, code string) (bool, error)
	CountApprovedReferrals(ctx context.Context, code string) (int64, error)
	UpdateKYC(ctx context.Context, params KYCUpdateParams) (*domain.Account, error)

	// Reward methods. Each is a compare-and-swap on the account version.
	ApplyCheckin(ctx context.Context, params CreditParams) (*domain.Account, error)
	ApplyMiningStart(ctx context.Context, email string, expectedVersion int64, at time.Time) (*domain.Account, error)
	ApplyMiningCollect(ctx context.Context, params CreditParams) (*domain.Account, error)
	ApplyReferralBonus(ctx context.Context, params CreditParams) (*domain.Account, error)

	// Transfer methods
	ApplyTransfer(ctx context.Context, params TransferParams) (*TransferResult, error)

	// Ledger read methods
	ListTransactionsByEmail(ctx context.Context, email string, limit int) ([]domain.Transaction, error)
	GetFeePool(ctx context.Context) (*domain.FeePool, error)
	ListActiveNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
	ListActiveTasks(ctx context.Context, limit int) ([]domain.Task, error)

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	SettleOutboxMessage(ctx context.Context, settlement OutboxSettlement) error
}

// OutboxEvent is an event staged in the same transaction as the write that produced it.
type OutboxEvent struct {
	Exchange   string
	RoutingKey string
	Payload    interface{}
}

// OutboxMessage is a claimed outbox row ready for publishing.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// OutboxOutcome is the dispatcher's verdict on a claimed message.
type OutboxOutcome string

const (
	OutboxPublished OutboxOutcome = "published"
	// OutboxRetry returns the message to pending after RetryAfterSeconds.
	OutboxRetry OutboxOutcome = "retry"
	// OutboxParked takes a message the ledger can never route out of rotation.
	// Parked rows keep their payload and reason for manual replay.
	OutboxParked OutboxOutcome = "parked"
)

const maxOutboxReasonLength = 2000

// OutboxSettlement closes out one claimed message.
type OutboxSettlement struct {
	ID                int64
	Outcome           OutboxOutcome
	RetryAfterSeconds int
	Reason            string
}

func (s OutboxSettlement) normalized() (OutboxSettlement, error) {
	switch s.Outcome {
	case OutboxPublished:
		s.RetryAfterSeconds = 0
		s.Reason = ""
	case OutboxRetry:
		if s.RetryAfterSeconds < 1 {
			s.RetryAfterSeconds = 1
		}
	case OutboxParked:
		s.RetryAfterSeconds = 0
	default:
		return s, fmt.Errorf("settle outbox message %d: unknown outcome %q", s.ID, s.Outcome)
	}
	if len(s.Reason) > maxOutboxReasonLength {
		s.Reason = s.Reason[:maxOutboxReasonLength]
	}
	return s, nil
}

// CreditParams carries a versioned balance credit together with its ledger entry.
type CreditParams struct {
	Email           string
	ExpectedVersion int64
	Amount          decimal.Decimal
	At              time.Time
	Entry           domain.Transaction
	Event           *OutboxEvent
}

// TransferParams carries everything ApplyTransfer writes in one transaction.
type TransferParams struct {
	SenderEmail    string
	RecipientEmail string
	Amount         decimal.Decimal
	ReceiverAmount decimal.Decimal
	Fee            decimal.Decimal
	At             time.Time
	Entry          domain.Transaction
	Event          *OutboxEvent
}

// TransferResult is the committed state of both parties after a transfer.
type TransferResult struct {
	Sender    domain.Account
	Recipient domain.Account
	Entry     domain.Transaction
	FeePool   domain.FeePool
}

// KYCUpdateParams is a versioned KYC state change. Nil fields are left untouched.
type KYCUpdateParams struct {
	Email           string
	ExpectedVersion int64
	Status          domain.KYCStatus
	FullName        *string
	Country         *string
	FrontURL        *string
	BackURL         *string
	SubmittedAt     *time.Time
}
