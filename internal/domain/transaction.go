/**
 * @description
 * Ledger models. A Transaction is an immutable, append-only record of a reward
 * or transfer. The same rows back both the audit trail and the wallet history.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionCheckin  TransactionType = "checkin"
	TransactionMining   TransactionType = "mining"
	TransactionReferral TransactionType = "referral"
	TransactionTransfer TransactionType = "transfer"
)

// TransactionStatus is the outcome recorded with an entry.
type TransactionStatus string

const (
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// Transaction represents one ledger row in the `transactions` table.
// Amount is what the recipient was credited. For transfers, Fee holds the
// platform fee withheld from the sender's debit.
type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	Type        TransactionType   `json:"type"`
	Amount      decimal.Decimal   `json:"amount"`
	Fee         decimal.Decimal   `json:"fee"`
	FromEmail   *string           `json:"from_email,omitempty"`
	ToEmail     *string           `json:"to_email,omitempty"`
	Status      TransactionStatus `json:"status"`
	Description string            `json:"description"`
	CreatedBy   string            `json:"created_by"`
	CreatedDate time.Time         `json:"created_date"`
}

// Involves reports whether the entry belongs in email's history.
func (t Transaction) Involves(email string) bool {
	if t.CreatedBy == email {
		return true
	}
	return (t.FromEmail != nil && *t.FromEmail == email) || (t.ToEmail != nil && *t.ToEmail == email)
}

// FeePool is the singleton aggregate of withheld transfer fees.
type FeePool struct {
	TotalFees   decimal.Decimal `json:"total_fees"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Settings are the reward constants. They are read-only to the core.
type Settings struct {
	CheckinReward decimal.Decimal `json:"checkin_reward"`
	MiningReward  decimal.Decimal `json:"mining_reward"`
	TransferFee   decimal.Decimal `json:"transfer_fee"`
}

// TransferRequest is the DTO for incoming peer-to-peer transfer API requests.
type TransferRequest struct {
	ToEmail string          `json:"to_email"`
	Amount  decimal.Decimal `json:"amount"`
}

// ReferralBonusRequest is the DTO for admin-issued referral credits.
type ReferralBonusRequest struct {
	Email  string          `json:"email"`
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}
