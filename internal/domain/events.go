package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys for ledger events published on the events exchange.
const (
	RoutingKeyCheckinClaimed       = "reward.checkin.claimed"
	RoutingKeyMiningCollected      = "reward.mining.collected"
	RoutingKeyTransferCompleted    = "transfer.completed"
	RoutingKeyReferralBonusGranted = "referral.bonus.granted"
)

// IsLedgerRoutingKey reports whether key is one the ledger publishes.
func IsLedgerRoutingKey(key string) bool {
	switch key {
	case RoutingKeyCheckinClaimed, RoutingKeyMiningCollected, RoutingKeyTransferCompleted, RoutingKeyReferralBonusGranted:
		return true
	}
	return false
}

// RewardClaimedEvent is emitted after a check-in, mining or referral credit commits.
type RewardClaimedEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Type          TransactionType `json:"type"`
	Email         string          `json:"email"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// TransferCompletedEvent is emitted after a transfer commits.
type TransferCompletedEvent struct {
	TransactionID  uuid.UUID       `json:"transaction_id"`
	FromEmail      string          `json:"from_email"`
	ToEmail        string          `json:"to_email"`
	Amount         decimal.Decimal `json:"amount"`
	ReceiverAmount decimal.Decimal `json:"receiver_amount"`
	Fee            decimal.Decimal `json:"fee"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
