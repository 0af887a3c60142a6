package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/silknetwork-maker/silk-network/internal/domain"
	"github.com/silknetwork-maker/silk-network/internal/store"
)

// TransferResult is returned to the sender after a committed transfer.
type TransferResult struct {
	Status         domain.TransactionStatus `json:"status"`
	TransactionID  uuid.UUID                `json:"transaction_id"`
	Amount         decimal.Decimal          `json:"amount"`
	ReceiverAmount decimal.Decimal          `json:"receiver_amount"`
	Fee            decimal.Decimal          `json:"fee"`
	NewBalance     decimal.Decimal          `json:"new_balance"`
	Transaction    domain.Transaction       `json:"transaction"`
}

// validateAmount accepts strictly positive amounts with at most 8 decimals.
func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(domain.AmountScale)) {
		return ErrInvalidAmount
	}
	return nil
}

// Transfer moves amount from the sender to the recipient. The recipient is
// credited amount minus the platform fee and the fee is added to the pool.
// Checks run in a fixed order: amount, recipient, funds, fee.
func (s *Service) Transfer(ctx context.Context, senderEmail string, req domain.TransferRequest, now time.Time) (*TransferResult, error) {
	senderEmail = domain.NormalizeEmail(senderEmail)
	recipientEmail := domain.NormalizeEmail(req.ToEmail)
	amount := req.Amount

	if err := validateAmount(amount); err != nil {
		log.Printf("level=info component=service op=transfer outcome=rejected reason=invalid_amount sender=%s amount=%s", senderEmail, amount)
		return nil, err
	}

	if err := s.checkRateLimit(ctx, RateLimitScopeTransfer, senderEmail); err != nil {
		return nil, err
	}

	if _, err := s.GetAccount(ctx, recipientEmail); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	if recipientEmail == senderEmail {
		return nil, ErrSelfTransferNotAllowed
	}

	sender, err := s.GetAccount(ctx, senderEmail)
	if err != nil {
		return nil, err
	}
	if sender.Tokens.LessThan(amount) {
		log.Printf("level=info component=service op=transfer outcome=rejected reason=insufficient_funds sender=%s amount=%s balance=%s", senderEmail, amount, sender.Tokens)
		return nil, store.ErrInsufficientFunds
	}

	fee := s.settings.TransferFee
	if amount.LessThanOrEqual(fee) {
		log.Printf("level=info component=service op=transfer outcome=rejected reason=amount_not_above_fee sender=%s amount=%s fee=%s", senderEmail, amount, fee)
		return nil, ErrInvalidAmount
	}
	receiverAmount := amount.Sub(fee)

	from, to := senderEmail, recipientEmail
	entry := domain.Transaction{
		ID:          uuid.New(),
		Type:        domain.TransactionTransfer,
		Amount:      receiverAmount,
		Fee:         fee,
		FromEmail:   &from,
		ToEmail:     &to,
		Status:      domain.TransactionSuccess,
		Description: "Transfer to " + recipientEmail,
		CreatedBy:   senderEmail,
		CreatedDate: now,
	}

	committed, err := s.repo.ApplyTransfer(ctx, store.TransferParams{
		SenderEmail:    senderEmail,
		RecipientEmail: recipientEmail,
		Amount:         amount,
		ReceiverAmount: receiverAmount,
		Fee:            fee,
		At:             now,
		Entry:          entry,
		Event: &store.OutboxEvent{
			Exchange:   s.eventsExchange,
			RoutingKey: domain.RoutingKeyTransferCompleted,
			Payload: domain.TransferCompletedEvent{
				TransactionID:  entry.ID,
				FromEmail:      senderEmail,
				ToEmail:        recipientEmail,
				Amount:         amount,
				ReceiverAmount: receiverAmount,
				Fee:            fee,
				OccurredAt:     now,
			},
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrRecipientNotFound) {
			return nil, ErrRecipientNotFound
		}
		log.Printf("level=error component=service op=transfer outcome=failed sender=%s recipient=%s err=%v", senderEmail, recipientEmail, err)
		return nil, err
	}

	log.Printf(
		"level=info component=service op=transfer outcome=committed transaction_id=%s sender=%s recipient=%s amount=%s fee=%s",
		entry.ID, senderEmail, recipientEmail, amount, fee,
	)
	return &TransferResult{
		Status:         domain.TransactionSuccess,
		TransactionID:  entry.ID,
		Amount:         amount,
		ReceiverAmount: receiverAmount,
		Fee:            fee,
		NewBalance:     committed.Sender.Tokens,
		Transaction:    committed.Entry,
	}, nil
}
