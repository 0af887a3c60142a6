package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/silknetwork-maker/silk-network/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCreate(t *testing.T, repo *MemoryRepository, email string) *domain.Account {
	t.Helper()
	acc, err := repo.CreateAccount(context.Background(), email)
	require.NoError(t, err)
	return acc
}

func TestMemoryCreateAccountRetriesReferralCollisions(t *testing.T) {
	repo := NewMemoryRepository()
	codes := []string{"AAAAAAAA", "AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	repo.SetReferralCodeGenerator(func() (string, error) {
		code := codes[0]
		codes = codes[1:]
		return code, nil
	})

	first := mustCreate(t, repo, "a@silk.test")
	second := mustCreate(t, repo, "b@silk.test")

	assert.Equal(t, "AAAAAAAA", first.ReferralCode)
	assert.Equal(t, "BBBBBBBB", second.ReferralCode)
	assert.True(t, second.Tokens.IsZero())
	assert.Equal(t, domain.KYCNotSubmitted, second.KYCStatus)
}

func TestMemoryCreateAccountGivesUpAfterRepeatedCollisions(t *testing.T) {
	repo := NewMemoryRepository()
	repo.SetReferralCodeGenerator(func() (string, error) { return "SAMECODE", nil })
	mustCreate(t, repo, "a@silk.test")

	_, err := repo.CreateAccount(context.Background(), "b@silk.test")
	require.ErrorIs(t, err, ErrReferralCodeTaken)

	_, err = repo.FindAccountByEmail(context.Background(), "b@silk.test")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryCreateAccountRejectsDuplicateEmail(t *testing.T) {
	repo := NewMemoryRepository()
	mustCreate(t, repo, "a@silk.test")
	_, err := repo.CreateAccount(context.Background(), "a@silk.test")
	require.ErrorIs(t, err, ErrAccountExists)
}

func TestMemoryApplyCheckinIsVersioned(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	acc := mustCreate(t, repo, "a@silk.test")
	now := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	params := CreditParams{
		Email:           acc.Email,
		ExpectedVersion: acc.Version,
		Amount:          decimal.RequireFromString("0.1"),
		At:              now,
		Entry:           domain.Transaction{ID: uuid.New(), Type: domain.TransactionCheckin, CreatedBy: acc.Email, CreatedDate: now},
		Event:           &OutboxEvent{Exchange: "silk.events", RoutingKey: domain.RoutingKeyCheckinClaimed, Payload: map[string]string{"email": acc.Email}},
	}
	updated, err := repo.ApplyCheckin(ctx, params)
	require.NoError(t, err)
	assert.True(t, updated.Tokens.Equal(decimal.RequireFromString("0.1")))
	require.NotNil(t, updated.LastCheckin)
	assert.True(t, updated.LastCheckin.Equal(now))
	assert.Equal(t, acc.Version+1, updated.Version)

	// Replaying the same expected version must conflict and change nothing.
	_, err = repo.ApplyCheckin(ctx, params)
	require.ErrorIs(t, err, ErrConcurrentModification)

	current, err := repo.FindAccountByEmail(ctx, acc.Email)
	require.NoError(t, err)
	assert.True(t, current.Tokens.Equal(decimal.RequireFromString("0.1")))
	assert.Len(t, repo.Transactions(), 1)
	assert.Len(t, repo.OutboxStatus(), 1)
}

func TestMemoryApplyCheckinUnknownAccount(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.ApplyCheckin(context.Background(), CreditParams{Email: "ghost@silk.test", ExpectedVersion: 1})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryApplyTransferMovesFundsAndBooksFee(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	mustCreate(t, repo, "a@silk.test")
	mustCreate(t, repo, "b@silk.test")
	require.NoError(t, repo.SetTokens("a@silk.test", decimal.NewFromInt(5)))

	now := time.Now().UTC()
	result, err := repo.ApplyTransfer(ctx, TransferParams{
		SenderEmail:    "a@silk.test",
		RecipientEmail: "b@silk.test",
		Amount:         decimal.NewFromInt(3),
		ReceiverAmount: decimal.RequireFromString("2.7"),
		Fee:            decimal.RequireFromString("0.3"),
		At:             now,
		Entry:          domain.Transaction{ID: uuid.New(), Type: domain.TransactionTransfer, CreatedBy: "a@silk.test", CreatedDate: now},
	})
	require.NoError(t, err)
	assert.True(t, result.Sender.Tokens.Equal(decimal.NewFromInt(2)))
	assert.True(t, result.Recipient.Tokens.Equal(decimal.RequireFromString("2.7")))
	assert.True(t, result.FeePool.TotalFees.Equal(decimal.RequireFromString("0.3")))

	pool, err := repo.GetFeePool(ctx)
	require.NoError(t, err)
	assert.True(t, pool.TotalFees.Equal(decimal.RequireFromString("0.3")))
}

func TestMemoryApplyTransferFailuresLeaveStateUnchanged(t *testing.T) {
	tests := []struct {
		name      string
		sender    string
		recipient string
		amount    string
		wantErr   error
	}{
		{name: "insufficient funds", sender: "a@silk.test", recipient: "b@silk.test", amount: "10", wantErr: ErrInsufficientFunds},
		{name: "missing recipient", sender: "a@silk.test", recipient: "ghost@silk.test", amount: "1", wantErr: ErrRecipientNotFound},
		{name: "missing sender", sender: "ghost@silk.test", recipient: "b@silk.test", amount: "1", wantErr: ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := NewMemoryRepository()
			mustCreate(t, repo, "a@silk.test")
			mustCreate(t, repo, "b@silk.test")
			require.NoError(t, repo.SetTokens("a@silk.test", decimal.NewFromInt(5)))

			amount := decimal.RequireFromString(tt.amount)
			_, err := repo.ApplyTransfer(ctx, TransferParams{
				SenderEmail:    tt.sender,
				RecipientEmail: tt.recipient,
				Amount:         amount,
				ReceiverAmount: amount.Sub(decimal.RequireFromString("0.3")),
				Fee:            decimal.RequireFromString("0.3"),
				At:             time.Now(),
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			a, _ := repo.FindAccountByEmail(ctx, "a@silk.test")
			b, _ := repo.FindAccountByEmail(ctx, "b@silk.test")
			assert.True(t, a.Tokens.Equal(decimal.NewFromInt(5)))
			assert.True(t, b.Tokens.IsZero())
			assert.Empty(t, repo.Transactions())
			pool, _ := repo.GetFeePool(ctx)
			assert.True(t, pool.TotalFees.IsZero())
		})
	}
}

func TestMemorySetReferredByOnlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	mustCreate(t, repo, "a@silk.test")

	applied, err := repo.SetReferredBy(ctx, "a@silk.test", "FIRST001")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.SetReferredBy(ctx, "a@silk.test", "SECOND02")
	require.NoError(t, err)
	assert.False(t, applied)

	acc, err := repo.FindAccountByEmail(ctx, "a@silk.test")
	require.NoError(t, err)
	require.NotNil(t, acc.ReferredBy)
	assert.Equal(t, "FIRST001", *acc.ReferredBy)
}

func TestMemoryCountApprovedReferrals(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	for _, email := range []string{"r1@silk.test", "r2@silk.test", "r3@silk.test", "other@silk.test"} {
		mustCreate(t, repo, email)
	}
	_, _ = repo.SetReferredBy(ctx, "r1@silk.test", "CODE0001")
	_, _ = repo.SetReferredBy(ctx, "r2@silk.test", "CODE0001")
	_, _ = repo.SetReferredBy(ctx, "r3@silk.test", "CODE0001")
	_, _ = repo.SetReferredBy(ctx, "other@silk.test", "CODE0002")
	require.NoError(t, repo.SetKYCStatus("r1@silk.test", domain.KYCApproved))
	require.NoError(t, repo.SetKYCStatus("r2@silk.test", domain.KYCPending))
	require.NoError(t, repo.SetKYCStatus("other@silk.test", domain.KYCApproved))

	count, err := repo.CountApprovedReferrals(ctx, "CODE0001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMemoryListTransactionsNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	acc := mustCreate(t, repo, "a@silk.test")
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	version := acc.Version
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * 25 * time.Hour)
		updated, err := repo.ApplyCheckin(ctx, CreditParams{
			Email:           acc.Email,
			ExpectedVersion: version,
			Amount:          decimal.RequireFromString("0.1"),
			At:              at,
			Entry:           domain.Transaction{ID: uuid.New(), Type: domain.TransactionCheckin, CreatedBy: acc.Email, CreatedDate: at},
		})
		require.NoError(t, err)
		version = updated.Version
	}

	items, err := repo.ListTransactionsByEmail(ctx, acc.Email, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].CreatedDate.After(items[1].CreatedDate))

	others, err := repo.ListTransactionsByEmail(ctx, "b@silk.test", 10)
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestMemoryOutboxClaimAndRetry(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }
	acc := mustCreate(t, repo, "a@silk.test")

	_, err := repo.ApplyReferralBonus(ctx, CreditParams{
		Email:           acc.Email,
		ExpectedVersion: acc.Version,
		Amount:          decimal.NewFromInt(2),
		At:              clock,
		Entry:           domain.Transaction{ID: uuid.New(), Type: domain.TransactionReferral},
		Event:           &OutboxEvent{Exchange: "silk.events", RoutingKey: domain.RoutingKeyReferralBonusGranted, Payload: map[string]int{"n": 1}},
	})
	require.NoError(t, err)

	claimed, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.JSONEq(t, `{"n":1}`, string(claimed[0].Payload))

	// Claimed rows are not handed out twice.
	again, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, repo.SettleOutboxMessage(ctx, OutboxSettlement{ID: claimed[0].ID, Outcome: OutboxRetry, RetryAfterSeconds: 5, Reason: "broker down"}))
	assert.Equal(t, "broker down", repo.OutboxError(claimed[0].ID))
	notYet, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	require.NoError(t, err)
	assert.Empty(t, notYet)

	clock = clock.Add(6 * time.Second)
	retried, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 2, retried[0].Attempts)

	require.NoError(t, repo.SettleOutboxMessage(ctx, OutboxSettlement{ID: retried[0].ID, Outcome: OutboxPublished}))
	assert.Equal(t, "published", repo.OutboxStatus()[retried[0].ID])
	assert.Empty(t, repo.OutboxError(retried[0].ID))
}

func TestMemorySettleOutboxParksAndIgnoresUnclaimed(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	parked := repo.StageOutboxMessage("silk.events", "reward.unknown", []byte(`{}`))
	idle := repo.StageOutboxMessage("silk.events", domain.RoutingKeyCheckinClaimed, []byte(`{}`))

	// Only processing rows can be settled.
	require.NoError(t, repo.SettleOutboxMessage(ctx, OutboxSettlement{ID: idle, Outcome: OutboxPublished}))
	assert.Equal(t, "pending", repo.OutboxStatus()[idle])

	claimed, err := repo.ClaimOutboxMessages(ctx, 1, 60)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, parked, claimed[0].ID)

	long := strings.Repeat("x", 2500)
	require.NoError(t, repo.SettleOutboxMessage(ctx, OutboxSettlement{ID: parked, Outcome: OutboxParked, Reason: long}))
	assert.Equal(t, "parked", repo.OutboxStatus()[parked])
	assert.Len(t, repo.OutboxError(parked), 2000)

	// Parked rows are never claimed again.
	next, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, idle, next[0].ID)

	err = repo.SettleOutboxMessage(ctx, OutboxSettlement{ID: idle, Outcome: "lost"})
	require.Error(t, err)
	assert.Equal(t, "processing", repo.OutboxStatus()[idle])
}

func TestMemoryListActiveNotifications(t *testing.T) {
	repo := NewMemoryRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.SeedNotification(domain.Notification{Title: "old", CreatedDate: base})
	repo.SeedNotification(domain.Notification{Title: "hidden", Status: "archived", CreatedDate: base.Add(time.Hour)})
	repo.SeedNotification(domain.Notification{Title: "new", CreatedDate: base.Add(2 * time.Hour)})

	items, err := repo.ListActiveNotifications(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "new", items[0].Title)
	assert.Equal(t, "old", items[1].Title)
}

func TestMemoryListActiveTasks(t *testing.T) {
	repo := NewMemoryRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.SeedTask(domain.Task{Title: "first", Reward: decimal.NewFromInt(1), CreatedDate: base})
	repo.SeedTask(domain.Task{Title: "closed", Status: "completed", CreatedDate: base.Add(time.Hour)})
	repo.SeedTask(domain.Task{Title: "second", CreatedDate: base.Add(2 * time.Hour)})
	repo.SeedTask(domain.Task{Title: "third", CreatedDate: base.Add(3 * time.Hour)})

	tasks, err := repo.ListActiveTasks(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "third", tasks[0].Title)
	assert.Equal(t, "second", tasks[1].Title)
	assert.NotEmpty(t, tasks[0].ID)
	assert.Equal(t, domain.TaskStatusActive, tasks[0].Status)

	all, err := repo.ListActiveTasks(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = repo.ListActiveTasks(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)
}
