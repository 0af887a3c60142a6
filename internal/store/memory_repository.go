package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/silknetwork-maker/silk-network/internal/domain"
)

var _ Repository = (*MemoryRepository)(nil)

type memoryOutboxRow struct {
	message       OutboxMessage
	status        string
	nextAttemptAt time.Time
	claimedAt     time.Time
	lastError     string
}

// MemoryRepository is an in-process Repository used by tests and local runs.
// A single mutex serialises all writes, so each Apply* call is atomic.
type MemoryRepository struct {
	mu            sync.RWMutex
	accounts      map[string]*domain.Account
	codes         map[string]string
	transactions  []domain.Transaction
	feePool       *domain.FeePool
	notifications []domain.Notification
	tasks         []domain.Task
	outbox        []*memoryOutboxRow
	nextOutboxID  int64
	codeGen       ReferralCodeGenerator
	now           func() time.Time
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[string]*domain.Account),
		codes:    make(map[string]string),
		codeGen:  GenerateReferralCode,
		now:      time.Now,
	}
}

// SetReferralCodeGenerator replaces the code generator.
func (r *MemoryRepository) SetReferralCodeGenerator(gen ReferralCodeGenerator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codeGen = gen
}

// SeedNotification adds an item to the notification feed.
func (r *MemoryRepository) SeedNotification(item domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = domain.NotificationStatusActive
	}
	if item.CreatedDate.IsZero() {
		item.CreatedDate = r.now()
	}
	r.notifications = append(r.notifications, item)
}

// SeedTask adds an entry to the task board.
func (r *MemoryRepository) SeedTask(task domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusActive
	}
	if task.CreatedDate.IsZero() {
		task.CreatedDate = r.now()
	}
	r.tasks = append(r.tasks, task)
}

// SetTokens overwrites a balance directly. It exists for seeding test and demo
// data; production balances only move through the Apply* methods.
func (r *MemoryRepository) SetTokens(email string, tokens decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[email]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Tokens = tokens
	acc.Version++
	return nil
}

// SetKYCStatus overwrites a KYC status directly, for seeding.
func (r *MemoryRepository) SetKYCStatus(email string, status domain.KYCStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[email]
	if !ok {
		return ErrAccountNotFound
	}
	acc.KYCStatus = status
	acc.Version++
	return nil
}

// Transactions returns a copy of every ledger entry in insertion order.
func (r *MemoryRepository) Transactions() []domain.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Transaction, len(r.transactions))
	copy(out, r.transactions)
	return out
}

func (r *MemoryRepository) FindAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[email]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (r *MemoryRepository) FindAccountByReferralCode(ctx context.Context, code string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	email, ok := r.codes[code]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *r.accounts[email]
	return &cp, nil
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, email string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[email]; ok {
		return nil, ErrAccountExists
	}

	for attempt := 1; attempt <= maxReferralAttempts; attempt++ {
		code, err := r.codeGen()
		if err != nil {
			return nil, err
		}
		if _, taken := r.codes[code]; taken {
			continue
		}
		now := r.now()
		acc := &domain.Account{
			Email:        email,
			Tokens:       decimal.Zero,
			KYCStatus:    domain.KYCNotSubmitted,
			ReferralCode: code,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		r.accounts[email] = acc
		r.codes[code] = email
		cp := *acc
		return &cp, nil
	}
	return nil, ErrReferralCodeTaken
}

func (r *MemoryRepository) SetReferredBy(ctx context.Context, email, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[email]
	if !ok {
		return false, ErrAccountNotFound
	}
	if acc.ReferredBy != nil {
		return false, nil
	}
	acc.ReferredBy = &code
	acc.Version++
	acc.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) CountApprovedReferrals(ctx context.Context, code string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count int64
	for _, acc := range r.accounts {
		if acc.ReferredBy != nil && *acc.ReferredBy == code && acc.KYCStatus == domain.KYCApproved {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) UpdateKYC(ctx context.Context, params KYCUpdateParams) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, err := r.versionedLocked(params.Email, params.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	acc.KYCStatus = params.Status
	if params.FullName != nil {
		acc.FullName = params.FullName
	}
	if params.Country != nil {
		acc.Country = params.Country
	}
	if params.FrontURL != nil {
		acc.KYCDocumentFrontURL = params.FrontURL
	}
	if params.BackURL != nil {
		acc.KYCDocumentBackURL = params.BackURL
	}
	if params.SubmittedAt != nil {
		acc.KYCSubmittedAt = params.SubmittedAt
	}
	acc.Version++
	acc.UpdatedAt = r.now()
	cp := *acc
	return &cp, nil
}

func (r *MemoryRepository) ApplyCheckin(ctx context.Context, params CreditParams) (*domain.Account, error) {
	return r.applyCredit(ctx, params, func(acc *domain.Account) {
		at := params.At
		acc.LastCheckin = &at
	})
}

func (r *MemoryRepository) ApplyMiningCollect(ctx context.Context, params CreditParams) (*domain.Account, error) {
	return r.applyCredit(ctx, params, func(acc *domain.Account) {
		started, collected := params.At, params.At
		acc.MiningStartedAt = &started
		acc.MiningCollectedAt = &collected
	})
}

func (r *MemoryRepository) ApplyReferralBonus(ctx context.Context, params CreditParams) (*domain.Account, error) {
	return r.applyCredit(ctx, params, nil)
}

func (r *MemoryRepository) applyCredit(ctx context.Context, params CreditParams, mutate func(*domain.Account)) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, err := r.versionedLocked(params.Email, params.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	// Marshal the event before any state changes.
	row, err := r.stageEventLocked(params.Event)
	if err != nil {
		return nil, err
	}

	acc.Tokens = acc.Tokens.Add(params.Amount)
	if mutate != nil {
		mutate(acc)
	}
	acc.Version++
	acc.UpdatedAt = r.now()
	r.transactions = append(r.transactions, params.Entry)
	r.commitEventLocked(row)

	cp := *acc
	return &cp, nil
}

func (r *MemoryRepository) ApplyMiningStart(ctx context.Context, email string, expectedVersion int64, at time.Time) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, err := r.versionedLocked(email, expectedVersion)
	if err != nil {
		return nil, err
	}
	started, collected := at, at
	acc.MiningStartedAt = &started
	acc.MiningCollectedAt = &collected
	acc.Version++
	acc.UpdatedAt = r.now()
	cp := *acc
	return &cp, nil
}

func (r *MemoryRepository) ApplyTransfer(ctx context.Context, params TransferParams) (*TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.accounts[params.SenderEmail]
	if !ok {
		return nil, ErrAccountNotFound
	}
	recipient, ok := r.accounts[params.RecipientEmail]
	if !ok {
		return nil, ErrRecipientNotFound
	}
	if sender.Tokens.LessThan(params.Amount) {
		return nil, ErrInsufficientFunds
	}
	row, err := r.stageEventLocked(params.Event)
	if err != nil {
		return nil, err
	}

	now := r.now()
	sender.Tokens = sender.Tokens.Sub(params.Amount)
	sender.Version++
	sender.UpdatedAt = now
	recipient.Tokens = recipient.Tokens.Add(params.ReceiverAmount)
	recipient.Version++
	recipient.UpdatedAt = now

	r.transactions = append(r.transactions, params.Entry)
	if r.feePool == nil {
		r.feePool = &domain.FeePool{TotalFees: decimal.Zero}
	}
	r.feePool.TotalFees = r.feePool.TotalFees.Add(params.Fee)
	r.feePool.LastUpdated = params.At
	r.commitEventLocked(row)

	return &TransferResult{
		Sender:    *sender,
		Recipient: *recipient,
		Entry:     params.Entry,
		FeePool:   *r.feePool,
	}, nil
}

func (r *MemoryRepository) ListTransactionsByEmail(ctx context.Context, email string, limit int) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Transaction, 0)
	for i := len(r.transactions) - 1; i >= 0; i-- {
		if r.transactions[i].Involves(email) {
			out = append(out, r.transactions[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedDate.After(out[j].CreatedDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetFeePool(ctx context.Context) (*domain.FeePool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.feePool == nil {
		return &domain.FeePool{TotalFees: decimal.Zero}, nil
	}
	cp := *r.feePool
	return &cp, nil
}

func (r *MemoryRepository) ListActiveNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return newestActive(r.notifications, limit, func(n domain.Notification) (bool, time.Time) {
		return n.Status == domain.NotificationStatusActive, n.CreatedDate
	}), nil
}

func (r *MemoryRepository) ListActiveTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return newestActive(r.tasks, limit, func(t domain.Task) (bool, time.Time) {
		return t.Status == domain.TaskStatusActive, t.CreatedDate
	}), nil
}

// newestActive filters a feed to its active entries, newest first.
func newestActive[T any](items []T, limit int, meta func(T) (active bool, created time.Time)) []T {
	out := make([]T, 0)
	for _, item := range items {
		if active, _ := meta(item); active {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		_, a := meta(out[i])
		_, b := meta(out[j])
		return a.After(b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stale := time.Duration(staleAfterSeconds) * time.Second
	claimed := make([]OutboxMessage, 0, limit)
	for _, row := range r.outbox {
		if len(claimed) == limit {
			break
		}
		due := row.status == "pending" && !row.nextAttemptAt.After(now)
		reclaim := row.status == "processing" && now.Sub(row.claimedAt) > stale
		if !due && !reclaim {
			continue
		}
		row.status = "processing"
		row.claimedAt = now
		row.message.Attempts++
		claimed = append(claimed, row.message)
	}
	return claimed, nil
}

func (r *MemoryRepository) SettleOutboxMessage(ctx context.Context, settlement OutboxSettlement) error {
	settlement, err := settlement.normalized()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.outbox {
		if row.message.ID != settlement.ID || row.status != "processing" {
			continue
		}
		switch settlement.Outcome {
		case OutboxPublished:
			row.status = "published"
		case OutboxRetry:
			row.status = "pending"
			row.nextAttemptAt = r.now().Add(time.Duration(settlement.RetryAfterSeconds) * time.Second)
		case OutboxParked:
			row.status = "parked"
		}
		row.lastError = settlement.Reason
		return nil
	}
	return nil
}

// StageOutboxMessage appends a raw pending message, bypassing the Apply* writes.
func (r *MemoryRepository) StageOutboxMessage(exchange, routingKey string, payload []byte) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitEventLocked(&memoryOutboxRow{
		message:       OutboxMessage{Exchange: exchange, RoutingKey: routingKey, Payload: payload},
		status:        "pending",
		nextAttemptAt: r.now(),
	})
	return r.nextOutboxID
}

// OutboxError returns the last recorded failure reason for a message.
func (r *MemoryRepository) OutboxError(id int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, row := range r.outbox {
		if row.message.ID == id {
			return row.lastError
		}
	}
	return ""
}

// OutboxStatus reports the status of every outbox row keyed by id.
func (r *MemoryRepository) OutboxStatus() map[int64]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]string, len(r.outbox))
	for _, row := range r.outbox {
		out[row.message.ID] = row.status
	}
	return out
}

// versionedLocked returns the live account when its version matches.
// Caller must hold r.mu.
func (r *MemoryRepository) versionedLocked(email string, expectedVersion int64) (*domain.Account, error) {
	acc, ok := r.accounts[email]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if acc.Version != expectedVersion {
		return nil, ErrConcurrentModification
	}
	return acc, nil
}

func (r *MemoryRepository) stageEventLocked(event *OutboxEvent) (*memoryOutboxRow, error) {
	if event == nil {
		return nil, nil
	}
	blob, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, err
	}
	return &memoryOutboxRow{
		message: OutboxMessage{
			Exchange:   event.Exchange,
			RoutingKey: event.RoutingKey,
			Payload:    blob,
		},
		status:        "pending",
		nextAttemptAt: r.now(),
	}, nil
}

func (r *MemoryRepository) commitEventLocked(row *memoryOutboxRow) {
	if row == nil {
		return
	}
	r.nextOutboxID++
	row.message.ID = r.nextOutboxID
	r.outbox = append(r.outbox, row)
}
