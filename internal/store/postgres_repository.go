/**
 * @description
 * PostgreSQL implementation of the ledger Repository. Every mutation runs in a
 * single pgx transaction so the balance change, its ledger row, the fee-pool
 * update and the outbox event commit or roll back together.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: pool, transactions and error inspection.
 * - github.com/shopspring/decimal: NUMERIC(20,8) token columns.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/silknetwork-maker/silk-network/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const accountColumns = `email, tokens, kyc_status, full_name, country, kyc_document_front_url,
	kyc_document_back_url, kyc_submitted_at, last_checkin, mining_started_at, mining_collected_at,
	referral_code, referred_by, version, created_at, updated_at`

const transactionColumns = `id, type, amount, fee, from_email, to_email, status, description, created_by, created_date`

const referralCodeConstraint = "accounts_referral_code_key"

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Repository = (*PostgresRepository)(nil)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db      *pgxpool.Pool
	codeGen ReferralCodeGenerator
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db, codeGen: GenerateReferralCode}
}

// Migrate applies the embedded, idempotent schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", classifyError(err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		acc    domain.Account
		status string
	)
	err := row.Scan(
		&acc.Email,
		&acc.Tokens,
		&status,
		&acc.FullName,
		&acc.Country,
		&acc.KYCDocumentFrontURL,
		&acc.KYCDocumentBackURL,
		&acc.KYCSubmittedAt,
		&acc.LastCheckin,
		&acc.MiningStartedAt,
		&acc.MiningCollectedAt,
		&acc.ReferralCode,
		&acc.ReferredBy,
		&acc.Version,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.KYCStatus = domain.KYCStatus(status)
	return &acc, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		txn     domain.Transaction
		txnType string
		status  string
	)
	err := row.Scan(
		&txn.ID,
		&txnType,
		&txn.Amount,
		&txn.Fee,
		&txn.FromEmail,
		&txn.ToEmail,
		&status,
		&txn.Description,
		&txn.CreatedBy,
		&txn.CreatedDate,
	)
	if err != nil {
		return nil, err
	}
	txn.Type = domain.TransactionType(txnType)
	txn.Status = domain.TransactionStatus(status)
	return &txn, nil
}

// FindAccountByEmail retrieves an account by its identity key.
func (r *PostgresRepository) FindAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	acc, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, classifyError(err)
	}
	return acc, nil
}

// FindAccountByReferralCode retrieves the account that owns a referral code.
func (r *PostgresRepository) FindAccountByReferralCode(ctx context.Context, code string) (*domain.Account, error) {
	acc, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, classifyError(err)
	}
	return acc, nil
}

// CreateAccount inserts a zero-balance account with a freshly generated referral code.
// Code collisions are retried; a duplicate email returns ErrAccountExists.
func (r *PostgresRepository) CreateAccount(ctx context.Context, email string) (*domain.Account, error) {
	query := `
		INSERT INTO accounts (email, referral_code)
		VALUES ($1, $2)
		RETURNING ` + accountColumns

	for attempt := 1; attempt <= maxReferralAttempts; attempt++ {
		code, err := r.codeGen()
		if err != nil {
			return nil, fmt.Errorf("generate referral code: %w", err)
		}
		acc, err := scanAccount(r.db.QueryRow(ctx, query, email, code))
		if err == nil {
			return acc, nil
		}
		if isUniqueViolation(err, referralCodeConstraint) {
			log.Printf("level=warn component=store op=create_account outcome=referral_code_collision attempt=%d", attempt)
			continue
		}
		if isUniqueViolation(err, "") {
			return nil, ErrAccountExists
		}
		return nil, classifyError(err)
	}
	return nil, ErrReferralCodeTaken
}

// SetReferredBy records the referrer only if none has been recorded yet.
func (r *PostgresRepository) SetReferredBy(ctx context.Context, email, code string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE accounts
		SET referred_by = $2, version = version + 1, updated_at = NOW()
		WHERE email = $1 AND referred_by IS NULL
	`, email, code)
	if err != nil {
		return false, classifyError(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.FindAccountByEmail(ctx, email); err != nil {
		return false, err
	}
	return false, nil
}

// CountApprovedReferrals counts KYC-approved accounts referred by code.
func (r *PostgresRepository) CountApprovedReferrals(ctx context.Context, code string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM accounts
		WHERE referred_by = $1 AND kyc_status = 'approved'
	`, code).Scan(&count)
	if err != nil {
		return 0, classifyError(err)
	}
	return count, nil
}

// UpdateKYC applies a versioned KYC state change.
func (r *PostgresRepository) UpdateKYC(ctx context.Context, params KYCUpdateParams) (*domain.Account, error) {
	query := `
		UPDATE accounts
		SET kyc_status = $3,
			full_name = COALESCE($4, full_name),
			country = COALESCE($5, country),
			kyc_document_front_url = COALESCE($6, kyc_document_front_url),
			kyc_document_back_url = COALESCE($7, kyc_document_back_url),
			kyc_submitted_at = COALESCE($8, kyc_submitted_at),
			version = version + 1,
			updated_at = NOW()
		WHERE email = $1 AND version = $2
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.db.QueryRow(ctx, query,
		params.Email,
		params.ExpectedVersion,
		string(params.Status),
		params.FullName,
		params.Country,
		params.FrontURL,
		params.BackURL,
		params.SubmittedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, missingOrConflict(ctx, r.db, params.Email)
		}
		return nil, classifyError(err)
	}
	return acc, nil
}

// ApplyCheckin credits the check-in reward and stamps last_checkin.
func (r *PostgresRepository) ApplyCheckin(ctx context.Context, params CreditParams) (*domain.Account, error) {
	return r.applyCredit(ctx, params, ", last_checkin = $4", params.At)
}

// ApplyMiningCollect credits the mining reward and re-arms the session.
func (r *PostgresRepository) ApplyMiningCollect(ctx context.Context, params CreditParams) (*domain.Account, error) {
	return r.applyCredit(ctx, params, ", mining_started_at = $4, mining_collected_at = $4", params.At)
}

// ApplyReferralBonus credits an admin-granted referral bonus.
func (r *PostgresRepository) ApplyReferralBonus(ctx context.Context, params CreditParams) (*domain.Account, error) {
	return r.applyCredit(ctx, params, "")
}

// applyCredit performs the versioned credit, the ledger append and the outbox
// enqueue in one transaction. extraArgs bind from $4 onwards in setClause.
func (r *PostgresRepository) applyCredit(ctx context.Context, params CreditParams, setClause string, extraArgs ...any) (*domain.Account, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classifyError(err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE accounts
		SET tokens = tokens + $3::numeric` + setClause + `,
			version = version + 1,
			updated_at = NOW()
		WHERE email = $1 AND version = $2
		RETURNING ` + accountColumns

	args := append([]any{params.Email, params.ExpectedVersion, params.Amount}, extraArgs...)
	acc, err := scanAccount(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, missingOrConflict(ctx, tx, params.Email)
		}
		return nil, classifyError(err)
	}

	if err := insertTransactionTx(ctx, tx, params.Entry); err != nil {
		return nil, err
	}
	if params.Event != nil {
		if err := enqueueEventTx(ctx, tx, *params.Event); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyError(err)
	}
	return acc, nil
}

// ApplyMiningStart opens a mining session. No tokens move, so no ledger row is written.
func (r *PostgresRepository) ApplyMiningStart(ctx context.Context, email string, expectedVersion int64, at time.Time) (*domain.Account, error) {
	query := `
		UPDATE accounts
		SET mining_started_at = $3,
			mining_collected_at = $3,
			version = version + 1,
			updated_at = NOW()
		WHERE email = $1 AND version = $2
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.db.QueryRow(ctx, query, email, expectedVersion, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, missingOrConflict(ctx, r.db, email)
		}
		return nil, classifyError(err)
	}
	return acc, nil
}

// ApplyTransfer moves tokens between two accounts and books the fee.
// Both rows are locked in lexicographic email order so concurrent transfers
// between the same pair cannot deadlock.
func (r *PostgresRepository) ApplyTransfer(ctx context.Context, params TransferParams) (*TransferResult, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classifyError(err)
	}
	defer tx.Rollback(ctx)

	lockOrder := []string{params.SenderEmail, params.RecipientEmail}
	if lockOrder[1] < lockOrder[0] {
		lockOrder[0], lockOrder[1] = lockOrder[1], lockOrder[0]
	}

	balances := make(map[string]decimal.Decimal, 2)
	for _, email := range lockOrder {
		var tokens decimal.Decimal
		err := tx.QueryRow(ctx, `SELECT tokens FROM accounts WHERE email = $1 FOR UPDATE`, email).Scan(&tokens)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if email == params.SenderEmail {
					return nil, ErrAccountNotFound
				}
				return nil, ErrRecipientNotFound
			}
			return nil, classifyError(err)
		}
		balances[email] = tokens
	}

	// Re-check under the lock; the caller's read may be stale.
	if balances[params.SenderEmail].LessThan(params.Amount) {
		return nil, ErrInsufficientFunds
	}

	adjust := `
		UPDATE accounts
		SET tokens = tokens + $2::numeric, version = version + 1, updated_at = NOW()
		WHERE email = $1
		RETURNING ` + accountColumns

	sender, err := scanAccount(tx.QueryRow(ctx, adjust, params.SenderEmail, params.Amount.Neg()))
	if err != nil {
		return nil, classifyError(err)
	}
	recipient, err := scanAccount(tx.QueryRow(ctx, adjust, params.RecipientEmail, params.ReceiverAmount))
	if err != nil {
		return nil, classifyError(err)
	}

	if err := insertTransactionTx(ctx, tx, params.Entry); err != nil {
		return nil, err
	}

	pool, err := addFeeTx(ctx, tx, params.Fee, params.At)
	if err != nil {
		return nil, err
	}

	if params.Event != nil {
		if err := enqueueEventTx(ctx, tx, *params.Event); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyError(err)
	}

	return &TransferResult{
		Sender:    *sender,
		Recipient: *recipient,
		Entry:     params.Entry,
		FeePool:   *pool,
	}, nil
}

// ListTransactionsByEmail returns the user's ledger entries, newest first.
func (r *PostgresRepository) ListTransactionsByEmail(ctx context.Context, email string, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE created_by = $1 OR from_email = $1 OR to_email = $1
		ORDER BY created_date DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, email, limit)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, classifyError(err)
		}
		transactions = append(transactions, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}
	return transactions, nil
}

// GetFeePool returns the fee pool, or a zero pool if no transfer has happened yet.
func (r *PostgresRepository) GetFeePool(ctx context.Context) (*domain.FeePool, error) {
	var pool domain.FeePool
	err := r.db.QueryRow(ctx, `SELECT total_fees, last_updated FROM fee_pool WHERE id = 1`).Scan(&pool.TotalFees, &pool.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.FeePool{TotalFees: decimal.Zero}, nil
		}
		return nil, classifyError(err)
	}
	return &pool, nil
}

// ListActiveNotifications returns the newest active notifications.
func (r *PostgresRepository) ListActiveNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, title, message, status, created_date
		FROM notifications
		WHERE status = 'active'
		ORDER BY created_date DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	items := make([]domain.Notification, 0)
	for rows.Next() {
		var item domain.Notification
		if err := rows.Scan(&item.ID, &item.Title, &item.Message, &item.Status, &item.CreatedDate); err != nil {
			return nil, classifyError(err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}
	return items, nil
}

// ListActiveTasks returns the newest open tasks.
func (r *PostgresRepository) ListActiveTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, title, description, reward, link, status, created_date
		FROM tasks
		WHERE status = 'active'
		ORDER BY created_date DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		var task domain.Task
		if err := rows.Scan(&task.ID, &task.Title, &task.Description, &task.Reward, &task.Link, &task.Status, &task.CreatedDate); err != nil {
			return nil, classifyError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}
	return tasks, nil
}

// ClaimOutboxMessages marks a batch of due messages as processing and returns them.
// Messages stuck in processing longer than staleAfterSeconds are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, classifyError(err)
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}
	return messages, nil
}

// SettleOutboxMessage applies the dispatcher's outcome to a claimed message.
// Rows that are no longer processing are left untouched.
func (r *PostgresRepository) SettleOutboxMessage(ctx context.Context, settlement OutboxSettlement) error {
	settlement, err := settlement.normalized()
	if err != nil {
		return err
	}

	var tag pgconn.CommandTag
	switch settlement.Outcome {
	case OutboxPublished:
		tag, err = r.db.Exec(ctx, `
			UPDATE event_outbox
			SET status = 'published', published_at = NOW(), processing_started_at = NULL, last_error = NULL
			WHERE id = $1 AND status = 'processing'
		`, settlement.ID)
	case OutboxRetry:
		tag, err = r.db.Exec(ctx, `
			UPDATE event_outbox
			SET status = 'pending', next_attempt_at = NOW() + ($2 * INTERVAL '1 second'), processing_started_at = NULL, last_error = $3
			WHERE id = $1 AND status = 'processing'
		`, settlement.ID, settlement.RetryAfterSeconds, settlement.Reason)
	case OutboxParked:
		tag, err = r.db.Exec(ctx, `
			UPDATE event_outbox
			SET status = 'parked', parked_at = NOW(), processing_started_at = NULL, last_error = $2
			WHERE id = $1 AND status = 'processing'
		`, settlement.ID, settlement.Reason)
	}
	if err != nil {
		return classifyError(err)
	}
	if tag.RowsAffected() == 0 {
		log.Printf("level=warn component=store op=settle_outbox outcome=not_processing id=%d settlement=%s", settlement.ID, settlement.Outcome)
	}
	return nil
}

// missingOrConflict explains why a versioned update matched no rows.
func missingOrConflict(ctx context.Context, q querier, email string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE email = $1)`, email).Scan(&exists); err != nil {
		return classifyError(err)
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrConcurrentModification
}

func insertTransactionTx(ctx context.Context, tx pgx.Tx, entry domain.Transaction) error {
	if entry.Status == "" {
		entry.Status = domain.TransactionSuccess
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, $9, $10)
	`,
		entry.ID,
		string(entry.Type),
		entry.Amount,
		entry.Fee,
		entry.FromEmail,
		entry.ToEmail,
		string(entry.Status),
		entry.Description,
		entry.CreatedBy,
		entry.CreatedDate,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", classifyError(err))
	}
	return nil
}

// addFeeTx adds fee to the singleton pool row, creating it on first use.
func addFeeTx(ctx context.Context, tx pgx.Tx, fee decimal.Decimal, at time.Time) (*domain.FeePool, error) {
	var pool domain.FeePool
	err := tx.QueryRow(ctx, `
		INSERT INTO fee_pool (id, total_fees, last_updated)
		VALUES (1, $1::numeric, $2)
		ON CONFLICT (id)
		DO UPDATE SET total_fees = fee_pool.total_fees + EXCLUDED.total_fees,
			last_updated = EXCLUDED.last_updated
		RETURNING total_fees, last_updated
	`, fee, at).Scan(&pool.TotalFees, &pool.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("failed to update fee pool: %w", classifyError(err))
	}
	return &pool, nil
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, event OutboxEvent) error {
	blob, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(event.Exchange), strings.TrimSpace(event.RoutingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", classifyError(err))
	}
	return nil
}
