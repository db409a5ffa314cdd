package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"pixelstudio/domain"
)

// ErrInsufficientCredits is returned by Deduct when the balance would go
// negative. No ledger row is written in that case.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Deduct spends amount credits from userID and appends the matching ledger
// row in the same transaction. The balance column is the cached derived
// value; the conditional UPDATE is what enforces non-negativity.
func (s *Storage) Deduct(ctx context.Context, userID string, amount int, description, requestID string) error {
	const op = "storage.Deduct"
	if amount <= 0 {
		return fmt.Errorf("%s: amount must be positive, got %d", op, amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE users SET credit_balance = credit_balance - $2, updated_at = now()
		 WHERE id = $1 AND credit_balance >= $2`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions (user_id, type, amount, description, request_id)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
		userID, domain.TransactionSpend, -amount, description, requestID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Refund returns amount credits to userID for a failed generation request.
// Idempotent per requestID: the partial unique index swallows a second refund
// for the same request, and the balance is only credited when the row lands.
func (s *Storage) Refund(ctx context.Context, userID string, amount int, reason, requestID string) (bool, error) {
	const op = "storage.Refund"
	if amount <= 0 {
		return false, fmt.Errorf("%s: amount must be positive, got %d", op, amount)
	}
	if strings.TrimSpace(requestID) == "" {
		return false, fmt.Errorf("%s: requestID required for refund idempotency", op)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (user_id, type, amount, description, request_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (request_id) WHERE type = 'refund' DO NOTHING`,
		userID, domain.TransactionRefund, amount, reason, requestID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		// already refunded
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET credit_balance = credit_balance + $2, updated_at = now() WHERE id = $1`,
		userID, amount)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// Adjust applies a signed admin adjustment. Negative adjustments are clamped
// by the same non-negativity rule as Deduct.
func (s *Storage) Adjust(ctx context.Context, userID string, amount int, reason, actorID string) error {
	const op = "storage.Adjust"
	if amount == 0 {
		return fmt.Errorf("%s: amount must be non-zero", op)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE users SET credit_balance = credit_balance + $2, updated_at = now()
		 WHERE id = $1 AND credit_balance + $2 >= 0`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions (user_id, type, amount, description, actor_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, domain.TransactionAdminAdjustment, amount, reason, actorID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) Balance(ctx context.Context, userID string) (int, error) {
	const op = "storage.Balance"
	var balance int
	err := s.pool.QueryRow(ctx, `SELECT credit_balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s: user not found: %s", op, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return balance, nil
}

// Transactions returns the ledger for one user, newest first, or for all
// users when userID is empty (admin export).
func (s *Storage) Transactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	const op = "storage.Transactions"
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount, description, metadata, created_at
		 FROM credit_transactions
		 WHERE ($1 = '' OR user_id = $1)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var t domain.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Description, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
