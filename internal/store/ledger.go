// ABOUTME: Transaction log and recurring purchase methods for the SQLite store
// ABOUTME: The log is append-only; purchases drive the recurring-charge collaborator

package store

import (
	"context"
	"fmt"
	"time"
)

const transactionColumns = `id, from_name, to_name, amount, reason, created_at`

func (s *SQLiteStore) queryTransactions(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		var txn Transaction
		var createdAtStr string
		if err := rows.Scan(&txn.ID, &txn.FromName, &txn.ToName, &txn.Amount, &txn.Reason, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning transaction row: %w", err)
		}
		txn.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		txns = append(txns, &txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transaction rows: %w", err)
	}
	return txns, nil
}

// ListTransactions returns the most recent transactions, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
}

// ListAccountTransactions returns transactions where the named account is
// either side, newest first.
func (s *SQLiteStore) ListAccountTransactions(ctx context.Context, name string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE from_name = ? OR to_name = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, name, name, limit)
}

// CreatePurchase creates a new recurring charge schedule.
func (s *SQLiteStore) CreatePurchase(ctx context.Context, p *Purchase) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (id, account_token, item, amount, interval_seconds, next_charge_at, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.AccountToken, p.Item, p.Amount,
		int64(p.Interval.Seconds()),
		p.NextChargeAt.UTC().Format(time.RFC3339),
		p.Active,
		p.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting purchase: %w", err)
	}

	s.logger.Info("created purchase", "id", p.ID, "item", p.Item, "amount", p.Amount)
	return nil
}

func (s *SQLiteStore) queryPurchases(ctx context.Context, query string, args ...any) ([]*Purchase, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*Purchase
	for rows.Next() {
		var p Purchase
		var intervalSeconds int64
		var nextChargeStr, createdAtStr string
		if err := rows.Scan(&p.ID, &p.AccountToken, &p.Item, &p.Amount,
			&intervalSeconds, &nextChargeStr, &p.Active, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning purchase row: %w", err)
		}

		p.Interval = time.Duration(intervalSeconds) * time.Second
		p.NextChargeAt, err = time.Parse(time.RFC3339, nextChargeStr)
		if err != nil {
			return nil, fmt.Errorf("parsing next_charge_at: %w", err)
		}
		p.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		purchases = append(purchases, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating purchase rows: %w", err)
	}
	return purchases, nil
}

const purchaseColumns = `id, account_token, item, amount, interval_seconds, next_charge_at, active, created_at`

// ListPurchases returns all purchase schedules, active or not.
func (s *SQLiteStore) ListPurchases(ctx context.Context) ([]*Purchase, error) {
	return s.queryPurchases(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		ORDER BY created_at ASC
	`)
}

// ListDuePurchases returns active purchases whose next charge time has passed.
func (s *SQLiteStore) ListDuePurchases(ctx context.Context, now time.Time) ([]*Purchase, error) {
	return s.queryPurchases(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE active = 1 AND next_charge_at <= ?
		ORDER BY next_charge_at ASC
	`, now.UTC().Format(time.RFC3339))
}

// ReschedulePurchase sets the next charge time after a successful charge.
// Returns ErrNotFound if the purchase doesn't exist.
func (s *SQLiteStore) ReschedulePurchase(ctx context.Context, id string, next time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET next_charge_at = ? WHERE id = ?`,
		next.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("rescheduling purchase: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelPurchase deactivates a purchase schedule.
// Returns ErrNotFound if the purchase doesn't exist.
func (s *SQLiteStore) CancelPurchase(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("cancelling purchase: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("cancelled purchase", "id", id)
	return nil
}
