// ABOUTME: Postgres implementation of the Store interface using the pgx driver
// ABOUTME: Optional backend selected by database.driver = "postgres"

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens a Postgres connection with the given DSN and ensures
// the schema exists. Caller must call Close when done.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL UNIQUE,
			token        TEXT NOT NULL UNIQUE,
			pin_hash     TEXT NOT NULL,
			balance      BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			bound_device TEXT,
			token_used   BOOLEAN NOT NULL DEFAULT FALSE,
			description  TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			account_token TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			expires_at    TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

		CREATE TABLE IF NOT EXISTS transactions (
			id         TEXT PRIMARY KEY,
			from_name  TEXT NOT NULL,
			to_name    TEXT NOT NULL,
			amount     BIGINT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at DESC);

		CREATE TABLE IF NOT EXISTS purchases (
			id               TEXT PRIMARY KEY,
			account_token    TEXT NOT NULL,
			item             TEXT NOT NULL,
			amount           BIGINT NOT NULL,
			interval_seconds BIGINT NOT NULL,
			next_charge_at   TIMESTAMPTZ NOT NULL,
			active           BOOLEAN NOT NULL DEFAULT TRUE,
			created_at       TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_purchases_next ON purchases(active, next_charge_at);

		CREATE TABLE IF NOT EXISTS branding (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			title        TEXT NOT NULL,
			subtitle     TEXT NOT NULL,
			accent_color TEXT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	return s.db.Close()
}

// isPgUniqueViolation checks for a Postgres unique_violation (23505)
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateAccount creates a new account.
// Returns ErrDuplicateName if an account with the same name already exists.
func (s *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, token, pin_hash, balance, bound_device, token_used, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, acct.ID, acct.Name, acct.Token, acct.PINHash, acct.Balance,
		acct.BoundDevice, acct.TokenUsed, acct.Description, acct.CreatedAt.UTC())
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("inserting account: %w", err)
	}

	s.logger.Debug("created account", "id", acct.ID, "name", acct.Name)
	return nil
}

func scanPgAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var acct Account
	var boundDevice sql.NullString

	err := row.Scan(
		&acct.ID,
		&acct.Name,
		&acct.Token,
		&acct.PINHash,
		&acct.Balance,
		&boundDevice,
		&acct.TokenUsed,
		&acct.Description,
		&acct.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}

	if boundDevice.Valid {
		acct.BoundDevice = &boundDevice.String
	}
	return &acct, nil
}

// GetAccountByToken retrieves an account by its launch token.
func (s *PostgresStore) GetAccountByToken(ctx context.Context, token string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE token = $1
	`, token)
	return scanPgAccount(row)
}

// GetAccountByName retrieves an account by its display name.
func (s *PostgresStore) GetAccountByName(ctx context.Context, name string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE name = $1
	`, name)
	return scanPgAccount(row)
}

// ListAccounts returns all accounts ordered by creation time.
func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating account rows: %w", err)
	}
	return accounts, nil
}

// DeleteAccount removes an account by token.
func (s *PostgresStore) DeleteAccount(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
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

// BindDevice claims the account for deviceID; only succeeds while
// bound_device is still NULL. Returns whether this call won the binding.
func (s *PostgresStore) BindDevice(ctx context.Context, token, deviceID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET bound_device = $1
		WHERE token = $2 AND bound_device IS NULL
	`, deviceID, token)
	if err != nil {
		return false, fmt.Errorf("binding device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Info("bound device to account", "token", token)
		return true, nil
	}

	if _, err := s.GetAccountByToken(ctx, token); err != nil {
		return false, err
	}
	return false, nil
}

// ResetBinding clears the bound device and the token-used flag.
func (s *PostgresStore) ResetBinding(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET bound_device = NULL, token_used = FALSE
		WHERE token = $1
	`, token)
	if err != nil {
		return fmt.Errorf("resetting binding: %w", err)
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

// SetTokenUsed marks whether the launch token has been consumed.
func (s *PostgresStore) SetTokenUsed(ctx context.Context, token string, used bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET token_used = $1 WHERE token = $2`, used, token)
	if err != nil {
		return fmt.Errorf("setting token_used: %w", err)
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

// AdjustBalance applies delta as a single SQL expression, guarded against
// taking the balance negative.
func (s *PostgresStore) AdjustBalance(ctx context.Context, token string, delta int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1
		WHERE token = $2 AND balance + $1 >= 0
	`, delta, token)
	if err != nil {
		return fmt.Errorf("adjusting balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	if _, err := s.GetAccountByToken(ctx, token); err != nil {
		return err
	}
	return ErrInsufficientFunds
}

// Transfer atomically moves amount between accounts and appends a ledger
// entry inside a single database transaction.
func (s *PostgresStore) Transfer(ctx context.Context, fromToken, toToken string, amount int64, txn *Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := pgGuardedDebit(ctx, tx, fromToken, amount); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + $1 WHERE token = $2
	`, amount, toToken)
	if err != nil {
		return fmt.Errorf("crediting destination: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if txn != nil {
		if err := pgInsertTransaction(ctx, tx, txn); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transfer: %w", err)
	}
	return nil
}

// Debit applies a guarded decrement and appends a ledger entry in one
// transaction.
func (s *PostgresStore) Debit(ctx context.Context, token string, amount int64, txn *Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := pgGuardedDebit(ctx, tx, token, amount); err != nil {
		return err
	}

	if txn != nil {
		if err := pgInsertTransaction(ctx, tx, txn); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing debit: %w", err)
	}
	return nil
}

func pgGuardedDebit(ctx context.Context, tx *sql.Tx, token string, amount int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance - $1
		WHERE token = $2 AND balance >= $1
	`, amount, token)
	if err != nil {
		return fmt.Errorf("debiting account: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE token = $1`, token).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking account: %w", err)
	}
	return ErrInsufficientFunds
}

func pgInsertTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, from_name, to_name, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, txn.ID, txn.FromName, txn.ToName, txn.Amount, txn.Reason, txn.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// CreateSession creates a new session row.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, account_token, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`, sess.ID, sess.AccountToken, sess.CreatedAt.UTC(), sess.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID, expired or not.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_token, created_at, expires_at
		FROM sessions
		WHERE id = $1
	`, id).Scan(&sess.ID, &sess.AccountToken, &sess.CreatedAt, &sess.ExpiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &sess, nil
}

// DeleteSession deletes a session.
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes all expired sessions and returns the count.
// Strict comparison, same boundary as the SQLite sweep and the lazy lookup.
func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected, nil
}

func (s *PostgresStore) queryTransactions(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		var txn Transaction
		if err := rows.Scan(&txn.ID, &txn.FromName, &txn.ToName, &txn.Amount, &txn.Reason, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transaction row: %w", err)
		}
		txns = append(txns, &txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transaction rows: %w", err)
	}
	return txns, nil
}

// ListTransactions returns the most recent transactions, newest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
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
		LIMIT $1
	`, limit)
}

// ListAccountTransactions returns transactions touching the named account.
func (s *PostgresStore) ListAccountTransactions(ctx context.Context, name string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE from_name = $1 OR to_name = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, name, limit)
}

// CreatePurchase creates a new recurring charge schedule.
func (s *PostgresStore) CreatePurchase(ctx context.Context, p *Purchase) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (id, account_token, item, amount, interval_seconds, next_charge_at, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.AccountToken, p.Item, p.Amount,
		int64(p.Interval.Seconds()), p.NextChargeAt.UTC(), p.Active, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting purchase: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryPurchases(ctx context.Context, query string, args ...any) ([]*Purchase, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*Purchase
	for rows.Next() {
		var p Purchase
		var intervalSeconds int64
		if err := rows.Scan(&p.ID, &p.AccountToken, &p.Item, &p.Amount,
			&intervalSeconds, &p.NextChargeAt, &p.Active, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning purchase row: %w", err)
		}
		p.Interval = time.Duration(intervalSeconds) * time.Second
		purchases = append(purchases, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating purchase rows: %w", err)
	}
	return purchases, nil
}

// ListPurchases returns all purchase schedules.
func (s *PostgresStore) ListPurchases(ctx context.Context) ([]*Purchase, error) {
	return s.queryPurchases(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		ORDER BY created_at ASC
	`)
}

// ListDuePurchases returns active purchases whose next charge time has passed.
func (s *PostgresStore) ListDuePurchases(ctx context.Context, now time.Time) ([]*Purchase, error) {
	return s.queryPurchases(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE active AND next_charge_at <= $1
		ORDER BY next_charge_at ASC
	`, now.UTC())
}

// ReschedulePurchase sets the next charge time after a successful charge.
func (s *PostgresStore) ReschedulePurchase(ctx context.Context, id string, next time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET next_charge_at = $1 WHERE id = $2`, next.UTC(), id)
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
func (s *PostgresStore) CancelPurchase(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET active = FALSE WHERE id = $1`, id)
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
	return nil
}

// GetBranding returns the saved site branding, or DefaultBranding when none
// has been saved.
func (s *PostgresStore) GetBranding(ctx context.Context) (*Branding, error) {
	var b Branding
	err := s.db.QueryRowContext(ctx, `
		SELECT title, subtitle, accent_color, updated_at
		FROM branding
		WHERE id = 1
	`).Scan(&b.Title, &b.Subtitle, &b.AccentColor, &b.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		b := DefaultBranding
		return &b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying branding: %w", err)
	}
	return &b, nil
}

// UpdateBranding replaces the site branding.
func (s *PostgresStore) UpdateBranding(ctx context.Context, b *Branding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branding (id, title, subtitle, accent_color, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			subtitle = EXCLUDED.subtitle,
			accent_color = EXCLUDED.accent_color,
			updated_at = EXCLUDED.updated_at
	`, b.Title, b.Subtitle, b.AccentColor)
	if err != nil {
		return fmt.Errorf("updating branding: %w", err)
	}
	return nil
}

// Ensure PostgresStore implements Store interface
var _ Store = (*PostgresStore)(nil)
