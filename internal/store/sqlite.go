// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides account/session/ledger persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Serialize access through one connection; SQLite only supports a
	// single writer anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL UNIQUE,
			token        TEXT NOT NULL UNIQUE,
			pin_hash     TEXT NOT NULL,
			balance      INTEGER NOT NULL DEFAULT 0,
			bound_device TEXT,
			token_used   INTEGER NOT NULL DEFAULT 0,
			description  TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,

			CHECK (balance >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_accounts_name ON accounts(name);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			account_token TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			expires_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

		CREATE TABLE IF NOT EXISTS transactions (
			id         TEXT PRIMARY KEY,
			from_name  TEXT NOT NULL,
			to_name    TEXT NOT NULL,
			amount     INTEGER NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_name);
		CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(to_name);

		CREATE TABLE IF NOT EXISTS purchases (
			id               TEXT PRIMARY KEY,
			account_token    TEXT NOT NULL,
			item             TEXT NOT NULL,
			amount           INTEGER NOT NULL,
			interval_seconds INTEGER NOT NULL,
			next_charge_at   TEXT NOT NULL,
			active           INTEGER NOT NULL DEFAULT 1,
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_purchases_next ON purchases(active, next_charge_at);

		CREATE TABLE IF NOT EXISTS branding (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			title        TEXT NOT NULL,
			subtitle     TEXT NOT NULL,
			accent_color TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueConstraintError checks if an error is a SQLite UNIQUE constraint violation
func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "unique constraint"))
}

// CreateAccount creates a new account.
// Returns ErrDuplicateName if an account with the same name already exists.
func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *Account) error {
	query := `
		INSERT INTO accounts (id, name, token, pin_hash, balance, bound_device, token_used, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		acct.ID,
		acct.Name,
		acct.Token,
		acct.PINHash,
		acct.Balance,
		acct.BoundDevice,
		acct.TokenUsed,
		acct.Description,
		acct.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("inserting account: %w", err)
	}

	s.logger.Debug("created account", "id", acct.ID, "name", acct.Name)
	return nil
}

const accountColumns = `id, name, token, pin_hash, balance, bound_device, token_used, description, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var acct Account
	var boundDevice sql.NullString
	var createdAtStr string

	err := row.Scan(
		&acct.ID,
		&acct.Name,
		&acct.Token,
		&acct.PINHash,
		&acct.Balance,
		&boundDevice,
		&acct.TokenUsed,
		&acct.Description,
		&createdAtStr,
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

	acct.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &acct, nil
}

// GetAccountByToken retrieves an account by its launch token.
// Returns ErrNotFound if no account has this token.
func (s *SQLiteStore) GetAccountByToken(ctx context.Context, token string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE token = ?`, token)
	return scanAccount(row)
}

// GetAccountByName retrieves an account by its display name.
// Returns ErrNotFound if no account has this name.
func (s *SQLiteStore) GetAccountByName(ctx context.Context, name string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE name = ?`, name)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by creation time.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
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
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE token = ?`, token)
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

	s.logger.Info("deleted account", "token", token)
	return nil
}

// BindDevice claims the account for deviceID. The update is conditional on
// bound_device still being NULL, so two devices racing to claim an unclaimed
// card get at-most-one winner. Returns whether this call won the binding.
// Returns ErrNotFound if no account has this token.
func (s *SQLiteStore) BindDevice(ctx context.Context, token, deviceID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET bound_device = ?
		WHERE token = ? AND bound_device IS NULL
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

	// Lost the conditional write: either the account doesn't exist or it is
	// already bound. Distinguish for the caller.
	if _, err := s.GetAccountByToken(ctx, token); err != nil {
		return false, err
	}
	return false, nil
}

// ResetBinding clears the bound device and the token-used flag, the admin
// "undo" path for moving a card to a new device.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) ResetBinding(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET bound_device = NULL, token_used = 0
		WHERE token = ?
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

	s.logger.Info("reset binding", "token", token)
	return nil
}

// SetTokenUsed marks whether the launch token has been consumed.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) SetTokenUsed(ctx context.Context, token string, used bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET token_used = ? WHERE token = ?`, used, token)
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

// AdjustBalance applies delta to the account balance as a single SQL
// expression. Negative deltas are guarded so the balance cannot go below
// zero; returns ErrInsufficientFunds in that case.
func (s *SQLiteStore) AdjustBalance(ctx context.Context, token string, delta int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + ?
		WHERE token = ? AND balance + ? >= 0
	`, delta, token, delta)
	if err != nil {
		return fmt.Errorf("adjusting balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Debug("adjusted balance", "token", token, "delta", delta)
		return nil
	}

	if _, err := s.GetAccountByToken(ctx, token); err != nil {
		return err
	}
	return ErrInsufficientFunds
}

// Transfer atomically moves amount from one account to another and appends
// a ledger entry, all inside a single database transaction. The debit is a
// guarded decrement; if the source balance is too low nothing is applied and
// ErrInsufficientFunds is returned.
func (s *SQLiteStore) Transfer(ctx context.Context, fromToken, toToken string, amount int64, txn *Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance - ?
		WHERE token = ? AND balance >= ?
	`, amount, fromToken, amount)
	if err != nil {
		return fmt.Errorf("debiting source: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM accounts WHERE token = ?`, fromToken).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking source account: %w", err)
		}
		return ErrInsufficientFunds
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + ?
		WHERE token = ?
	`, amount, toToken)
	if err != nil {
		return fmt.Errorf("crediting destination: %w", err)
	}

	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if txn != nil {
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transfer: %w", err)
	}

	if txn != nil {
		s.logger.Info("transfer complete", "from", txn.FromName, "to", txn.ToName, "amount", amount)
	}
	return nil
}

// Debit applies a guarded decrement and appends a ledger entry in one
// transaction. Used by the recurring-charge collaborator.
func (s *SQLiteStore) Debit(ctx context.Context, token string, amount int64, txn *Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance - ?
		WHERE token = ? AND balance >= ?
	`, amount, token, amount)
	if err != nil {
		return fmt.Errorf("debiting account: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM accounts WHERE token = ?`, token).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking account: %w", err)
		}
		return ErrInsufficientFunds
	}

	if txn != nil {
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing debit: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, from_name, to_name, amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, txn.ID, txn.FromName, txn.ToName, txn.Amount, txn.Reason,
		txn.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
