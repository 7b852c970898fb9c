// ABOUTME: Store interface and data types for tapbank persistence
// ABOUTME: Defines Account, Session, Transaction structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateName is returned when trying to create an account whose name is taken
var ErrDuplicateName = errors.New("account name already exists")

// ErrInsufficientFunds is returned when a debit would take a balance negative
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrSessionNotFound is returned when a session doesn't exist
var ErrSessionNotFound = errors.New("session not found")

// Account represents a card: a named balance holder whose secret token is
// written onto a physical NFC tag. BoundDevice is nil until the first
// successful PIN unlock claims the card for a device.
type Account struct {
	ID          string
	Name        string
	Token       string // bearer credential, the NFC tag contents
	PINHash     string // bcrypt hash
	Balance     int64  // cents
	BoundDevice *string
	TokenUsed   bool
	Description string
	CreatedAt   time.Time
}

// Bound reports whether the account is claimed by a device.
func (a *Account) Bound() bool {
	return a.BoundDevice != nil && *a.BoundDevice != ""
}

// Session is a short-lived server-side record created when a tag is tapped.
// It gates the PIN-entry step; expiry is enforced lazily on lookup.
type Session struct {
	ID           string
	AccountToken string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Transaction is an immutable ledger entry for a completed balance movement.
type Transaction struct {
	ID        string
	FromName  string
	ToName    string
	Amount    int64 // cents
	Reason    string
	CreatedAt time.Time
}

// Purchase represents a recurring charge against an account (the "shop" item).
type Purchase struct {
	ID           string
	AccountToken string
	Item         string
	Amount       int64 // cents, charged every interval
	Interval     time.Duration
	NextChargeAt time.Time
	Active       bool
	CreatedAt    time.Time
}

// Branding holds the editable site branding shown on public pages.
// Exactly one row exists; UpdateBranding replaces it.
type Branding struct {
	Title       string
	Subtitle    string // markdown, rendered on the landing page
	AccentColor string
	UpdatedAt   time.Time
}

// Store defines the interface for account, session, and ledger persistence.
// Both the SQLite and Postgres backends implement it.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccountByToken(ctx context.Context, token string) (*Account, error)
	GetAccountByName(ctx context.Context, name string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	DeleteAccount(ctx context.Context, token string) error

	// Binding state. BindDevice is a conditional write that only succeeds
	// while bound_device is still NULL; it reports whether this call won.
	BindDevice(ctx context.Context, token, deviceID string) (bool, error)
	ResetBinding(ctx context.Context, token string) error
	SetTokenUsed(ctx context.Context, token string, used bool) error

	// Balances. All arithmetic is applied as single SQL expressions so that
	// concurrent movements never lose updates.
	AdjustBalance(ctx context.Context, token string, delta int64) error
	Transfer(ctx context.Context, fromToken, toToken string, amount int64, txn *Transaction) error
	Debit(ctx context.Context, token string, amount int64, txn *Transaction) error

	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)

	// Transaction log
	ListTransactions(ctx context.Context, limit int) ([]*Transaction, error)
	ListAccountTransactions(ctx context.Context, name string, limit int) ([]*Transaction, error)

	// Recurring purchases
	CreatePurchase(ctx context.Context, p *Purchase) error
	ListPurchases(ctx context.Context) ([]*Purchase, error)
	ListDuePurchases(ctx context.Context, now time.Time) ([]*Purchase, error)
	ReschedulePurchase(ctx context.Context, id string, next time.Time) error
	CancelPurchase(ctx context.Context, id string) error

	// Branding
	GetBranding(ctx context.Context) (*Branding, error)
	UpdateBranding(ctx context.Context, b *Branding) error

	// Close releases any resources held by the store
	Close() error
}
