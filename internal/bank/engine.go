// ABOUTME: Transfer engine: device-authorized balance movement between cards
// ABOUTME: Auto-creates unknown recipients so anyone named can be paid

package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tapbank/internal/binding"
	"github.com/2389/tapbank/internal/store"
)

// Engine errors
var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrMissingRecipient  = errors.New("recipient name is required")
	ErrInsufficientFunds = store.ErrInsufficientFunds
)

// Options configures the transfer engine.
type Options struct {
	// DefaultPIN is assigned to auto-created recipient cards. Those cards
	// start unbound, so the owner can claim them later with this PIN.
	DefaultPIN string

	// Notify, if set, is called after every successful mutation. Used to
	// arm the backup mirror.
	Notify func()
}

// Engine moves money between cards. Every transfer is gated by the
// binding protocol and applied atomically by the store.
type Engine struct {
	store          store.Store
	protocol       *binding.Protocol
	defaultPINHash string
	notify         func()
	logger         *slog.Logger
}

// NewEngine creates a transfer engine. The default recipient PIN is
// hashed once up front.
func NewEngine(st store.Store, protocol *binding.Protocol, opts Options) (*Engine, error) {
	if opts.DefaultPIN == "" {
		opts.DefaultPIN = "0000"
	}
	pinHash, err := binding.HashPIN(opts.DefaultPIN)
	if err != nil {
		return nil, fmt.Errorf("hashing default PIN: %w", err)
	}

	return &Engine{
		store:          st,
		protocol:       protocol,
		defaultPINHash: pinHash,
		notify:         opts.Notify,
		logger:         slog.Default().With("component", "bank"),
	}, nil
}

// Receipt describes a completed transfer.
type Receipt struct {
	TransactionID string
	FromName      string
	ToName        string
	Amount        int64
	Reason        string
	NewBalance    int64
	CreatedAt     time.Time
}

// Transfer moves amount cents from the card identified by fromToken to
// the account named toName. The sending device must hold the card's
// binding. Unknown recipients are created on the fly with a zero balance
// and the default PIN.
func (e *Engine) Transfer(ctx context.Context, fromToken, deviceID, toName string, amount int64, reason string) (*Receipt, error) {
	if err := e.protocol.AuthorizeOperation(ctx, fromToken, deviceID); err != nil {
		return nil, err
	}

	toName = strings.TrimSpace(toName)
	if toName == "" {
		return nil, ErrMissingRecipient
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	from, err := e.store.GetAccountByToken(ctx, fromToken)
	if err != nil {
		return nil, fmt.Errorf("looking up sender: %w", err)
	}

	to, err := e.ensureRecipient(ctx, toName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	txn := &store.Transaction{
		ID:        uuid.NewString(),
		FromName:  from.Name,
		ToName:    to.Name,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := e.store.Transfer(ctx, from.Token, to.Token, amount, txn); err != nil {
		return nil, err
	}

	from, err = e.store.GetAccountByToken(ctx, fromToken)
	if err != nil {
		return nil, fmt.Errorf("re-reading sender: %w", err)
	}

	e.logger.Info("transfer complete",
		"from", txn.FromName, "to", txn.ToName, "amount", amount)
	if e.notify != nil {
		e.notify()
	}

	return &Receipt{
		TransactionID: txn.ID,
		FromName:      txn.FromName,
		ToName:        txn.ToName,
		Amount:        amount,
		Reason:        reason,
		NewBalance:    from.Balance,
		CreatedAt:     now,
	}, nil
}

// ensureRecipient fetches the named account, creating it if missing.
// Two concurrent transfers to the same new name race on the unique
// constraint; the loser re-fetches.
func (e *Engine) ensureRecipient(ctx context.Context, name string) (*store.Account, error) {
	to, err := e.store.GetAccountByName(ctx, name)
	if err == nil {
		return to, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up recipient: %w", err)
	}

	token, err := binding.NewCardToken()
	if err != nil {
		return nil, fmt.Errorf("generating recipient token: %w", err)
	}

	acct := &store.Account{
		ID:        uuid.NewString(),
		Name:      name,
		Token:     token,
		PINHash:   e.defaultPINHash,
		Balance:   0,
		CreatedAt: time.Now().UTC(),
	}
	err = e.store.CreateAccount(ctx, acct)
	if errors.Is(err, store.ErrDuplicateName) {
		return e.store.GetAccountByName(ctx, name)
	}
	if err != nil {
		return nil, fmt.Errorf("creating recipient: %w", err)
	}

	e.logger.Info("auto-created recipient", "name", name)
	return acct, nil
}
