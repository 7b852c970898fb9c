// ABOUTME: The card unlock protocol: launch, session resolution, PIN unlock
// ABOUTME: Owns the binding error taxonomy and the at-most-one-winner claim

package binding

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/tapbank/internal/store"
)

// Protocol errors. The web layer maps each to its own failure page.
var (
	ErrUnknownToken        = errors.New("unknown card token")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrScanWindowElapsed   = errors.New("scan window elapsed")
	ErrDeviceMismatch      = errors.New("card is bound to a different device")
	ErrMissingDeviceCookie = errors.New("missing device cookie")
	ErrInvalidPIN          = errors.New("invalid PIN")
)

// Static bcrypt hash compared against when the account doesn't exist, so a
// missing card costs the same time as a wrong PIN.
const dummyPINHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Options configures protocol timing and grant signing.
type Options struct {
	SessionTTL time.Duration // how long a tap session lives
	ScanWindow time.Duration // max age of a session at PIN-entry time
	GrantTTL   time.Duration // lifetime of issued unlock grants
	JWTSecret  []byte
}

// Protocol is the card unlock state machine.
type Protocol struct {
	store  store.Store
	opts   Options
	logger *slog.Logger
}

// NewProtocol creates a Protocol backed by the given store.
func NewProtocol(st store.Store, opts Options) *Protocol {
	return &Protocol{
		store:  st,
		opts:   opts,
		logger: slog.Default().With("component", "binding"),
	}
}

// LaunchResult is what a successful tag tap produces.
type LaunchResult struct {
	Session *store.Session
	Account *store.Account
}

// Launch handles a tag tap. It verifies the token, refuses taps from
// devices other than the bound one, and opens a session that gates the
// PIN form. The token-used flag is recorded on the first tap but does not
// itself block relaunch; the device binding does.
func (p *Protocol) Launch(ctx context.Context, token, deviceID string) (*LaunchResult, error) {
	acct, err := p.store.GetAccountByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, fmt.Errorf("looking up account: %w", err)
	}

	if acct.Bound() && *acct.BoundDevice != deviceID {
		p.logger.Warn("launch from foreign device", "account", acct.Name)
		return nil, ErrDeviceMismatch
	}

	if !acct.TokenUsed {
		if err := p.store.SetTokenUsed(ctx, token, true); err != nil {
			return nil, fmt.Errorf("marking token used: %w", err)
		}
	}

	sessionID, err := NewSessionID()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:           sessionID,
		AccountToken: token,
		CreatedAt:    now,
		ExpiresAt:    now.Add(p.opts.SessionTTL),
	}
	if err := p.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	p.logger.Info("launched session", "account", acct.Name, "session", sessionID)
	return &LaunchResult{Session: sess, Account: acct}, nil
}

// ResolveSession validates a session cookie ahead of PIN entry. Expired
// sessions are deleted on sight. The scan window is measured from session
// creation; a session exactly at the window boundary still passes.
func (p *Protocol) ResolveSession(ctx context.Context, sessionID, deviceID string) (*store.Account, error) {
	sess, err := p.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	now := time.Now().UTC()
	if now.After(sess.ExpiresAt) {
		if err := p.store.DeleteSession(ctx, sessionID); err != nil {
			p.logger.Warn("deleting expired session", "error", err)
		}
		return nil, ErrSessionExpired
	}

	if p.opts.ScanWindow > 0 && now.Sub(sess.CreatedAt) > p.opts.ScanWindow {
		return nil, ErrScanWindowElapsed
	}

	acct, err := p.store.GetAccountByToken(ctx, sess.AccountToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, fmt.Errorf("looking up account: %w", err)
	}

	if acct.Bound() && *acct.BoundDevice != deviceID {
		return nil, ErrDeviceMismatch
	}
	return acct, nil
}

// Grant is proof of a successful unlock. The token is a short-lived HS256
// JWT naming the account; it is a presentation convenience and mutations
// still re-verify the device binding.
type Grant struct {
	Account   *store.Account
	Token     string
	ExpiresAt time.Time
}

// Unlock verifies the PIN and claims the card for deviceID. On a fresh
// card the claim is a conditional write; exactly one device wins a race
// and losers get ErrDeviceMismatch. Repeat unlocks from the bound device
// succeed and issue a new grant.
func (p *Protocol) Unlock(ctx context.Context, accountToken, pin, deviceID string) (*Grant, error) {
	if deviceID == "" {
		return nil, ErrMissingDeviceCookie
	}

	acct, err := p.store.GetAccountByToken(ctx, accountToken)
	if errors.Is(err, store.ErrNotFound) {
		// Equalize timing with the wrong-PIN path
		_ = bcrypt.CompareHashAndPassword([]byte(dummyPINHash), []byte(pin))
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, fmt.Errorf("looking up account: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PINHash), []byte(pin)); err != nil {
		p.logger.Warn("failed PIN attempt", "account", acct.Name)
		return nil, ErrInvalidPIN
	}

	if acct.Bound() {
		if *acct.BoundDevice != deviceID {
			return nil, ErrDeviceMismatch
		}
	} else {
		won, err := p.store.BindDevice(ctx, accountToken, deviceID)
		if err != nil {
			return nil, fmt.Errorf("binding device: %w", err)
		}
		if !won {
			// Lost the claim race; see who did win
			acct, err = p.store.GetAccountByToken(ctx, accountToken)
			if err != nil {
				return nil, fmt.Errorf("re-checking binding: %w", err)
			}
			if !acct.Bound() || *acct.BoundDevice != deviceID {
				return nil, ErrDeviceMismatch
			}
		}
	}

	if !acct.TokenUsed {
		if err := p.store.SetTokenUsed(ctx, accountToken, true); err != nil {
			return nil, fmt.Errorf("marking token used: %w", err)
		}
	}

	grantToken, expiresAt, err := p.signGrant(accountToken)
	if err != nil {
		return nil, fmt.Errorf("signing grant: %w", err)
	}

	// Re-read so the grant carries the post-claim state
	acct, err = p.store.GetAccountByToken(ctx, accountToken)
	if err != nil {
		return nil, fmt.Errorf("re-reading account: %w", err)
	}

	p.logger.Info("unlocked card", "account", acct.Name)
	return &Grant{Account: acct, Token: grantToken, ExpiresAt: expiresAt}, nil
}

// AuthorizeOperation reports whether deviceID may operate on the account.
// It is the gate every balance mutation passes through.
func (p *Protocol) AuthorizeOperation(ctx context.Context, accountToken, deviceID string) error {
	if deviceID == "" {
		return ErrMissingDeviceCookie
	}

	acct, err := p.store.GetAccountByToken(ctx, accountToken)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownToken
	}
	if err != nil {
		return fmt.Errorf("looking up account: %w", err)
	}

	if !acct.Bound() || *acct.BoundDevice != deviceID {
		return ErrDeviceMismatch
	}
	return nil
}

// HashPIN produces a bcrypt hash for storage.
func HashPIN(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing PIN: %w", err)
	}
	return string(hash), nil
}

// NewDeviceID generates the random value for a device identity cookie.
func NewDeviceID() (string, error) {
	return generateSecureToken(32)
}

// NewSessionID generates a session identifier.
func NewSessionID() (string, error) {
	return generateSecureToken(32)
}

// NewCardToken generates the secret written onto an NFC tag.
func NewCardToken() (string, error) {
	return generateSecureToken(16)
}

// generateSecureToken generates a cryptographically secure random token
func generateSecureToken(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
