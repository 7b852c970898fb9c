// ABOUTME: HTTP handlers for the card-facing flow: launch, PIN entry, wallet
// ABOUTME: Device and session identity both live in cookies

package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/tapbank/internal/bank"
	"github.com/2389/tapbank/internal/binding"
	"github.com/2389/tapbank/internal/store"
)

// Cookie names
const (
	deviceCookieName  = "tapbank_device"
	sessionCookieName = "tapbank_session"
)

// deviceCookieMaxAge keeps the device identity around for a year; the
// binding is meant to outlive any one visit.
const deviceCookieMaxAge = 365 * 24 * 60 * 60

// Server serves the card-facing pages.
type Server struct {
	store      store.Store
	protocol   *binding.Protocol
	engine     *bank.Engine
	sessionTTL time.Duration
	logger     *slog.Logger
}

// NewServer creates the card-facing HTTP surface.
func NewServer(st store.Store, protocol *binding.Protocol, engine *bank.Engine, sessionTTL time.Duration) *Server {
	return &Server{
		store:      st,
		protocol:   protocol,
		engine:     engine,
		sessionTTL: sessionTTL,
		logger:     slog.Default().With("component", "web"),
	}
}

// Routes registers the public handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleLanding)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /launch/{token}", s.handleLaunch)
	mux.HandleFunc("GET /card", s.handleCard)
	mux.HandleFunc("POST /unlock", s.handleUnlock)
	mux.HandleFunc("POST /transfer", s.handleTransfer)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	s.renderLanding(w, s.currentBranding())
}

// handleLaunch is the URL written onto NFC tags. It assigns the device a
// cookie on first contact, opens a tap session, and redirects so the tag
// token never appears in the address bar again.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	deviceID := s.ensureDeviceCookie(w, r)

	res, err := s.protocol.Launch(r.Context(), token, deviceID)
	if err != nil {
		s.renderProtocolError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    res.Session.ID,
		Path:     "/",
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/card", http.StatusSeeOther)
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	acct, err := s.resolveRequestSession(r)
	if err != nil {
		s.renderProtocolError(w, err)
		return
	}
	s.renderCard(w, s.currentBranding(), acct, "")
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	acct, err := s.resolveRequestSession(r)
	if err != nil {
		s.renderProtocolError(w, err)
		return
	}

	pin := r.FormValue("pin")
	deviceID := s.deviceID(r)

	grant, err := s.protocol.Unlock(r.Context(), acct.Token, pin, deviceID)
	if errors.Is(err, binding.ErrInvalidPIN) {
		s.renderCard(w, s.currentBranding(), acct, "Wrong PIN, try again.")
		return
	}
	if err != nil {
		s.renderProtocolError(w, err)
		return
	}

	s.showWallet(w, r, grant, "")
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	grantToken := r.FormValue("grant")
	accountToken, err := s.protocol.VerifyGrant(grantToken)
	if err != nil {
		s.renderProtocolError(w, err)
		return
	}

	deviceID := s.deviceID(r)
	toName := r.FormValue("to")
	reason := r.FormValue("reason")

	amount, err := parseAmountCents(r.FormValue("amount"))
	if err != nil {
		s.transferFailed(w, r, grantToken, accountToken, deviceID, "That amount doesn't parse.")
		return
	}

	receipt, err := s.engine.Transfer(r.Context(), accountToken, deviceID, toName, amount, reason)
	switch {
	case errors.Is(err, bank.ErrInvalidAmount):
		s.transferFailed(w, r, grantToken, accountToken, deviceID, "Amount must be positive.")
		return
	case errors.Is(err, bank.ErrMissingRecipient):
		s.transferFailed(w, r, grantToken, accountToken, deviceID, "Who are you paying?")
		return
	case errors.Is(err, bank.ErrInsufficientFunds):
		s.transferFailed(w, r, grantToken, accountToken, deviceID, "Not enough money for that.")
		return
	case err != nil:
		s.renderProtocolError(w, err)
		return
	}

	s.renderReceipt(w, s.currentBranding(), receiptData{
		FromName:   receipt.FromName,
		ToName:     receipt.ToName,
		Amount:     formatCents(receipt.Amount),
		Reason:     receipt.Reason,
		NewBalance: formatCents(receipt.NewBalance),
	})
}

// transferFailed re-renders the wallet with an inline error instead of
// bouncing to a bare failure page.
func (s *Server) transferFailed(w http.ResponseWriter, r *http.Request, grantToken, accountToken, deviceID, msg string) {
	if err := s.protocol.AuthorizeOperation(r.Context(), accountToken, deviceID); err != nil {
		s.renderProtocolError(w, err)
		return
	}
	acct, err := s.store.GetAccountByToken(r.Context(), accountToken)
	if err != nil {
		s.renderProtocolError(w, err)
		return
	}
	txns, err := s.store.ListAccountTransactions(r.Context(), acct.Name, 10)
	if err != nil {
		txns = nil
	}
	s.renderWallet(w, s.currentBranding(), acct, grantToken, txns, msg)
}

func (s *Server) showWallet(w http.ResponseWriter, r *http.Request, grant *binding.Grant, errorMsg string) {
	txns, err := s.store.ListAccountTransactions(r.Context(), grant.Account.Name, 10)
	if err != nil {
		s.logger.Error("listing transactions", "error", err)
		txns = nil
	}
	s.renderWallet(w, s.currentBranding(), grant.Account, grant.Token, txns, errorMsg)
}

// resolveRequestSession pulls both cookies off the request and runs the
// session through the protocol.
func (s *Server) resolveRequestSession(r *http.Request) (*store.Account, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, binding.ErrSessionNotFound
	}
	return s.protocol.ResolveSession(r.Context(), cookie.Value, s.deviceID(r))
}

func (s *Server) deviceID(r *http.Request) string {
	cookie, err := r.Cookie(deviceCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// ensureDeviceCookie returns the request's device identity, minting one
// when the browser shows up bare.
func (s *Server) ensureDeviceCookie(w http.ResponseWriter, r *http.Request) string {
	if id := s.deviceID(r); id != "" {
		return id
	}

	id, err := binding.NewDeviceID()
	if err != nil {
		s.logger.Error("generating device id", "error", err)
		return ""
	}

	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   deviceCookieMaxAge,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (s *Server) currentBranding() *store.Branding {
	branding, err := s.store.GetBranding(context.Background())
	if err != nil {
		s.logger.Error("loading branding", "error", err)
		b := store.DefaultBranding
		return &b
	}
	return branding
}

// renderProtocolError maps a protocol failure to its failure page.
func (s *Server) renderProtocolError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, binding.ErrUnknownToken), errors.Is(err, store.ErrNotFound):
		s.renderError(w, http.StatusNotFound, "Unknown card", "This tag isn't registered with the bank.")
	case errors.Is(err, binding.ErrSessionNotFound):
		s.renderError(w, http.StatusNotFound, "No session", "Tap your card to get started.")
	case errors.Is(err, binding.ErrSessionExpired):
		s.renderError(w, http.StatusGone, "Session expired", "That tap has gone stale. Tap your card again.")
	case errors.Is(err, binding.ErrScanWindowElapsed):
		s.renderError(w, http.StatusGone, "Too slow", "The scan window has passed. Tap your card again.")
	case errors.Is(err, binding.ErrDeviceMismatch):
		s.renderError(w, http.StatusForbidden, "Not your card", "This card belongs to a different device.")
	case errors.Is(err, binding.ErrMissingDeviceCookie):
		s.renderError(w, http.StatusBadRequest, "No device identity", "Your browser didn't present a device cookie. Tap your card again.")
	case errors.Is(err, binding.ErrInvalidPIN):
		s.renderError(w, http.StatusForbidden, "Wrong PIN", "That PIN doesn't match.")
	case errors.Is(err, binding.ErrExpiredGrant):
		s.renderError(w, http.StatusGone, "Unlock expired", "Your unlock has expired. Enter your PIN again.")
	case errors.Is(err, binding.ErrInvalidGrant):
		s.renderError(w, http.StatusBadRequest, "Invalid unlock", "That unlock doesn't check out. Tap your card again.")
	default:
		s.logger.Error("request failed", "error", err)
		s.renderError(w, http.StatusInternalServerError, "Something broke", "The bank hit an internal error. Try again.")
	}
}

// parseAmountCents accepts "5", "5.5", and "5.50" style dollar amounts
// and returns cents. The sign is taken from the raw string, not the
// parsed dollars, so "-0.50" keeps its sign instead of collapsing to a
// positive fraction.
func parseAmountCents(input string) (int64, error) {
	input = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), "$"))

	negative := strings.HasPrefix(input, "-")
	input = strings.TrimPrefix(input, "-")

	whole, frac, found := strings.Cut(input, ".")
	dollars, err := strconv.ParseUint(whole, 10, 32)
	if err != nil {
		return 0, err
	}

	var cents uint64
	if found {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		cents, err = strconv.ParseUint(frac, 10, 64)
		if err != nil {
			return 0, err
		}
	}

	total := int64(dollars)*100 + int64(cents)
	if negative {
		total = -total
	}
	return total, nil
}
