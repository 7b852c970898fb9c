// ABOUTME: Admin surface: card management, ledger view, branding, purchases
// ABOUTME: Gated by a single shared key compared in constant time

package admin

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tapbank/internal/binding"
	"github.com/2389/tapbank/internal/store"
)

// Options configures the admin surface.
type Options struct {
	// Key is the shared admin secret. Every admin request must present it.
	Key string

	// BaseURL prefixes launch URLs shown for writing onto tags.
	BaseURL string

	// DefaultPIN is assigned when a card is created without one.
	DefaultPIN string

	// Notify, if set, is called after every mutation.
	Notify func()
}

// Admin serves the management pages.
type Admin struct {
	store  store.Store
	opts   Options
	logger *slog.Logger
}

// NewAdmin creates the admin surface.
func NewAdmin(st store.Store, opts Options) *Admin {
	if opts.DefaultPIN == "" {
		opts.DefaultPIN = "0000"
	}
	return &Admin{
		store:  st,
		opts:   opts,
		logger: slog.Default().With("component", "admin"),
	}
}

// Routes registers the admin handlers on mux.
func (a *Admin) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin", a.requireKey(a.handleDashboard))
	mux.HandleFunc("POST /admin/accounts/create", a.requireKey(a.handleCreateAccount))
	mux.HandleFunc("POST /admin/accounts/{token}/reset", a.requireKey(a.handleResetBinding))
	mux.HandleFunc("POST /admin/accounts/{token}/delete", a.requireKey(a.handleDeleteAccount))
	mux.HandleFunc("POST /admin/accounts/{token}/adjust", a.requireKey(a.handleAdjustBalance))
	mux.HandleFunc("GET /admin/transactions", a.requireKey(a.handleTransactions))
	mux.HandleFunc("GET /admin/branding", a.requireKey(a.handleBrandingPage))
	mux.HandleFunc("POST /admin/branding", a.requireKey(a.handleBrandingUpdate))
	mux.HandleFunc("GET /admin/purchases", a.requireKey(a.handlePurchasesPage))
	mux.HandleFunc("POST /admin/purchases/create", a.requireKey(a.handleCreatePurchase))
	mux.HandleFunc("POST /admin/purchases/{id}/cancel", a.requireKey(a.handleCancelPurchase))
}

// requireKey rejects requests whose key doesn't match, in constant time.
// The key rides in the "key" query or form value.
func (a *Admin) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.FormValue("key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.opts.Key)) != 1 {
			a.logger.Warn("rejected admin request", "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (a *Admin) notify() {
	if a.opts.Notify != nil {
		a.opts.Notify()
	}
}

// redirectBack sends the browser back to an admin page with the key intact.
func (a *Admin) redirectBack(w http.ResponseWriter, r *http.Request, page string) {
	q := url.Values{"key": {r.FormValue("key")}}
	http.Redirect(w, r, page+"?"+q.Encode(), http.StatusSeeOther)
}

func (a *Admin) handleDashboard(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.store.ListAccounts(r.Context())
	if err != nil {
		a.logger.Error("listing accounts", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	a.renderDashboard(w, r.FormValue("key"), accounts, a.opts.BaseURL)
}

func (a *Admin) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	pin := r.FormValue("pin")
	if pin == "" {
		pin = a.opts.DefaultPIN
	}
	pinHash, err := binding.HashPIN(pin)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var balance int64
	if raw := r.FormValue("balance"); raw != "" {
		balance, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || balance < 0 {
			http.Error(w, "balance must be a non-negative cent amount", http.StatusBadRequest)
			return
		}
	}

	token, err := binding.NewCardToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	acct := &store.Account{
		ID:          uuid.NewString(),
		Name:        name,
		Token:       token,
		PINHash:     pinHash,
		Balance:     balance,
		Description: r.FormValue("description"),
		CreatedAt:   time.Now().UTC(),
	}
	err = a.store.CreateAccount(r.Context(), acct)
	if errors.Is(err, store.ErrDuplicateName) {
		http.Error(w, "an account with that name already exists", http.StatusConflict)
		return
	}
	if err != nil {
		a.logger.Error("creating account", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.logger.Info("admin created account", "name", name)
	a.notify()
	a.redirectBack(w, r, "/admin")
}

func (a *Admin) handleResetBinding(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	err := a.store.ResetBinding(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no such account", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("resetting binding", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.logger.Info("admin reset binding", "token", token)
	a.notify()
	a.redirectBack(w, r, "/admin")
}

func (a *Admin) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	err := a.store.DeleteAccount(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no such account", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("deleting account", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.logger.Info("admin deleted account", "token", token)
	a.notify()
	a.redirectBack(w, r, "/admin")
}

func (a *Admin) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	delta, err := strconv.ParseInt(r.FormValue("delta"), 10, 64)
	if err != nil {
		http.Error(w, "delta must be a cent amount", http.StatusBadRequest)
		return
	}

	err = a.store.AdjustBalance(r.Context(), token, delta)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "no such account", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrInsufficientFunds):
		http.Error(w, "adjustment would make the balance negative", http.StatusBadRequest)
		return
	case err != nil:
		a.logger.Error("adjusting balance", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.logger.Info("admin adjusted balance", "token", token, "delta", delta)
	a.notify()
	a.redirectBack(w, r, "/admin")
}

func (a *Admin) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.FormValue("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	txns, err := a.store.ListTransactions(r.Context(), limit)
	if err != nil {
		a.logger.Error("listing transactions", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	a.renderTransactions(w, r.FormValue("key"), txns)
}

func (a *Admin) handleBrandingPage(w http.ResponseWriter, r *http.Request) {
	branding, err := a.store.GetBranding(r.Context())
	if err != nil {
		a.logger.Error("loading branding", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	a.renderBranding(w, r.FormValue("key"), branding)
}

func (a *Admin) handleBrandingUpdate(w http.ResponseWriter, r *http.Request) {
	b := &store.Branding{
		Title:       r.FormValue("title"),
		Subtitle:    r.FormValue("subtitle"),
		AccentColor: r.FormValue("accent_color"),
	}
	if b.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if b.AccentColor == "" {
		b.AccentColor = store.DefaultBranding.AccentColor
	}

	if err := a.store.UpdateBranding(r.Context(), b); err != nil {
		a.logger.Error("updating branding", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.notify()
	a.redirectBack(w, r, "/admin/branding")
}

func (a *Admin) handlePurchasesPage(w http.ResponseWriter, r *http.Request) {
	purchases, err := a.store.ListPurchases(r.Context())
	if err != nil {
		a.logger.Error("listing purchases", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	accounts, err := a.store.ListAccounts(r.Context())
	if err != nil {
		a.logger.Error("listing accounts", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	a.renderPurchases(w, r.FormValue("key"), purchases, accounts)
}

func (a *Admin) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("account")
	acct, err := a.store.GetAccountByName(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no such account", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	item := r.FormValue("item")
	if item == "" {
		http.Error(w, "item is required", http.StatusBadRequest)
		return
	}

	amount, err := strconv.ParseInt(r.FormValue("amount"), 10, 64)
	if err != nil || amount <= 0 {
		http.Error(w, "amount must be a positive cent amount", http.StatusBadRequest)
		return
	}

	interval, err := time.ParseDuration(r.FormValue("interval"))
	if err != nil || interval <= 0 {
		http.Error(w, "interval must be a positive duration", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	p := &store.Purchase{
		ID:           uuid.NewString(),
		AccountToken: acct.Token,
		Item:         item,
		Amount:       amount,
		Interval:     interval,
		NextChargeAt: now.Add(interval),
		Active:       true,
		CreatedAt:    now,
	}
	if err := a.store.CreatePurchase(r.Context(), p); err != nil {
		a.logger.Error("creating purchase", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.logger.Info("admin created purchase", "account", name, "item", item)
	a.notify()
	a.redirectBack(w, r, "/admin/purchases")
}

func (a *Admin) handleCancelPurchase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.store.CancelPurchase(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no such purchase", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("cancelling purchase", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.notify()
	a.redirectBack(w, r, "/admin/purchases")
}

// launchURL builds the URL written onto a tag for the given token.
func launchURL(baseURL, token string) string {
	if baseURL == "" {
		return "/launch/" + token
	}
	return fmt.Sprintf("%s/launch/%s", baseURL, token)
}
