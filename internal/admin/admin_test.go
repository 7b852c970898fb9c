// ABOUTME: Tests for the admin surface
// ABOUTME: Covers the key gate and each management operation

package admin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tapbank/internal/store"
)

const testKey = "test-admin-key"

type adminApp struct {
	server *httptest.Server
	store  *store.SQLiteStore
}

func setupAdmin(t *testing.T) *adminApp {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mux := http.NewServeMux()
	NewAdmin(st, Options{
		Key:     testKey,
		BaseURL: "https://bank.example",
	}).Routes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &adminApp{server: srv, store: st}
}

func (a *adminApp) createCard(t *testing.T, name string, balance int64) *store.Account {
	t.Helper()
	acct := &store.Account{
		ID:        uuid.NewString(),
		Name:      name,
		Token:     "tok-" + name,
		PINHash:   "hash",
		Balance:   balance,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, a.store.CreateAccount(context.Background(), acct))
	return acct
}

func (a *adminApp) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(a.server.URL + path)
	require.NoError(t, err)
	return resp
}

func (a *adminApp) post(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	if form == nil {
		form = url.Values{}
	}
	form.Set("key", testKey)
	resp, err := http.PostForm(a.server.URL+path, form)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestAdmin_KeyGate(t *testing.T) {
	app := setupAdmin(t)

	// No key
	resp := app.get(t, "/admin")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Wrong key
	resp = app.get(t, "/admin?key=wrong")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Right key
	resp = app.get(t, "/admin?key="+testKey)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAdmin_Dashboard(t *testing.T) {
	app := setupAdmin(t)
	app.createCard(t, "alice", 1234)

	resp := app.get(t, "/admin?key="+testKey)
	page := readBody(t, resp)

	assert.Contains(t, page, "alice")
	assert.Contains(t, page, "$12.34")
	assert.Contains(t, page, "https://bank.example/launch/tok-alice")
	assert.Contains(t, page, "unclaimed")
}

func TestAdmin_CreateAccount(t *testing.T) {
	app := setupAdmin(t)

	resp := app.post(t, "/admin/accounts/create", url.Values{
		"name":    {"bob"},
		"pin":     {"4321"},
		"balance": {"500"},
	})
	readBody(t, resp)

	bob, err := app.store.GetAccountByName(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bob.Balance)
	assert.NotEmpty(t, bob.Token)
	assert.False(t, bob.Bound())
}

func TestAdmin_CreateAccount_Duplicate(t *testing.T) {
	app := setupAdmin(t)
	app.createCard(t, "alice", 0)

	resp := app.post(t, "/admin/accounts/create", url.Values{"name": {"alice"}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestAdmin_ResetBinding(t *testing.T) {
	app := setupAdmin(t)
	app.createCard(t, "alice", 0)
	ctx := context.Background()

	won, err := app.store.BindDevice(ctx, "tok-alice", "device-1")
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, app.store.SetTokenUsed(ctx, "tok-alice", true))

	resp := app.post(t, "/admin/accounts/tok-alice/reset", nil)
	readBody(t, resp)

	acct, err := app.store.GetAccountByToken(ctx, "tok-alice")
	require.NoError(t, err)
	assert.False(t, acct.Bound())
	assert.False(t, acct.TokenUsed)
}

func TestAdmin_DeleteAccount(t *testing.T) {
	app := setupAdmin(t)
	app.createCard(t, "alice", 0)

	resp := app.post(t, "/admin/accounts/tok-alice/delete", nil)
	readBody(t, resp)

	_, err := app.store.GetAccountByToken(context.Background(), "tok-alice")
	assert.ErrorIs(t, err, store.ErrNotFound)

	resp = app.post(t, "/admin/accounts/tok-alice/delete", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAdmin_AdjustBalance(t *testing.T) {
	app := setupAdmin(t)
	app.createCard(t, "alice", 1000)

	resp := app.post(t, "/admin/accounts/tok-alice/adjust", url.Values{"delta": {"250"}})
	readBody(t, resp)

	acct, err := app.store.GetAccountByToken(context.Background(), "tok-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), acct.Balance)

	// Refuses to go negative
	resp = app.post(t, "/admin/accounts/tok-alice/adjust", url.Values{"delta": {"-5000"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAdmin_Transactions(t *testing.T) {
	app := setupAdmin(t)
	app.createCard(t, "alice", 1000)
	app.createCard(t, "bob", 0)
	ctx := context.Background()

	txn := &store.Transaction{
		ID:        uuid.NewString(),
		FromName:  "alice",
		ToName:    "bob",
		Amount:    300,
		Reason:    "lunch",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, app.store.Transfer(ctx, "tok-alice", "tok-bob", 300, txn))

	resp := app.get(t, "/admin/transactions?key="+testKey)
	page := readBody(t, resp)
	assert.Contains(t, page, "alice")
	assert.Contains(t, page, "bob")
	assert.Contains(t, page, "$3.00")
	assert.Contains(t, page, "lunch")
}

func TestAdmin_Branding(t *testing.T) {
	app := setupAdmin(t)

	resp := app.post(t, "/admin/branding", url.Values{
		"title":        {"Camp Bank"},
		"subtitle":     {"welcome"},
		"accent_color": {"#123456"},
	})
	readBody(t, resp)

	b, err := app.store.GetBranding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Camp Bank", b.Title)
	assert.Equal(t, "#123456", b.AccentColor)

	resp = app.get(t, "/admin/branding?key="+testKey)
	page := readBody(t, resp)
	assert.Contains(t, page, "Camp Bank")
}

func TestAdmin_Purchases(t *testing.T) {
	app := setupAdmin(t)
	app.createCard(t, "alice", 1000)

	resp := app.post(t, "/admin/purchases/create", url.Values{
		"account":  {"alice"},
		"item":     {"jetpack"},
		"amount":   {"250"},
		"interval": {"24h"},
	})
	readBody(t, resp)

	purchases, err := app.store.ListPurchases(context.Background())
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, "jetpack", purchases[0].Item)
	assert.Equal(t, 24*time.Hour, purchases[0].Interval)

	resp = app.get(t, "/admin/purchases?key="+testKey)
	page := readBody(t, resp)
	assert.Contains(t, page, "jetpack")
	assert.Contains(t, page, "$2.50")

	resp = app.post(t, "/admin/purchases/"+purchases[0].ID+"/cancel", nil)
	readBody(t, resp)

	purchases, err = app.store.ListPurchases(context.Background())
	require.NoError(t, err)
	assert.False(t, purchases[0].Active)
}

func TestAdmin_RedirectEscapesKey(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// A key with query metacharacters must survive the redirect round-trip.
	const key = "k&ey#with=specials"

	mux := http.NewServeMux()
	NewAdmin(st, Options{Key: key}).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := c.PostForm(srv.URL+"/admin/accounts/create", url.Values{
		"key":  {key},
		"name": {"alice"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, key, loc.Query().Get("key"))

	// Following the redirect still passes the key gate
	resp, err = c.Get(srv.URL + loc.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdmin_CreatePurchase_Validation(t *testing.T) {
	app := setupAdmin(t)
	app.createCard(t, "alice", 1000)

	resp := app.post(t, "/admin/purchases/create", url.Values{
		"account":  {"nobody"},
		"item":     {"jetpack"},
		"amount":   {"250"},
		"interval": {"24h"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = app.post(t, "/admin/purchases/create", url.Values{
		"account":  {"alice"},
		"item":     {"jetpack"},
		"amount":   {"-5"},
		"interval": {"24h"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = app.post(t, "/admin/purchases/create", url.Values{
		"account":  {"alice"},
		"item":     {"jetpack"},
		"amount":   {"250"},
		"interval": {"soon"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
