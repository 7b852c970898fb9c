// ABOUTME: Tests for the card-facing HTTP flow
// ABOUTME: Drives launch, unlock, and transfer through a real server

package web

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tapbank/internal/bank"
	"github.com/2389/tapbank/internal/binding"
	"github.com/2389/tapbank/internal/store"
)

type testApp struct {
	server *httptest.Server
	store  *store.SQLiteStore
}

func setupApp(t *testing.T) *testApp {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	protocol := binding.NewProtocol(st, binding.Options{
		SessionTTL: 5 * time.Minute,
		ScanWindow: time.Minute,
		GrantTTL:   5 * time.Minute,
		JWTSecret:  []byte("test-secret"),
	})
	engine, err := bank.NewEngine(st, protocol, bank.Options{DefaultPIN: "0000"})
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewServer(st, protocol, engine, 5*time.Minute).Routes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testApp{server: srv, store: st}
}

// client returns an http client with its own cookie jar, standing in for
// one phone.
func (a *testApp) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func (a *testApp) createCard(t *testing.T, name, pin string, balance int64) *store.Account {
	t.Helper()
	hash, err := binding.HashPIN(pin)
	require.NoError(t, err)

	acct := &store.Account{
		ID:        uuid.NewString(),
		Name:      name,
		Token:     "tok-" + name,
		PINHash:   hash,
		Balance:   balance,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, a.store.CreateAccount(context.Background(), acct))
	return acct
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

var grantInputRe = regexp.MustCompile(`name="grant" value="([^"]+)"`)

// unlock taps the card and enters the PIN, returning the wallet page body.
func (a *testApp) unlock(t *testing.T, c *http.Client, token, pin string) string {
	t.Helper()

	resp, err := c.Get(a.server.URL + "/launch/" + token)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body(t, resp)

	resp, err = c.PostForm(a.server.URL+"/unlock", url.Values{"pin": {pin}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return body(t, resp)
}

func TestWeb_Landing(t *testing.T) {
	app := setupApp(t)

	resp, err := app.client(t).Get(app.server.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	page := body(t, resp)
	assert.Contains(t, page, store.DefaultBranding.Title)
}

func TestWeb_Landing_MarkdownSubtitle(t *testing.T) {
	app := setupApp(t)
	require.NoError(t, app.store.UpdateBranding(context.Background(), &store.Branding{
		Title:       "Camp Bank",
		Subtitle:    "**Tap** your badge",
		AccentColor: "#ff6600",
	}))

	resp, err := app.client(t).Get(app.server.URL + "/")
	require.NoError(t, err)
	page := body(t, resp)
	assert.Contains(t, page, "<strong>Tap</strong>")
	assert.Contains(t, page, "#ff6600")
}

func TestWeb_Healthz(t *testing.T) {
	app := setupApp(t)

	resp, err := app.client(t).Get(app.server.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body(t, resp))
}

func TestWeb_Launch_SetsCookiesAndRedirects(t *testing.T) {
	app := setupApp(t)
	app.createCard(t, "alice", "1234", 1000)
	c := app.client(t)

	resp, err := c.Get(app.server.URL + "/launch/tok-alice")
	require.NoError(t, err)
	page := body(t, resp)

	// Redirect landed on the PIN page, token not in the final URL
	assert.Equal(t, "/card", resp.Request.URL.Path)
	assert.Contains(t, page, "alice")
	assert.Contains(t, page, `action="/unlock"`)

	// Both cookies present
	u, _ := url.Parse(app.server.URL)
	var names []string
	for _, cookie := range c.Jar.Cookies(u) {
		names = append(names, cookie.Name)
	}
	assert.Contains(t, names, deviceCookieName)
	assert.Contains(t, names, sessionCookieName)
}

func TestWeb_Launch_UnknownToken(t *testing.T) {
	app := setupApp(t)

	resp, err := app.client(t).Get(app.server.URL + "/launch/garbage")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body(t, resp), "Unknown card")
}

func TestWeb_Card_WithoutSession(t *testing.T) {
	app := setupApp(t)

	resp, err := app.client(t).Get(app.server.URL + "/card")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWeb_UnlockFlow(t *testing.T) {
	app := setupApp(t)
	app.createCard(t, "alice", "1234", 1250)
	c := app.client(t)

	page := app.unlock(t, c, "tok-alice", "1234")
	assert.Contains(t, page, "$12.50")
	assert.Contains(t, page, `name="grant"`)
}

func TestWeb_Unlock_WrongPIN(t *testing.T) {
	app := setupApp(t)
	app.createCard(t, "alice", "1234", 1000)
	c := app.client(t)

	resp, err := c.Get(app.server.URL + "/launch/tok-alice")
	require.NoError(t, err)
	body(t, resp)

	resp, err = c.PostForm(app.server.URL+"/unlock", url.Values{"pin": {"9999"}})
	require.NoError(t, err)
	page := body(t, resp)
	assert.Contains(t, page, "Wrong PIN")
	// Still on the PIN form
	assert.Contains(t, page, `action="/unlock"`)
}

func TestWeb_SecondDeviceRefused(t *testing.T) {
	app := setupApp(t)
	app.createCard(t, "alice", "1234", 1000)

	phone1 := app.client(t)
	app.unlock(t, phone1, "tok-alice", "1234")

	// A different phone taps the same tag
	phone2 := app.client(t)
	resp, err := phone2.Get(app.server.URL + "/launch/tok-alice")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body(t, resp), "Not your card")
}

func TestWeb_Transfer(t *testing.T) {
	app := setupApp(t)
	app.createCard(t, "alice", "1234", 1000)
	app.createCard(t, "bob", "5678", 0)
	c := app.client(t)

	page := app.unlock(t, c, "tok-alice", "1234")
	match := grantInputRe.FindStringSubmatch(page)
	require.NotNil(t, match, "wallet page must carry a grant")

	resp, err := c.PostForm(app.server.URL+"/transfer", url.Values{
		"grant":  {match[1]},
		"to":     {"bob"},
		"amount": {"2.50"},
		"reason": {"snacks"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	page = body(t, resp)
	assert.Contains(t, page, "Payment sent")
	assert.Contains(t, page, "$2.50")
	assert.Contains(t, page, "$7.50") // new balance

	bob, err := app.store.GetAccountByName(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(250), bob.Balance)
}

func TestWeb_Transfer_BadAmount(t *testing.T) {
	app := setupApp(t)
	app.createCard(t, "alice", "1234", 1000)
	c := app.client(t)

	page := app.unlock(t, c, "tok-alice", "1234")
	match := grantInputRe.FindStringSubmatch(page)
	require.NotNil(t, match)

	resp, err := c.PostForm(app.server.URL+"/transfer", url.Values{
		"grant":  {match[1]},
		"to":     {"bob"},
		"amount": {"lots"},
	})
	require.NoError(t, err)
	page = body(t, resp)

	// Wallet re-rendered with an inline error
	assert.Contains(t, page, "doesn&#39;t parse")
	assert.Contains(t, page, "$10.00")
}

func TestWeb_Transfer_NegativeAmount(t *testing.T) {
	app := setupApp(t)
	app.createCard(t, "alice", "1234", 1000)
	app.createCard(t, "bob", "5678", 200)
	c := app.client(t)

	page := app.unlock(t, c, "tok-alice", "1234")
	match := grantInputRe.FindStringSubmatch(page)
	require.NotNil(t, match)

	// A negative amount must not move money in either direction, even
	// when only the fractional part carries the sign.
	for _, amount := range []string{"-5", "-0.50"} {
		resp, err := c.PostForm(app.server.URL+"/transfer", url.Values{
			"grant":  {match[1]},
			"to":     {"bob"},
			"amount": {amount},
		})
		require.NoError(t, err)
		page = body(t, resp)
		assert.Contains(t, page, "Amount must be positive", "amount %q", amount)
	}

	alice, err := app.store.GetAccountByName(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), alice.Balance)

	bob, err := app.store.GetAccountByName(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(200), bob.Balance)
}

func TestWeb_Transfer_InvalidGrant(t *testing.T) {
	app := setupApp(t)

	resp, err := app.client(t).PostForm(app.server.URL+"/transfer", url.Values{
		"grant":  {"garbage"},
		"to":     {"bob"},
		"amount": {"1.00"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body(t, resp)
}

func TestParseAmountCents(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"5", 500, false},
		{"5.5", 550, false},
		{"5.50", 550, false},
		{"$12.34", 1234, false},
		{" 1 ", 100, false},
		{"0.05", 5, false},
		{"0", 0, false},
		{"-5", -500, false},
		{"-0.50", -50, false},
		{"-$3", 0, true},
		{"--5", 0, true},
		{"lots", 0, true},
		{"", 0, true},
		{"1.2.3", 0, true},
	}

	for _, tt := range tests {
		got, err := parseAmountCents(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestWeb_SessionCookieMaxAge(t *testing.T) {
	app := setupApp(t)
	app.createCard(t, "alice", "1234", 1000)

	// Raw client so we can inspect Set-Cookie on the redirect itself
	c := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := c.Get(app.server.URL + "/launch/tok-alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/card", resp.Header.Get("Location"))

	var sessionCookie *http.Cookie
	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookieName {
			sessionCookie = cookie
		}
		assert.True(t, cookie.HttpOnly, "cookie %s must be HttpOnly", cookie.Name)
	}
	require.NotNil(t, sessionCookie)
	assert.Equal(t, int((5 * time.Minute).Seconds()), sessionCookie.MaxAge)
}

func TestWeb_Transfer_ForeignDeviceGrantRefused(t *testing.T) {
	app := setupApp(t)
	app.createCard(t, "alice", "1234", 1000)

	phone1 := app.client(t)
	page := app.unlock(t, phone1, "tok-alice", "1234")
	match := grantInputRe.FindStringSubmatch(page)
	require.NotNil(t, match)

	// A stolen grant replayed from another phone fails the device check
	phone2 := app.client(t)
	resp, err := phone2.PostForm(app.server.URL+"/transfer", url.Values{
		"grant":  {match[1]},
		"to":     {"bob"},
		"amount": {"1.00"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	page = body(t, resp)
	assert.True(t, strings.Contains(page, "No device identity") || strings.Contains(page, "Not your card"))
}
