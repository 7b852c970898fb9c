// ABOUTME: Debounced backup mirror that snapshots state to a GitHub Gist
// ABOUTME: Notify arms a timer; uploads happen off the request path

package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/tapbank/internal/store"
)

const defaultAPIURL = "https://api.github.com"

// Options configures the Gist mirror.
type Options struct {
	GistID   string
	Token    string
	Filename string
	Debounce time.Duration

	// APIURL overrides the GitHub API base URL. Tests point it at a local
	// server; leave empty for the real API.
	APIURL string
}

// Mirror writes periodic JSON snapshots of the bank to a GitHub Gist.
// Mutating handlers call Notify; the actual upload happens at most once
// per debounce interval and never blocks the caller.
type Mirror struct {
	store  store.Store
	opts   Options
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	dirty bool
}

// NewMirror creates a Gist mirror. Run must be started for uploads to
// happen.
func NewMirror(st store.Store, opts Options) *Mirror {
	if opts.APIURL == "" {
		opts.APIURL = defaultAPIURL
	}
	return &Mirror{
		store:  st,
		opts:   opts,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default().With("component", "backup"),
	}
}

// Notify marks the state dirty. Safe to call from any goroutine; never
// blocks.
func (m *Mirror) Notify() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}

// Run uploads snapshots until ctx is cancelled. A dirty flag set since
// the last cycle triggers an upload one debounce interval later, so a
// burst of transfers produces a single upload.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Debounce)
	defer ticker.Stop()

	m.logger.Info("gist mirror started", "gist_id", m.opts.GistID, "debounce", m.opts.Debounce)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("gist mirror stopped")
			return
		case <-ticker.C:
			m.mu.Lock()
			dirty := m.dirty
			m.dirty = false
			m.mu.Unlock()
			if !dirty {
				continue
			}
			if err := m.Upload(ctx); err != nil {
				m.logger.Error("gist upload failed", "error", err)
				// Keep the flag set so the next cycle retries
				m.Notify()
			}
		}
	}
}

// snapshot is the JSON document uploaded to the Gist.
type snapshot struct {
	TakenAt      time.Time            `json:"taken_at"`
	Accounts     []*store.Account     `json:"accounts"`
	Transactions []*store.Transaction `json:"transactions"`
	Purchases    []*store.Purchase    `json:"purchases"`
	Branding     *store.Branding      `json:"branding"`
}

// Upload takes a snapshot and PATCHes it into the configured Gist.
func (m *Mirror) Upload(ctx context.Context) error {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}
	txns, err := m.store.ListTransactions(ctx, 1000)
	if err != nil {
		return fmt.Errorf("listing transactions: %w", err)
	}
	purchases, err := m.store.ListPurchases(ctx)
	if err != nil {
		return fmt.Errorf("listing purchases: %w", err)
	}
	branding, err := m.store.GetBranding(ctx)
	if err != nil {
		return fmt.Errorf("getting branding: %w", err)
	}

	content, err := json.MarshalIndent(snapshot{
		TakenAt:      time.Now().UTC(),
		Accounts:     accounts,
		Transactions: txns,
		Purchases:    purchases,
		Branding:     branding,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"files": map[string]any{
			m.opts.Filename: map[string]string{"content": string(content)},
		},
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	url := fmt.Sprintf("%s/gists/%s", m.opts.APIURL, m.opts.GistID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.opts.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gist API returned %d: %s", resp.StatusCode, msg)
	}

	m.logger.Info("uploaded snapshot", "accounts", len(accounts), "transactions", len(txns))
	return nil
}
