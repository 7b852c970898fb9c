// ABOUTME: Site branding persistence for the SQLite store
// ABOUTME: Single-row table; GetBranding falls back to defaults when unset

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultBranding is returned when no branding row has been saved yet.
var DefaultBranding = Branding{
	Title:       "tapbank",
	Subtitle:    "Tap your card to get started.",
	AccentColor: "#0066ff",
}

// GetBranding returns the saved site branding, or DefaultBranding when none
// has been saved.
func (s *SQLiteStore) GetBranding(ctx context.Context) (*Branding, error) {
	var b Branding
	var updatedAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT title, subtitle, accent_color, updated_at
		FROM branding
		WHERE id = 1
	`).Scan(&b.Title, &b.Subtitle, &b.AccentColor, &updatedAtStr)

	if errors.Is(err, sql.ErrNoRows) {
		b := DefaultBranding
		return &b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying branding: %w", err)
	}

	b.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &b, nil
}

// UpdateBranding replaces the site branding.
func (s *SQLiteStore) UpdateBranding(ctx context.Context, b *Branding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branding (id, title, subtitle, accent_color, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			subtitle = excluded.subtitle,
			accent_color = excluded.accent_color,
			updated_at = excluded.updated_at
	`, b.Title, b.Subtitle, b.AccentColor, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("updating branding: %w", err)
	}

	s.logger.Info("updated branding", "title", b.Title)
	return nil
}
