// ABOUTME: Background collector for recurring purchases
// ABOUTME: Ticks on an interval and debits whatever has come due

package bank

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tapbank/internal/store"
)

// Charger periodically collects due recurring purchases. A purchase whose
// account can't cover the charge is skipped and retried next cycle; it is
// never cancelled automatically.
type Charger struct {
	store    store.Store
	interval time.Duration
	notify   func()
	logger   *slog.Logger
}

// NewCharger creates a charger that wakes every interval.
func NewCharger(st store.Store, interval time.Duration, notify func()) *Charger {
	return &Charger{
		store:    st,
		interval: interval,
		notify:   notify,
		logger:   slog.Default().With("component", "charger"),
	}
}

// Run blocks, collecting due purchases until ctx is cancelled.
func (c *Charger) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("charger started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("charger stopped")
			return
		case <-ticker.C:
			c.CollectDue(ctx, time.Now().UTC())
		}
	}
}

// CollectDue charges every active purchase whose next charge time has
// passed. Exported so tests and the admin surface can trigger a cycle
// directly.
func (c *Charger) CollectDue(ctx context.Context, now time.Time) {
	due, err := c.store.ListDuePurchases(ctx, now)
	if err != nil {
		c.logger.Error("listing due purchases", "error", err)
		return
	}

	for _, p := range due {
		c.collect(ctx, p, now)
	}
	if len(due) > 0 && c.notify != nil {
		c.notify()
	}
}

func (c *Charger) collect(ctx context.Context, p *store.Purchase, now time.Time) {
	acct, err := c.store.GetAccountByToken(ctx, p.AccountToken)
	if errors.Is(err, store.ErrNotFound) {
		// Card was deleted out from under the schedule
		c.logger.Warn("cancelling orphaned purchase", "purchase", p.ID, "item", p.Item)
		if err := c.store.CancelPurchase(ctx, p.ID); err != nil {
			c.logger.Error("cancelling purchase", "purchase", p.ID, "error", err)
		}
		return
	}
	if err != nil {
		c.logger.Error("looking up account", "purchase", p.ID, "error", err)
		return
	}

	txn := &store.Transaction{
		ID:        uuid.NewString(),
		FromName:  acct.Name,
		ToName:    p.Item,
		Amount:    p.Amount,
		Reason:    "recurring charge",
		CreatedAt: now,
	}

	err = c.store.Debit(ctx, p.AccountToken, p.Amount, txn)
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		c.logger.Warn("skipping charge, insufficient funds",
			"account", acct.Name, "item", p.Item, "amount", p.Amount)
	case err != nil:
		c.logger.Error("charging purchase", "purchase", p.ID, "error", err)
		return
	default:
		c.logger.Info("charged purchase",
			"account", acct.Name, "item", p.Item, "amount", p.Amount)
	}

	// Reschedule either way so a broke account retries next interval
	// instead of being hammered every tick.
	if err := c.store.ReschedulePurchase(ctx, p.ID, now.Add(p.Interval)); err != nil {
		c.logger.Error("rescheduling purchase", "purchase", p.ID, "error", err)
	}
}
