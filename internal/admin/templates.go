// ABOUTME: Template rendering functions for admin pages
// ABOUTME: Loads templates from embedded filesystem and renders them

package admin

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/2389/tapbank/internal/store"
)

// Template data types
type accountRow struct {
	Name        string
	Token       string
	LaunchURL   string
	Balance     string
	Bound       bool
	TokenUsed   bool
	Description string
}

type dashboardData struct {
	Title    string
	Key      string
	Accounts []accountRow
}

type txnRow struct {
	FromName string
	ToName   string
	Amount   string
	Reason   string
	When     string
}

type transactionsData struct {
	Title        string
	Key          string
	Transactions []txnRow
}

type brandingData struct {
	Title    string
	Key      string
	Branding *store.Branding
}

type purchaseRow struct {
	ID       string
	Account  string
	Item     string
	Amount   string
	Interval string
	NextAt   string
	Active   bool
}

type purchasesData struct {
	Title     string
	Key       string
	Purchases []purchaseRow
	Accounts  []*store.Account
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

func (a *Admin) renderDashboard(w http.ResponseWriter, key string, accounts []*store.Account, baseURL string) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/dashboard.html"))

	data := dashboardData{
		Title: "Cards",
		Key:   key,
	}
	for _, acct := range accounts {
		data.Accounts = append(data.Accounts, accountRow{
			Name:        acct.Name,
			Token:       acct.Token,
			LaunchURL:   launchURL(baseURL, acct.Token),
			Balance:     formatCents(acct.Balance),
			Bound:       acct.Bound(),
			TokenUsed:   acct.TokenUsed,
			Description: acct.Description,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		a.logger.Error("failed to render dashboard", "error", err)
	}
}

func (a *Admin) renderTransactions(w http.ResponseWriter, key string, txns []*store.Transaction) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/transactions.html"))

	data := transactionsData{
		Title: "Transactions",
		Key:   key,
	}
	for _, txn := range txns {
		data.Transactions = append(data.Transactions, txnRow{
			FromName: txn.FromName,
			ToName:   txn.ToName,
			Amount:   formatCents(txn.Amount),
			Reason:   txn.Reason,
			When:     txn.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		a.logger.Error("failed to render transactions", "error", err)
	}
}

func (a *Admin) renderBranding(w http.ResponseWriter, key string, branding *store.Branding) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/branding.html"))

	data := brandingData{
		Title:    "Branding",
		Key:      key,
		Branding: branding,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		a.logger.Error("failed to render branding page", "error", err)
	}
}

func (a *Admin) renderPurchases(w http.ResponseWriter, key string, purchases []*store.Purchase, accounts []*store.Account) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/purchases.html"))

	byToken := make(map[string]string, len(accounts))
	for _, acct := range accounts {
		byToken[acct.Token] = acct.Name
	}

	data := purchasesData{
		Title:    "Purchases",
		Key:      key,
		Accounts: accounts,
	}
	for _, p := range purchases {
		name := byToken[p.AccountToken]
		if name == "" {
			name = "(deleted)"
		}
		data.Purchases = append(data.Purchases, purchaseRow{
			ID:       p.ID,
			Account:  name,
			Item:     p.Item,
			Amount:   formatCents(p.Amount),
			Interval: p.Interval.String(),
			NextAt:   p.NextChargeAt.Format("2006-01-02 15:04:05"),
			Active:   p.Active,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		a.logger.Error("failed to render purchases page", "error", err)
	}
}
