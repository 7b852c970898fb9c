// ABOUTME: Template rendering functions for the card-facing pages
// ABOUTME: Loads templates from embedded filesystem and renders them

package web

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/2389/tapbank/internal/store"
)

// Template data types
type landingData struct {
	Title       string
	Subtitle    template.HTML
	AccentColor string
}

type cardData struct {
	Title       string
	AccentColor string
	AccountName string
	Error       string
}

type walletData struct {
	Title        string
	AccentColor  string
	AccountName  string
	Balance      string
	GrantToken   string
	Transactions []walletTxn
	Error        string
}

type walletTxn struct {
	Direction string // "in" or "out"
	Other     string
	Amount    string
	Reason    string
	When      string
}

type receiptData struct {
	Title       string
	AccentColor string
	FromName    string
	ToName      string
	Amount      string
	Reason      string
	NewBalance  string
}

type errorData struct {
	Title       string
	AccentColor string
	Heading     string
	Message     string
}

// formatCents renders a cent amount as a dollar string.
func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// renderMarkdown converts the branding subtitle to HTML. Admin-authored
// content, so rendering it as HTML is intended.
func renderMarkdown(source string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(source), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(source))
	}
	return template.HTML(buf.String())
}

func (s *Server) renderLanding(w http.ResponseWriter, branding *store.Branding) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/landing.html"))

	data := landingData{
		Title:       branding.Title,
		Subtitle:    renderMarkdown(branding.Subtitle),
		AccentColor: branding.AccentColor,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render landing page", "error", err)
	}
}

func (s *Server) renderCard(w http.ResponseWriter, branding *store.Branding, acct *store.Account, errorMsg string) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/card.html"))

	data := cardData{
		Title:       branding.Title,
		AccentColor: branding.AccentColor,
		AccountName: acct.Name,
		Error:       errorMsg,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render card page", "error", err)
	}
}

func (s *Server) renderWallet(w http.ResponseWriter, branding *store.Branding, acct *store.Account, grantToken string, txns []*store.Transaction, errorMsg string) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/wallet.html"))

	data := walletData{
		Title:       branding.Title,
		AccentColor: branding.AccentColor,
		AccountName: acct.Name,
		Balance:     formatCents(acct.Balance),
		GrantToken:  grantToken,
		Error:       errorMsg,
	}
	for _, txn := range txns {
		item := walletTxn{
			Amount: formatCents(txn.Amount),
			Reason: txn.Reason,
			When:   txn.CreatedAt.Format("Jan 2 15:04"),
		}
		if txn.FromName == acct.Name {
			item.Direction = "out"
			item.Other = txn.ToName
		} else {
			item.Direction = "in"
			item.Other = txn.FromName
		}
		data.Transactions = append(data.Transactions, item)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render wallet page", "error", err)
	}
}

func (s *Server) renderReceipt(w http.ResponseWriter, branding *store.Branding, receipt receiptData) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/receipt.html"))

	receipt.Title = branding.Title
	receipt.AccentColor = branding.AccentColor

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, receipt); err != nil {
		s.logger.Error("failed to render receipt page", "error", err)
	}
}

func (s *Server) renderError(w http.ResponseWriter, status int, heading, message string) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/error.html"))

	branding := s.currentBranding()
	data := errorData{
		Title:       branding.Title,
		AccentColor: branding.AccentColor,
		Heading:     heading,
		Message:     message,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render error page", "error", err)
	}
}
