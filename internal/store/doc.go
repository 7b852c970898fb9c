// Package store provides persistent storage for tapbank.
//
// # Architecture
//
// A single Store interface covers accounts, sessions, the transaction log,
// recurring purchases, and site branding. Two backends implement it:
//
//   - SQLiteStore: the default, using modernc.org/sqlite (pure Go)
//   - PostgresStore: optional, using database/sql with the pgx driver
//
// The backend is selected by the database.driver config key.
//
// # Data Models
//
//   - Account: a named card with a secret launch token, a bcrypt PIN hash,
//     a balance in cents, and an optional bound device identifier
//   - Session: short-lived record created at tap time, expiry enforced on lookup
//   - Transaction: immutable ledger entry for completed transfers and charges
//   - Purchase: a recurring charge schedule against one account
//   - Branding: single-row editable site branding
//
// # Concurrency Invariants
//
// Two store operations carry correctness weight beyond plain CRUD:
//
//   - BindDevice only succeeds while bound_device is still NULL, so two
//     devices racing to claim an unclaimed card get at-most-one winner.
//   - Transfer and Debit apply balance arithmetic as single SQL expressions
//     inside a transaction (balance = balance - ?, guarded by balance >= ?),
//     so concurrent movements cannot lose updates or go negative.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateName: account name already taken
//   - ErrInsufficientFunds: debit would overdraw the balance
//   - ErrSessionNotFound: session does not exist
//
// All methods accept context.Context for cancellation support.
package store
