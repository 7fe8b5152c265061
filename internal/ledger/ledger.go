// Package ledger is the client side of the external token-ledger
// collaborator. Matches debit a per-call cost from both participants; the
// debit is best-effort by design — a ledger outage must never block or unwind
// a match.
package ledger

import (
	"context"
	"errors"
)

var ErrInsufficientFunds = errors.New("insufficient token balance")

type Ledger interface {
	// Balance returns the user's current token balance.
	Balance(ctx context.Context, userID string) (int64, error)

	// Debit atomically subtracts amount from the user's balance. It returns
	// ErrInsufficientFunds when the balance would go negative.
	Debit(ctx context.Context, userID string, amount int64) error
}
