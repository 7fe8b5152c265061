package ledger

import (
	"context"
	"sync"
)

// MemLedger is an in-memory Ledger for dev mode and tests.
type MemLedger struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewMemLedger() *MemLedger {
	return &MemLedger{balances: make(map[string]int64)}
}

func (l *MemLedger) Credit(userID string, amount int64) {
	l.mu.Lock()
	l.balances[userID] += amount
	l.mu.Unlock()
}

func (l *MemLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *MemLedger) Debit(_ context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[userID] < amount {
		return ErrInsufficientFunds
	}
	l.balances[userID] -= amount
	return nil
}
