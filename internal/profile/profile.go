// Package profile exposes the external user-lookup collaborator. Profile CRUD
// belongs to the surrounding product; the matchmaker only reads lightweight
// snapshots to drive compatibility checks and the enqueue balance gate.
package profile

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("profile not found")

// Profile is the snapshot of a user the matchmaker cares about. TokenBalance
// is advisory (refreshed best-effort at enqueue time); the ledger collaborator
// is the source of truth for spending.
type Profile struct {
	UserID       string `dynamodbav:"userId" json:"userId"`
	Name         string `dynamodbav:"name" json:"name"`
	Gender       string `dynamodbav:"gender,omitempty" json:"gender,omitempty"`
	TokenBalance int64  `dynamodbav:"tokenBalance" json:"tokenBalance"`
	Premium      bool   `dynamodbav:"premium,omitempty" json:"premium,omitempty"`
}

type Directory interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}
