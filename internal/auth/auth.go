// Package auth verifies the connect-time credential presented by a client
// before it is admitted to the matchmaking service. Credential issuance is the
// job of the surrounding product's auth service; this package only checks what
// that collaborator minted.
package auth

import (
	"errors"
	"fmt"

	"github.com/driftchat/matchmaker/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Verifier checks a credential and, when the credential carries an identity
// (JWT mode), returns the authenticated user id. API-key mode authenticates
// the calling frontend rather than a user, so it returns an empty user id and
// the caller supplies the id out of band.
type Verifier interface {
	Verify(credential string) (userID string, err error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}
