package auth

import (
	"errors"
	"testing"

	"github.com/driftchat/matchmaker/internal/config"
)

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "sekrit"}

	if _, err := v.Verify("sekrit"); err != nil {
		t.Errorf("Verify(correct) = %v", err)
	}
	if _, err := v.Verify("wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Verify(wrong) = %v, want ErrInvalidCredentials", err)
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Verify(empty) = %v, want ErrInvalidCredentials", err)
	}

	empty := APIKeyVerifier{}
	if _, err := empty.Verify("anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("empty verifier must reject, got %v", err)
	}
}

func TestNewVerifierDispatch(t *testing.T) {
	if _, err := NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"}); err != nil {
		t.Errorf("apikey mode: %v", err)
	}
	if _, err := NewVerifier(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "s"}); err != nil {
		t.Errorf("jwt mode: %v", err)
	}
	if _, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone}); err == nil {
		t.Errorf("none mode should not produce a verifier")
	}
}
