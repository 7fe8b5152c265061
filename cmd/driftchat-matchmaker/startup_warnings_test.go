package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/driftchat/matchmaker/internal/config"
	"github.com/driftchat/matchmaker/internal/ledger"
)

func captureWarnings(cfg config.Config, l ledger.Ledger) string {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logStartupSecurityWarnings(logger, cfg, l)
	return buf.String()
}

func TestStartupSecurityWarnings(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		ledger  ledger.Ledger
		want    []string
		notWant []string
	}{
		{
			name:   "auth none warns",
			cfg:    config.Config{AuthMode: config.AuthModeNone, Mode: config.ModeDev},
			ledger: ledger.NewMemLedger(),
			want:   []string{"auth_mode_none"},
		},
		{
			name:    "jwt mode does not warn about auth",
			cfg:     config.Config{AuthMode: config.AuthModeJWT, Mode: config.ModeDev},
			ledger:  ledger.NewMemLedger(),
			notWant: []string{"auth_mode_none"},
		},
		{
			name:   "wildcard origins warn",
			cfg:    config.Config{AuthMode: config.AuthModeJWT, AllowedOrigins: []string{"*"}},
			ledger: ledger.NewMemLedger(),
			want:   []string{"allowed_origins_wildcard"},
		},
		{
			name:    "explicit origins do not warn",
			cfg:     config.Config{AuthMode: config.AuthModeJWT, AllowedOrigins: []string{"https://app.example.com"}},
			ledger:  ledger.NewMemLedger(),
			notWant: []string{"allowed_origins_wildcard"},
		},
		{
			name:   "mem ledger in prod warns",
			cfg:    config.Config{AuthMode: config.AuthModeJWT, Mode: config.ModeProd, MinTokenBalance: 1},
			ledger: ledger.NewMemLedger(),
			want:   []string{"mem_ledger_in_prod"},
		},
		{
			name:    "dynamo ledger in prod does not warn",
			cfg:     config.Config{AuthMode: config.AuthModeJWT, Mode: config.ModeProd, MinTokenBalance: 1},
			ledger:  &ledger.DynamoLedger{},
			notWant: []string{"mem_ledger_in_prod"},
		},
		{
			name:   "disabled token gate in prod warns",
			cfg:    config.Config{AuthMode: config.AuthModeJWT, Mode: config.ModeProd},
			ledger: &ledger.DynamoLedger{},
			want:   []string{"token_gate_disabled_in_prod"},
		},
		{
			name:   "missing turn rest warns",
			cfg:    config.Config{AuthMode: config.AuthModeJWT},
			ledger: ledger.NewMemLedger(),
			want:   []string{"turn_rest_disabled"},
		},
		{
			name: "turn rest configured does not warn",
			cfg: config.Config{
				AuthMode:             config.AuthModeJWT,
				TURNRESTSharedSecret: "secret",
			},
			ledger:  ledger.NewMemLedger(),
			notWant: []string{"turn_rest_disabled"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := captureWarnings(tc.cfg, tc.ledger)
			for _, code := range tc.want {
				if !strings.Contains(out, code) {
					t.Fatalf("missing warning %q in:\n%s", code, out)
				}
			}
			for _, code := range tc.notWant {
				if strings.Contains(out, code) {
					t.Fatalf("unexpected warning %q in:\n%s", code, out)
				}
			}
		})
	}
}
