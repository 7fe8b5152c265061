package main

import (
	"log/slog"

	"github.com/driftchat/matchmaker/internal/config"
	"github.com/driftchat/matchmaker/internal/ledger"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config, tokenLedger ledger.Ledger) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets clients pick their own identity",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd {
		if _, ok := tokenLedger.(*ledger.MemLedger); ok {
			logger.Warn("startup security warning: in-memory token ledger while --mode=prod (debits do not persist)",
				"warning_code", "mem_ledger_in_prod",
				"mode", cfg.Mode,
			)
		}
		if cfg.MinTokenBalance <= 0 {
			logger.Warn("startup security warning: MATCH_MIN_TOKEN_BALANCE is unset/0 (no token gate on matching) while --mode=prod",
				"warning_code", "token_gate_disabled_in_prod",
				"min_token_balance", cfg.MinTokenBalance,
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.TURNRESTSharedSecret == "" {
		logger.Warn("startup warning: TURN REST is not configured; clients behind symmetric NAT may fail to connect",
			"warning_code", "turn_rest_disabled",
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
