package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/driftchat/matchmaker/internal/config"
	"github.com/driftchat/matchmaker/internal/httpserver"
	"github.com/driftchat/matchmaker/internal/ledger"
	"github.com/driftchat/matchmaker/internal/matchmaker"
	"github.com/driftchat/matchmaker/internal/metrics"
	"github.com/driftchat/matchmaker/internal/profile"
	"github.com/driftchat/matchmaker/internal/signaling"
	"github.com/driftchat/matchmaker/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting driftchat-matchmaker",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"sweep_interval", cfg.SweepInterval,
		"max_queue_wait", cfg.MaxQueueWait,
		"min_token_balance", cfg.MinTokenBalance,
		"call_token_cost", cfg.CallTokenCost,
		"profiles_table_set", cfg.ProfilesTable != "",
		"ledger_table_set", cfg.LedgerTable != "",
		"turn_rest_enabled", cfg.TURNRESTSharedSecret != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	directory, tokenLedger, err := buildBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to configure storage backends", "err", err)
		os.Exit(2)
	}

	var turn *turnrest.Generator
	if cfg.TURNRESTSharedSecret != "" {
		turn, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNRESTSharedSecret,
			TTLSeconds:     cfg.TURNRESTTTLSeconds,
			UsernamePrefix: cfg.TURNRESTUsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	logStartupSecurityWarnings(logger, cfg, tokenLedger)

	met := metrics.New()
	registry := matchmaker.NewRegistry(logger, met)
	pool := matchmaker.New(matchmaker.Config{
		MinTokenBalance: cfg.MinTokenBalance,
		MaxQueueWait:    cfg.MaxQueueWait,
	}, registry, logger, met)
	rooms := matchmaker.NewRoomManager(logger, met)

	debits := ledger.NewDebitWorker(tokenLedger, logger, met, cfg.DebitQueueSize, cfg.DebitTimeout)
	defer debits.Close()

	sig, err := signaling.NewServer(cfg, logger, met, registry, pool, rooms, directory, debits)
	if err != nil {
		logger.Error("failed to configure signaling server", "err", err)
		os.Exit(2)
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime), met, turn)
	srv.Mux().Handle("GET /ws", srv.WSOriginGuard(sig))

	sched := matchmaker.NewScheduler(pool, rooms, cfg.SweepInterval, logger)
	sched.OnMatch = sig.AnnounceMatch
	sched.OnEvict = sig.AnnounceQueueTimeout
	sched.OnWaiting = sig.AnnounceSearching
	go sched.Run(ctx)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// buildBackends selects the profile directory and token ledger
// implementations. Both DynamoDB tables are optional; anything unset falls
// back to the in-memory implementation so the service runs standalone in dev.
func buildBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (profile.Directory, ledger.Ledger, error) {
	var directory profile.Directory = profile.NewStaticDirectory(cfg.MinTokenBalance)
	var tokenLedger ledger.Ledger = ledger.NewMemLedger()

	if cfg.ProfilesTable == "" && cfg.LedgerTable == "" {
		return directory, tokenLedger, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg)

	if cfg.ProfilesTable != "" {
		directory = &profile.DynamoDirectory{Client: client, Table: cfg.ProfilesTable}
		logger.Info("using dynamodb profile directory", "table", cfg.ProfilesTable)
	}
	if cfg.LedgerTable != "" {
		tokenLedger = &ledger.DynamoLedger{Client: client, Table: cfg.LedgerTable}
		logger.Info("using dynamodb token ledger", "table", cfg.LedgerTable)
	}
	return directory, tokenLedger, nil
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
