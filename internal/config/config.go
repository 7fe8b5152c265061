package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "DRIFTCHAT_LISTEN_ADDR"
	envVarPublicBaseURL   = "DRIFTCHAT_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMode            = "DRIFTCHAT_MODE"
	envVarLogFormat       = "DRIFTCHAT_LOG_FORMAT"
	envVarLogLevel        = "DRIFTCHAT_LOG_LEVEL"
	envVarShutdownTimeout = "DRIFTCHAT_SHUTDOWN_TIMEOUT"

	// Matchmaking knobs.
	envVarSweepInterval   = "MATCH_SWEEP_INTERVAL"
	envVarMaxQueueWait    = "MATCH_MAX_QUEUE_WAIT"
	envVarMinTokenBalance = "MATCH_MIN_TOKEN_BALANCE"
	envVarCallTokenCost   = "MATCH_CALL_TOKEN_COST"

	// Signaling / WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueSize                 = "SIGNALING_SEND_QUEUE_SIZE"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	// External collaborators (user directory + token ledger).
	envVarAWSRegion      = "AWS_REGION"
	envVarProfilesTable  = "PROFILES_TABLE"
	envVarLedgerTable    = "LEDGER_TABLE"
	envVarDebitQueueSize = "LEDGER_DEBIT_QUEUE_SIZE"
	envVarDebitTimeout   = "LEDGER_DEBIT_TIMEOUT"

	DefaultListenAddr                 = "127.0.0.1:8080"
	DefaultShutdown                   = 15 * time.Second
	DefaultSweepInterval              = 5 * time.Second
	DefaultMaxQueueWait               = 5 * time.Minute
	DefaultMinTokenBalance      int64 = 1
	DefaultCallTokenCost        int64 = 1
	DefaultMode                 Mode  = ModeDev
	DefaultAuthTimeout                = 2 * time.Second
	DefaultWSIdleTimeout              = 60 * time.Second
	DefaultWSPingInterval             = 30 * time.Second
	DefaultMaxMessageBytes            = 64 * 1024
	DefaultMaxMessagesPerSecond       = 50
	DefaultSendQueueSize              = 32
	DefaultTURNRESTTTLSeconds         = 600
	DefaultTURNRESTPrefix             = "driftchat"
	DefaultDebitQueueSize             = 256
	DefaultDebitTimeout               = 5 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "apikey"
	AuthModeJWT    AuthMode = "jwt"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config carries every runtime knob of the matchmaker service. Values come
// from environment variables with a small set of flag overrides; Load
// validates everything up front so misconfiguration fails at startup rather
// than mid-call.
type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	SweepInterval   time.Duration
	MaxQueueWait    time.Duration
	MinTokenBalance int64
	CallTokenCost   int64

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	SignalingAuthTimeout          time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueSize                 int

	ICEServers []webrtc.ICEServer

	TURNRESTSharedSecret   string
	TURNRESTTTLSeconds     int64
	TURNRESTUsernamePrefix string

	AWSRegion      string
	ProfilesTable  string
	LedgerTable    string
	DebitQueueSize int
	DebitTimeout   time.Duration

	iceConfigErr error
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := string(DefaultMode)
	if envMode, _ := lookup(envVarMode); envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	fs := flag.NewFlagSet("driftchat-matchmaker", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "TCP listen address")
	modeFlag := fs.String("mode", modeDefault, "deployment mode: dev or prod")
	logFormat := fs.String("log-format", logFormatDefault, "log format: text or json")
	logLevel := fs.String("log-level", logLevelDefault, "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeFlag)
	if err != nil {
		return Config{}, err
	}
	format, err := parseLogFormat(*logFormat)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return Config{}, err
	}

	if _, _, err := net.SplitHostPort(*listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarListenAddr, *listenAddr, err)
	}

	cfg := Config{
		ListenAddr:             *listenAddr,
		PublicBaseURL:          envOrDefault(lookup, envVarPublicBaseURL, ""),
		AllowedOrigins:         splitCommaSeparated(envOrDefault(lookup, envVarAllowedOrigins, "")),
		Mode:                   mode,
		LogFormat:              format,
		LogLevel:               level,
		TURNRESTSharedSecret:   envOrDefault(lookup, envVarTURNRESTSharedSecret, ""),
		TURNRESTUsernamePrefix: envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTPrefix),
		AWSRegion:              envOrDefault(lookup, envVarAWSRegion, ""),
		ProfilesTable:          envOrDefault(lookup, envVarProfilesTable, ""),
		LedgerTable:            envOrDefault(lookup, envVarLedgerTable, ""),
	}

	cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxQueueWait, err = envDurationOrDefault(lookup, envVarMaxQueueWait, DefaultMaxQueueWait)
	if err != nil {
		return Config{}, err
	}
	cfg.MinTokenBalance, err = envInt64OrDefault(lookup, envVarMinTokenBalance, DefaultMinTokenBalance)
	if err != nil {
		return Config{}, err
	}
	cfg.CallTokenCost, err = envInt64OrDefault(lookup, envVarCallTokenCost, DefaultCallTokenCost)
	if err != nil {
		return Config{}, err
	}

	cfg.AuthMode, cfg.APIKey, cfg.JWTSecret, err = parseAuth(lookup)
	if err != nil {
		return Config{}, err
	}

	cfg.SignalingAuthTimeout, err = envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalingWSIdleTimeout, err = envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalingWSPingInterval, err = envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalingMessageBytes = int64(maxMsgBytes)
	cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.SendQueueSize, err = envIntOrDefault(lookup, envVarSendQueueSize, DefaultSendQueueSize)
	if err != nil {
		return Config{}, err
	}

	cfg.TURNRESTTTLSeconds, err = envInt64OrDefault(lookup, envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.DebitQueueSize, err = envIntOrDefault(lookup, envVarDebitQueueSize, DefaultDebitQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.DebitTimeout, err = envDurationOrDefault(lookup, envVarDebitTimeout, DefaultDebitTimeout)
	if err != nil {
		return Config{}, err
	}

	// ICE server configuration is optional (the service still pairs users and
	// relays signaling without it), so a parse failure is recorded and surfaced
	// via /readyz rather than aborting startup.
	iceServers, iceErr := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	)
	if iceErr != nil {
		cfg.iceConfigErr = iceErr
	} else {
		cfg.ICEServers = iceServers
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%s must be > 0", envVarSweepInterval)
	}
	if c.MaxQueueWait <= 0 {
		return fmt.Errorf("%s must be > 0", envVarMaxQueueWait)
	}
	if c.MinTokenBalance < 0 {
		return fmt.Errorf("%s must be >= 0", envVarMinTokenBalance)
	}
	if c.CallTokenCost < 0 {
		return fmt.Errorf("%s must be >= 0", envVarCallTokenCost)
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	}
	if c.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("%s must be > 0", envVarSendQueueSize)
	}
	if c.SignalingWSPingInterval >= c.SignalingWSIdleTimeout {
		return fmt.Errorf("%s must be shorter than %s", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if c.TURNRESTSharedSecret != "" && c.TURNRESTTTLSeconds <= 0 {
		return fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
	}
	if (c.ProfilesTable != "" || c.LedgerTable != "") && c.AWSRegion == "" {
		return fmt.Errorf("%s is required when %s or %s is set", envVarAWSRegion, envVarProfilesTable, envVarLedgerTable)
	}
	return nil
}

// ICEConfigError reports a deferred ICE configuration parse failure, if any.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func parseAuth(lookup func(string) (string, bool)) (AuthMode, string, string, error) {
	raw := strings.ToLower(strings.TrimSpace(envOrDefault(lookup, envVarAuthMode, string(AuthModeNone))))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	switch AuthMode(raw) {
	case AuthModeNone:
		return AuthModeNone, apiKey, jwtSecret, nil
	case AuthModeAPIKey:
		if apiKey == "" {
			return "", "", "", fmt.Errorf("%s is required when %s=apikey", envVarAPIKey, envVarAuthMode)
		}
		return AuthModeAPIKey, apiKey, jwtSecret, nil
	case AuthModeJWT:
		if jwtSecret == "" {
			return "", "", "", fmt.Errorf("%s is required when %s=jwt", envVarJWTSecret, envVarAuthMode)
		}
		return AuthModeJWT, apiKey, jwtSecret, nil
	default:
		return "", "", "", fmt.Errorf("unsupported %s %q", envVarAuthMode, raw)
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development", "":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported %s %q", envVarMode, raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported %s %q", envVarLogFormat, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported %s %q", envVarLogLevel, raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCommaSeparated(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
