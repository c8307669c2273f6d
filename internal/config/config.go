package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/omasakun/remote-stylus/internal/origin"
	"github.com/omasakun/remote-stylus/internal/roomstore"
	"github.com/omasakun/remote-stylus/internal/signaling"
)

const (
	envVarListenAddr      = "REMOTE_STYLUS_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarRequireOrigin   = "REMOTE_STYLUS_REQUIRE_ORIGIN"
	envVarLogFormat       = "REMOTE_STYLUS_LOG_FORMAT"
	envVarLogLevel        = "REMOTE_STYLUS_LOG_LEVEL"
	envVarShutdownTimeout = "REMOTE_STYLUS_SHUTDOWN_TIMEOUT"
	envVarMode            = "REMOTE_STYLUS_MODE"

	// Room store.
	envVarDBPath            = "REMOTE_STYLUS_DB_PATH"
	envVarRoomTTL           = "REMOTE_STYLUS_ROOM_TTL"
	envVarVacuumProbability = "REMOTE_STYLUS_VACUUM_PROBABILITY"

	// Relay hardening.
	envVarMaxMessageBytes      = "REMOTE_STYLUS_MAX_MESSAGE_BYTES"
	envVarRoomCreatesPerMinute = "REMOTE_STYLUS_ROOM_CREATES_PER_MINUTE"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "REMOTE_STYLUS_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "REMOTE_STYLUS_TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "REMOTE_STYLUS_TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr                 = "127.0.0.1:8787"
	DefaultShutdown                   = 15 * time.Second
	DefaultMode                  Mode = ModeDev
	DefaultDBPath                     = "remote-stylus.db"
	DefaultRoomCreatesPerMinute       = 30

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "stylus"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// Config is the rendezvous relay server configuration.
type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AllowedOrigins *origin.Policy
	// RequireOrigin rejects requests that carry no Origin header.
	RequireOrigin bool

	DBPath            string
	RoomTTL           time.Duration
	VacuumProbability float64

	MaxMessageBytes int64
	// RoomCreatesPerMinute bounds POST /rooms per client IP. Zero disables the
	// limit.
	RoomCreatesPerMinute int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE configuration. The server still
// starts so that /readyz can surface the problem.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// InMemoryStore reports whether rooms are lost on restart.
func (c Config) InMemoryStore() bool {
	return c.DBPath == ":memory:" || strings.HasPrefix(c.DBPath, "file::memory:")
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	dbPath := envOrDefault(lookup, envVarDBPath, DefaultDBPath)
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	requireOrigin, err := envBoolOrDefault(lookup, envVarRequireOrigin, false)
	if err != nil {
		return Config{}, err
	}

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	roomTTL, err := envDurationOrDefault(lookup, envVarRoomTTL, roomstore.DefaultTTL)
	if err != nil {
		return Config{}, err
	}

	vacuumProbability := roomstore.DefaultVacuumProbability
	if raw, ok := lookup(envVarVacuumProbability); ok && strings.TrimSpace(raw) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarVacuumProbability, raw, err)
		}
		vacuumProbability = f
	}

	maxMessageBytes := signaling.DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	roomCreatesPerMinute, err := envIntOrDefault(lookup, envVarRoomCreatesPerMinute, DefaultRoomCreatesPerMinute)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("rendezvous-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.BoolVar(&requireOrigin, "require-origin", requireOrigin, "Reject requests without an Origin header (env "+envVarRequireOrigin+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&dbPath, "db-path", dbPath, "SQLite database path; :memory: keeps rooms in memory (env "+envVarDBPath+")")
	fs.DurationVar(&roomTTL, "room-ttl", roomTTL, "Lifetime of a room after its last create/extend (env "+envVarRoomTTL+")")
	fs.Float64Var(&vacuumProbability, "vacuum-probability", vacuumProbability, "Chance that a room create also purges expired rooms (env "+envVarVacuumProbability+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max room message body size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&roomCreatesPerMinute, "room-creates-per-minute", roomCreatesPerMinute, "Room creations allowed per client IP per minute (0 = unlimited; env "+envVarRoomCreatesPerMinute+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// Mode-derived defaults apply only when neither env nor flag pinned the
	// value.
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if roomTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--room-ttl must be > 0", envVarRoomTTL)
	}
	if vacuumProbability < 0 || vacuumProbability > 1 {
		return Config{}, fmt.Errorf("%s/--vacuum-probability must be within [0, 1]", envVarVacuumProbability)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if roomCreatesPerMinute < 0 {
		return Config{}, fmt.Errorf("%s/--room-creates-per-minute must be >= 0", envVarRoomCreatesPerMinute)
	}
	if strings.TrimSpace(dbPath) == "" {
		return Config{}, fmt.Errorf("%s/--db-path must not be empty", envVarDBPath)
	}
	if turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
	}
	if strings.Contains(turnRESTUsernamePrefix, ":") {
		return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
	}

	allowedOrigins, err := origin.ParsePolicy(strings.Split(allowedOriginsStr, ","))
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		AllowedOrigins: allowedOrigins,
		RequireOrigin:  requireOrigin,

		DBPath:            strings.TrimSpace(dbPath),
		RoomTTL:           roomTTL,
		VacuumProbability: vacuumProbability,

		MaxMessageBytes:      maxMessageBytes,
		RoomCreatesPerMinute: roomCreatesPerMinute,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	iceServers, err := ICESource{
		JSON:              iceServersJSON,
		STUNURLs:          stunURLs,
		TURNURLs:          turnURLs,
		TURNUsername:      turnUsername,
		TURNCredential:    turnCredential,
		MintedCredentials: cfg.TURNREST.Enabled(),
	}.Servers()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
}

func newLogger(w io.Writer, format LogFormat, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch format {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
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

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
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

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
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
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
