package config

import (
	"strings"
	"testing"
	"time"

	"github.com/omasakun/remote-stylus/internal/roomstore"
	"github.com/omasakun/remote-stylus/internal/signaling"
	"github.com/omasakun/remote-stylus/internal/turnrest"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.DBPath != DefaultDBPath {
		t.Fatalf("DBPath=%q, want %q", cfg.DBPath, DefaultDBPath)
	}
	if cfg.InMemoryStore() {
		t.Fatalf("InMemoryStore=true for %q", cfg.DBPath)
	}
	if cfg.RoomTTL != roomstore.DefaultTTL {
		t.Fatalf("RoomTTL=%v, want %v", cfg.RoomTTL, roomstore.DefaultTTL)
	}
	if cfg.VacuumProbability != roomstore.DefaultVacuumProbability {
		t.Fatalf("VacuumProbability=%v, want %v", cfg.VacuumProbability, roomstore.DefaultVacuumProbability)
	}
	if cfg.MaxMessageBytes != signaling.DefaultMaxMessageBytes {
		t.Fatalf("MaxMessageBytes=%d, want %d", cfg.MaxMessageBytes, signaling.DefaultMaxMessageBytes)
	}
	if cfg.RoomCreatesPerMinute != DefaultRoomCreatesPerMinute {
		t.Fatalf("RoomCreatesPerMinute=%d, want %d", cfg.RoomCreatesPerMinute, DefaultRoomCreatesPerMinute)
	}
	if cfg.RequireOrigin {
		t.Fatalf("RequireOrigin=true, want false")
	}
	if got := cfg.AllowedOrigins.Entries(); len(got) != 0 {
		t.Fatalf("AllowedOrigins=%v, want empty", got)
	}
	if cfg.TURNREST.Enabled() {
		t.Fatalf("TURNREST enabled without a secret")
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError=%v", err)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
}

func TestDefaultsProdWhenModeEnvSet(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarMode: "production"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd || cfg.LogFormat != LogFormatJSON {
		t.Fatalf("mode=%q logFormat=%q, want prod/json", cfg.Mode, cfg.LogFormat)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr: "127.0.0.1:1111",
		envVarRoomTTL:    "2m",
		envVarDBPath:     "env.db",
	}), []string{"--listen-addr", "127.0.0.1:2222", "--db-path", ":memory:"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:2222" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.RoomTTL != 2*time.Minute {
		t.Fatalf("RoomTTL=%v, want env value", cfg.RoomTTL)
	}
	if !cfg.InMemoryStore() {
		t.Fatalf("InMemoryStore=false for %q", cfg.DBPath)
	}
}

func TestRelayLimitsFromEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMaxMessageBytes:      "2048",
		envVarRoomCreatesPerMinute: "0",
		envVarVacuumProbability:    "0.5",
		envVarRequireOrigin:        "true",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxMessageBytes != 2048 {
		t.Fatalf("MaxMessageBytes=%d, want 2048", cfg.MaxMessageBytes)
	}
	if cfg.RoomCreatesPerMinute != 0 {
		t.Fatalf("RoomCreatesPerMinute=%d, want 0", cfg.RoomCreatesPerMinute)
	}
	if cfg.VacuumProbability != 0.5 {
		t.Fatalf("VacuumProbability=%v, want 0.5", cfg.VacuumProbability)
	}
	if !cfg.RequireOrigin {
		t.Fatalf("RequireOrigin=false, want true")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{name: "mode", args: []string{"--mode", "staging"}, want: "invalid mode"},
		{name: "log level", env: map[string]string{envVarLogLevel: "loud"}, want: "invalid log level"},
		{name: "room ttl", env: map[string]string{envVarRoomTTL: "forever"}, want: envVarRoomTTL},
		{name: "room ttl zero", args: []string{"--room-ttl", "0s"}, want: "--room-ttl"},
		{name: "vacuum range", args: []string{"--vacuum-probability", "1.5"}, want: "--vacuum-probability"},
		{name: "message size", args: []string{"--max-message-bytes", "0"}, want: "--max-message-bytes"},
		{name: "creates", args: []string{"--room-creates-per-minute", "-1"}, want: "--room-creates-per-minute"},
		{name: "require origin", env: map[string]string{envVarRequireOrigin: "maybe"}, want: envVarRequireOrigin},
		{name: "origin", env: map[string]string{envVarAllowedOrigins: "example.com"}, want: envVarAllowedOrigins},
		{name: "turn rest prefix", env: map[string]string{envVarTURNRESTUsernamePrefix: "a:b"}, want: envVarTURNRESTUsernamePrefix},
		{name: "turn rest ttl", env: map[string]string{envVarTURNRESTTTLSeconds: "0"}, want: "--turn-rest-ttl-seconds"},
		{name: "unknown flag", args: []string{"--webrtc-udp-port-min", "1"}, want: "flag provided but not defined"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupMap(tc.env), tc.args)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestAllowedOrigins_ParsedIntoPolicy(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: " https://Example.com:443 , https://*.example.net,http://localhost:*",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://example.com", "https://*.example.net", "http://localhost:*"}
	got := cfg.AllowedOrigins.Entries()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("AllowedOrigins=%v, want %v", got, want)
	}
	if !cfg.AllowedOrigins.HasWildcard() {
		t.Fatalf("HasWildcard=false, want true")
	}
	if _, ok := cfg.AllowedOrigins.Allows("https://app.example.net", "relay.internal"); !ok {
		t.Fatalf("expected subdomain origin to be allowed")
	}
}

func TestICEConfigError_DoesNotFailLoad(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error for TURN without credentials")
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("ICEServers=%v, want none", cfg.ICEServers)
	}
}

func TestTURNREST_AllowsTURNWithoutStaticCredentials(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envStunURLs:                "stun:stun.example.com:3478",
		envTurnURLs:                "turn:turn.example.com:3478",
		envVarTURNRESTSharedSecret: "s3cret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError=%v", err)
	}
	if !cfg.TURNREST.Enabled() {
		t.Fatalf("TURNREST disabled, want enabled")
	}
	if cfg.TURNREST.TTLSeconds != DefaultTURNRESTTTLSeconds || cfg.TURNREST.UsernamePrefix != DefaultTURNRESTUsernamePrefix {
		t.Fatalf("TURNREST=%+v", cfg.TURNREST)
	}
	if len(cfg.ICEServers) != 2 || !turnrest.HasTURNURL(cfg.ICEServers[1]) {
		t.Fatalf("ICEServers=%+v", cfg.ICEServers)
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		if _, err := NewLogger(Config{LogFormat: format}); err != nil {
			t.Fatalf("NewLogger(%q): %v", format, err)
		}
	}
	if _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
