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

	"github.com/omasakun/remote-stylus/internal/config"
	"github.com/omasakun/remote-stylus/internal/httpserver"
	"github.com/omasakun/remote-stylus/internal/metrics"
	"github.com/omasakun/remote-stylus/internal/ratelimit"
	"github.com/omasakun/remote-stylus/internal/roomstore"
	"github.com/omasakun/remote-stylus/internal/signaling"
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

	logger.Info("starting rendezvous-server",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"db_path", cfg.DBPath,
		"room_ttl", cfg.RoomTTL,
		"max_message_bytes", cfg.MaxMessageBytes,
		"room_creates_per_minute", cfg.RoomCreatesPerMinute,
		"allowed_origins", cfg.AllowedOrigins.Entries(),
		"require_origin", cfg.RequireOrigin,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE configuration; /readyz will report not ready", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	store, err := roomstore.Open(roomstore.Config{
		Path:              cfg.DBPath,
		TTL:               cfg.RoomTTL,
		VacuumProbability: cfg.VacuumProbability,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to open room store", "err", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		_ = store.Close()
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	m := metrics.New()

	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, m)
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		_ = ln.Close()
		_ = store.Close()
		os.Exit(2)
	}
	signaling.NewServer(signaling.Config{
		Store:           store,
		Metrics:         m,
		Logger:          logger,
		MaxMessageBytes: cfg.MaxMessageBytes,
		CreateLimiter:   ratelimit.NewPerMinute(nil, cfg.RoomCreatesPerMinute),
	}).RegisterRoutes(srv.Mux())

	code := run(logger, srv, ln, cfg)
	if err := store.Close(); err != nil {
		logger.Error("room store close failed", "err", err)
		code = 1
	}
	os.Exit(code)
}

// run serves until the listener fails or a shutdown signal arrives and
// returns the process exit code.
func run(logger *slog.Logger, srv *httpserver.Server, ln net.Listener, cfg config.Config) int {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return 1
		}
		return 0
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
		return 1
	}
	return 0
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` and dev builds.
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

	return commit, buildTime
}
