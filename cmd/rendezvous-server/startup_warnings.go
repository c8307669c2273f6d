package main

import (
	"log/slog"

	"github.com/omasakun/remote-stylus/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AllowedOrigins.HasWildcard() {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains a wildcard (matches more than one origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins.Entries(),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.RequireOrigin {
		logger.Warn("startup security warning: REMOTE_STYLUS_REQUIRE_ORIGIN is off while --mode=prod (non-browser clients bypass the origin policy)",
			"warning_code", "require_origin_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RoomCreatesPerMinute <= 0 {
		logger.Warn("startup security warning: REMOTE_STYLUS_ROOM_CREATES_PER_MINUTE is 0 (unlimited) while --mode=prod",
			"warning_code", "room_create_limit_disabled_in_prod",
			"room_creates_per_minute", cfg.RoomCreatesPerMinute,
			"mode", cfg.Mode,
		)
	}

	if cfg.InMemoryStore() {
		logger.Warn("startup warning: room store is in memory (rooms are lost on restart)",
			"warning_code", "in_memory_store",
			"db_path", cfg.DBPath,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: REMOTE_STYLUS_MAX_MESSAGE_BYTES is very large (increases per-request memory and storage use)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
}
