package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below slog.LevelDebug; pion's trace output is only
// emitted when a handler is configured that low.
const LevelTrace = slog.LevelDebug - 4

// LoggerFactory routes pion's scoped loggers into slog.
type LoggerFactory struct {
	Logger *slog.Logger
}

type logger struct {
	logger *slog.Logger
}

// NewLogger returns a pion logger tagged with the given scope.
func (lf LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	l := lf.Logger
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return logger{l.With("pion", scope)}
}

func (l logger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l logger) logf(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l logger) Trace(msg string) { l.log(LevelTrace, msg) }

func (l logger) Tracef(format string, args ...interface{}) { l.logf(LevelTrace, format, args...) }

func (l logger) Debug(msg string) { l.log(slog.LevelDebug, msg) }

func (l logger) Debugf(format string, args ...interface{}) { l.logf(slog.LevelDebug, format, args...) }

func (l logger) Info(msg string) { l.log(slog.LevelInfo, msg) }

func (l logger) Infof(format string, args ...interface{}) { l.logf(slog.LevelInfo, format, args...) }

func (l logger) Warn(msg string) { l.log(slog.LevelWarn, msg) }

func (l logger) Warnf(format string, args ...interface{}) { l.logf(slog.LevelWarn, format, args...) }

func (l logger) Error(msg string) { l.log(slog.LevelError, msg) }

func (l logger) Errorf(format string, args ...interface{}) { l.logf(slog.LevelError, format, args...) }
