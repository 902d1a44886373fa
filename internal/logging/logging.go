// Package logging builds the relay's slog logger: JSON lines on a writer,
// plus optional Sentry reporting for warnings and errors.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
)

// flushTimeout bounds how long Flush waits for queued Sentry events.
const flushTimeout = 2 * time.Second

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn or error. Anything else means info.
	Level string

	// SentryDSN enables Sentry when set.
	SentryDSN         string
	SentryEnvironment string
}

// New returns a logger writing JSON to w and a function that flushes
// pending Sentry events. When Sentry cannot be initialised the logger
// falls back to w alone and the failure is logged there.
func New(w io.Writer, opts Options) (*slog.Logger, func()) {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
	})
	noop := func() {}

	if opts.SentryDSN == "" {
		return slog.New(jsonHandler), noop
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         opts.SentryDSN,
		Environment: opts.SentryEnvironment,
		EnableLogs:  true,
	}); err != nil {
		logger := slog.New(jsonHandler)
		logger.Error("failed to initialize Sentry", "error", err)
		return logger, noop
	}

	// Errors become Sentry issues; warnings are kept as searchable logs.
	sentryHandler := sentryslog.Option{
		EventLevel: []slog.Level{slog.LevelError},
		LogLevel:   []slog.Level{slog.LevelWarn, slog.LevelError},
	}.NewSentryHandler(context.Background())

	flush := func() { sentry.Flush(flushTimeout) }
	return slog.New(newMultiHandler(jsonHandler, sentryHandler)), flush
}

// ParseLevel maps a level name to its slog.Level, ignoring case.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
