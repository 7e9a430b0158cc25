// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.Mutex
	closer io.Closer
)

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Init installs a text handler as the default logger. level and sink are
// overridden by THREADLINE_LOG_LEVEL and THREADLINE_LOG_SINK when set. Sink is
// "stderr", "stdout", "discard", or "file:/path".
func Init(level, sink string) (*slog.Logger, error) {
	if env := os.Getenv("THREADLINE_LOG_LEVEL"); env != "" {
		level = env
	}
	if env := os.Getenv("THREADLINE_LOG_SINK"); env != "" {
		sink = env
	}

	w, c, err := openSink(sink)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	if closer != nil {
		_ = closer.Close()
	}
	closer = c
	mu.Unlock()

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
	slog.SetDefault(logger)
	return logger, nil
}

// Close releases a file sink opened by Init.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns l, or slog.Default when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func openSink(sink string) (io.Writer, io.Closer, error) {
	sink = strings.TrimSpace(sink)
	switch {
	case sink == "" || sink == "stderr":
		return os.Stderr, nil, nil
	case sink == "stdout":
		return os.Stdout, nil, nil
	case sink == "discard":
		return io.Discard, nil, nil
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log sink: %w", err)
		}
		return f, f, nil
	}
	return nil, nil, fmt.Errorf("unknown log sink %q", sink)
}
