package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// newLogger returns the process logger. Levels parse the way slog.Level
// does, so "debug-4" or "info+2" work too; anything unparsable means info.
// Source positions are added at debug and below.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl <= slog.LevelDebug,
		ReplaceAttr: maskSecrets,
	}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("service", appName, "version", Version, "pid", os.Getpid())
}

// maskSecrets hides the value of any attribute that carries a secret,
// wherever it is nested.
func maskSecrets(_ []string, a slog.Attr) slog.Attr {
	switch strings.ToLower(a.Key) {
	case "password", "token", "secret":
		if a.Value.Kind() != slog.KindGroup {
			return slog.String(a.Key, "****")
		}
	}
	return a
}
