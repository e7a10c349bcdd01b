package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level is shared by every logger built here so a config reload can
// change verbosity without rebuilding handlers.
var level = new(slog.LevelVar)

func NewLogger(lvl, format string) *slog.Logger {
	return New(os.Stdout, lvl, format)
}

func New(w io.Writer, lvl, format string) *slog.Logger {
	SetLevel(lvl)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", "geotrack")
}

func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
