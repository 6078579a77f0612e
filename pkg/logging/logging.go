// Package logging builds the terminal logger the deuxdrop commands share.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a colorized stderr logger. Debug lowers the level and adds
// source locations.
func New(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  debug,
	})
	return slog.New(handler)
}
