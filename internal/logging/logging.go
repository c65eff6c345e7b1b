// Package logging sets up the process-wide slog logger and bridges the
// Discord client's own printf-style logging into it.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Options configures New.
type Options struct {
	Level  string    // debug | info | warn | error
	File   string    // optional; when set, logs go to both Output and File
	Output io.Writer // defaults to os.Stderr
}

// New builds a tint-backed logger. The returned closer releases the log file,
// if one was opened; it is never nil.
func New(opts Options) (*slog.Logger, func() error, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	closer := func() error { return nil }
	noColor := false

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, closer, fmt.Errorf("cannot create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, closer, fmt.Errorf("cannot open log file %s: %w", opts.File, err)
		}
		out = io.MultiWriter(out, f)
		closer = f.Close
		noColor = true
	}

	handler := tint.NewHandler(out, &tint.Options{
		Level:      ParseLevel(opts.Level),
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	})
	return slog.New(handler), closer, nil
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

var discordgoLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogInformational: slog.LevelInfo,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogError:         slog.LevelError,
}

// DiscordgoLogger returns a function suitable for discordgo.Logger that
// forwards the library's messages to logger.
func DiscordgoLogger(logger *slog.Logger) func(msgL, caller int, format string, a ...any) {
	return func(msgL, _ int, format string, a ...any) {
		level, ok := discordgoLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		logger.LogAttrs(
			context.Background(),
			level,
			strings.ReplaceAll(fmt.Sprintf(format, a...), "\n", " "),
			slog.String("component", "discordgo"),
		)
	}
}

// DiscordgoLevel translates a slog level into discordgo's numeric scale.
func DiscordgoLevel(level slog.Level) int {
	switch {
	case level <= slog.LevelDebug:
		return discordgo.LogDebug
	case level <= slog.LevelInfo:
		return discordgo.LogInformational
	case level <= slog.LevelWarn:
		return discordgo.LogWarning
	default:
		return discordgo.LogError
	}
}
