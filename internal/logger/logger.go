package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes log destinations and rotation for the daemon and for
// per-capture process output mirrors. Rotation parameters follow lumberjack
// semantics.
type Config struct {
	Dir        string `mapstructure:"dir"`          // base directory for log files
	Level      string `mapstructure:"level"`        // debug, info, warn, error
	File       string `mapstructure:"file"`         // daemon log file; empty means stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // gzip rotated files
}

// Setup builds the daemon's slog logger. When File is set, log lines go to a
// lumberjack-rotated file; otherwise they go to stderr.
func Setup(c Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if c.File != "" {
		path := c.File
		if !filepath.IsAbs(path) && c.Dir != "" {
			path = filepath.Join(c.Dir, path)
		}
		w = &lj.Logger{
			Filename:   path,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(c.Level)}))
}

// CaptureWriter returns an io.WriteCloser mirroring one capture's raw process
// output into Dir/<name>.capture.log. Returns nil when Dir is unset.
func (c Config) CaptureWriter(name string) io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	_ = os.MkdirAll(c.Dir, 0o750)
	return &lj.Logger{
		Filename:   filepath.Join(c.Dir, fmt.Sprintf("%s.capture.log", name)),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func parseLevel(s string) slog.Level {
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

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
