// Package logger builds the supervisor's slog logger and the rotating
// per-daemon console logs.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the supervisor log and where console logs go.
type Config struct {
	Level  string     `mapstructure:"level" toml:"level"`   // debug, info, warn, error
	Format string     `mapstructure:"format" toml:"format"` // text or json
	Color  bool       `mapstructure:"color" toml:"color"`
	File   FileConfig `mapstructure:"file" toml:"file"`
}

// FileConfig holds the rotation parameters, which follow lumberjack semantics.
// Path is the supervisor log; Dir receives Dir/<daemon>.console.log files.
type FileConfig struct {
	Dir        string `mapstructure:"dir" toml:"dir"`
	Path       string `mapstructure:"path" toml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
}

// ParseLevel accepts the slog level names, case-insensitively. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// New builds a logger writing to w, and additionally to the rotated file when
// File.Path is set. Colors are only used for a terminal writer without a file.
// The returned closer releases the file.
func (c Config) New(w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	out := w
	if c.File.Path != "" {
		f := c.rotating(c.File.Path)
		out = io.MultiWriter(w, f)
		closer = f
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "", "text":
		if c.Color && c.File.Path == "" && IsTerminal(w) {
			h = NewColorTextHandler(out, opts, true)
		} else {
			h = slog.NewTextHandler(out, opts)
		}
	case "json":
		h = slog.NewJSONHandler(out, opts)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

// ConsoleWriter returns the rotating console log of one daemon, or nil when
// no directory is configured.
func (c Config) ConsoleWriter(daemon string) io.WriteCloser {
	if c.File.Dir == "" {
		return nil
	}
	return c.rotating(filepath.Join(c.File.Dir, fmt.Sprintf("%s.console.log", daemon)))
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// IsTerminal reports whether w is a terminal file.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
