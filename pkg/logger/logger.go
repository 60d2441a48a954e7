// Package logger builds the process slog.Logger from LoggingConfig.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	charmLog "github.com/charmbracelet/log"

	"chatsync/pkg/config"
)

const (
	FormatText = "text"
	FormatJSON = "json"

	envFormat    = "CHATSYNC_LOG_FORMAT"
	envLevel     = "CHATSYNC_LOG_LEVEL"
	envAddSource = "CHATSYNC_LOG_ADD_SOURCE"
)

// Options is the resolved logging setup after env overrides.
type Options struct {
	Format    string
	Level     slog.Level
	AddSource bool
}

// New returns a logger writing to stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	opts, err := Resolve(cfg, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return build(opts, w), nil
}

// Setup builds the logger and installs it as slog's default.
func Setup(cfg config.LoggingConfig) (*slog.Logger, error) {
	log, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	return log, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Resolve merges cfg with CHATSYNC_LOG_* variables read through lookup.
func Resolve(cfg config.LoggingConfig, lookup func(string) (string, bool)) (Options, error) {
	env := func(key string) string {
		if lookup == nil {
			return ""
		}
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}

	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if value := env(envFormat); value != "" {
		format = strings.ToLower(value)
	}
	switch format {
	case "":
		format = FormatText
	case FormatText, FormatJSON:
	default:
		return Options{}, fmt.Errorf("unsupported log format %q", format)
	}

	levelText := cfg.Level
	if value := env(envLevel); value != "" {
		levelText = value
	}
	level, err := ParseLevel(levelText)
	if err != nil {
		return Options{}, err
	}

	addSource := cfg.AddSource
	if value := env(envAddSource); value != "" {
		addSource = parseBool(value)
	}

	return Options{Format: format, Level: level, AddSource: addSource}, nil
}

// ParseLevel accepts debug, info, warn/warning and error. Empty means info.
func ParseLevel(input string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", input)
	}
}

func build(opts Options, w io.Writer) *slog.Logger {
	if opts.Format == FormatJSON {
		return slog.New(newLineHandler(w, opts.Level, opts.AddSource))
	}

	pretty := charmLog.NewWithOptions(w, charmLog.Options{
		Level:           charmLevel(opts.Level),
		ReportTimestamp: true,
		ReportCaller:    opts.AddSource,
		Formatter:       charmLog.TextFormatter,
	})
	return slog.New(pretty)
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
