/*
Package logger builds the slog loggers used by the VASP and defines the
attributes shared by its components.
*/
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// levelNone is above any level used, logging nothing.
const levelNone = slog.Level(100)

// LogConfiguration is the logger configuration, usually loaded from a YAML
// file and overridden by command line flags.
type LogConfiguration struct {
	// Level is one of DEBUG, INFO, WARN, ERROR, NONE optionally followed by
	// an offset, ie "info-1".
	Level string `yaml:"defaultLevel"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
	// OutputPath is a file path or one of stdout, stderr, discard.
	OutputPath string `yaml:"outputPath"`
	// TimeFormat is a Go time layout or "none". Handler default when empty.
	TimeFormat string `yaml:"timeFormat"`
}

// LoadConfiguration decodes a YAML logger configuration.
func LoadConfiguration(r io.Reader) (*LogConfiguration, error) {
	cfg := &LogConfiguration{}
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding logger configuration: %w", err)
	}
	return cfg, nil
}

func (cfg *LogConfiguration) logLevel() slog.Level {
	switch strings.ToLower(cfg.OutputPath) {
	case "discard", os.DevNull:
		return levelNone
	}

	name, offset := strings.ToUpper(cfg.Level), 0
	if i := strings.IndexAny(name, "+-"); i > 0 {
		n, err := strconv.Atoi(name[i:])
		if err == nil {
			offset = n
		}
		name = name[:i]
	}
	var lvl slog.Level
	switch name {
	case "NONE":
		return levelNone
	case "ERROR":
		lvl = slog.LevelError
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "DEBUG":
		lvl = slog.LevelDebug
	default:
		lvl = slog.LevelInfo
	}
	return lvl + slog.Level(offset)
}

func (cfg *LogConfiguration) writer() (io.Writer, error) {
	switch strings.ToLower(cfg.OutputPath) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "discard", os.DevNull:
		return io.Discard, nil
	}
	f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// New creates a logger according to the configuration.
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	if cfg == nil {
		cfg = &LogConfiguration{}
	}
	w, err := cfg.writer()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level:       cfg.logLevel(),
		ReplaceAttr: composeAttrFmt(formatTimeAttr(cfg.TimeFormat)),
	}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// Discard returns a logger that logs nothing.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: levelNone}))
}
