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

// Default rotation settings applied when a FileConfig leaves them zero.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes daemon logging (level, format) and the file destinations
// used for daemon and worker output.
type Config struct {
	Level  string     `mapstructure:"level" json:"level,omitempty"`
	Format string     `mapstructure:"format" json:"format,omitempty"` // text, json
	Color  bool       `mapstructure:"color" json:"color,omitempty"`
	File   FileConfig `mapstructure:"file" json:"file,omitempty"`
}

// FileConfig describes rotating log files.
// If StdoutPath/StderrPath are empty and Dir is set, worker files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string `mapstructure:"dir" json:"dir,omitempty"`
	StdoutPath string `mapstructure:"stdout" json:"stdout,omitempty"`
	StderrPath string `mapstructure:"stderr" json:"stderr,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days,omitempty"`
	Compress   bool   `mapstructure:"compress" json:"compress,omitempty"`
}

// Enabled reports whether any file destination is configured.
func (f FileConfig) Enabled() bool {
	return f.Dir != "" || f.StdoutPath != "" || f.StderrPath != ""
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ProcessWriters returns rotating writers for a worker's stdout and stderr.
// A nil writer means that stream is discarded.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	if strings.ContainsAny(name, `/\`) {
		return nil, nil, fmt.Errorf("invalid process name for log file: %q", name)
	}
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if c.File.Dir != "" {
		if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		if stdout == "" {
			stdout = filepath.Join(c.File.Dir, name+".stdout.log")
		}
		if stderr == "" {
			stderr = filepath.Join(c.File.Dir, name+".stderr.log")
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotating(stdout)
	}
	if stderr != "" {
		errW = c.File.rotating(stderr)
	}
	return outW, errW, nil
}

// New builds the daemon logger. Output goes to stderr and, when a file
// directory is configured, to Dir/<daemon>.log as well. The returned closer
// releases the log file and is never nil.
func New(c Config, daemon string) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if c.File.Dir != "" {
		if err := os.MkdirAll(c.File.Dir, 0o750); err == nil {
			f := c.File.rotating(filepath.Join(c.File.Dir, daemon+".log"))
			w = io.MultiWriter(os.Stderr, f)
			closer = f
		}
	}
	return slog.New(c.handler(w)), closer
}

func (c Config) handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		if c.Color {
			return NewColorTextHandler(w, opts, true)
		}
		return slog.NewTextHandler(w, opts)
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
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

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
