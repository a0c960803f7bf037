package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ----------------- Config -----------------

type Config struct {
	Level        slog.Level // default: Info
	Format       string     // "text" or "json" (default "text")
	File         string     // path to log file; empty = no file
	AlsoStderr   bool       // default true
	MaxSizeMB    int        // default 5
	MaxBackups   int        // 0 = truncate in place, >0 = rotate
	MaxAgeDays   int        // default 14
	Compress     bool       // gzip rotated files
	SetAsDefault bool       // set slog.SetDefault
}

func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     "text",
		AlsoStderr: true,
		MaxSizeMB:  5, MaxBackups: 0, MaxAgeDays: 14,
	}
}

// NewConfigFromEnv reads the LOG_* variables on top of DefaultConfig.
func NewConfigFromEnv() Config {
	cfg := DefaultConfig()

	// Level
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "all":
		cfg.Level = slog.Level(-100)
	case "debug":
		cfg.Level = slog.LevelDebug
	case "warn", "warning":
		cfg.Level = slog.LevelWarn
	case "error":
		cfg.Level = slog.LevelError
	}

	// Format
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		cfg.Format = "json"
	case "text", "":
		cfg.Format = "text"
	}

	// File + rotation
	cfg.File = strings.TrimSpace(os.Getenv("LOG_FILE"))
	cfg.AlsoStderr = envBool(os.Getenv("LOG_STDERR"), true)
	cfg.MaxSizeMB = envInt(os.Getenv("LOG_MAX_SIZE_MB"), 5)
	cfg.MaxBackups = envInt(os.Getenv("LOG_MAX_BACKUPS"), 0)
	cfg.MaxAgeDays = envInt(os.Getenv("LOG_MAX_AGE_DAYS"), 14)
	cfg.Compress = envBool(os.Getenv("LOG_COMPRESS"), false)

	cfg.SetAsDefault = true
	return cfg
}

func envBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	switch strings.ToLower(s) {
	case "1", "true", "t", "yes", "y":
		return true
	case "0", "false", "f", "no", "n":
		return false
	default:
		return def
	}
}
func envInt(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}

// ----------------- Setup -----------------

// MultiHandler fans out to multiple slog.Handlers
type MultiHandler struct{ hs []slog.Handler }

func (m MultiHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range m.hs {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}
func (m MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.hs {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
func (m MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.hs))
	for i, h := range m.hs {
		out[i] = h.WithAttrs(attrs)
	}
	return MultiHandler{hs: out}
}
func (m MultiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.hs))
	for i, h := range m.hs {
		out[i] = h.WithGroup(name)
	}
	return MultiHandler{hs: out}
}

// EnsureDir creates the parent directory of path if needed.
func EnsureDir(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func newFileWriter(cfg Config) (io.Writer, error) {
	if err := EnsureDir(cfg.File); err != nil {
		return nil, err
	}
	if cfg.MaxBackups > 0 {
		return &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}, nil
	}
	return NewSimpleLogResetWriter(cfg.File, cfg.MaxSizeMB*1024*1024)
}

func newHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// New builds a slog.Logger using cfg; returns the logger and the (optional) file writer.
func New(cfg Config) (*slog.Logger, io.Writer) {
	handlers := make([]slog.Handler, 0, 2)

	var logWriter io.Writer
	if cfg.File != "" {
		w, err := newFileWriter(cfg)
		if err == nil {
			logWriter = w
			handlers = append(handlers, newHandler(logWriter, cfg))
		} else {
			// a log file we cannot open must not stop an update
			cfg.AlsoStderr = true
		}
	}

	if cfg.AlsoStderr {
		handlers = append(handlers, newHandler(os.Stderr, cfg))
	}

	var h slog.Handler
	if len(handlers) == 0 {
		// fallback to stderr text
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level})
	} else if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = MultiHandler{hs: handlers}
	}

	l := slog.New(h)
	if cfg.SetAsDefault {
		slog.SetDefault(l)
	}
	return l, logWriter
}

func NewFromEnv() (*slog.Logger, io.Writer) {
	return New(NewConfigFromEnv())
}

// NewJobConfigFromEnv keeps the level and format from the environment but
// logs only to stderr. A detached job's stderr is its own log file, which
// is what the controller reports when the job fails.
func NewJobConfigFromEnv() Config {
	cfg := NewConfigFromEnv()
	cfg.File = ""
	cfg.AlsoStderr = true
	cfg.SetAsDefault = false
	return cfg
}

func NewJobLogger() *slog.Logger {
	logger, _ := New(NewJobConfigFromEnv())
	return logger
}
