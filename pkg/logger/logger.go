package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category identifies a log stream with its own on-disk file.
type Category string

const (
	CategoryAdapter   Category = "adapter"
	CategoryLLM       Category = "llm"
	CategoryEmbedding Category = "embedding"
	CategoryVector    Category = "vector"
)

// Environment toggles.
const (
	EnvDisableFileLogs    = "LLM_ADAPTER_DISABLE_FILE_LOGS"
	EnvDisableConsoleLogs = "LLM_ADAPTER_DISABLE_CONSOLE_LOGS"
	EnvBatchID            = "LLM_ADAPTER_BATCH_ID"
	EnvBatchDir           = "LLM_ADAPTER_BATCH_DIR"
	EnvLLMLogMaxFiles     = "LLM_ADAPTER_LLM_LOG_MAX_FILES"
	EnvBatchLogMaxFiles   = "LLM_ADAPTER_BATCH_LOG_MAX_FILES"
)

// closeDrainTimeout bounds Close() even when a transport never completes.
const closeDrainTimeout = 1500 * time.Millisecond

// Options configures the logging core.
type Options struct {
	Dir            string
	Level          slog.Level
	DisableFile    bool
	DisableConsole bool
	BatchID        string
	BatchDir       bool
	LLMLogMaxFiles int
	BatchMaxFiles  int
	MaxAge         time.Duration
}

// ParseLevel converts a string log level to slog.Level. Unknown values
// fall back to info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ApplyEnv overlays the LLM_ADAPTER_* environment toggles.
func (o Options) ApplyEnv() Options {
	if os.Getenv(EnvDisableFileLogs) == "1" {
		o.DisableFile = true
	}
	if os.Getenv(EnvDisableConsoleLogs) == "1" {
		o.DisableConsole = true
	}
	if v := os.Getenv(EnvBatchID); v != "" {
		o.BatchID = v
	}
	if os.Getenv(EnvBatchDir) == "1" {
		o.BatchDir = true
	}
	if n := envInt(EnvLLMLogMaxFiles); n > 0 {
		o.LLMLogMaxFiles = n
	}
	if n := envInt(EnvBatchLogMaxFiles); n > 0 {
		o.BatchMaxFiles = n
	}
	return o
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}

// core owns the shared transports. Process-wide singleton, lazily
// initialized on first write.
type core struct {
	mu      sync.Mutex
	opts    Options
	stamp   string
	files   map[Category]*os.File
	loggers map[Category]*slog.Logger
	inited  bool
	closed  bool
}

var (
	coreMu      sync.Mutex
	defaultCore = &core{}
)

// Configure sets the options for the process-wide core. It resets any
// previously initialized transports.
func Configure(opts Options) {
	coreMu.Lock()
	defer coreMu.Unlock()
	defaultCore.close()
	defaultCore = &core{opts: opts.ApplyEnv()}
}

// Reset discards the core. Intended for tests.
func Reset() {
	Configure(Options{})
}

// Close drains all transports, bounded by closeDrainTimeout. Idempotent.
func Close() {
	coreMu.Lock()
	c := defaultCore
	coreMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeDrainTimeout):
	}
}

func (c *core) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, f := range c.files {
		_ = f.Sync()
		_ = f.Close()
	}
	c.files = nil
	c.loggers = nil
	c.closed = true
	c.inited = false
}

// init builds the transports. Caller holds c.mu.
func (c *core) init() {
	if c.inited {
		return
	}
	c.stamp = time.Now().Format("20060102-150405")
	c.files = make(map[Category]*os.File)
	c.loggers = make(map[Category]*slog.Logger)
	c.closed = false

	for _, cat := range []Category{CategoryAdapter, CategoryLLM, CategoryEmbedding, CategoryVector} {
		var handlers []slog.Handler
		if !c.opts.DisableConsole {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.opts.Level}))
		}
		if !c.opts.DisableFile {
			if f, err := c.openCategoryFile(cat); err == nil {
				c.files[cat] = f
				handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: c.opts.Level}))
			} else {
				fmt.Fprintf(os.Stderr, "logger: failed to open %s log file: %v\n", cat, err)
			}
		}
		c.loggers[cat] = slog.New(&fanoutHandler{handlers: handlers})
		c.enforceRetention(cat)
	}
	c.inited = true
}

// logFilePath returns the on-disk path for a category, honoring batch
// and batch-dir modes.
func (c *core) logFilePath(cat Category) string {
	dir := c.opts.Dir
	if dir == "" {
		dir = "logs"
	}
	if cat == CategoryAdapter {
		if c.opts.BatchID != "" {
			return filepath.Join(dir, fmt.Sprintf("adapter-batch-%s.log", c.opts.BatchID))
		}
		return filepath.Join(dir, fmt.Sprintf("adapter-%s.log", c.stamp))
	}

	sub := filepath.Join(dir, string(cat))
	switch {
	case c.opts.BatchID != "" && c.opts.BatchDir:
		return filepath.Join(sub, fmt.Sprintf("batch-%s", c.opts.BatchID), fmt.Sprintf("%s.log", cat))
	case c.opts.BatchID != "":
		return filepath.Join(sub, fmt.Sprintf("%s-batch-%s.log", cat, c.opts.BatchID))
	default:
		return filepath.Join(sub, fmt.Sprintf("%s-%s.log", cat, c.stamp))
	}
}

func (c *core) openCategoryFile(cat Category) (*os.File, error) {
	path := c.logFilePath(cat)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (c *core) enforceRetention(cat Category) {
	if c.opts.DisableFile {
		return
	}
	dir := c.opts.Dir
	if dir == "" {
		dir = "logs"
	}
	maxFiles := c.opts.LLMLogMaxFiles
	batchMax := c.opts.BatchMaxFiles

	if cat == CategoryAdapter {
		if maxFiles > 0 {
			policy := RetentionPolicy{
				Dir:      dir,
				Key:      "adapter",
				Prefixes: []string{"adapter-"},
				MaxFiles: maxFiles,
				MaxAge:   c.opts.MaxAge,
			}
			if err := EnforceRetention(policy); err != nil {
				slog.Debug("log retention failed", "dir", dir, "error", err)
			}
		}
		return
	}

	sub := filepath.Join(dir, string(cat))
	if maxFiles > 0 {
		policy := RetentionPolicy{
			Dir:      sub,
			Key:      string(cat),
			Prefixes: []string{string(cat) + "-"},
			MaxFiles: maxFiles,
			MaxAge:   c.opts.MaxAge,
		}
		if err := EnforceRetention(policy); err != nil {
			slog.Debug("log retention failed", "dir", sub, "error", err)
		}
	}
	if batchMax > 0 {
		policy := RetentionPolicy{
			Dir:      sub,
			Key:      string(cat) + "-batch",
			Prefixes: []string{"batch-", string(cat) + "-batch-"},
			MaxFiles: batchMax,
			MaxAge:   c.opts.MaxAge,
		}
		if err := EnforceRetention(policy); err != nil {
			slog.Debug("batch log retention failed", "dir", sub, "error", err)
		}
	}
}

func (c *core) logger(cat Category) *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Late writes after Close go to a console-only logger.
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.opts.Level}))
	}
	c.init()
	return c.loggers[cat]
}

// fanoutHandler dispatches records to every transport.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, record.Level) {
			continue
		}
		if err := hh.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: out}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &fanoutHandler{handlers: out}
}

// Logger is a category logger instance. Correlation IDs are a property
// of the instance; WithCorrelation returns a derived instance that
// shares transports but carries its own correlation data.
type Logger struct {
	category    Category
	correlation []string
}

// Adapter returns the generic adapter logger.
func Adapter() *Logger { return &Logger{category: CategoryAdapter} }

// LLM returns the LLM wire logger.
func LLM() *Logger { return &Logger{category: CategoryLLM} }

// Embedding returns the embedding wire logger.
func Embedding() *Logger { return &Logger{category: CategoryEmbedding} }

// Vector returns the vector-store wire logger.
func Vector() *Logger { return &Logger{category: CategoryVector} }

// WithCorrelation derives a logger carrying the given correlation IDs.
func (l *Logger) WithCorrelation(ids ...string) *Logger {
	merged := make([]string, 0, len(l.correlation)+len(ids))
	merged = append(merged, l.correlation...)
	merged = append(merged, ids...)
	return &Logger{category: l.category, correlation: merged}
}

// CorrelationID returns the joined correlation identifier used in
// pretty prints.
func (l *Logger) CorrelationID() string {
	return strings.Join(l.correlation, ", ")
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	coreMu.Lock()
	c := defaultCore
	coreMu.Unlock()

	sl := c.logger(l.category)
	if len(l.correlation) > 0 {
		args = append(args, "correlation_id", l.CorrelationID())
	}
	sl.Log(context.Background(), level, msg, args...)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args...) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }
