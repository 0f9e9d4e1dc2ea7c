// Package logging provides the scoped, leveled, redacting log sink used
// across the coordination core. It wraps log/slog with: per-subsystem
// scoping, a process-wide mutable correlation ID slot, redaction applied
// before both the structured record and an optional console sideline, and
// an LRU-bounded timer map so long-lived processes can't leak timer
// state.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Level is one of {debug, info, warn, error}.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps an env-configured level string to a Level, defaulting to
// info on anything unrecognized (per CODEX_PLUGIN_LOG_LEVEL's documented
// "invalid => info" behavior).
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s)
	default:
		return LevelInfo
	}
}

// currentCorrelationID is the process-wide mutable "current" correlation ID
// slot: set/get/clear, propagated into every record emitted while set.
// Concurrent callers using overlapping requests must push/pop it
// themselves — the slot carries no concurrency safety beyond atomicity of
// the pointer swap itself.
var currentCorrelationID atomic.Pointer[string]

// SetCorrelationID sets the process-wide current correlation ID.
func SetCorrelationID(id string) {
	currentCorrelationID.Store(&id)
}

// GetCorrelationID returns the current correlation ID, or "" if unset.
func GetCorrelationID() string {
	p := currentCorrelationID.Load()
	if p == nil {
		return ""
	}
	return *p
}

// ClearCorrelationID clears the current correlation ID slot.
func ClearCorrelationID() {
	currentCorrelationID.Store(nil)
}

const maxTimers = 100

// Logger is a scoped, leveled, redacting sink for one subsystem.
type Logger struct {
	service    string
	level      Level
	console    bool
	sink       *slog.Logger
	timers     *lru.Cache[string, time.Time]
}

// Options configures a Logger.
type Options struct {
	Service string
	Level   Level
	Console bool
	Writer  *slog.Logger // optional explicit sink, for tests
}

// New creates a scoped Logger for the given subsystem.
func New(opts Options) *Logger {
	sink := opts.Writer
	if sink == nil {
		sink = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	timers, _ := lru.New[string, time.Time](maxTimers)
	level := opts.Level
	if level == "" {
		level = LevelInfo
	}
	return &Logger{
		service: opts.Service,
		level:   level,
		console: opts.Console,
		sink:    sink,
		timers:  timers,
	}
}

// enabled reports whether level l should be emitted given the logger's
// configured threshold. Errors always emit.
func (l *Logger) enabled(lvl Level) bool {
	if lvl == LevelError {
		return true
	}
	order := map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}
	return order[lvl] >= order[l.level]
}

func (l *Logger) emit(lvl Level, msg string, data map[string]interface{}) {
	if !l.enabled(lvl) {
		return
	}
	msg = RedactString(msg)
	sanitized, _ := Sanitize(data).(map[string]interface{})

	attrs := []any{
		"service", l.service,
	}
	if cid := GetCorrelationID(); cid != "" {
		attrs = append(attrs, "correlationId", cid)
	}
	for k, v := range sanitized {
		attrs = append(attrs, k, v)
	}

	switch lvl {
	case LevelDebug:
		l.sink.Debug(msg, attrs...)
	case LevelWarn:
		l.sink.Warn(msg, attrs...)
	case LevelError:
		l.sink.Error(msg, attrs...)
	default:
		l.sink.Info(msg, attrs...)
	}

	if l.console {
		consoleAttrs := append([]any{}, attrs...)
		slog.Default().Log(context.Background(), lvl.slogLevel(), msg, consoleAttrs...)
	}
}

func (l *Logger) Debug(msg string, data map[string]interface{}) { l.emit(LevelDebug, msg, data) }
func (l *Logger) Info(msg string, data map[string]interface{})  { l.emit(LevelInfo, msg, data) }
func (l *Logger) Warn(msg string, data map[string]interface{})  { l.emit(LevelWarn, msg, data) }
func (l *Logger) Error(msg string, data map[string]interface{}) { l.emit(LevelError, msg, data) }

// StartTimer records the start instant for a named timer, evicting the
// oldest entry if the LRU bound is exceeded.
func (l *Logger) StartTimer(name string) {
	l.timers.Add(name, time.Now())
}

// StopTimer returns the elapsed duration since StartTimer was called for
// name, or 0 if no such timer exists (already evicted or never started).
func (l *Logger) StopTimer(name string) time.Duration {
	start, ok := l.timers.Get(name)
	if !ok {
		return 0
	}
	l.timers.Remove(name)
	return time.Since(start)
}

// Scoped returns a child Logger for a named sub-component, sharing the
// parent's sink, level, and console settings.
func (l *Logger) Scoped(subService string) *Logger {
	child := New(Options{Service: l.service + "." + subService, Level: l.level, Console: l.console, Writer: l.sink})
	return child
}
