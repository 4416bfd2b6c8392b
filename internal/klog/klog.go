// Package klog is the kernel's structured logging facade: an interface
// tailored to hot scheduler paths (an IsEnabled fast-path so disabled debug
// trace logging never allocates a Fields map), a process-wide default sink,
// and a concrete implementation backed by zerolog. Modeled on
// github.com/joeycumines/go-eventloop's Logger/LogEntry/DefaultLogger split.
package klog

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
)

// Level mirrors eventloop's LogLevel enum.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Entry is a single structured log record. Category names the kernel
// subsystem ("sched", "mutex", "signal", "timer", ...); Fields carries
// whatever the caller wants attached (thread id, priority, tick, ...).
type Entry struct {
	Level    Level
	Category string
	Message  string
	Fields   map[string]any
	Err      error
	Time     time.Time
}

// Logger is the structured logging interface every kernel subsystem depends
// on. IsEnabled lets call sites skip building Fields for a level that would
// be discarded anyway, which matters on the scheduler's hot path.
type Logger interface {
	Log(Entry)
	IsEnabled(Level) bool
}

// NoOp discards everything; it is the zero-value default so a kernel built
// without an explicit logger option never touches os.Stdout.
type NoOp struct{}

func (NoOp) Log(Entry)            {}
func (NoOp) IsEnabled(Level) bool { return false }

var (
	globalMu     sync.RWMutex
	globalLogger Logger = NoOp{}
)

// SetDefault installs the process-wide default logger.
func SetDefault(l Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if l == nil {
		l = NoOp{}
	}
	globalLogger = l
}

// Default returns the process-wide default logger.
func Default() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// debugTraceRates throttles DEBUG-category "trace" logging (context
// switches, tick drains) so a busy simulated system never floods the sink;
// every other level is unthrottled.
var debugTraceRates = map[time.Duration]int{
	time.Second: 200,
}

// Zerolog backs the default sink with github.com/rs/zerolog, rate-limiting
// DEBUG-level trace categories via github.com/joeycumines/go-catrate the
// same way logiface-zerolog's test suite throttles diagnostic volume.
type Zerolog struct {
	level   atomic.Int32
	zl      zerolog.Logger
	limiter *catrate.Limiter
}

// NewZerolog builds a Zerolog sink writing to w (os.Stdout if nil).
func NewZerolog(level Level, w io.Writer) *Zerolog {
	if w == nil {
		w = os.Stdout
	}
	z := &Zerolog{
		zl:      zerolog.New(w).With().Timestamp().Logger(),
		limiter: catrate.NewLimiter(debugTraceRates),
	}
	z.level.Store(int32(level))
	return z
}

func (z *Zerolog) SetLevel(level Level) { z.level.Store(int32(level)) }

func (z *Zerolog) IsEnabled(level Level) bool {
	return int32(level) >= z.level.Load()
}

func (z *Zerolog) Log(e Entry) {
	if !z.IsEnabled(e.Level) {
		return
	}
	if e.Level == LevelDebug {
		if _, allowed := z.limiter.Allow(e.Category); !allowed {
			return
		}
	}

	var ev *zerolog.Event
	switch e.Level {
	case LevelDebug:
		ev = z.zl.Debug()
	case LevelWarn:
		ev = z.zl.Warn()
	case LevelError:
		ev = z.zl.Error()
	default:
		ev = z.zl.Info()
	}

	ev = ev.Str("category", e.Category)
	for k, v := range e.Fields {
		ev = ev.Interface(k, v)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	if !e.Time.IsZero() {
		ev = ev.Time("at", e.Time)
	}
	ev.Msg(e.Message)
}
