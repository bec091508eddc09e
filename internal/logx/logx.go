// Package logx is a small leveled logger used throughout tunelo. It mirrors
// the teacher's hand-rolled logger shape (global atomic level, prefix loggers,
// file:line call sites) without any web-framework or ORM coupling.
package logx

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// Level is a logging severity.
type Level int32

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Off
)

var globalLevel = int32(Info)

// ParseLevel parses a case-insensitive level name, defaulting to Error for
// anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return Trace
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "info":
		return Info
	case "off", "silent":
		return Off
	case "error":
		return Error
	default:
		return Error
	}
}

func (l Level) String() string {
	switch l {
	case Trace:
		return "trace"
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	case Off:
		return "off"
	default:
		return "error"
	}
}

func levelTag(l Level) string {
	switch l {
	case Trace:
		return "[TRACE]"
	case Debug:
		return "[DEBUG]"
	case Info:
		return "[INFO]"
	case Warn:
		return "[WARN]"
	case Error:
		return "[ERROR]"
	default:
		return "[ERROR]"
	}
}

// SetLevel sets the process-wide default level used by loggers created
// without an explicit WithLogLevel option.
func SetLevel(l Level) { atomic.StoreInt32(&globalLevel, int32(l)) }

// SetLevelString is SetLevel(ParseLevel(s)).
func SetLevelString(s string) { SetLevel(ParseLevel(s)) }

// GetLevel returns the current process-wide default level.
func GetLevel() Level { return Level(atomic.LoadInt32(&globalLevel)) }

// GetLevelString returns GetLevel().String().
func GetLevelString() string { return GetLevel().String() }

var (
	infoW io.Writer = os.Stdout
	errW  io.Writer = os.Stderr
)

// SetOutputs redirects the info and error sinks. Tests use this to capture
// output; production code leaves the defaults (stdout/stderr) in place.
func SetOutputs(info, err io.Writer) {
	if info != nil {
		infoW = info
	}
	if err != nil {
		errW = err
	}
}

// Logger is a component-scoped logger with its own prefix and optional
// level override.
type Logger struct {
	level int32
	pfx   atomic.Value
}

// Option configures a Logger at construction time.
type Option func(*Logger)

// WithPrefix sets the component prefix printed between the level tag and
// the message.
func WithPrefix(p string) Option { return func(l *Logger) { l.pfx.Store(strings.TrimSpace(p)) } }

// WithLogLevel pins the logger to a level instead of tracking the global
// default.
func WithLogLevel(lvl Level) Option {
	return func(l *Logger) { atomic.StoreInt32(&l.level, int32(lvl)) }
}

// New creates a Logger. Without WithLogLevel, the logger tracks GetLevel()
// dynamically.
func New(opts ...Option) *Logger {
	l := &Logger{level: -1}
	l.pfx.Store("")
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Logger) effLevel() Level {
	if lv := atomic.LoadInt32(&l.level); lv >= 0 {
		return Level(lv)
	}
	return GetLevel()
}

// SetPrefix updates the component prefix.
func (l *Logger) SetPrefix(p string) { l.pfx.Store(strings.TrimSpace(p)) }

// SetLevel pins this logger to lv, overriding the global default.
func (l *Logger) SetLevel(lv Level) { atomic.StoreInt32(&l.level, int32(lv)) }

func (l *Logger) shouldLog(at Level) bool { return l.effLevel() <= at && at < Off }

func (l *Logger) dstFor(at Level) io.Writer {
	if at >= Error {
		return errW
	}
	return infoW
}

func (l *Logger) site(skip int) string {
	if _, f, ln, ok := runtime.Caller(skip); ok {
		return fmt.Sprintf("%s:%d", filepath.Base(f), ln)
	}
	return "-"
}

// ts file:line: [LEVEL] prefix - message...
func (l *Logger) out(at Level, format string, args ...any) {
	ts := time.Now().Format("2006/01/02 15:04:05.000000")
	site := l.site(3)
	pfx, _ := l.pfx.Load().(string)
	var b bytes.Buffer
	if pfx != "" {
		fmt.Fprintf(&b, "%s %s: %s %s - ", ts, site, levelTag(at), pfx)
	} else {
		fmt.Fprintf(&b, "%s %s: %s - ", ts, site, levelTag(at))
	}
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')
	_, _ = l.dstFor(at).Write(b.Bytes())
}

func (l *Logger) Tracef(format string, args ...any) {
	if l.shouldLog(Trace) {
		l.out(Trace, format, args...)
	}
}

func (l *Logger) Debugf(format string, args ...any) {
	if l.shouldLog(Debug) {
		l.out(Debug, format, args...)
	}
}

func (l *Logger) Infof(format string, args ...any) {
	if l.shouldLog(Info) {
		l.out(Info, format, args...)
	}
}

func (l *Logger) Warnf(format string, args ...any) {
	if l.shouldLog(Warn) {
		l.out(Warn, format, args...)
	}
}

func (l *Logger) Errorf(format string, args ...any) {
	if l.shouldLog(Error) {
		l.out(Error, format, args...)
	}
}

// NewStdErr provides a stdlib *log.Logger handle for boot-time error
// messages printed before a component Logger exists, e.g. cmd/tunelo's
// top-level command-execution failure.
func NewStdErr() *log.Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.Lmsgprefix
	return log.New(errW, "[ERROR] ", flags)
}
