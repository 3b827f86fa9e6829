package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Minimal leveled logger used across the session agent. Zero external deps;
// the level is read on every call so Init can be invoked at any point.

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var (
	level atomic.Int32

	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

func init() {
	level.Store(int32(LevelInfo))
}

// ParseLevel maps a case-insensitive level name to a Level. Unknown names
// fall back to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Init sets the global log level. Call early during startup; default is Info.
func Init(l string) {
	level.Store(int32(ParseLevel(l)))
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) {
	outMu.Lock()
	out = w
	outMu.Unlock()
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	}
	return "info"
}

// LevelString returns the current level as text.
func LevelString() string {
	return Level(level.Load()).String()
}

func emit(l Level, format string, v ...interface{}) {
	if int32(l) < level.Load() {
		return
	}
	line := fmt.Sprintf("%s [%s] %s", time.Now().Format(time.RFC3339), strings.ToUpper(l.String()), fmt.Sprintf(format, v...))
	outMu.Lock()
	fmt.Fprintln(out, line)
	outMu.Unlock()
}

func Debugf(format string, v ...interface{}) { emit(LevelDebug, format, v...) }
func Infof(format string, v ...interface{})  { emit(LevelInfo, format, v...) }
func Warnf(format string, v ...interface{})  { emit(LevelWarn, format, v...) }
func Errorf(format string, v ...interface{}) { emit(LevelError, format, v...) }

func Fatalf(format string, v ...interface{}) {
	emit(LevelFatal, format, v...)
	os.Exit(1)
}

// Single-string convenience variants.
func Debug(v string) { Debugf("%s", v) }
func Info(v string)  { Infof("%s", v) }
func Warn(v string)  { Warnf("%s", v) }
func Error(v string) { Errorf("%s", v) }
