// Package logging wraps the standard library's log.Logger with
// level-gated Debugf/Infof/Warnf/Errorf, matching the teacher's
// stdlib-only logging throughout server.go, main.go and bbolt.go. No
// third-party logging library is introduced here; see DESIGN.md.
package logging

import (
	"io"
	"log"
	"os"
)

// Level is a logging verbosity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string ("debug"/"info"/"warn"/"error") to a
// Level, defaulting to LevelInfo for anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a level-gated wrapper around *log.Logger.
type Logger struct {
	level Level
	l     *log.Logger
}

// New creates a Logger writing to w at the given level, using the
// standard library's timestamped prefix format.
func New(w io.Writer, level Level) *Logger {
	return &Logger{level: level, l: log.New(w, "", log.LstdFlags)}
}

// NewStdout creates a Logger writing to os.Stdout.
func NewStdout(level Level) *Logger {
	return New(os.Stdout, level)
}

func (lg *Logger) log(level Level, prefix, format string, args ...any) {
	if level < lg.level {
		return
	}
	lg.l.Printf(prefix+" "+format, args...)
}

func (lg *Logger) Debugf(format string, args ...any) { lg.log(LevelDebug, "[DEBUG]", format, args...) }
func (lg *Logger) Infof(format string, args ...any)  { lg.log(LevelInfo, "[INFO]", format, args...) }
func (lg *Logger) Warnf(format string, args ...any)  { lg.log(LevelWarn, "[WARN]", format, args...) }
func (lg *Logger) Errorf(format string, args ...any) { lg.log(LevelError, "[ERROR]", format, args...) }

// Fatalf logs at error level then exits, matching the teacher's
// log.Fatalf usage in main.go for unrecoverable startup failures.
func (lg *Logger) Fatalf(format string, args ...any) {
	lg.l.Fatalf("[FATAL] "+format, args...)
}
