package telemetry

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the contest log level. It is a superset of slog levels because
// the operator tooling distinguishes "success" (milestones worth pushing)
// and "critical" (page someone) from plain errors.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelSuccess  Level = "success"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// LevelSet selects which levels a sink receives.
type LevelSet map[Level]bool

// ParseLevelSet converts a comma-separated list of level names to a LevelSet.
// Unknown names are ignored.
func ParseLevelSet(s string) LevelSet {
	set := LevelSet{}
	for _, part := range strings.Split(s, ",") {
		switch Level(strings.TrimSpace(part)) {
		case LevelDebug, LevelInfo, LevelSuccess, LevelWarning, LevelError, LevelCritical:
			set[Level(strings.TrimSpace(part))] = true
		}
	}
	return set
}

// Sink receives every record whose level is in the set it was registered with.
// Sinks must not call back into the Logger.
type Sink func(level Level, process, module, message string)

type sinkEntry struct {
	levels LevelSet
	sink   Sink
}

// Logger formats records as: [2026-02-21 17:10:39] process [level] module: message
// and fans them out to registered sinks (SQL log table, operator push).
type Logger struct {
	process string

	mu     sync.Mutex
	w      io.Writer
	stdout LevelSet
	sinks  []sinkEntry
}

func NewLogger(process string, stdout LevelSet) *Logger {
	return &Logger{
		process: process,
		w:       os.Stderr,
		stdout:  stdout,
	}
}

// AddSink registers an extra destination for the given levels.
func (l *Logger) AddSink(levels LevelSet, sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sinkEntry{levels: levels, sink: sink})
}

func (l *Logger) Log(level Level, module string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	l.mu.Lock()
	if l.stdout[level] {
		ts := time.Now().Format("2006-01-02 15:04:05")
		fmt.Fprintf(l.w, "[%s] %s [%s] %s: %s\n", ts, l.process, level, module, msg)
	}
	sinks := make([]sinkEntry, len(l.sinks))
	copy(sinks, l.sinks)
	l.mu.Unlock()

	for _, s := range sinks {
		if s.levels[level] {
			s.sink(level, l.process, module, msg)
		}
	}
}

// LogSlow logs a warning when fn takes longer than threshold.
// Used around scoreboard reloads and event fan-out.
func (l *Logger) LogSlow(module, what string, threshold time.Duration, fn func()) {
	t1 := time.Now()
	fn()
	if d := time.Since(t1); d > threshold {
		l.Log(LevelWarning, module, "took %.2fs to %s", d.Seconds(), what)
	}
}
