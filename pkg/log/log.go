// Package log provides the named-logger Log sink collaborator the reactor
// core talks to: getLogger(id, bundleName?) yielding a logger with
// level-tagged messages and a severity filter, ordered
// SEVERE > WARNING > INFO > CONFIG > FINE > FINER > FINEST.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package log

import (
	"io"
	"log/slog"
	"sync"

	"github.com/joeycumines/logiface"
	slogadapter "github.com/joeycumines/logiface-slog"
)

// Level is the reactor's severity scale, ordered most to least severe.
type Level int8

const (
	// Off disables a logger entirely.
	Off Level = iota - 1
	// Severe marks unrecoverable conditions (a fatal error that stops the reactor).
	Severe
	// Warning marks recoverable but noteworthy conditions (merged timer intervals, dropped deferreds).
	Warning
	// Info marks routine lifecycle events (reactor start/stop, worker recycling).
	Info
	// Config marks configuration and options resolution.
	Config
	// Fine marks detailed tracing useful during development.
	Fine
	// Finer is more detailed than Fine.
	Finer
	// Finest is the most detailed tracing level.
	Finest
)

func (l Level) String() string {
	switch l {
	case Off:
		return "OFF"
	case Severe:
		return "SEVERE"
	case Warning:
		return "WARNING"
	case Info:
		return "INFO"
	case Config:
		return "CONFIG"
	case Fine:
		return "FINE"
	case Finer:
		return "FINER"
	case Finest:
		return "FINEST"
	default:
		return "UNKNOWN"
	}
}

// toLogifaceLevel maps the seven reactor severities onto seven of logiface's
// nine syslog-style levels, preserving strict ordering. The names do not
// line up one-to-one between the two scales; only relative severity does.
func toLogifaceLevel(l Level) logiface.Level {
	switch l {
	case Severe:
		return logiface.LevelCritical
	case Warning:
		return logiface.LevelError
	case Info:
		return logiface.LevelWarning
	case Config:
		return logiface.LevelNotice
	case Fine:
		return logiface.LevelInformational
	case Finer:
		return logiface.LevelDebug
	case Finest:
		return logiface.LevelTrace
	default:
		return logiface.LevelDisabled
	}
}

// Logger is a single named logger handed out by a Sink.
type Logger struct {
	name string
	root *logiface.Logger[*slogadapter.Event]
}

func (lg *Logger) build(level Level) *logiface.Builder[*slogadapter.Event] {
	return lg.root.Build(toLogifaceLevel(level)).Str("logger", lg.name)
}

// Enabled reports whether a message at the given level would be emitted.
func (lg *Logger) Enabled(level Level) bool {
	return lg.build(level).Enabled()
}

// Log emits a formatted message at the given severity.
func (lg *Logger) Log(level Level, format string, args ...any) {
	lg.build(level).Logf(format, args...)
}

// Severe logs at the Severe level.
func (lg *Logger) Severe(format string, args ...any) { lg.Log(Severe, format, args...) }

// Warning logs at the Warning level.
func (lg *Logger) Warning(format string, args ...any) { lg.Log(Warning, format, args...) }

// Info logs at the Info level.
func (lg *Logger) Info(format string, args ...any) { lg.Log(Info, format, args...) }

// Config logs at the Config level.
func (lg *Logger) Config(format string, args ...any) { lg.Log(Config, format, args...) }

// Fine logs at the Fine level.
func (lg *Logger) Fine(format string, args ...any) { lg.Log(Fine, format, args...) }

// Finer logs at the Finer level.
func (lg *Logger) Finer(format string, args ...any) { lg.Log(Finer, format, args...) }

// Finest logs at the Finest level.
func (lg *Logger) Finest(format string, args ...any) { lg.Log(Finest, format, args...) }

// WithErr attaches an error to the next message built at the given level.
func (lg *Logger) WithErr(level Level, err error) *logiface.Builder[*slogadapter.Event] {
	return lg.build(level).Err(err)
}

// Sink is the reactor's Log sink collaborator: it hands out named loggers,
// each sharing one underlying slog-backed writer and level filter.
type Sink struct {
	mu      sync.Mutex
	loggers map[string]*Logger
	root    *logiface.Logger[*slogadapter.Event]
}

// NewSink builds a Sink writing JSON-formatted records to w at the given
// minimum severity.
func NewSink(w io.Writer, minLevel Level) *Sink {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	root := logiface.New[*slogadapter.Event](
		slogadapter.NewLogger(handler),
		logiface.WithLevel[*slogadapter.Event](toLogifaceLevel(minLevel)),
	)
	return &Sink{
		loggers: make(map[string]*Logger),
		root:    root,
	}
}

// GetLogger returns the named logger, creating it on first use. bundleName
// is accepted for interface parity with the external Log sink contract
// (resource-bundle localisation is explicitly out of scope) and is recorded
// as a field on every message when supplied. Only the call that creates the
// logger applies bundleName; later calls with the same id return the
// existing logger unchanged.
func (s *Sink) GetLogger(id string, bundleName ...string) *Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lg, ok := s.loggers[id]; ok {
		return lg
	}
	root := s.root
	if len(bundleName) > 0 && bundleName[0] != "" {
		root = s.root.Clone().Str("bundle", bundleName[0]).Logger()
	}
	lg := &Logger{name: id, root: root}
	s.loggers[id] = lg
	return lg
}
