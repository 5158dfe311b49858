// Package eventsink replaces the global ANSI-colored console logger named
// in the design notes (REDESIGN FLAGS) with a thin interface the Trainer
// passes down explicitly, so tests can inject a capturing sink instead of
// asserting against stdout.
package eventsink

import (
	"context"
	"log/slog"
)

// Level mirrors slog's levels so callers don't need to import log/slog
// just to log an event.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slog() slog.Level {
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

// Sink receives structured events. fields is an alternating key/value list,
// the same shape log/slog accepts.
type Sink interface {
	Event(level Level, msg string, fields ...any)
}

// SlogSink forwards events to the standard library's structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

// Default returns a SlogSink wrapping slog.Default().
func Default() Sink {
	return &SlogSink{Logger: slog.Default()}
}

func (s *SlogSink) Event(level Level, msg string, fields ...any) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), level.slog(), msg, fields...)
}

// Captured is one event recorded by a CapturingSink.
type Captured struct {
	Level  Level
	Msg    string
	Fields []any
}

// CapturingSink accumulates events in memory for assertions in tests.
type CapturingSink struct {
	Events []Captured
}

func (s *CapturingSink) Event(level Level, msg string, fields ...any) {
	s.Events = append(s.Events, Captured{Level: level, Msg: msg, Fields: fields})
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Event(Level, string, ...any) {}
