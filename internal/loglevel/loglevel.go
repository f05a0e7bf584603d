// Package loglevel lets a running node change the minimum level of every
// logger derived from one base logger.
package loglevel

import (
	"sync/atomic"

	"pkt.systems/pslog"
)

// Switch holds the minimum level shared by the loggers it wraps.
type Switch struct {
	initial pslog.Level
	current atomic.Int32
}

// New returns a Switch starting at initial.
func New(initial pslog.Level) *Switch {
	s := &Switch{initial: initial}
	s.current.Store(int32(initial))
	return s
}

// Level returns the current minimum level.
func (s *Switch) Level() pslog.Level { return pslog.Level(s.current.Load()) }

// Set changes the minimum level of every wrapped logger.
func (s *Switch) Set(level pslog.Level) { s.current.Store(int32(level)) }

// Restore returns to the level the Switch was created with.
func (s *Switch) Restore() { s.Set(s.initial) }

// Initial returns the level the Switch was created with.
func (s *Switch) Initial() pslog.Level { return s.initial }

// Wrap returns a logger gated by s. The base logger is opened to every level
// so that lowering the switch takes effect; s does the filtering.
func (s *Switch) Wrap(base pslog.Logger) pslog.Logger {
	if base == nil {
		base = pslog.NoopLogger()
	}
	return &gated{next: base.LogLevel(pslog.TraceLevel), sw: s}
}

type gated struct {
	next pslog.Logger
	sw   *Switch
}

func (g *gated) enabled(level pslog.Level) bool {
	floor := g.sw.Level()
	if floor == pslog.Disabled {
		return false
	}
	if level == pslog.NoLevel {
		return true
	}
	return level >= floor
}

func (g *gated) Trace(msg string, keyvals ...any) {
	if g.enabled(pslog.TraceLevel) {
		g.next.Trace(msg, keyvals...)
	}
}

func (g *gated) Debug(msg string, keyvals ...any) {
	if g.enabled(pslog.DebugLevel) {
		g.next.Debug(msg, keyvals...)
	}
}

func (g *gated) Info(msg string, keyvals ...any) {
	if g.enabled(pslog.InfoLevel) {
		g.next.Info(msg, keyvals...)
	}
}

func (g *gated) Warn(msg string, keyvals ...any) {
	if g.enabled(pslog.WarnLevel) {
		g.next.Warn(msg, keyvals...)
	}
}

func (g *gated) Error(msg string, keyvals ...any) {
	if g.enabled(pslog.ErrorLevel) {
		g.next.Error(msg, keyvals...)
	}
}

// Fatal and Panic are never gated; the backend may end the process.
func (g *gated) Fatal(msg string, keyvals ...any) { g.next.Fatal(msg, keyvals...) }
func (g *gated) Panic(msg string, keyvals ...any) { g.next.Panic(msg, keyvals...) }

func (g *gated) Log(level pslog.Level, msg string, keyvals ...any) {
	if g.enabled(level) {
		g.next.Log(level, msg, keyvals...)
	}
}

func (g *gated) With(keyvals ...any) pslog.Logger {
	return &gated{next: g.next.With(keyvals...), sw: g.sw}
}

func (g *gated) WithLogLevel() pslog.Logger {
	return &gated{next: g.next.WithLogLevel(), sw: g.sw}
}

// LogLevel raises the floor of the derived logger above the switch.
func (g *gated) LogLevel(level pslog.Level) pslog.Logger {
	return &gated{next: g.next.LogLevel(level), sw: g.sw}
}

func (g *gated) LogLevelFromEnv(key string) pslog.Logger {
	return &gated{next: g.next.LogLevelFromEnv(key), sw: g.sw}
}
