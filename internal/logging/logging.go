// Package logging provides the leveled logger shared by every core
// component, in the style of the device.Logger used throughout the
// teacher package this module was adapted from.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger wraps a zap.SugaredLogger behind the Verbosef/Errorf naming the
// rest of the tree calls into, so call sites read the same regardless of
// which backend is behind them.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a development-friendly Logger. Production entrypoints should
// prefer NewProduction.
func New() *Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("logging: failed to build logger: %v", err))
	}
	return &Logger{sugar: l.Sugar()}
}

// NewProduction builds a JSON-encoded, info-level Logger suitable for a
// long-running daemon.
func NewProduction() *Logger {
	l, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("logging: failed to build logger: %v", err))
	}
	return &Logger{sugar: l.Sugar()}
}

func (l *Logger) Verbosef(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)    { l.sugar.Infof(format, args...) }
func (l *Logger) Errorf(format string, args ...any)   { l.sugar.Errorf(format, args...) }

// Sync flushes any buffered log entries. Call on shutdown.
func (l *Logger) Sync() error { return l.sugar.Sync() }

// Nop returns a Logger that discards everything, for use in tests.
func Nop() *Logger { return &Logger{sugar: zap.NewNop().Sugar()} }
