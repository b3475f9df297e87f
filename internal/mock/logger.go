// Package mock provides in-process doubles for tests and local runs: a
// scripted exchange and a silent logger.
package mock

import "trading_engine/internal/core"

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(msg string, fields ...interface{}) {}
func (NopLogger) Info(msg string, fields ...interface{})  {}
func (NopLogger) Warn(msg string, fields ...interface{})  {}
func (NopLogger) Error(msg string, fields ...interface{}) {}
func (NopLogger) Fatal(msg string, fields ...interface{}) {}

func (n NopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n NopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() core.ILogger { return NopLogger{} }

var _ core.ILogger = NopLogger{}
