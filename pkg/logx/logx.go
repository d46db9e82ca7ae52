// Package logx contains a minimal printf-style logger abstraction
// with support of prefixed sub-loggers.
package logx

import "log"

// Logger defines an interface for a printf-style logger.
type Logger interface {
	Printf(s string, args ...interface{})
	Sub(prefix string) Logger
}

// LoggerFunc is an adapter to use ordinary functions as Logger.
type LoggerFunc func(string, ...interface{})

// Printf calls the wrapped func.
func (f LoggerFunc) Printf(s string, args ...interface{}) { f(s, args...) }

// Sub returns a logger that prefixes every message with the given prefix.
// The level tag is expected to lead the message, so the prefix goes after it.
func (f LoggerFunc) Sub(prefix string) Logger {
	return LoggerFunc(func(s string, args ...interface{}) { f(prefix+s, args...) })
}

// Default returns a logger writing through the standard log package;
// level filtering is set up by main on the standard logger's writer.
func Default() Logger { return LoggerFunc(log.Printf) }

// NopLogger logs literally nothing.
func NopLogger() Logger { return LoggerFunc(func(string, ...interface{}) {}) }
