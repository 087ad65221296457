/*
Copyright The Barman Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package log contains the logging subsystem of Barman, a thin
// layer over zap exposing the leveled interface the rest of the
// code base relies on
package log

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels, ordered by decreasing severity
const (
	// ErrorLevelString is the string representation of the error level
	ErrorLevelString = "error"
	// ErrorLevel is the error level
	ErrorLevel = zapcore.ErrorLevel

	// WarningLevelString is the string representation of the warning level
	WarningLevelString = "warning"
	// WarningLevel is the warning level
	WarningLevel = zapcore.WarnLevel

	// InfoLevelString is the string representation of the info level
	InfoLevelString = "info"
	// InfoLevel is the info level
	InfoLevel = zapcore.InfoLevel

	// DebugLevelString is the string representation of the debug level
	DebugLevelString = "debug"
	// DebugLevel is the debug level
	DebugLevel = zapcore.Level(-1)

	// TraceLevelString is the string representation of the trace level
	TraceLevelString = "trace"
	// TraceLevel is the trace level
	TraceLevel = zapcore.Level(-2)

	// DefaultLevelString is the string representation of the default level
	DefaultLevelString = InfoLevelString
	// DefaultLevel is the default logging level
	DefaultLevel = InfoLevel
)

// Logger is the logging interface used by every Barman component
type Logger interface {
	// Enabled tells whether the logger is enabled
	Enabled() bool

	// Error logs an error entry, attaching the passed error
	Error(err error, msg string, keysAndValues ...interface{})

	// Warning logs a warning entry
	Warning(msg string, keysAndValues ...interface{})

	// Info logs an informational entry
	Info(msg string, keysAndValues ...interface{})

	// Debug logs a debug entry
	Debug(msg string, keysAndValues ...interface{})

	// Trace logs a trace entry
	Trace(msg string, keysAndValues ...interface{})

	// WithValues returns a logger annotated with the given key/value pairs
	WithValues(keysAndValues ...interface{}) Logger

	// WithName returns a logger with the given name segment appended
	WithName(name string) Logger

	// GetLogger returns a logr.Logger sharing the same sink, for the
	// libraries speaking logr
	GetLogger() logr.Logger
}

type logger struct {
	z *zap.SugaredLogger
}

var globalLogger = logger{z: zap.NewNop().Sugar()}

// loggerKey is the type of the key used to store the logger inside a context
type loggerKey struct{}

func (l logger) Enabled() bool {
	return l.z != nil
}

func (l logger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.z.Errorw(msg, append(keysAndValues, "error", err)...)
}

func (l logger) Warning(msg string, keysAndValues ...interface{}) {
	l.z.Warnw(msg, keysAndValues...)
}

func (l logger) Info(msg string, keysAndValues ...interface{}) {
	l.z.Infow(msg, keysAndValues...)
}

func (l logger) Debug(msg string, keysAndValues ...interface{}) {
	l.z.Logw(DebugLevel, msg, keysAndValues...)
}

func (l logger) Trace(msg string, keysAndValues ...interface{}) {
	l.z.Logw(TraceLevel, msg, keysAndValues...)
}

func (l logger) WithValues(keysAndValues ...interface{}) Logger {
	return logger{z: l.z.With(keysAndValues...)}
}

func (l logger) WithName(name string) Logger {
	return logger{z: l.z.Named(name)}
}

func (l logger) GetLogger() logr.Logger {
	return zapr.NewLogger(l.z.Desugar())
}

// SetLogger replaces the logger used by the package-level functions
func SetLogger(z *zap.Logger) {
	globalLogger = logger{z: z.Sugar()}
}

// GetLogger returns the current global logger
func GetLogger() Logger {
	return globalLogger
}

// FromContext extracts the logger stored inside a context, falling
// back to the global one when the context carries none
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return globalLogger
}

// IntoContext returns a copy of ctx carrying the passed logger
func IntoContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// WithName returns the global logger with the given name segment appended
func WithName(name string) Logger {
	return globalLogger.WithName(name)
}

// WithValues returns the global logger annotated with the given pairs
func WithValues(keysAndValues ...interface{}) Logger {
	return globalLogger.WithValues(keysAndValues...)
}

// Error logs an error entry on the global logger
func Error(err error, msg string, keysAndValues ...interface{}) {
	globalLogger.Error(err, msg, keysAndValues...)
}

// Warning logs a warning entry on the global logger
func Warning(msg string, keysAndValues ...interface{}) {
	globalLogger.Warning(msg, keysAndValues...)
}

// Info logs an informational entry on the global logger
func Info(msg string, keysAndValues ...interface{}) {
	globalLogger.Info(msg, keysAndValues...)
}

// Debug logs a debug entry on the global logger
func Debug(msg string, keysAndValues ...interface{}) {
	globalLogger.Debug(msg, keysAndValues...)
}

// Trace logs a trace entry on the global logger
func Trace(msg string, keysAndValues ...interface{}) {
	globalLogger.Trace(msg, keysAndValues...)
}
