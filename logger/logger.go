/*
 * Copyright (c) 2019 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
// Note: The implementation comes from https://www.mountedthoughts.com/golang-logger-interface/
// https://github.com/amitrai48/logger

package logger

// Fields is a set of structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// Logger is the logging surface used across the batch core. Every
// component that needs to log takes a Logger rather than a concrete
// backend so the caller can swap in logrus, zap or zerolog.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Panicf(format string, args ...interface{})
	WithFields(fields Fields) Logger
}

// Level names shared by every backend's configuration.
const (
	Debug = "debug"
	Info  = "info"
	Warn  = "warn"
	Error = "error"
	Fatal = "fatal"
)

// Configuration is the backend-agnostic logger configuration. Each
// adapter (logrus, zap, zerolog) interprets it the same way: console
// and/or rotating file output, independently leveled and formatted.
type Configuration struct {
	EnableConsole     bool
	ConsoleJSONFormat bool
	ConsoleLevel      string

	EnableFile     bool
	FileJSONFormat bool
	FileLevel      string

	Filename   string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	LocalTime  bool
}

// GetDefaultLogger returns the default logger used when the caller
// configures nothing: console-only, human-readable, info level.
func GetDefaultLogger() Logger {
	return NewLogrusLoggerWithConfig(Configuration{
		EnableConsole: true,
		ConsoleLevel:  Info,
		LocalTime:     true,
	})
}

// normalizeConfig fills in the file-rotation defaults shared by every
// backend so callers don't have to repeat them.
func normalizeConfig(config *Configuration) {
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 100
	}

	if config.MaxAgeDays <= 0 {
		config.MaxAgeDays = 7
	}

	if config.MaxBackups < 0 {
		config.MaxBackups = 0
	}
}

type noopLogger struct{}

// NewNoopLogger returns a Logger that discards everything, used by
// components under test that don't care about log output.
func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}
func (noopLogger) Fatalf(string, ...interface{}) {}
func (noopLogger) Panicf(string, ...interface{}) {}
func (noopLogger) WithFields(Fields) Logger      { return noopLogger{} }
