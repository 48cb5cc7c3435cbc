// Package log provides a logger interface for logger libraries so that the
// core does not depend on any of them directly, plus a default
// implementation using logrus.
package log

// Logger serves as an adapter interface for logger libraries so that the
// core does not depend on any of them directly.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Level mirrors the AUTH_LOG_LEVEL environment variable.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)
