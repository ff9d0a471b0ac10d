// Package logging adapts log/slog to github.com/pion/logging's
// LoggerFactory/LeveledLogger interfaces, so pion/ice and pion/sctp emit
// through the same structured logger as the rest of the program instead of
// their own default stdlib-log-based loggers.
package logging

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pion/logging"
)

// SlogLoggerFactory implements pion/logging.LoggerFactory by handing out
// loggers that forward to a shared *slog.Logger, tagging each with its
// pion-assigned scope and a fixed component name.
type SlogLoggerFactory struct {
	component string
	base      *slog.Logger
}

// NewSlogLoggerFactory returns a factory whose loggers are all tagged with
// component (e.g. an association or agent name) and log through slog's
// default logger.
func NewSlogLoggerFactory(component string) *SlogLoggerFactory {
	return &SlogLoggerFactory{component: component, base: slog.Default()}
}

// NewLogger implements logging.LoggerFactory.
func (f *SlogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{
		logger: f.base.With("component", f.component, "scope", scope),
	}
}

type slogLeveledLogger struct {
	logger *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string) { l.logger.Debug(msg) }
func (l *slogLeveledLogger) Debug(msg string) { l.logger.Debug(msg) }
func (l *slogLeveledLogger) Info(msg string)  { l.logger.Info(msg) }
func (l *slogLeveledLogger) Warn(msg string)  { l.logger.Warn(msg) }
func (l *slogLeveledLogger) Error(msg string) { l.logger.Error(msg) }

func (l *slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// SetDefault installs a slog logger built at the given level as the process
// default, so every SlogLoggerFactory created afterward (and direct slog
// call sites elsewhere in the program) share one sink and level.
func SetDefault(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
