// Package logging configures logrus and routes pion's internal logs into it.
package logging

import (
	"os"
	"strings"

	"github.com/pion/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger. Output goes to stderr so
// stdout stays free for media.
func Setup(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)

	switch strings.ToLower(format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	return nil
}

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// PionFactory implements logging.LoggerFactory on top of logrus.
// Pion scopes are logged one level quieter than they report, so ICE and
// DTLS chatter only shows up at debug.
type PionFactory struct {
	Logger *logrus.Logger
}

// NewPionFactory returns a factory writing to the standard logrus logger.
func NewPionFactory() *PionFactory {
	return &PionFactory{Logger: logrus.StandardLogger()}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{entry: f.Logger.WithFields(logrus.Fields{
		"component": "pion",
		"scope":     scope,
	})}
}

type pionLogger struct {
	entry *logrus.Entry
}

func (l *pionLogger) Trace(msg string)                          { l.entry.Trace(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.entry.Trace(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.entry.Debug(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.entry.Debugf(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
