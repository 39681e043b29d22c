package definition

import (
	"github.com/sirupsen/logrus"
)

// A structured logger over logrus, for deployments that want leveled
// fields instead of the plain stderr logger.
type LogrusLogger struct {
	entry *logrus.Entry
	debug bool
}

// Creates a logger tagged with the given bus name.
func NewLogrusLogger(name string) *LogrusLogger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return &LogrusLogger{entry: l.WithField("bus", name)}
}

func (l *LogrusLogger) Info(v ...interface{}) {
	l.entry.Info(v...)
}

func (l *LogrusLogger) Infof(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

func (l *LogrusLogger) Warn(v ...interface{}) {
	l.entry.Warn(v...)
}

func (l *LogrusLogger) Warnf(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

func (l *LogrusLogger) Error(v ...interface{}) {
	l.entry.Error(v...)
}

func (l *LogrusLogger) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

func (l *LogrusLogger) Debug(v ...interface{}) {
	if l.debug {
		l.entry.Debug(v...)
	}
}

func (l *LogrusLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.entry.Debugf(format, v...)
	}
}

func (l *LogrusLogger) ToggleDebug(value bool) bool {
	l.debug = value
	return l.debug
}

func (l *LogrusLogger) Fatal(v ...interface{}) {
	l.entry.Fatal(v...)
}

func (l *LogrusLogger) Fatalf(format string, v ...interface{}) {
	l.entry.Fatalf(format, v...)
}

func (l *LogrusLogger) Panic(v ...interface{}) {
	l.entry.Panic(v...)
}

func (l *LogrusLogger) Panicf(format string, v ...interface{}) {
	l.entry.Panicf(format, v...)
}
