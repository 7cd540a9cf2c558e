package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger instances provide custom logging.
type Logger interface {

	// Log with level ERROR
	Error(...interface{})

	// Log formatted messages with level ERROR
	Errorf(string, ...interface{})

	// Log with level WARN
	Warn(...interface{})

	// Log formatted messages with level WARN
	Warnf(string, ...interface{})

	// Log with level INFO
	Info(...interface{})

	// Log formatted messages with level INFO
	Infof(string, ...interface{})

	// Log with level DEBUG
	Debug(...interface{})

	// Log formatted messages with level DEBUG
	Debugf(string, ...interface{})
}

// DefaultLog provides a default implementation of the Logger interface,
// logging through the standard logrus logger.
type DefaultLog struct{}

func (l *DefaultLog) Error(a ...interface{})            { logrus.Error(a...) }
func (l *DefaultLog) Errorf(f string, a ...interface{}) { logrus.Errorf(f, a...) }
func (l *DefaultLog) Warn(a ...interface{})             { logrus.Warn(a...) }
func (l *DefaultLog) Warnf(f string, a ...interface{})  { logrus.Warnf(f, a...) }
func (l *DefaultLog) Info(a ...interface{})             { logrus.Info(a...) }
func (l *DefaultLog) Infof(f string, a ...interface{})  { logrus.Infof(f, a...) }
func (l *DefaultLog) Debug(a ...interface{})            { logrus.Debug(a...) }
func (l *DefaultLog) Debugf(f string, a ...interface{}) { logrus.Debugf(f, a...) }
