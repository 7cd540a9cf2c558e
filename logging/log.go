// Package logging configures the application and access logs of ingrid,
// both backed by logrus.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type prefixFormatter struct {
	prefix    string
	formatter logrus.Formatter
}

// Init options for logging.
type Options struct {

	// Prefix for application log entries. Primarily used to be
	// able to select between access log and application log
	// entries.
	ApplicationLogPrefix string

	// Output for the application log entries, when nil,
	// os.Stderr is used.
	ApplicationLogOutput io.Writer

	// Application log level, debug through error. Empty means info.
	ApplicationLogLevel string

	// When set, the application log uses JSON format.
	ApplicationLogJSONEnabled bool

	// Output for the access log entries, when nil, os.Stderr is
	// used.
	AccessLogOutput io.Writer

	// When set, no access log is printed.
	AccessLogDisabled bool

	// When set, the access log uses JSON format.
	AccessLogJSONEnabled bool

	// Fraction of requests written to the access log, in (0, 1].
	// Zero means no sampling, every request is logged.
	AccessLogSampling float64
}

func (f *prefixFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b, err := f.formatter.Format(e)
	if err != nil {
		return nil, err
	}

	return append([]byte(f.prefix), b...), nil
}

func initApplicationLog(o Options) error {
	if o.ApplicationLogLevel != "" {
		l, err := logrus.ParseLevel(o.ApplicationLogLevel)
		if err != nil {
			return err
		}

		logrus.SetLevel(l)
	}

	if o.ApplicationLogJSONEnabled {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	if o.ApplicationLogPrefix != "" {
		logrus.SetFormatter(&prefixFormatter{
			o.ApplicationLogPrefix, logrus.StandardLogger().Formatter})
	}

	if o.ApplicationLogOutput != nil {
		logrus.SetOutput(o.ApplicationLogOutput)
	}

	return nil
}

func initAccessLog(o Options) {
	l := logrus.New()
	if o.AccessLogJSONEnabled {
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: dateFormat, DisableTimestamp: true}
	} else {
		l.Formatter = &accessLogFormatter{accessLogFormat}
	}

	l.Out = o.AccessLogOutput
	l.Level = logrus.InfoLevel
	accessLog = l
	accessLogSampling = o.AccessLogSampling
}

// Init initializes the logging.
func Init(o Options) error {
	if err := initApplicationLog(o); err != nil {
		return err
	}

	if o.AccessLogDisabled {
		accessLog = nil
		return nil
	}

	if o.AccessLogOutput == nil {
		o.AccessLogOutput = os.Stderr
	}

	initAccessLog(o)
	return nil
}
