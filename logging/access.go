package logging

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	dateFormat      = "02/Jan/2006:15:04:05 -0700"
	commonLogFormat = `%s - - [%s] "%s %s %s" %d %d`
	// format:
	// remote_host - - [date] "method uri protocol" status response_size "referer" "user_agent"
	combinedLogFormat = commonLogFormat + ` "%s" "%s"`
	// We add the duration in ms, the requested host and the matched rule.
	accessLogFormat = combinedLogFormat + " %d %s %s\n"
)

type accessLogFormatter struct {
	format string
}

// AccessEntry represents an access log event.
type AccessEntry struct {

	// The client request.
	Request *http.Request

	// The status code of the response.
	StatusCode int

	// The size of the response in bytes.
	ResponseSize int64

	// The time spent processing the request.
	Duration time.Duration

	// The time that the request was received.
	RequestTime time.Time

	// The id of the matched rule, or "-" when no rule matched.
	RuleID string
}

var (
	accessLog         *logrus.Logger
	accessLogSampling float64
)

// strip port from addresses with hostname, ipv4 or ipv6
func stripPort(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}

	return address
}

// The remote address of the client. When the 'X-Forwarded-For'
// header is set, then it is used instead.
func remoteAddr(r *http.Request) string {
	ff := r.Header.Get("X-Forwarded-For")
	if ff != "" {
		return ff
	}

	return r.RemoteAddr
}

func remoteHost(r *http.Request) string {
	a := remoteAddr(r)
	h := stripPort(a)
	if h != "" {
		return h
	}

	return "-"
}

func (f *accessLogFormatter) Format(e *logrus.Entry) ([]byte, error) {
	keys := []string{
		"host", "timestamp", "method", "uri", "proto",
		"status", "response-size", "referer", "user-agent",
		"duration", "requested-host", "rule"}

	values := make([]interface{}, len(keys))
	for i, key := range keys {
		values[i] = e.Data[key]
	}

	return []byte(fmt.Sprintf(f.format, values...)), nil
}

// LogAccess logs an access event in Apache combined log format (with a
// minor customization with the duration, the requested host and the
// matched rule). When sampling is configured, only the sampled fraction
// of the events is written.
func LogAccess(entry *AccessEntry) {
	if accessLog == nil || entry == nil {
		return
	}

	if accessLogSampling > 0 && accessLogSampling < 1 && rand.Float64() >= accessLogSampling {
		return
	}

	host := "-"
	method := ""
	uri := ""
	proto := ""
	referer := ""
	userAgent := ""
	requestedHost := ""

	status := entry.StatusCode
	responseSize := entry.ResponseSize
	duration := int64(entry.Duration / time.Millisecond)
	ts := entry.RequestTime.Format(dateFormat)
	ruleID := entry.RuleID
	if ruleID == "" {
		ruleID = "-"
	}

	if entry.Request != nil {
		host = remoteHost(entry.Request)
		method = entry.Request.Method
		uri = entry.Request.RequestURI
		proto = entry.Request.Proto
		referer = entry.Request.Referer()
		userAgent = entry.Request.UserAgent()
		requestedHost = entry.Request.Host
	}

	accessLog.WithFields(logrus.Fields{
		"host":           host,
		"timestamp":      ts,
		"method":         method,
		"uri":            uri,
		"proto":          proto,
		"status":         status,
		"response-size":  responseSize,
		"referer":        referer,
		"user-agent":     userAgent,
		"duration":       duration,
		"requested-host": requestedHost,
		"rule":           ruleID,
	}).Info()
}
