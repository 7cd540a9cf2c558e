// Package proxy implements the forwarding data plane of ingrid. It
// terminates client connections, matches requests against the active
// rule snapshot, rewrites the path, selects a healthy backend endpoint
// and streams the exchanged bodies without buffering them.
package proxy

import (
	stdlibcontext "context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ingrid-io/ingrid/certregistry"
	"github.com/ingrid-io/ingrid/loadbalancer"
	"github.com/ingrid-io/ingrid/logging"
	"github.com/ingrid-io/ingrid/metrics"
	"github.com/ingrid-io/ingrid/pool"
	"github.com/ingrid-io/ingrid/ratelimit"
	"github.com/ingrid-io/ingrid/rewrite"
	"github.com/ingrid-io/ingrid/routing"
	"github.com/ingrid-io/ingrid/rule"
)

const (
	proxyBufferSize = 8192

	DefaultIdleConnsPerHost      = 64
	DefaultCloseIdleConnsPeriod  = 20 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultExpectContinueTimeout = 30 * time.Second

	unknownRuleID = "_unknown_rule"
)

// Flags control the behavior of the proxy.
type Flags uint

const (
	FlagsNone Flags = 0

	// Insecure causes the proxy to skip the TLS verification on
	// outgoing requests.
	Insecure Flags = 1 << iota

	// PreserveHost causes the proxy to forward the incoming Host
	// header to the backend instead of the endpoint address.
	PreserveHost
)

func (f Flags) Insecure() bool     { return f&Insecure != 0 }
func (f Flags) PreserveHost() bool { return f&PreserveHost != 0 }

// Params to initialize a proxy instance.
type Params struct {

	// Store provides the active rule snapshot for every request.
	Store *routing.Store

	// Pools provides the endpoints and their health states.
	Pools *pool.Registry

	// Balancer selects endpoints from the pools. When nil, a round
	// robin balancer is created.
	Balancer *loadbalancer.RoundRobin

	// Limiters applies the per rule request rate limits.
	Limiters *ratelimit.Registry

	// Certs, when set together with EnableHTTPSRedirect, is used to
	// decide whether a plain HTTP request has an HTTPS equivalent to
	// redirect to.
	Certs *certregistry.CertRegistry

	// EnableHTTPSRedirect redirects plain HTTP requests with
	// 308 Permanent Redirect when a TLS binding exists for the
	// requested host.
	EnableHTTPSRedirect bool

	Flags Flags

	// BackendTimeout limits the full backend exchange of requests
	// whose rule does not set its own timeout. Zero means no limit.
	BackendTimeout time.Duration

	// BreakerFailures is the number of consecutive backend failures
	// after which the circuit breaker of a pool opens. Zero disables
	// the breakers.
	BreakerFailures uint32

	// BreakerTimeout is the period an open breaker waits before
	// letting a probe request through.
	BreakerTimeout time.Duration

	// Timeout sets the TCP dial timeout for backend connections.
	Timeout time.Duration

	// KeepAlive sets the TCP keepalive for backend connections.
	KeepAlive time.Duration

	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	// IdleConnectionsPerHost limits the idle connections kept per
	// backend endpoint.
	IdleConnectionsPerHost int
	MaxIdleConns           int
	CloseIdleConnsPeriod   time.Duration

	// MaxConnsPerHost bounds the total connections per backend
	// endpoint, idle and active. When the bound is reached, further
	// requests block until a connection frees up or their deadline
	// expires. Zero means no bound.
	MaxConnsPerHost int

	// ClientTLS is used for TLS connections to the backends.
	ClientTLS *tls.Config

	AccessLogDisabled bool

	Metrics metrics.Metrics
	Log     logging.Logger
}

type (
	ratelimitError   string
	ruleLookupError  string
	unavailableError string
)

func (e ratelimitError) Error() string   { return string(e) }
func (e ruleLookupError) Error() string  { return string(e) }
func (e unavailableError) Error() string { return string(e) }

const (
	errRatelimit   = ratelimitError("ratelimited")
	errRuleLookup  = ruleLookupError("rule lookup failed")
	errUnavailable = unavailableError("no healthy endpoint")
)

var (
	errRuleLookupFailed   = &proxyError{err: errRuleLookup, code: http.StatusNotFound}
	errServiceUnavailable = &proxyError{err: errUnavailable, code: http.StatusServiceUnavailable}
	errCircuitBreakerOpen = &proxyError{
		err:              errors.New("circuit breaker open"),
		code:             http.StatusServiceUnavailable,
		additionalHeader: http.Header{"X-Circuit-Open": []string{"true"}},
	}

	hopHeaders = map[string]bool{
		"Te":                  true,
		"Connection":          true,
		"Proxy-Connection":    true,
		"Keep-Alive":          true,
		"Proxy-Authenticate":  true,
		"Proxy-Authorization": true,
		"Trailer":             true,
		"Transfer-Encoding":   true,
		"Upgrade":             true,
	}
)

// proxyError wraps errors of the forwarding path together with the
// response status code they map to. dialingFailed marks errors that
// happened before any HTTP data was sent, which makes the request safe
// to retry against another endpoint.
type proxyError struct {
	err              error
	code             int
	dialingFailed    bool
	additionalHeader http.Header
}

func (e *proxyError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("proxy error, dialing failed %v: %v", e.dialingFailed, e.err)
	}

	code := e.code
	if code == 0 {
		code = http.StatusInternalServerError
	}

	return fmt.Sprintf("proxy error: %d", code)
}

// DialError returns true if the error was caused while dialing the TCP
// connection, before HTTP data was sent.
func (e *proxyError) DialError() bool {
	return e.dialingFailed
}

func copyHeader(to, from http.Header) {
	for k, v := range from {
		to[http.CanonicalHeaderKey(k)] = v
	}
}

func copyHeaderExcluding(to, from http.Header, exclude map[string]bool) {
	for k, v := range from {
		if !exclude[k] {
			to[http.CanonicalHeaderKey(k)] = v
		}
	}
}

func cloneHeaderExcluding(h http.Header, exclude map[string]bool) http.Header {
	hh := make(http.Header)
	copyHeaderExcluding(hh, h, exclude)
	return hh
}

type flushedResponseWriter interface {
	Write([]byte) (int, error)
	Flush()
}

// copies a stream with flushing after every successful read operation
// (similar to io.Copy but with flushing)
func copyStream(to flushedResponseWriter, from io.Reader) error {
	b := make([]byte, proxyBufferSize)

	for {
		l, rerr := from.Read(b)
		if rerr != nil && rerr != io.EOF {
			return rerr
		}

		if l > 0 {
			_, werr := to.Write(b[:l])
			if werr != nil {
				return werr
			}

			to.Flush()
		}

		if rerr == io.EOF {
			return nil
		}
	}
}

type proxyDialer struct {
	net.Dialer
	f func(ctx stdlibcontext.Context, network, addr string) (net.Conn, error)
}

func newProxyDialer(d net.Dialer) *proxyDialer {
	return &proxyDialer{
		Dialer: d,
		f:      d.DialContext,
	}
}

// DialContext wraps net.Dialer's DialContext and marks its errors, so
// that the roundtrip can tell a failed connection attempt apart from a
// failure after HTTP data was sent.
func (dc *proxyDialer) DialContext(ctx stdlibcontext.Context, network, addr string) (net.Conn, error) {
	con, err := dc.f(ctx, network, addr)
	if err != nil {
		return nil, &proxyError{
			err:           err,
			code:          -1, // mapped to 502 in errorResponse
			dialingFailed: true,
		}
	}

	return con, nil
}

// Proxy serves client requests against the active rule snapshot and
// forwards them to the selected backend endpoints.
type Proxy struct {
	store          *routing.Store
	pools          *pool.Registry
	balancer       *loadbalancer.RoundRobin
	limiters       *ratelimit.Registry
	certs          *certregistry.CertRegistry
	flags          Flags
	roundTripper   http.RoundTripper
	redirectHTTPS  bool
	backendTimeout time.Duration

	breakerMx       sync.Mutex
	breakers        map[string]*gobreaker.CircuitBreaker
	breakerFailures uint32
	breakerTimeout  time.Duration

	accessLogDisabled bool
	metrics           metrics.Metrics
	log               logging.Logger
	quit              chan struct{}
}

// WithParams returns an initialized Proxy.
func WithParams(p Params) *Proxy {
	if p.IdleConnectionsPerHost <= 0 {
		p.IdleConnectionsPerHost = DefaultIdleConnsPerHost
	}

	if p.CloseIdleConnsPeriod == 0 {
		p.CloseIdleConnsPeriod = DefaultCloseIdleConnsPeriod
	}

	if p.ResponseHeaderTimeout == 0 {
		p.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}

	if p.ExpectContinueTimeout == 0 {
		p.ExpectContinueTimeout = DefaultExpectContinueTimeout
	}

	tr := &http.Transport{
		DialContext: newProxyDialer(net.Dialer{
			Timeout:   p.Timeout,
			KeepAlive: p.KeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   p.TLSHandshakeTimeout,
		ResponseHeaderTimeout: p.ResponseHeaderTimeout,
		ExpectContinueTimeout: p.ExpectContinueTimeout,
		MaxIdleConns:          p.MaxIdleConns,
		MaxIdleConnsPerHost:   p.IdleConnectionsPerHost,
		MaxConnsPerHost:       p.MaxConnsPerHost,
		IdleConnTimeout:       p.CloseIdleConnsPeriod,
	}

	if p.ClientTLS != nil {
		tr.TLSClientConfig = p.ClientTLS
	}

	if p.Flags.Insecure() {
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		} else {
			tr.TLSClientConfig.InsecureSkipVerify = true
		}
	}

	quit := make(chan struct{})
	if p.CloseIdleConnsPeriod > 0 {
		go func() {
			for {
				select {
				case <-time.After(p.CloseIdleConnsPeriod):
					tr.CloseIdleConnections()
				case <-quit:
					return
				}
			}
		}()
	}

	if p.Balancer == nil {
		p.Balancer = loadbalancer.NewRoundRobin()
	}

	if p.Metrics == nil {
		p.Metrics = metrics.Default
	}

	if p.Log == nil {
		p.Log = &logging.DefaultLog{}
	}

	return &Proxy{
		store:             p.Store,
		pools:             p.Pools,
		balancer:          p.Balancer,
		limiters:          p.Limiters,
		certs:             p.Certs,
		flags:             p.Flags,
		roundTripper:      tr,
		redirectHTTPS:     p.EnableHTTPSRedirect,
		backendTimeout:    p.BackendTimeout,
		breakers:          make(map[string]*gobreaker.CircuitBreaker),
		breakerFailures:   p.BreakerFailures,
		breakerTimeout:    p.BreakerTimeout,
		accessLogDisabled: p.AccessLogDisabled,
		metrics:           p.Metrics,
		log:               p.Log,
		quit:              quit,
	}
}

// Close stops the background idle connection cleanup of the proxy.
func (p *Proxy) Close() {
	close(p.quit)
}

func (p *Proxy) breakerFor(poolName string) *gobreaker.CircuitBreaker {
	if p.breakerFailures == 0 {
		return nil
	}

	p.breakerMx.Lock()
	defer p.breakerMx.Unlock()

	b, ok := p.breakers[poolName]
	if !ok {
		failures := p.breakerFailures
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    poolName,
			Timeout: p.breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		})
		p.breakers[poolName] = b
	}

	return b
}

// context holds the request scoped state of the forwarding path.
type context struct {
	responseWriter *logging.LoggingWriter
	request        *http.Request
	snapshot       *routing.Snapshot
	rule           *rule.Rule
	captures       []string
	response       *http.Response
	startServe     time.Time
	outgoingHost   string
	cancel         func()
}

func (c *context) ruleID() string {
	if c.rule == nil {
		return unknownRuleID
	}

	return c.rule.ID
}

func defaultBackendRule(backend string) *rule.Rule {
	return &rule.Rule{
		ID:          "_default_backend",
		PathPattern: "/",
		MatchKind:   rule.MatchPrefix,
		Backend:     backend,
	}
}

// mapRequest creates the outgoing request to be forwarded to the
// selected endpoint, based on the incoming request. Hop-by-hop headers
// are dropped and the standard forwarding headers are appended. The
// scheme of the endpoint decides whether the backend connection uses
// TLS.
func mapRequest(r *http.Request, endpoint pool.Endpoint, path string, preserveHost bool) (*http.Request, error) {
	u := *r.URL
	u.Scheme = endpoint.Scheme
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	u.Host = endpoint.Address
	u.Path = path

	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}

	rr, err := http.NewRequest(r.Method, u.String(), body)
	if err != nil {
		return nil, &proxyError{err: err, code: http.StatusBadRequest}
	}

	rr = rr.WithContext(r.Context())
	rr.ContentLength = r.ContentLength
	rr.Header = cloneHeaderExcluding(r.Header, hopHeaders)
	if preserveHost {
		rr.Host = r.Host
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := rr.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}

		rr.Header.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}

	rr.Header.Set("X-Forwarded-Proto", proto)
	if rr.Header.Get("X-Forwarded-Host") == "" {
		rr.Header.Set("X-Forwarded-Host", r.Host)
	}

	return rr, nil
}

// retryable requests have no body to replay, so a failed connection
// attempt can be repeated against another endpoint.
func retryable(req *http.Request) bool {
	return req != nil && (req.Body == nil || req.Body == http.NoBody)
}

func (p *Proxy) makeBackendRequest(ctx *context, endpoint pool.Endpoint) (*http.Response, *proxyError) {
	req, err := mapRequest(ctx.request, endpoint, ctx.request.URL.Path, p.flags.PreserveHost())
	if err != nil {
		perr, _ := err.(*proxyError)
		return nil, perr
	}

	response, err := p.roundTripper.RoundTrip(req)
	if err != nil {
		if perr, ok := err.(*proxyError); ok {
			return nil, perr
		}

		if uerr, ok := err.(*url.Error); ok {
			if perr, ok := uerr.Err.(*proxyError); ok {
				return nil, perr
			}

			if uerr.Timeout() {
				return nil, &proxyError{err: err, code: http.StatusGatewayTimeout}
			}
		}

		if cerr := req.Context().Err(); cerr != nil {
			if cerr == stdlibcontext.DeadlineExceeded {
				return nil, &proxyError{err: cerr, code: http.StatusGatewayTimeout}
			}

			// client closed request
			return nil, &proxyError{err: cerr, code: 499}
		}

		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, &proxyError{err: err, code: http.StatusGatewayTimeout}
		}

		return nil, &proxyError{err: err, code: http.StatusBadGateway}
	}

	return response, nil
}

// forward selects an endpoint and performs the backend exchange,
// retrying once against another endpoint when the first connection
// attempt fails before sending HTTP data.
func (p *Proxy) forward(ctx *context) error {
	endpoint, err := p.balancer.Select(ctx.rule.Backend, p.pools.Endpoints(ctx.rule.Backend))
	if err != nil {
		return errServiceUnavailable
	}

	backendStart := time.Now()
	rsp, perr := p.makeBackendRequest(ctx, endpoint)
	if perr != nil {
		p.metrics.IncErrorsBackend(ctx.rule.ID)

		if perr.DialError() && retryable(ctx.request) {
			p.pools.Apply(pool.Event{
				Pool:    ctx.rule.Backend,
				Op:      pool.SetHealth,
				Address: endpoint.Address,
				State:   pool.Unhealthy,
			})

			retryEndpoint, rerr := p.balancer.Select(
				ctx.rule.Backend,
				p.pools.Endpoints(ctx.rule.Backend),
				endpoint.Address,
			)
			if rerr != nil {
				return perr
			}

			p.log.Infof("retrying %s against %s after failed connection attempt", ctx.rule.ID, retryEndpoint.Address)

			var perr2 *proxyError
			rsp, perr2 = p.makeBackendRequest(ctx, retryEndpoint)
			if perr2 != nil {
				p.log.Errorf("failed to retry backend request: %v", perr2)
				return perr2
			}
		} else {
			return perr
		}
	}

	ctx.response = rsp
	p.metrics.MeasureBackend(ctx.rule.ID, backendStart)
	return nil
}

func (p *Proxy) do(ctx *context) error {
	lookupStart := time.Now()
	m, ok := ctx.snapshot.Match(ctx.request.Host, ctx.request.URL.Path)
	p.metrics.MeasureRouteLookup(lookupStart)

	if ok {
		ctx.rule = m.Rule
		ctx.captures = m.Captures
	} else if ctx.snapshot.DefaultBackend != "" {
		ctx.rule = defaultBackendRule(ctx.snapshot.DefaultBackend)
	} else {
		p.metrics.IncRoutingFailures()
		p.log.Debugf("could not find a rule for %s%s", ctx.request.Host, ctx.request.URL.Path)
		return errRuleLookupFailed
	}

	if p.limiters != nil && !p.limiters.Allow(ctx.rule) {
		p.metrics.IncRatelimited(ctx.rule.ID)
		return &proxyError{
			err:  errRatelimit,
			code: http.StatusTooManyRequests,
			additionalHeader: http.Header{
				ratelimit.Header:           []string{strconv.FormatFloat(ctx.rule.RateLimit.RequestsPerSecond, 'f', -1, 64)},
				ratelimit.RetryAfterHeader: []string{"1"},
			},
		}
	}

	ctx.request.URL.Path = rewrite.Rewrite(ctx.request.URL.Path, ctx.rule, ctx.captures)

	if to := p.timeoutFor(ctx.rule); to > 0 {
		c, cancel := stdlibcontext.WithTimeout(ctx.request.Context(), to)
		ctx.cancel = cancel
		ctx.request = ctx.request.WithContext(c)
	}

	b := p.breakerFor(ctx.rule.Backend)
	if b == nil {
		return p.forward(ctx)
	}

	_, err := b.Execute(func() (interface{}, error) {
		if err := p.forward(ctx); err != nil {
			return nil, err
		}

		if ctx.response.StatusCode >= http.StatusInternalServerError {
			return nil, &proxyError{code: ctx.response.StatusCode}
		}

		return nil, nil
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		p.metrics.IncBreakerOpen(ctx.rule.Backend)
		return errCircuitBreakerOpen
	}

	// a 5xx response trips the breaker but is still served as is
	if perr, ok := err.(*proxyError); ok && perr.err == nil && ctx.response != nil {
		return nil
	}

	return err
}

func (p *Proxy) timeoutFor(r *rule.Rule) time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}

	return p.backendTimeout
}

func (p *Proxy) serveResponse(ctx *context) {
	copyHeader(ctx.responseWriter.Header(), ctx.response.Header)

	if err := ctx.request.Context().Err(); err != nil {
		// deadline exceeded or canceled in stdlib, client closed request
		p.log.Infof("client request: %v", err)
		ctx.response.StatusCode = 499
	}

	ctx.responseWriter.WriteHeader(ctx.response.StatusCode)
	ctx.responseWriter.Flush()
	if err := copyStream(ctx.responseWriter, ctx.response.Body); err != nil {
		p.metrics.IncErrorsStreaming(ctx.ruleID())
		p.log.Errorf("error while copying the response stream: %v", err)
	}
}

func (p *Proxy) errorResponse(ctx *context, err error) {
	perr, ok := err.(*proxyError)

	code := http.StatusInternalServerError
	if ok && perr.code != 0 {
		if perr.code == -1 { // dial connection refused
			code = http.StatusBadGateway
		} else {
			code = perr.code
		}
	}

	if ok && len(perr.additionalHeader) > 0 {
		copyHeader(ctx.responseWriter.Header(), perr.additionalHeader)
	}

	switch {
	case err == errRuleLookupFailed:
	case ok && perr.err == errRatelimit:
	default:
		p.log.Errorf(
			"error while proxying, rule %s with backend %s, status code %d: %v",
			ctx.ruleID(), ctx.backend(), code, err)
	}

	ctx.responseWriter.Header().Set("Content-Type", "text/plain; charset=utf-8")
	ctx.responseWriter.Header().Set("X-Content-Type-Options", "nosniff")
	ctx.responseWriter.WriteHeader(code)
	fmt.Fprintln(ctx.responseWriter, http.StatusText(code))
}

func (c *context) backend() string {
	if c.rule == nil {
		return ""
	}

	return c.rule.Backend
}

func (p *Proxy) shouldRedirectHTTPS(r *http.Request) bool {
	if !p.redirectHTTPS || p.certs == nil || r.TLS != nil {
		return false
	}

	return p.certs.HasBinding(r.Host)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	u := *r.URL
	u.Scheme = "https"
	u.Host = r.Host
	http.Redirect(w, r, u.String(), http.StatusPermanentRedirect)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startServe := time.Now()
	lw := logging.NewLoggingWriter(w)

	if p.shouldRedirectHTTPS(r) {
		redirectHTTPS(lw, r)
		p.logAccess(&context{responseWriter: lw, request: r, startServe: startServe})
		return
	}

	ctx := &context{
		responseWriter: lw,
		request:        r,
		snapshot:       p.store.Snapshot(),
		startServe:     startServe,
	}

	err := p.do(ctx)
	if ctx.cancel != nil {
		defer ctx.cancel()
	}

	if err != nil {
		p.errorResponse(ctx, err)
	} else {
		p.serveResponse(ctx)
		ctx.response.Body.Close()
	}

	p.metrics.MeasureServe(
		ctx.ruleID(),
		ctx.request.Host,
		ctx.request.Method,
		lw.GetCode(),
		startServe,
	)
	p.logAccess(ctx)
}

func (p *Proxy) logAccess(ctx *context) {
	if p.accessLogDisabled {
		return
	}

	logging.LogAccess(&logging.AccessEntry{
		Request:      ctx.request,
		ResponseSize: ctx.responseWriter.GetBytes(),
		StatusCode:   ctx.responseWriter.GetCode(),
		RequestTime:  ctx.startServe,
		Duration:     time.Since(ctx.startServe),
		RuleID:       ctx.ruleID(),
	})
}
