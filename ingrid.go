package ingrid

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ingrid-io/ingrid/certregistry"
	"github.com/ingrid-io/ingrid/dataclients/rulefile"
	"github.com/ingrid-io/ingrid/dataclients/ruletest"
	"github.com/ingrid-io/ingrid/loadbalancer"
	"github.com/ingrid-io/ingrid/logging"
	"github.com/ingrid-io/ingrid/metrics"
	"github.com/ingrid-io/ingrid/pool"
	"github.com/ingrid-io/ingrid/proxy"
	"github.com/ingrid-io/ingrid/ratelimit"
	"github.com/ingrid-io/ingrid/routing"
	"github.com/ingrid-io/ingrid/rule"
)

const (
	defaultSourcePollTimeout = 3 * time.Second
	defaultSupportListener   = ":9911"
)

// Options to start ingrid.
type Options struct {

	// Address is the network address for the plain HTTP listener.
	Address string

	// TLSAddress is the network address for the HTTPS listener. An
	// empty value disables TLS termination.
	TLSAddress string

	// SupportListener is the network address exposing the /metrics
	// and /health endpoints. An empty value disables the support
	// endpoints.
	SupportListener string

	// RulesFile is a YAML file with the rule document, reread on
	// every poll interval.
	RulesFile string

	// InlineRules is a YAML rule document passed directly, mostly
	// useful for tests and small fixed setups.
	InlineRules string

	// CustomDataClients are additional rule document sources.
	CustomDataClients []routing.DataClient

	// SourcePollTimeout is the polling interval of the rule document
	// sources.
	SourcePollTimeout time.Duration

	// DefaultTLSCert and DefaultTLSKey name the certificate served
	// for TLS connections not covered by any rule document binding.
	DefaultTLSCert string
	DefaultTLSKey  string

	// EnableHTTPSRedirect redirects plain HTTP requests to HTTPS for
	// hosts that have a TLS binding.
	EnableHTTPSRedirect bool

	// Insecure skips the TLS verification of the backends.
	Insecure bool

	// ProxyPreserveHost forwards the incoming Host header to the
	// backends.
	ProxyPreserveHost bool

	// BackendTimeout limits the backend exchange of rules without an
	// own timeout.
	BackendTimeout time.Duration

	// BreakerFailures is the number of consecutive failures opening
	// the circuit breaker of a backend pool. Zero disables breakers.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	TimeoutBackend             time.Duration
	KeepaliveBackend           time.Duration
	TLSHandshakeTimeoutBackend time.Duration
	ResponseHeaderTimeout      time.Duration
	IdleConnectionsPerHost     int
	MaxIdleConnsBackend        int
	MaxConnsBackend            int
	CloseIdleConnsPeriod       time.Duration

	ReadTimeoutServer       time.Duration
	ReadHeaderTimeoutServer time.Duration
	WriteTimeoutServer      time.Duration
	IdleTimeoutServer       time.Duration
	MaxHeaderBytes          int

	// WaitForShutdownDelay is slept after a termination signal,
	// before closing the listeners, to let load balancers notice the
	// instance going away.
	WaitForShutdownDelay time.Duration

	ApplicationLogOutput      string
	ApplicationLogPrefix      string
	ApplicationLogLevel       string
	ApplicationLogJSONEnabled bool

	AccessLogOutput      string
	AccessLogDisabled    bool
	AccessLogJSONEnabled bool
	AccessLogSampling    float64

	MetricsListener        string
	MetricsPrefix          string
	HistogramMetricBuckets []float64

	ProxyFlags proxy.Flags
}

func createDataClients(o Options) ([]routing.DataClient, error) {
	var clients []routing.DataClient

	if o.RulesFile != "" {
		f, err := rulefile.New(o.RulesFile)
		if err != nil {
			return nil, err
		}

		clients = append(clients, f)
	}

	if o.InlineRules != "" {
		ir, err := ruletest.NewYAML(o.InlineRules)
		if err != nil {
			return nil, fmt.Errorf("invalid inline rules: %w", err)
		}

		clients = append(clients, ir)
	}

	clients = append(clients, o.CustomDataClients...)
	return clients, nil
}

func initLog(o Options) error {
	var (
		logOutput       *os.File
		accessLogOutput *os.File
		err             error
	)

	if o.ApplicationLogOutput != "" {
		logOutput, err = os.OpenFile(o.ApplicationLogOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
	}

	if !o.AccessLogDisabled && o.AccessLogOutput != "" {
		accessLogOutput, err = os.OpenFile(o.AccessLogOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
	}

	lo := logging.Options{
		ApplicationLogPrefix:      o.ApplicationLogPrefix,
		ApplicationLogLevel:       o.ApplicationLogLevel,
		ApplicationLogJSONEnabled: o.ApplicationLogJSONEnabled,
		AccessLogDisabled:         o.AccessLogDisabled,
		AccessLogJSONEnabled:      o.AccessLogJSONEnabled,
		AccessLogSampling:         o.AccessLogSampling,
	}

	if logOutput != nil {
		lo.ApplicationLogOutput = logOutput
	}

	if accessLogOutput != nil {
		lo.AccessLogOutput = accessLogOutput
	}

	return logging.Init(lo)
}

func supportHandler(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	return mux
}

func listenAndServe(srv *http.Server, name string, wg *sync.WaitGroup, errs chan<- error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("%s listener on %s", name, srv.Addr)

		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}

		if err != http.ErrServerClosed {
			errs <- fmt.Errorf("%s listener: %w", name, err)
		}
	}()
}

// Run starts ingrid set up according to the passed options. It is a
// blocking call that returns when the listeners are closed, either due
// to a startup error or a gracefully handled termination signal.
func Run(o Options) error {
	if err := initLog(o); err != nil {
		return err
	}

	if o.SourcePollTimeout <= 0 {
		o.SourcePollTimeout = defaultSourcePollTimeout
	}

	mtr := metrics.Init(metrics.Options{
		Prefix:           o.MetricsPrefix,
		HistogramBuckets: o.HistogramMetricBuckets,
	})

	dataClients, err := createDataClients(o)
	if err != nil {
		return err
	}

	if len(dataClients) == 0 {
		log.Warn("no rule source specified")
	}

	pools := pool.NewRegistry()
	limiters := ratelimit.NewRegistry()

	certs := certregistry.NewCertRegistry()
	if o.DefaultTLSCert != "" {
		crt, err := tls.LoadX509KeyPair(o.DefaultTLSCert, o.DefaultTLSKey)
		if err != nil {
			return fmt.Errorf("invalid default key/cert pair: %w", err)
		}

		certs.SetDefault(&crt)
	}

	store := routing.New(routing.Options{
		DataClients: dataClients,
		PollTimeout: o.SourcePollTimeout,
		Pools:       pools,
		Certs:       certs,
		RateLimits:  limiters,
	})
	defer store.Close()

	flags := o.ProxyFlags
	if o.Insecure {
		flags |= proxy.Insecure
	}

	if o.ProxyPreserveHost {
		flags |= proxy.PreserveHost
	}

	p := proxy.WithParams(proxy.Params{
		Store:                  store,
		Pools:                  pools,
		Balancer:               loadbalancer.NewRoundRobin(),
		Limiters:               limiters,
		Certs:                  certs,
		EnableHTTPSRedirect:    o.EnableHTTPSRedirect,
		Flags:                  flags,
		BackendTimeout:         o.BackendTimeout,
		BreakerFailures:        o.BreakerFailures,
		BreakerTimeout:         o.BreakerTimeout,
		Timeout:                o.TimeoutBackend,
		KeepAlive:              o.KeepaliveBackend,
		TLSHandshakeTimeout:    o.TLSHandshakeTimeoutBackend,
		ResponseHeaderTimeout:  o.ResponseHeaderTimeout,
		IdleConnectionsPerHost: o.IdleConnectionsPerHost,
		MaxIdleConns:           o.MaxIdleConnsBackend,
		MaxConnsPerHost:        o.MaxConnsBackend,
		CloseIdleConnsPeriod:   o.CloseIdleConnsPeriod,
		AccessLogDisabled:      o.AccessLogDisabled,
	})
	defer p.Close()

	type namedServer struct {
		name string
		srv  *http.Server
	}

	var servers []namedServer

	newServer := func(addr string, h http.Handler) *http.Server {
		return &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadTimeout:       o.ReadTimeoutServer,
			ReadHeaderTimeout: o.ReadHeaderTimeoutServer,
			WriteTimeout:      o.WriteTimeoutServer,
			IdleTimeout:       o.IdleTimeoutServer,
			MaxHeaderBytes:    o.MaxHeaderBytes,
		}
	}

	if o.Address != "" {
		servers = append(servers, namedServer{"http", newServer(o.Address, p)})
	}

	if o.TLSAddress != "" {
		srv := newServer(o.TLSAddress, p)
		srv.TLSConfig = &tls.Config{
			GetCertificate: certs.GetCertFromHello,
		}

		servers = append(servers, namedServer{"https", srv})
	}

	supportListener := o.SupportListener
	if supportListener == "" {
		supportListener = o.MetricsListener
	}

	if supportListener != "" {
		servers = append(servers, namedServer{"support", newServer(supportListener, supportHandler(mtr))})
	}

	if len(servers) == 0 {
		return fmt.Errorf("no listener address configured")
	}

	wg := &sync.WaitGroup{}
	errs := make(chan error, len(servers))
	for _, s := range servers {
		listenAndServe(s.srv, s.name, wg, errs)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigs:
		log.Infof("received %v, shutting down in %s", sig, o.WaitForShutdownDelay)
		time.Sleep(o.WaitForShutdownDelay)
	case runErr = <-errs:
	}

	for _, s := range servers {
		if err := s.srv.Shutdown(context.Background()); err != nil {
			log.Error("unable to shut down the server: ", err)
		}
	}

	wg.Wait()
	log.Info("server shut down")
	return runErr
}

// ParseRules parses a YAML rule document. It is exported for embedders
// building their own data clients on top of the ruletest package.
func ParseRules(y string) (*rule.Document, error) {
	return rule.ParseDocument([]byte(y))
}
