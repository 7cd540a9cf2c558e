// Package config defines the command line flags and the optional YAML
// configuration file of the ingrid executable, and maps them to the
// options of the root package.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/ingrid-io/ingrid"
	"github.com/ingrid-io/ingrid/proxy"
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// generic:
	Address           string `yaml:"address"`
	TLSAddress        string `yaml:"tls-address"`
	SupportListener   string `yaml:"support-listener"`
	Insecure          bool   `yaml:"insecure"`
	ProxyPreserveHost bool   `yaml:"proxy-preserve-host"`
	PrintVersion      bool   `yaml:"version"`

	// rule sources:
	RulesFile         string        `yaml:"rules-file"`
	InlineRules       string        `yaml:"inline-rules"`
	SourcePollTimeout time.Duration `yaml:"source-poll-timeout"`

	// TLS termination:
	DefaultTLSCert      string `yaml:"tls-cert"`
	DefaultTLSKey       string `yaml:"tls-key"`
	EnableHTTPSRedirect bool   `yaml:"https-redirect"`

	// backend connections:
	BackendTimeout             time.Duration `yaml:"backend-timeout"`
	TimeoutBackend             time.Duration `yaml:"timeout-backend"`
	KeepaliveBackend           time.Duration `yaml:"keepalive-backend"`
	TLSHandshakeTimeoutBackend time.Duration `yaml:"tls-timeout-backend"`
	ResponseHeaderTimeout      time.Duration `yaml:"response-header-timeout-backend"`
	IdleConnsPerHost           int           `yaml:"idle-conns-num"`
	MaxIdleConnsBackend        int           `yaml:"max-idle-connection-backend"`
	MaxConnsBackend            int           `yaml:"max-conns-backend"`
	CloseIdleConnsPeriod       time.Duration `yaml:"close-idle-conns-period"`

	// circuit breakers:
	BreakerFailures uint          `yaml:"breaker-failures"`
	BreakerTimeout  time.Duration `yaml:"breaker-timeout"`

	// listener timeouts:
	ReadTimeoutServer       time.Duration `yaml:"read-timeout-server"`
	ReadHeaderTimeoutServer time.Duration `yaml:"read-header-timeout-server"`
	WriteTimeoutServer      time.Duration `yaml:"write-timeout-server"`
	IdleTimeoutServer       time.Duration `yaml:"idle-timeout-server"`
	MaxHeaderBytes          int           `yaml:"max-header-bytes"`
	WaitForShutdownDelay    time.Duration `yaml:"wait-for-shutdown-delay"`

	// logging:
	ApplicationLog            string  `yaml:"application-log"`
	ApplicationLogLevel       string  `yaml:"application-log-level"`
	ApplicationLogPrefix      string  `yaml:"application-log-prefix"`
	ApplicationLogJSONEnabled bool    `yaml:"application-log-json-enabled"`
	AccessLog                 string  `yaml:"access-log"`
	AccessLogDisabled         bool    `yaml:"access-log-disabled"`
	AccessLogJSONEnabled      bool    `yaml:"access-log-json-enabled"`
	AccessLogSampling         float64 `yaml:"access-log-sampling"`

	// metrics:
	MetricsPrefix string `yaml:"metrics-prefix"`
}

const (
	defaultAddress               = ":9090"
	defaultSupportListener       = ":9911"
	defaultSourcePollTimeout     = 3 * time.Second
	defaultApplicationLogPrefix  = "[APP]"
	defaultApplicationLogLevel   = "INFO"
	defaultReadHeaderTimeout     = 60 * time.Second
	defaultReadTimeoutServer     = 5 * time.Minute
	defaultWriteTimeoutServer    = 60 * time.Second
	defaultIdleTimeoutServer     = 60 * time.Second
	defaultTimeoutBackend        = 60 * time.Second
	defaultKeepaliveBackend      = 30 * time.Second
	defaultTLSHandshakeTimeout   = 60 * time.Second
	defaultBreakerTimeout        = 10 * time.Second
)

func NewConfig() *Config {
	cfg := new(Config)

	flag := flag.NewFlagSet("", flag.ExitOnError)
	flag.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values on the file (yaml)")

	// generic:
	flag.StringVar(&cfg.Address, "address", defaultAddress, "network address that ingrid should listen on")
	flag.StringVar(&cfg.TLSAddress, "tls-address", "", "network address for the TLS listener, TLS termination is disabled when empty")
	flag.StringVar(&cfg.SupportListener, "support-listener", defaultSupportListener, "network address used for exposing the /metrics and /health endpoints. An empty value disables the support endpoints")
	flag.BoolVar(&cfg.Insecure, "insecure", false, "flag indicating to ignore the verification of the TLS certificates of the backend services")
	flag.BoolVar(&cfg.ProxyPreserveHost, "proxy-preserve-host", false, "flag indicating to preserve the incoming request 'Host' header in the outgoing requests")
	flag.BoolVar(&cfg.PrintVersion, "version", false, "print ingrid version")

	// rule sources:
	flag.StringVar(&cfg.RulesFile, "rules-file", "", "file containing the routing rule document, reread on every poll interval")
	flag.StringVar(&cfg.InlineRules, "inline-rules", "", "inline YAML rule document")
	flag.DurationVar(&cfg.SourcePollTimeout, "source-poll-timeout", defaultSourcePollTimeout, "polling timeout of the rule document sources")

	// TLS termination:
	flag.StringVar(&cfg.DefaultTLSCert, "tls-cert", "", "path to the default certificate file served for TLS connections without a rule document binding")
	flag.StringVar(&cfg.DefaultTLSKey, "tls-key", "", "path to the private key of the default certificate")
	flag.BoolVar(&cfg.EnableHTTPSRedirect, "https-redirect", false, "redirect plain HTTP requests to HTTPS for hosts with a TLS binding")

	// backend connections:
	flag.DurationVar(&cfg.BackendTimeout, "backend-timeout", 0, "time limit for the backend exchange of rules without an own timeout, unlimited when zero")
	flag.DurationVar(&cfg.TimeoutBackend, "timeout-backend", defaultTimeoutBackend, "sets the TCP client connection timeout for backend connections")
	flag.DurationVar(&cfg.KeepaliveBackend, "keepalive-backend", defaultKeepaliveBackend, "sets the keepalive for backend connections")
	flag.DurationVar(&cfg.TLSHandshakeTimeoutBackend, "tls-timeout-backend", defaultTLSHandshakeTimeout, "sets the TLS handshake timeout for backend connections")
	flag.DurationVar(&cfg.ResponseHeaderTimeout, "response-header-timeout-backend", proxy.DefaultResponseHeaderTimeout, "set the HTTP response header timeout for backend connections")
	flag.IntVar(&cfg.IdleConnsPerHost, "idle-conns-num", proxy.DefaultIdleConnsPerHost, "maximum idle connections per backend host")
	flag.IntVar(&cfg.MaxIdleConnsBackend, "max-idle-connection-backend", 0, "sets the maximum idle connections for all backend connections")
	flag.IntVar(&cfg.MaxConnsBackend, "max-conns-backend", 0, "sets the maximum connections per backend host, idle and active, requests block when the bound is reached. Unbounded when zero")
	flag.DurationVar(&cfg.CloseIdleConnsPeriod, "close-idle-conns-period", proxy.DefaultCloseIdleConnsPeriod, "period of closing all idle connections")

	// circuit breakers:
	flag.UintVar(&cfg.BreakerFailures, "breaker-failures", 0, "number of consecutive backend failures opening the circuit breaker of a pool, breakers are disabled when zero")
	flag.DurationVar(&cfg.BreakerTimeout, "breaker-timeout", defaultBreakerTimeout, "period an open circuit breaker waits before letting a probe request through")

	// listener timeouts:
	flag.DurationVar(&cfg.ReadTimeoutServer, "read-timeout-server", defaultReadTimeoutServer, "set ReadTimeout for http server connections")
	flag.DurationVar(&cfg.ReadHeaderTimeoutServer, "read-header-timeout-server", defaultReadHeaderTimeout, "set ReadHeaderTimeout for http server connections")
	flag.DurationVar(&cfg.WriteTimeoutServer, "write-timeout-server", defaultWriteTimeoutServer, "set WriteTimeout for http server connections")
	flag.DurationVar(&cfg.IdleTimeoutServer, "idle-timeout-server", defaultIdleTimeoutServer, "set IdleTimeout for http server connections")
	flag.IntVar(&cfg.MaxHeaderBytes, "max-header-bytes", 0, "set MaxHeaderBytes for http server connections")
	flag.DurationVar(&cfg.WaitForShutdownDelay, "wait-for-shutdown-delay", 0, "delay between receiving a termination signal and closing the listeners")

	// logging:
	flag.StringVar(&cfg.ApplicationLog, "application-log", "", "output file for the application log. When not set, /dev/stderr is used")
	flag.StringVar(&cfg.ApplicationLogLevel, "application-log-level", defaultApplicationLogLevel, "log level for application logs, possible values: PANIC, FATAL, ERROR, WARN, INFO, DEBUG")
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", defaultApplicationLogPrefix, "prefix for each application log entry")
	flag.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "when this flag is set, the application log uses JSON format")
	flag.StringVar(&cfg.AccessLog, "access-log", "", "output file for the access log. When not set, /dev/stderr is used")
	flag.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "when this flag is set, no access log is printed")
	flag.BoolVar(&cfg.AccessLogJSONEnabled, "access-log-json-enabled", false, "when this flag is set, the access log uses JSON format")
	flag.Float64Var(&cfg.AccessLogSampling, "access-log-sampling", 0, "fraction of requests written to the access log, every request is logged when zero")

	// metrics:
	flag.StringVar(&cfg.MetricsPrefix, "metrics-prefix", "", "allows setting a custom key prefix for metrics export")

	cfg.Flags = flag
	return cfg
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ExitOnError)
	if err := c.Flags.Parse(args); err != nil {
		return err
	}

	// check if arguments were correctly parsed.
	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		if err := yaml.Unmarshal(yamlFile, c); err != nil {
			return fmt.Errorf("unmarshalling config file error: %w", err)
		}

		// flags take precedence over the file
		if err := c.Flags.Parse(args); err != nil {
			return err
		}
	}

	return c.validate()
}

func (c *Config) validate() error {
	if _, err := log.ParseLevel(c.ApplicationLogLevel); err != nil {
		return fmt.Errorf("invalid application-log-level: %w", err)
	}

	if (c.DefaultTLSCert == "") != (c.DefaultTLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must be set together")
	}

	// tls-address without a default cert is valid: the certificates can
	// come entirely from the TLS bindings of the rule document

	if c.AccessLogSampling < 0 || c.AccessLogSampling > 1 {
		return fmt.Errorf("access-log-sampling must be in [0, 1]")
	}

	return nil
}

func (c *Config) ToOptions() ingrid.Options {
	return ingrid.Options{
		Address:                    c.Address,
		TLSAddress:                 c.TLSAddress,
		SupportListener:            c.SupportListener,
		RulesFile:                  c.RulesFile,
		InlineRules:                c.InlineRules,
		SourcePollTimeout:          c.SourcePollTimeout,
		DefaultTLSCert:             c.DefaultTLSCert,
		DefaultTLSKey:              c.DefaultTLSKey,
		EnableHTTPSRedirect:        c.EnableHTTPSRedirect,
		Insecure:                   c.Insecure,
		ProxyPreserveHost:          c.ProxyPreserveHost,
		BackendTimeout:             c.BackendTimeout,
		BreakerFailures:            uint32(c.BreakerFailures),
		BreakerTimeout:             c.BreakerTimeout,
		TimeoutBackend:             c.TimeoutBackend,
		KeepaliveBackend:           c.KeepaliveBackend,
		TLSHandshakeTimeoutBackend: c.TLSHandshakeTimeoutBackend,
		ResponseHeaderTimeout:      c.ResponseHeaderTimeout,
		IdleConnectionsPerHost:     c.IdleConnsPerHost,
		MaxIdleConnsBackend:        c.MaxIdleConnsBackend,
		MaxConnsBackend:            c.MaxConnsBackend,
		CloseIdleConnsPeriod:       c.CloseIdleConnsPeriod,
		ReadTimeoutServer:          c.ReadTimeoutServer,
		ReadHeaderTimeoutServer:    c.ReadHeaderTimeoutServer,
		WriteTimeoutServer:         c.WriteTimeoutServer,
		IdleTimeoutServer:          c.IdleTimeoutServer,
		MaxHeaderBytes:             c.MaxHeaderBytes,
		WaitForShutdownDelay:       c.WaitForShutdownDelay,
		ApplicationLogOutput:       c.ApplicationLog,
		ApplicationLogPrefix:       c.ApplicationLogPrefix,
		ApplicationLogLevel:        c.ApplicationLogLevel,
		ApplicationLogJSONEnabled:  c.ApplicationLogJSONEnabled,
		AccessLogOutput:            c.AccessLog,
		AccessLogDisabled:          c.AccessLogDisabled,
		AccessLogJSONEnabled:       c.AccessLogJSONEnabled,
		AccessLogSampling:          c.AccessLogSampling,
		MetricsPrefix:              c.MetricsPrefix,
	}
}
