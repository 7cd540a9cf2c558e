// Package certregistry resolves the certificate used to terminate TLS for
// a connection, based on the TLS bindings of the active rule set. The
// lookup happens at connection establishment, from the SNI server name of
// the ClientHello, before any rule matching runs.
package certregistry

import (
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ingrid-io/ingrid/rule"
)

// ErrCertNotFound is returned when no binding covers the requested server
// name and no default certificate is configured.
var ErrCertNotFound = errors.New("certificate not found")

// CertRegistry holds the host to certificate bindings. Bindings are
// replaced wholesale on every successful rule set load.
type CertRegistry struct {
	mx          sync.RWMutex
	exact       map[string]*tls.Certificate
	wildcard    map[string]*tls.Certificate // key: domain suffix without the *. prefix
	defaultCert *tls.Certificate
}

// NewCertRegistry creates an empty registry.
func NewCertRegistry() *CertRegistry {
	return &CertRegistry{
		exact:    make(map[string]*tls.Certificate),
		wildcard: make(map[string]*tls.Certificate),
	}
}

// SetDefault sets the certificate served for connections without a
// matching binding, typically from the listener configuration.
func (r *CertRegistry) SetDefault(cert *tls.Certificate) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.defaultCert = cert
}

func loadBinding(b *rule.TLSBinding) (tls.Certificate, error) {
	if len(b.CertPEM) > 0 || len(b.KeyPEM) > 0 {
		return tls.X509KeyPair(b.CertPEM, b.KeyPEM)
	}

	return tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
}

// Sync replaces the current bindings with the ones of a freshly loaded
// rule set. Bindings that fail to load are skipped and logged; they were
// already flagged during rule set validation.
func (r *CertRegistry) Sync(bindings []*rule.TLSBinding) {
	exact := make(map[string]*tls.Certificate)
	wildcard := make(map[string]*tls.Certificate)
	for _, b := range bindings {
		cert, err := loadBinding(b)
		if err != nil {
			log.Errorf("skipping TLS binding for %s: %v", b.Host, err)
			continue
		}

		if suffix, ok := strings.CutPrefix(b.Host, "*."); ok {
			wildcard[suffix] = &cert
		} else {
			exact[b.Host] = &cert
		}
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	r.exact = exact
	r.wildcard = wildcard
}

// HasBinding tells whether the host is covered by a binding, used by the
// proxy to decide on the plaintext redirect policy. The host may carry a
// port, as in the Host header of a request.
func (r *CertRegistry) HasBinding(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	host = strings.ToLower(host)

	r.mx.RLock()
	defer r.mx.RUnlock()

	if _, ok := r.exact[host]; ok {
		return true
	}

	if _, domain, ok := strings.Cut(host, "."); ok {
		if _, ok := r.wildcard[domain]; ok {
			return true
		}
	}

	return false
}

// GetCertFromHello implements the tls.Config.GetCertificate callback. An
// exact binding wins over a wildcard one; without any match the default
// certificate is served, if configured.
func (r *CertRegistry) GetCertFromHello(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(hello.ServerName)

	r.mx.RLock()
	defer r.mx.RUnlock()

	if cert, ok := r.exact[name]; ok {
		return cert, nil
	}

	if _, domain, ok := strings.Cut(name, "."); ok {
		if cert, ok := r.wildcard[domain]; ok {
			return cert, nil
		}
	}

	if r.defaultCert != nil {
		return r.defaultCert, nil
	}

	log.Debugf("no certificate for server name %q", name)
	return nil, ErrCertNotFound
}
