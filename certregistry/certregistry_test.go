package certregistry

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ingrid-io/ingrid/rule"
)

func createDummyCert(t *testing.T, hosts ...string) ([]byte, []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"Testing"}},
		DNSNames:     hosts,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	body, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	require.NoError(t, err)

	crt := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: body})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return crt, keyPEM
}

func binding(t *testing.T, host string) *rule.TLSBinding {
	crt, key := createDummyCert(t, host)
	return &rule.TLSBinding{Host: host, CertPEM: crt, KeyPEM: key}
}

func dnsNameOf(t *testing.T, c *tls.Certificate) string {
	t.Helper()
	require.NotNil(t, c)
	parsed, err := x509.ParseCertificate(c.Certificate[0])
	require.NoError(t, err)
	return parsed.DNSNames[0]
}

func TestGetCertFromHello(t *testing.T) {
	cr := NewCertRegistry()
	cr.Sync([]*rule.TLSBinding{
		binding(t, "api.example.org"),
		binding(t, "*.example.org"),
	})

	for _, tt := range []struct {
		serverName string
		expect     string
	}{
		{"api.example.org", "api.example.org"},
		{"www.example.org", "*.example.org"},
		{"API.Example.Org", "api.example.org"},
	} {
		c, err := cr.GetCertFromHello(&tls.ClientHelloInfo{ServerName: tt.serverName})
		require.NoError(t, err)
		require.Equal(t, tt.expect, dnsNameOf(t, c))
	}

	_, err := cr.GetCertFromHello(&tls.ClientHelloInfo{ServerName: "other.org"})
	require.Equal(t, ErrCertNotFound, err)
}

func TestGetCertFallsBackToDefault(t *testing.T) {
	crt, key := createDummyCert(t, "default.example.org")
	defaultCert, err := tls.X509KeyPair(crt, key)
	require.NoError(t, err)

	cr := NewCertRegistry()
	cr.SetDefault(&defaultCert)

	c, err := cr.GetCertFromHello(&tls.ClientHelloInfo{ServerName: "other.org"})
	require.NoError(t, err)
	require.Equal(t, "default.example.org", dnsNameOf(t, c))
}

func TestSyncReplacesBindings(t *testing.T) {
	cr := NewCertRegistry()
	cr.Sync([]*rule.TLSBinding{binding(t, "old.example.org")})
	require.True(t, cr.HasBinding("old.example.org"))

	cr.Sync([]*rule.TLSBinding{binding(t, "new.example.org")})
	require.False(t, cr.HasBinding("old.example.org"))
	require.True(t, cr.HasBinding("new.example.org"))
}

func TestSyncSkipsBrokenBinding(t *testing.T) {
	good := binding(t, "good.example.org")
	broken := &rule.TLSBinding{
		Host:    "broken.example.org",
		CertPEM: []byte("not a cert"),
		KeyPEM:  []byte("not a key"),
	}

	cr := NewCertRegistry()
	cr.Sync([]*rule.TLSBinding{broken, good})

	require.False(t, cr.HasBinding("broken.example.org"))
	require.True(t, cr.HasBinding("good.example.org"))
}

func TestHasBinding(t *testing.T) {
	cr := NewCertRegistry()
	cr.Sync([]*rule.TLSBinding{binding(t, "*.example.org")})

	require.True(t, cr.HasBinding("www.example.org"))
	require.True(t, cr.HasBinding("www.example.org:443"))
	require.False(t, cr.HasBinding("example.org"))
	require.False(t, cr.HasBinding("a.b.example.org"))
}
