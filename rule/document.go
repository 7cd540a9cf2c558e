package rule

import (
	"fmt"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

type rawRateLimit struct {
	RequestsPerSecond float64 `yaml:"requests-per-second"`
	Burst             int     `yaml:"burst"`
}

type rawRule struct {
	ID        string        `yaml:"id"`
	Host      string        `yaml:"host"`
	Path      string        `yaml:"path"`
	MatchKind string        `yaml:"match"`
	Rewrite   string        `yaml:"rewrite"`
	Backend   string        `yaml:"backend"`
	Timeout   string        `yaml:"timeout"`
	RateLimit *rawRateLimit `yaml:"rate-limit"`
}

type rawPool struct {
	Name      string   `yaml:"name"`
	Endpoints []string `yaml:"endpoints"`
}

type rawTLS struct {
	Host     string `yaml:"host"`
	CertFile string `yaml:"cert-file"`
	KeyFile  string `yaml:"key-file"`
	CertPEM  string `yaml:"cert"`
	KeyPEM   string `yaml:"key"`
}

type rawDocument struct {
	Rules          []*rawRule `yaml:"rules"`
	Pools          []*rawPool `yaml:"pools"`
	TLS            []*rawTLS  `yaml:"tls"`
	DefaultBackend string     `yaml:"default-backend"`
}

// ParseDocument parses a YAML rule document. It validates the shape of the
// document and the attributes of each rule, but leaves cross-rule
// validation, like duplicate keys and dangling pool references, to the
// rule store, which reports all violations of a load at once.
func ParseDocument(b []byte) (*Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse rule document: %v", err)
	}

	doc := &Document{DefaultBackend: raw.DefaultBackend}
	for i, rr := range raw.Rules {
		if rr == nil {
			return nil, fmt.Errorf("rules[%d]: empty rule", i)
		}

		kind, err := MatchKindFromString(rr.MatchKind)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %v", i, err)
		}

		id := rr.ID
		if id == "" {
			id = fmt.Sprintf("rule%d", i)
		}

		var timeout time.Duration
		if rr.Timeout != "" {
			timeout, err = time.ParseDuration(rr.Timeout)
			if err != nil {
				return nil, fmt.Errorf("rules[%d]: invalid timeout: %v", i, err)
			}
		}

		r := &Rule{
			ID:              id,
			Host:            strings.ToLower(strings.TrimSpace(rr.Host)),
			PathPattern:     rr.Path,
			MatchKind:       kind,
			RewriteTemplate: rr.Rewrite,
			Backend:         rr.Backend,
			Timeout:         timeout,
		}

		if rr.RateLimit != nil {
			r.RateLimit = &RateLimit{
				RequestsPerSecond: rr.RateLimit.RequestsPerSecond,
				Burst:             rr.RateLimit.Burst,
			}
		}

		doc.Rules = append(doc.Rules, r)
	}

	for i, rp := range raw.Pools {
		if rp == nil || rp.Name == "" {
			return nil, fmt.Errorf("pools[%d]: name is required", i)
		}

		doc.Pools = append(doc.Pools, &BackendPool{
			Name:      rp.Name,
			Endpoints: rp.Endpoints,
		})
	}

	for i, rt := range raw.TLS {
		if rt == nil || rt.Host == "" {
			return nil, fmt.Errorf("tls[%d]: host is required", i)
		}

		b := &TLSBinding{
			Host:     strings.ToLower(rt.Host),
			CertFile: rt.CertFile,
			KeyFile:  rt.KeyFile,
		}

		if rt.CertPEM != "" {
			b.CertPEM = []byte(rt.CertPEM)
		}

		if rt.KeyPEM != "" {
			b.KeyPEM = []byte(rt.KeyPEM)
		}

		doc.TLS = append(doc.TLS, b)
	}

	return doc, nil
}

// Copy returns a deep copy of the document.
func (d *Document) Copy() *Document {
	if d == nil {
		return nil
	}

	c := &Document{DefaultBackend: d.DefaultBackend}
	for _, r := range d.Rules {
		c.Rules = append(c.Rules, r.Copy())
	}

	for _, p := range d.Pools {
		cp := &BackendPool{Name: p.Name}
		cp.Endpoints = append(cp.Endpoints, p.Endpoints...)
		c.Pools = append(c.Pools, cp)
	}

	for _, t := range d.TLS {
		ct := *t
		ct.CertPEM = append([]byte(nil), t.CertPEM...)
		ct.KeyPEM = append([]byte(nil), t.KeyPEM...)
		c.TLS = append(c.TLS, &ct)
	}

	return c
}
