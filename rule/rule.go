// Package rule defines the routing rule model of ingrid: rules mapping a
// host and path pattern to a named backend pool, backend pool definitions,
// TLS bindings and the document schema used by the data clients.
package rule

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MatchKind selects how the path pattern of a rule is evaluated.
type MatchKind int

const (
	// MatchExact matches the request path literally.
	MatchExact MatchKind = iota

	// MatchPrefix matches the request path by segment-wise prefix. A
	// prefix of /foo matches /foo, /foo/ and /foo/anything, but not
	// /foobar.
	MatchPrefix

	// MatchRegex matches the request path with an anchored regular
	// expression and captures groups for use in rewrite templates.
	MatchRegex
)

// MatchKindFromString parses the external representation used in rule
// documents. The empty string defaults to prefix matching.
func MatchKindFromString(s string) (MatchKind, error) {
	switch s {
	case "", "prefix", "Prefix":
		return MatchPrefix, nil
	case "exact", "Exact":
		return MatchExact, nil
	case "regex", "Regex", "ImplementationSpecific":
		return MatchRegex, nil
	default:
		return 0, fmt.Errorf("unsupported match kind: %q", s)
	}
}

// String returns the document representation of the match kind.
func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	case MatchRegex:
		return "regex"
	default:
		return ""
	}
}

// RateLimit is the per-rule token bucket setting.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Rule is a single routing directive. The zero host means the rule applies
// to any host. A host of the form *.example.org matches any subdomain of
// example.org, but not example.org itself.
type Rule struct {

	// ID identifies the rule within a rule set. Rules from different
	// data clients with the same ID overwrite each other.
	ID string

	// Host is an exact lowercase hostname, a *.domain wildcard, or
	// empty for any host.
	Host string

	// PathPattern is a literal path for exact and prefix kinds, and a
	// regular expression for the regex kind.
	PathPattern string

	MatchKind MatchKind

	// RewriteTemplate optionally rewrites the outgoing path. Numbered
	// placeholders ($1, $2, ...) refer to the capture groups of a regex
	// path pattern.
	RewriteTemplate string

	// Backend names the pool the matched requests are forwarded to.
	Backend string

	// Timeout optionally overrides the proxy request timeout.
	Timeout time.Duration

	// RateLimit optionally throttles requests matching this rule.
	RateLimit *RateLimit
}

// BackendPool declares the initial membership of a named endpoint pool.
// The live pool state is owned by the pool registry and mutated by the
// membership feed; the document only seeds it. An endpoint entry is
// host:port, optionally prefixed with http:// or https:// to select the
// backend connection scheme.
type BackendPool struct {
	Name      string
	Endpoints []string
}

// TLSBinding binds a certificate and key, in PEM form or by file
// reference, to a hostname. Bindings are resolved during the TLS
// handshake, before any rule matching.
type TLSBinding struct {
	Host     string
	CertFile string
	KeyFile  string
	CertPEM  []byte
	KeyPEM   []byte
}

// Document is a complete rule configuration as provided by a data client.
// Documents replace each other wholesale; they are never patched in place.
type Document struct {
	Rules          []*Rule
	Pools          []*BackendPool
	TLS            []*TLSBinding
	DefaultBackend string
}

var hostnameRx = regexp.MustCompile(`^(\*\.)?([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)*[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidHost tells whether s is a well-formed lowercase hostname or
// *.domain wildcard.
func ValidHost(s string) bool {
	return hostnameRx.MatchString(s)
}

// Key returns the uniqueness key of a rule within a rule set. Two accepted
// rules must not share a key, independent of their backends.
func (r *Rule) Key() string {
	return r.Host + "|" + r.MatchKind.String() + "|" + r.PathPattern
}

func (r *Rule) String() string {
	host := r.Host
	if host == "" {
		host = "*"
	}

	return fmt.Sprintf("%s: %s %s(%s) -> %s", r.ID, host, r.MatchKind, r.PathPattern, r.Backend)
}

// Validate checks the attributes of a single rule. Cross-rule checks, like
// duplicate detection and backend references, belong to the rule store.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule without id")
	}

	if r.Host != "" && !ValidHost(r.Host) {
		return fmt.Errorf("invalid host: %q", r.Host)
	}

	if r.Backend == "" {
		return errors.New("rule without backend pool")
	}

	switch r.MatchKind {
	case MatchExact, MatchPrefix:
		if !strings.HasPrefix(r.PathPattern, "/") {
			return fmt.Errorf("path pattern must start with /: %q", r.PathPattern)
		}
	case MatchRegex:
		if _, err := regexp.Compile(r.PathPattern); err != nil {
			return fmt.Errorf("invalid path pattern regexp %q: %v", r.PathPattern, err)
		}
	default:
		return fmt.Errorf("unsupported match kind: %d", r.MatchKind)
	}

	if r.RateLimit != nil && (r.RateLimit.RequestsPerSecond <= 0 || r.RateLimit.Burst < 1) {
		return fmt.Errorf("invalid rate limit for rule %s", r.ID)
	}

	return nil
}

// Copy returns a deep copy of the rule.
func (r *Rule) Copy() *Rule {
	c := *r
	if r.RateLimit != nil {
		rl := *r.RateLimit
		c.RateLimit = &rl
	}

	return &c
}

// Eq compares two rules by value, used by the store to detect modified
// rules between snapshots.
func (r *Rule) Eq(o *Rule) bool {
	if r == nil || o == nil {
		return r == o
	}

	if r.RateLimit != nil || o.RateLimit != nil {
		if r.RateLimit == nil || o.RateLimit == nil || *r.RateLimit != *o.RateLimit {
			return false
		}
	}

	return r.ID == o.ID &&
		r.Host == o.Host &&
		r.PathPattern == o.PathPattern &&
		r.MatchKind == o.MatchKind &&
		r.RewriteTemplate == o.RewriteTemplate &&
		r.Backend == o.Backend &&
		r.Timeout == o.Timeout
}
