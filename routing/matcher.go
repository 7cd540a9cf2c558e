package routing

import (
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/dimfeld/httppath"

	"github.com/ingrid-io/ingrid/rule"
)

// MatchResult is the outcome of a successful rule lookup. Captures holds
// the submatches of a regex path pattern, with index 0 being the full
// match, for use by the rewriter. It is nil for exact and prefix matches.
type MatchResult struct {
	Rule     *rule.Rule
	Captures []string
}

type prefixRule struct {
	prefix string // without trailing slash, except the root prefix "/"
	rule   *rule.Rule
}

type regexRule struct {
	rx   *regexp.Regexp
	rule *rule.Rule
}

// hostRules holds the rules of one host bucket, separated by match kind.
// Precedence within a bucket: exact beats prefix beats regex; among
// prefixes the longest wins; among regexes the first declared wins.
type hostRules struct {
	exact  map[string]*rule.Rule
	prefix []prefixRule
	regex  []regexRule
}

// matcher is the compiled, immutable lookup structure of one snapshot.
//
// Host precedence: an exact host bucket is consulted first, then the
// wildcard bucket covering the host, then the any-host bucket. The first
// bucket that yields a path match wins, so a more specific host bucket
// without a matching path does not shadow a less specific one.
type matcher struct {
	exactHosts map[string]*hostRules
	wildcards  map[string]*hostRules // key: domain without the *. prefix
	any        *hostRules
}

func newHostRules() *hostRules {
	return &hostRules{exact: make(map[string]*rule.Rule)}
}

func normalPrefix(p string) string {
	p = httppath.Clean(p)
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}

	return p
}

// newMatcher compiles the rules of a validated rule set. The rules arrive
// in declaration order, which the regex tie-break relies on.
func newMatcher(rules []*rule.Rule) *matcher {
	m := &matcher{
		exactHosts: make(map[string]*hostRules),
		wildcards:  make(map[string]*hostRules),
		any:        newHostRules(),
	}

	for _, r := range rules {
		var hr *hostRules
		switch {
		case r.Host == "":
			hr = m.any
		case strings.HasPrefix(r.Host, "*."):
			domain := r.Host[2:]
			if m.wildcards[domain] == nil {
				m.wildcards[domain] = newHostRules()
			}

			hr = m.wildcards[domain]
		default:
			if m.exactHosts[r.Host] == nil {
				m.exactHosts[r.Host] = newHostRules()
			}

			hr = m.exactHosts[r.Host]
		}

		switch r.MatchKind {
		case rule.MatchExact:
			hr.exact[httppath.Clean(r.PathPattern)] = r
		case rule.MatchPrefix:
			hr.prefix = append(hr.prefix, prefixRule{prefix: normalPrefix(r.PathPattern), rule: r})
		case rule.MatchRegex:
			rx, err := regexp.Compile(anchor(r.PathPattern))
			if err != nil {
				// rejected during validation, kept defensive here
				continue
			}

			hr.regex = append(hr.regex, regexRule{rx: rx, rule: r})
		}
	}

	for _, hr := range m.allBuckets() {
		sortPrefixes(hr.prefix)
	}

	return m
}

func (m *matcher) allBuckets() []*hostRules {
	buckets := []*hostRules{m.any}
	for _, hr := range m.exactHosts {
		buckets = append(buckets, hr)
	}

	for _, hr := range m.wildcards {
		buckets = append(buckets, hr)
	}

	return buckets
}

// longest prefix first; stable to keep declaration order among equal
// lengths
func sortPrefixes(p []prefixRule) {
	sort.SliceStable(p, func(i, j int) bool {
		return len(p[i].prefix) > len(p[j].prefix)
	})
}

func anchor(pattern string) string {
	if strings.HasPrefix(pattern, "^") {
		return pattern
	}

	return "^" + pattern
}

// stripPort removes the port of a host header value, if any.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}

	return host
}

// match finds the best rule for a request host and path under the
// documented precedence. The path is cleaned before matching, so
// duplicate slashes and dot segments never reach the rules.
func (m *matcher) match(host, path string) (*MatchResult, bool) {
	host = strings.ToLower(stripPort(host))
	path = httppath.Clean(path)

	if hr := m.exactHosts[host]; hr != nil {
		if res, ok := hr.match(path); ok {
			return res, true
		}
	}

	// a *.domain wildcard covers one label
	if _, domain, ok := strings.Cut(host, "."); ok {
		if hr := m.wildcards[domain]; hr != nil {
			if res, ok := hr.match(path); ok {
				return res, true
			}
		}
	}

	return m.any.match(path)
}

func (hr *hostRules) match(path string) (*MatchResult, bool) {
	if r, ok := hr.exact[path]; ok {
		return &MatchResult{Rule: r}, true
	}

	trimmed := path
	if len(trimmed) > 1 {
		trimmed = strings.TrimSuffix(trimmed, "/")
	}

	for _, p := range hr.prefix {
		if matchPrefix(p.prefix, path, trimmed) {
			return &MatchResult{Rule: p.rule}, true
		}
	}

	for _, r := range hr.regex {
		if captures := r.rx.FindStringSubmatch(path); captures != nil {
			return &MatchResult{Rule: r.rule, Captures: captures}, true
		}
	}

	return nil, false
}

// matchPrefix matches segment-wise: the prefix /foo matches /foo, /foo/
// and /foo/anything, but not /foobar.
func matchPrefix(prefix, path, trimmed string) bool {
	if prefix == "/" {
		return true
	}

	return trimmed == prefix || strings.HasPrefix(path, prefix+"/")
}
