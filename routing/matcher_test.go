package routing

import (
	"testing"

	"github.com/ingrid-io/ingrid/rule"
)

func prefixRuleDef(id, host, path, backend string) *rule.Rule {
	return &rule.Rule{ID: id, Host: host, PathPattern: path, MatchKind: rule.MatchPrefix, Backend: backend}
}

func exactRuleDef(id, host, path, backend string) *rule.Rule {
	return &rule.Rule{ID: id, Host: host, PathPattern: path, MatchKind: rule.MatchExact, Backend: backend}
}

func regexRuleDef(id, host, path, backend string) *rule.Rule {
	return &rule.Rule{ID: id, Host: host, PathPattern: path, MatchKind: rule.MatchRegex, Backend: backend}
}

func matchID(t *testing.T, m *matcher, host, path string) string {
	t.Helper()
	res, ok := m.match(host, path)
	if !ok {
		return ""
	}

	return res.Rule.ID
}

func TestMatchPathPrecedence(t *testing.T) {
	m := newMatcher([]*rule.Rule{
		regexRuleDef("rx", "", "/api/.*", "b"),
		prefixRuleDef("short", "", "/api", "b"),
		prefixRuleDef("long", "", "/api/users", "b"),
		exactRuleDef("exact", "", "/api/users", "b"),
	})

	for _, tt := range []struct {
		path   string
		expect string
	}{
		{"/api/users", "exact"},
		{"/api/users/42", "long"},
		{"/api/orders", "short"},
		{"/api", "short"},
		{"/other", ""},
	} {
		if id := matchID(t, m, "example.org", tt.path); id != tt.expect {
			t.Errorf("%s: matched %q, expected %q", tt.path, id, tt.expect)
		}
	}
}

func TestMatchLongestPrefixWinsRegardlessOfOrder(t *testing.T) {
	forward := []*rule.Rule{
		prefixRuleDef("short", "", "/static", "b"),
		prefixRuleDef("long", "", "/static/images", "b"),
	}

	backward := []*rule.Rule{forward[1], forward[0]}

	for _, rules := range [][]*rule.Rule{forward, backward} {
		m := newMatcher(rules)
		if id := matchID(t, m, "", "/static/images/logo.png"); id != "long" {
			t.Errorf("matched %q, expected long", id)
		}
	}
}

func TestMatchPrefixOnSegmentBoundary(t *testing.T) {
	m := newMatcher([]*rule.Rule{prefixRuleDef("foo", "", "/foo", "b")})

	for _, tt := range []struct {
		path  string
		match bool
	}{
		{"/foo", true},
		{"/foo/", true},
		{"/foo/bar", true},
		{"/foobar", false},
	} {
		_, ok := m.match("", tt.path)
		if ok != tt.match {
			t.Errorf("%s: match == %v", tt.path, ok)
		}
	}
}

func TestMatchRegexDeclarationOrder(t *testing.T) {
	m := newMatcher([]*rule.Rule{
		regexRuleDef("first", "", "/api/.*", "b"),
		regexRuleDef("second", "", "/api/users.*", "b"),
	})

	// both match, the first declared wins
	if id := matchID(t, m, "", "/api/users"); id != "first" {
		t.Errorf("matched %q, expected first", id)
	}
}

func TestMatchRegexAnchoredToStart(t *testing.T) {
	m := newMatcher([]*rule.Rule{regexRuleDef("rx", "", "/admin", "b")})
	if _, ok := m.match("", "/nested/admin"); ok {
		t.Error("matched an unanchored pattern")
	}
}

func TestMatchRegexCaptures(t *testing.T) {
	m := newMatcher([]*rule.Rule{regexRuleDef("rx", "", "/api(/|$)(.*)", "b")})
	res, ok := m.match("", "/api/users")
	if !ok {
		t.Fatal("no match")
	}

	if len(res.Captures) != 3 || res.Captures[2] != "users" {
		t.Errorf("unexpected captures: %v", res.Captures)
	}
}

func TestMatchHostPrecedence(t *testing.T) {
	m := newMatcher([]*rule.Rule{
		prefixRuleDef("any", "", "/", "b"),
		prefixRuleDef("wildcard", "*.example.org", "/", "b"),
		prefixRuleDef("exact", "api.example.org", "/", "b"),
	})

	for _, tt := range []struct {
		host   string
		expect string
	}{
		{"api.example.org", "exact"},
		{"www.example.org", "wildcard"},
		{"example.org", "any"},
		{"a.b.example.org", "any"}, // wildcard covers one label only
		{"other.org", "any"},
	} {
		if id := matchID(t, m, tt.host, "/"); id != tt.expect {
			t.Errorf("%s: matched %q, expected %q", tt.host, id, tt.expect)
		}
	}
}

func TestMatchHostBucketsDoNotShadowEachOther(t *testing.T) {
	m := newMatcher([]*rule.Rule{
		exactRuleDef("app-exact", "app.example.org", "/special", "b"),
		prefixRuleDef("any", "", "/", "b"),
	})

	// the exact host bucket has no rule for this path, the any bucket does
	if id := matchID(t, m, "app.example.org", "/other"); id != "any" {
		t.Errorf("matched %q, expected any", id)
	}
}

func TestMatchHostNormalization(t *testing.T) {
	m := newMatcher([]*rule.Rule{prefixRuleDef("exact", "api.example.org", "/", "b")})

	for _, host := range []string{"api.example.org", "API.Example.Org", "api.example.org:443"} {
		if id := matchID(t, m, host, "/"); id != "exact" {
			t.Errorf("%s: matched %q, expected exact", host, id)
		}
	}
}

func TestMatchPathNormalization(t *testing.T) {
	m := newMatcher([]*rule.Rule{exactRuleDef("exact", "", "/api/users", "b")})
	if id := matchID(t, m, "", "/api//users/../users"); id != "exact" {
		t.Errorf("matched %q, expected exact", id)
	}
}
