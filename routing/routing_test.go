package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/ingrid-io/ingrid/dataclients/ruletest"
	"github.com/ingrid-io/ingrid/pool"
	"github.com/ingrid-io/ingrid/ratelimit"
	"github.com/ingrid-io/ingrid/rule"
)

func waitForRule(t *testing.T, s *Store, host, path string) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := s.Snapshot()
		if _, ok := snap.Match(host, path); ok {
			return snap
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("no rule for %s%s in time", host, path)
	return nil
}

func TestLoadPublishesSnapshot(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	if len(s.Snapshot().Rules) != 0 {
		t.Fatal("initial snapshot not empty")
	}

	if err := s.Load(validDoc()); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	if len(snap.Rules) != 2 {
		t.Fatalf("got %d rules", len(snap.Rules))
	}

	res, ok := snap.Match("example.org", "/api/users")
	if !ok || res.Rule.ID != "a" {
		t.Errorf("unexpected match: %v %v", res, ok)
	}
}

func TestInvalidLoadKeepsPreviousSnapshot(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	if err := s.Load(validDoc()); err != nil {
		t.Fatal(err)
	}

	before := s.Snapshot()

	bad := validDoc()
	bad.Rules[0].Backend = "missing-pool"
	err := s.Load(bad)
	if err == nil {
		t.Fatal("invalid rule set accepted")
	}

	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("unexpected error type: %T", err)
	}

	after := s.Snapshot()
	if after.Version != before.Version {
		t.Error("snapshot replaced by an invalid load")
	}

	// the next valid load must not see leftovers of the rejected one
	good := validDoc()
	good.Rules[0].Backend = "static-pool"
	if err := s.Load(good); err != nil {
		t.Fatal(err)
	}

	res, ok := s.Snapshot().Match("example.org", "/api")
	if !ok || res.Rule.Backend != "static-pool" {
		t.Errorf("unexpected match after recovery: %v %v", res, ok)
	}
}

func TestLoadReplacesSnapshotVersion(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	if err := s.Load(validDoc()); err != nil {
		t.Fatal(err)
	}

	v1 := s.Snapshot().Version

	doc := validDoc()
	doc.Rules[0].RewriteTemplate = "/internal"
	if err := s.Load(doc); err != nil {
		t.Fatal(err)
	}

	if v2 := s.Snapshot().Version; v2 == v1 {
		t.Error("version not replaced")
	}
}

func TestLoadSeedsPools(t *testing.T) {
	pools := pool.NewRegistry()
	s := New(Options{Pools: pools})
	defer s.Close()

	if err := s.Load(validDoc()); err != nil {
		t.Fatal(err)
	}

	eps := pools.Endpoints("api-pool")
	if len(eps) != 1 || eps[0].Address != "10.0.0.1:8080" || eps[0].State != pool.Healthy {
		t.Errorf("unexpected endpoints: %v", eps)
	}
}

func TestLoadPrunesRateLimiters(t *testing.T) {
	limiters := ratelimit.NewRegistry()
	s := New(Options{RateLimits: limiters})
	defer s.Close()

	doc := validDoc()
	doc.Rules[0].RateLimit = &rule.RateLimit{RequestsPerSecond: 100, Burst: 10}
	if err := s.Load(doc); err != nil {
		t.Fatal(err)
	}

	limiters.Allow(doc.Rules[0])

	// dropping the rule drops its limiter state on the next load
	next := validDoc()
	next.Rules = next.Rules[1:]
	if err := s.Load(next); err != nil {
		t.Fatal(err)
	}
}

func TestPollingClient(t *testing.T) {
	dc := ruletest.New(validDoc())
	s := New(Options{
		DataClients: []DataClient{dc},
		PollTimeout: 10 * time.Millisecond,
	})
	defer s.Close()

	waitForRule(t, s, "example.org", "/api")

	doc := validDoc()
	doc.Rules = append(doc.Rules, prefixRuleDef("new", "", "/new", "api-pool"))
	dc.Update(doc)

	snap := waitForRule(t, s, "example.org", "/new")
	if len(snap.Rules) != 3 {
		t.Errorf("got %d rules", len(snap.Rules))
	}
}

func TestPollingClientFailureKeepsSnapshot(t *testing.T) {
	dc := ruletest.New(validDoc())
	s := New(Options{
		DataClients: []DataClient{dc},
		PollTimeout: 10 * time.Millisecond,
	})
	defer s.Close()

	before := waitForRule(t, s, "example.org", "/api")

	dc.Fail(errors.New("source down"))
	time.Sleep(50 * time.Millisecond)

	if s.Snapshot().Version != before.Version {
		t.Error("snapshot changed on source failure")
	}
}

func TestMergeKeepsDeclarationOrder(t *testing.T) {
	docs := map[int]*rule.Document{
		0: {Rules: []*rule.Rule{
			regexRuleDef("one", "", "/api/.*", "p"),
			regexRuleDef("two", "", "/api/users.*", "p"),
		}},
		1: {Rules: []*rule.Rule{
			regexRuleDef("three", "", "/api/orders.*", "p"),
			regexRuleDef("two", "", "/api/users/v2.*", "p"), // overrides in place
		}},
	}

	merged := mergeDocuments(docs, 2)
	if len(merged.Rules) != 3 {
		t.Fatalf("got %d rules", len(merged.Rules))
	}

	ids := []string{merged.Rules[0].ID, merged.Rules[1].ID, merged.Rules[2].ID}
	if ids[0] != "one" || ids[1] != "two" || ids[2] != "three" {
		t.Errorf("unexpected order: %v", ids)
	}

	if merged.Rules[1].PathPattern != "/api/users/v2.*" {
		t.Error("override did not replace the rule")
	}
}

func TestDiff(t *testing.T) {
	before := []*rule.Rule{
		prefixRuleDef("keep", "", "/keep", "p"),
		prefixRuleDef("change", "", "/change", "p"),
		prefixRuleDef("drop", "", "/drop", "p"),
	}

	after := []*rule.Rule{
		before[0],
		prefixRuleDef("change", "", "/changed", "p"),
		prefixRuleDef("add", "", "/add", "p"),
	}

	added, removed, modified := diff(before, after)
	if added != 1 || removed != 1 || modified != 1 {
		t.Errorf("got added=%d removed=%d modified=%d", added, removed, modified)
	}
}
