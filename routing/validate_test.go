package routing

import (
	"strings"
	"testing"

	"github.com/ingrid-io/ingrid/pool"
	"github.com/ingrid-io/ingrid/rule"
)

func validDoc() *rule.Document {
	return &rule.Document{
		Rules: []*rule.Rule{
			prefixRuleDef("a", "", "/api", "api-pool"),
			prefixRuleDef("b", "", "/static", "static-pool"),
		},
		Pools: []*rule.BackendPool{
			{Name: "api-pool", Endpoints: []string{"10.0.0.1:8080"}},
			{Name: "static-pool", Endpoints: []string{"10.0.1.1:8080"}},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validate(validDoc(), pool.NewRegistry()); err != nil {
		t.Error(err)
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	doc := validDoc()
	doc.Rules[0].Backend = "missing-pool"
	doc.Rules = append(doc.Rules, prefixRuleDef("c", "", "/static", "static-pool"))
	doc.DefaultBackend = "also-missing"

	cerr := validate(doc, pool.NewRegistry())
	if cerr == nil {
		t.Fatal("failed to fail")
	}

	if len(cerr.Violations) != 3 {
		t.Errorf("got %d violations, expected 3: %v", len(cerr.Violations), cerr)
	}
}

func TestValidateDuplicateKeyNamesBothRules(t *testing.T) {
	doc := validDoc()
	doc.Rules = append(doc.Rules, prefixRuleDef("a2", "", "/api", "static-pool"))

	cerr := validate(doc, pool.NewRegistry())
	if cerr == nil {
		t.Fatal("failed to fail")
	}

	msg := cerr.Error()
	if !strings.Contains(msg, "a") || !strings.Contains(msg, "a2") {
		t.Errorf("violation does not name both rules: %s", msg)
	}
}

func TestValidateAcceptsPoolsKnownToTheRegistry(t *testing.T) {
	reg := pool.NewRegistry()
	reg.SetPool("external-pool", []string{"10.0.2.1:8080"})

	doc := validDoc()
	doc.Rules[0].Backend = "external-pool"

	if err := validate(doc, reg); err != nil {
		t.Error(err)
	}
}

func TestValidateTLS(t *testing.T) {
	doc := validDoc()
	doc.TLS = []*rule.TLSBinding{{Host: "api.example.org"}}

	cerr := validate(doc, pool.NewRegistry())
	if cerr == nil {
		t.Fatal("binding without certificate material accepted")
	}

	doc = validDoc()
	doc.TLS = []*rule.TLSBinding{
		{Host: "api.example.org", CertFile: "/a.crt", KeyFile: "/a.key"},
		{Host: "api.example.org", CertFile: "/b.crt", KeyFile: "/b.key"},
	}

	if cerr = validate(doc, pool.NewRegistry()); cerr == nil {
		t.Fatal("duplicate binding accepted")
	}
}
