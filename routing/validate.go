package routing

import (
	"fmt"
	"strings"

	"github.com/ingrid-io/ingrid/pool"
	"github.com/ingrid-io/ingrid/rule"
)

// ConfigError reports an invalid rule set. It enumerates every violation
// found during a load, not only the first one, so that the operator can
// fix a document in one round. A rejected load leaves the previously
// published snapshot active.
type ConfigError struct {
	Violations []error
}

func (e *ConfigError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid rule set"
	}

	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}

	return fmt.Sprintf("invalid rule set, %d violation(s): %s", len(e.Violations), strings.Join(msgs, "; "))
}

// validate checks a merged rule document against itself and the known
// pools. Returns nil when the document is acceptable.
func validate(doc *rule.Document, pools *pool.Registry) *ConfigError {
	var violations []error

	poolNames := make(map[string]bool)
	if pools != nil {
		for _, name := range pools.Names() {
			poolNames[name] = true
		}
	}

	for _, p := range doc.Pools {
		if p.Name == "" {
			violations = append(violations, fmt.Errorf("pool without name"))
			continue
		}

		poolNames[p.Name] = true
	}

	seen := make(map[string]string) // rule key -> id of the first rule claiming it
	for _, r := range doc.Rules {
		if err := r.Validate(); err != nil {
			violations = append(violations, fmt.Errorf("rule %s: %v", r.ID, err))
			continue
		}

		if first, ok := seen[r.Key()]; ok {
			violations = append(violations, fmt.Errorf(
				"duplicate rules %s and %s for %s %s(%s)",
				first, r.ID, hostLabel(r.Host), r.MatchKind, r.PathPattern))
		} else {
			seen[r.Key()] = r.ID
		}

		if !poolNames[r.Backend] {
			violations = append(violations, fmt.Errorf("rule %s references unknown backend pool %q", r.ID, r.Backend))
		}
	}

	if doc.DefaultBackend != "" && !poolNames[doc.DefaultBackend] {
		violations = append(violations, fmt.Errorf("default backend references unknown pool %q", doc.DefaultBackend))
	}

	tlsHosts := make(map[string]bool)
	for _, b := range doc.TLS {
		if !rule.ValidHost(b.Host) {
			violations = append(violations, fmt.Errorf("TLS binding with malformed host %q", b.Host))
			continue
		}

		if tlsHosts[b.Host] {
			violations = append(violations, fmt.Errorf("duplicate TLS binding for host %s", b.Host))
		}

		tlsHosts[b.Host] = true

		hasPEM := len(b.CertPEM) > 0 && len(b.KeyPEM) > 0
		hasFiles := b.CertFile != "" && b.KeyFile != ""
		if !hasPEM && !hasFiles {
			violations = append(violations, fmt.Errorf("TLS binding for host %s without certificate material", b.Host))
		}
	}

	if len(violations) == 0 {
		return nil
	}

	return &ConfigError{Violations: violations}
}

func hostLabel(host string) string {
	if host == "" {
		return "any host"
	}

	return "host " + host
}
