/*
Package ingrid provides an HTTP ingress routing controller with runtime
update of the routing rules.

Ingrid works as an HTTP reverse proxy that maps incoming requests to
backend pools based on the request host and path. Matching rules can
rewrite the forwarded path using capture groups, enforce per-rule rate
limits and override the backend timeout. The request and response bodies
are streamed without buffering.

Rule documents can be loaded from multiple data clients and are merged
into a single immutable snapshot. A snapshot is replaced atomically, so
requests that are in flight during an update keep the rule set they
started with. Invalid documents are rejected as a whole and the previous
snapshot stays active.

Backend endpoints are selected with health aware round robin. An
endpoint whose connection attempt fails is marked unhealthy and the
request is retried once against another member of the pool. When a pool
accumulates consecutive failures, a circuit breaker rejects further
requests until the backend recovers.

TLS is terminated with certificates selected per SNI hostname from the
certificate bindings of the rule document, falling back to a default
certificate when none matches.

# Running Ingrid

The Run function starts the listeners and blocks until a termination
signal arrives:

	log.Fatal(ingrid.Run(ingrid.Options{
		Address:   ":9090",
		RulesFile: "rules.yaml",
	}))

For the command line program, see the cmd/ingrid package, and for the
rule document format, see the rule package.
*/
package ingrid
