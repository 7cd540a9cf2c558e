// Package ratelimit holds the active per-rule token bucket rate
// limiters, applying the rate limit option of routing rules.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/ingrid-io/ingrid/rule"
)

const (
	// Header is the response header telling the clients the limit they
	// exhausted.
	Header = "X-Rate-Limit"

	// RetryAfterHeader is the standard header carrying the retry period
	// in seconds.
	RetryAfterHeader = "Retry-After"
)

// Registry holds the active rate limiters keyed by rule id, applying
// setting changes on reload and recycling the limiters of deleted rules.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRegistry creates an empty rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*rate.Limiter)}
}

// Allow tells whether a request matching the rule may proceed. Rules
// without a rate limit setting always pass.
func (r *Registry) Allow(ru *rule.Rule) bool {
	if ru.RateLimit == nil {
		return true
	}

	limit := rate.Limit(ru.RateLimit.RequestsPerSecond)

	r.mu.Lock()
	lim, ok := r.limiters[ru.ID]
	if !ok || lim.Limit() != limit || lim.Burst() != ru.RateLimit.Burst {
		// settings may have changed on reload, start a fresh bucket
		lim = rate.NewLimiter(limit, ru.RateLimit.Burst)
		r.limiters[ru.ID] = lim
	}
	r.mu.Unlock()

	return lim.Allow()
}

// Prune drops the limiters of rules no longer present in the active
// snapshot, called by the store after a successful load.
func (r *Registry) Prune(active map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.limiters {
		if !active[id] {
			delete(r.limiters, id)
		}
	}
}
