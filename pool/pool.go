// Package pool mirrors the membership and health of the named backend
// pools. Endpoints are added, removed and marked healthy or unhealthy by
// an external reconciliation feed; the controller only consumes the pool
// state, it never owns the endpoint lifecycle.
package pool

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultRetryPeriod is the period after which an unhealthy endpoint is
// offered to the load balancer again. A recovered backend returns to
// rotation after at most this period; one that is still failing gets
// marked again on the next attempt.
const DefaultRetryPeriod = 10 * time.Second

// State describes the health of a pool member.
//
// Healthy endpoints serve traffic and accept new connections. Unhealthy
// endpoints are listening but asked not to receive new connections (lame
// duck). Dead endpoints cannot be connected to at all.
type State int

const (
	Healthy State = iota
	Unhealthy
	Dead
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Endpoint is an immutable view of one pool member, as handed to the load
// balancer and the proxy. Scheme is http or https, driving whether the
// proxy establishes TLS to the backend.
type Endpoint struct {
	Scheme  string
	Address string
	State   State
}

// Op is the kind of a membership feed event.
type Op int

const (
	// Add inserts an endpoint, or resets the state of an existing one.
	Add Op = iota

	// Remove deletes an endpoint from its pool.
	Remove

	// SetHealth changes the health state of an existing endpoint.
	SetHealth
)

// Event is a single pool membership or health change from the
// reconciliation feed.
type Event struct {
	Pool    string
	Op      Op
	Address string
	State   State
}

type member struct {
	scheme  string
	address string
	state   State
	retryAt time.Time
}

// splitEndpoint separates the optional scheme of an endpoint entry in a
// rule document. Plain host:port entries default to http.
func splitEndpoint(e string) (scheme, address string) {
	if s, a, ok := strings.Cut(e, "://"); ok {
		return s, a
	}

	return "http", e
}

type pool struct {
	members []*member
}

func (p *pool) find(address string) *member {
	for _, m := range p.members {
		if m.address == address {
			return m
		}
	}

	return nil
}

// Registry holds the current pool membership. It is safe for concurrent
// use: the proxy reads endpoint snapshots while the feed applies events.
type Registry struct {
	mu          sync.RWMutex
	pools       map[string]*pool
	retryPeriod time.Duration
}

// NewRegistry creates an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{
		pools:       make(map[string]*pool),
		retryPeriod: DefaultRetryPeriod,
	}
}

// SetRetryPeriod changes the period after which unhealthy endpoints are
// offered to the load balancer again.
func (r *Registry) SetRetryPeriod(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryPeriod = d
}

// SetPool replaces the membership of a named pool with the given
// endpoint entries, all starting healthy. An entry is host:port with an
// optional http:// or https:// scheme. Endpoints already present keep
// their current health state. Used when a rule document seeds or reseeds
// pool membership.
func (r *Registry) SetPool(name string, endpoints []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.pools[name]
	p := &pool{}
	for _, e := range endpoints {
		scheme, a := splitEndpoint(e)
		m := &member{scheme: scheme, address: a, state: Healthy}
		if old != nil {
			if om := old.find(a); om != nil {
				m.state = om.state
				m.retryAt = om.retryAt
			}
		}

		p.members = append(p.members, m)
	}

	r.pools[name] = p
}

// Apply applies a single feed event. Events for unknown pools create the
// pool; health changes for unknown endpoints are dropped and logged.
func (r *Registry) Apply(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.pools[e.Pool]
	if p == nil {
		p = &pool{}
		r.pools[e.Pool] = p
	}

	switch e.Op {
	case Add:
		scheme, a := splitEndpoint(e.Address)
		if m := p.find(a); m != nil {
			m.state = e.State
			m.retryAt = time.Time{}
			return
		}

		p.members = append(p.members, &member{scheme: scheme, address: a, state: e.State})
	case Remove:
		for i, m := range p.members {
			if m.address == e.Address {
				p.members = append(p.members[:i], p.members[i+1:]...)
				return
			}
		}
	case SetHealth:
		m := p.find(e.Address)
		if m == nil {
			log.Warnf("health change for unknown endpoint %s in pool %s", e.Address, e.Pool)
			return
		}

		m.state = e.State
		if e.State == Unhealthy {
			m.retryAt = time.Now().Add(r.retryPeriod)
		} else {
			m.retryAt = time.Time{}
		}
	}
}

// Has tells whether a pool with the given name exists in the registry.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.pools[name]
	return ok
}

// Names returns the names of all known pools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}

	return names
}

// Endpoints returns a point-in-time copy of the members of a pool. The
// returned slice is owned by the caller. Unhealthy members whose retry
// period has passed are reported healthy, so that a recovered backend
// returns to rotation without an explicit feed event; a member that is
// still failing gets marked unhealthy again on the next attempt.
func (r *Registry) Endpoints(name string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := r.pools[name]
	if p == nil {
		return nil
	}

	now := time.Now()
	eps := make([]Endpoint, 0, len(p.members))
	for _, m := range p.members {
		state := m.state
		if state == Unhealthy && !m.retryAt.IsZero() && now.After(m.retryAt) {
			state = Healthy
		}

		eps = append(eps, Endpoint{Scheme: m.scheme, Address: m.address, State: state})
	}

	return eps
}
