// Package loadbalancer selects a live endpoint from a backend pool for
// each forwarded request, using round-robin with skip-on-unhealthy.
package loadbalancer

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ingrid-io/ingrid/pool"
)

// ErrNoHealthyEndpoint is returned when every member of the matched pool
// is unhealthy or dead, or the pool is empty.
var ErrNoHealthyEndpoint = errors.New("no healthy endpoint in pool")

type roundRobin struct {
	mx    sync.Mutex
	index int
}

// RoundRobin keeps one rotation position per pool, surviving rule set
// reloads, so that traffic keeps rotating over pool members even when the
// routing configuration is replaced.
type RoundRobin struct {
	mx    sync.Mutex
	rnd   *rand.Rand
	state map[string]*roundRobin
}

// NewRoundRobin creates a round-robin balancer.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		state: make(map[string]*roundRobin),
	}
}

func (b *RoundRobin) poolState(name string) *roundRobin {
	b.mx.Lock()
	defer b.mx.Unlock()

	s, ok := b.state[name]
	if !ok {
		s = &roundRobin{index: b.rnd.Intn(1 << 16)}
		b.state[name] = s
	}

	return s
}

// Select picks the next healthy endpoint of the pool, skipping unhealthy
// and dead members. The skip slice excludes endpoints already attempted
// within the same request, used for the retry after a connection failure.
func (b *RoundRobin) Select(name string, endpoints []pool.Endpoint, skip ...string) (pool.Endpoint, error) {
	if len(endpoints) == 0 {
		return pool.Endpoint{}, ErrNoHealthyEndpoint
	}

	s := b.poolState(name)
	s.mx.Lock()
	defer s.mx.Unlock()

	for i := 0; i < len(endpoints); i++ {
		s.index++
		e := endpoints[s.index%len(endpoints)]
		if e.State != pool.Healthy {
			continue
		}

		if skipped(skip, e.Address) {
			continue
		}

		return e, nil
	}

	return pool.Endpoint{}, ErrNoHealthyEndpoint
}

func skipped(skip []string, address string) bool {
	for _, s := range skip {
		if s == address {
			return true
		}
	}

	return false
}
