// Package routing implements the rule store of ingrid: it consumes rule
// documents from data clients, validates them as a whole, compiles them
// into immutable snapshots and publishes the snapshots atomically, so
// that every request is served against one consistent rule set view
// even during reconfiguration.
package routing

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/ingrid-io/ingrid/certregistry"
	"github.com/ingrid-io/ingrid/logging"
	"github.com/ingrid-io/ingrid/metrics"
	"github.com/ingrid-io/ingrid/pool"
	"github.com/ingrid-io/ingrid/ratelimit"
	"github.com/ingrid-io/ingrid/rule"
)

const defaultPollTimeout = 3 * time.Second

// DataClient instances provide rule documents to the store. Load returns
// the full current document of the client; the store detects unchanged
// documents and skips the reload.
type DataClient interface {
	Load() (*rule.Document, error)
}

// Options to initialize a rule store.
type Options struct {

	// DataClients to poll for rule documents. Their documents are
	// merged by rule id, later clients overriding earlier ones.
	DataClients []DataClient

	// PollTimeout is the interval of polling the data clients.
	PollTimeout time.Duration

	// Pools is the backend pool registry seeded from the loaded
	// documents.
	Pools *pool.Registry

	// Certs, when set, receives the TLS bindings of each successfully
	// loaded rule set.
	Certs *certregistry.CertRegistry

	// RateLimits, when set, is pruned to the rules of the active
	// snapshot after each successful load.
	RateLimits *ratelimit.Registry

	Metrics metrics.Metrics
	Log     logging.Logger
}

// Snapshot is one immutable, versioned rule set. Snapshots are replaced
// wholesale and never mutated, so a reference obtained at the start of a
// request stays valid and consistent for the whole request.
type Snapshot struct {
	Version        string
	Rules          []*rule.Rule
	DefaultBackend string
	matcher        *matcher
}

// Match finds the best matching rule for a request host and path. It
// returns false when no rule matches; the caller decides between the
// default backend and a not-found response.
func (s *Snapshot) Match(host, path string) (*MatchResult, bool) {
	return s.matcher.match(host, path)
}

func newSnapshot(doc *rule.Document) *Snapshot {
	return &Snapshot{
		Version:        uuid.New().String(),
		Rules:          doc.Rules,
		DefaultBackend: doc.DefaultBackend,
		matcher:        newMatcher(doc.Rules),
	}
}

type loadRequest struct {
	source int // data client index; -1 for documents pushed via Load
	doc    *rule.Document
	reply  chan error
}

// Store consumes rule documents, validates them and publishes immutable
// snapshots. Reads never block on reloads and reloads never block on
// reads; reloads are serialized by a single control goroutine.
type Store struct {
	o           Options
	getSnapshot <-chan *Snapshot
	snapshotsIn chan<- *Snapshot
	loadReq     chan *loadRequest
	quit        chan struct{}
}

// feedSnapshots keeps the latest published snapshot always available on
// the returned channel without blocking the publisher.
func feedSnapshots(current *Snapshot) (chan<- *Snapshot, <-chan *Snapshot) {
	in := make(chan *Snapshot)
	out := make(chan *Snapshot)

	go func() {
		for {
			select {
			case current = <-in:
			case out <- current:
			}
		}
	}()

	return in, out
}

// New creates a rule store and starts polling the configured data
// clients. The store starts with an empty snapshot; requests served
// before the first successful load see no rules.
func New(o Options) *Store {
	if o.PollTimeout <= 0 {
		o.PollTimeout = defaultPollTimeout
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	if o.Pools == nil {
		o.Pools = pool.NewRegistry()
	}

	initial := newSnapshot(&rule.Document{})
	in, out := feedSnapshots(initial)

	s := &Store{
		o:           o,
		getSnapshot: out,
		snapshotsIn: in,
		loadReq:     make(chan *loadRequest),
		quit:        make(chan struct{}),
	}

	go s.control(initial)
	for i, c := range o.DataClients {
		go s.poll(i, c)
	}

	return s
}

// Snapshot returns the currently active snapshot. The call never blocks
// on configuration reloads.
func (s *Store) Snapshot() *Snapshot {
	return <-s.getSnapshot
}

// Load validates and, on success, publishes a pushed rule document. On
// validation failure it returns a *ConfigError listing every violation
// and leaves the active snapshot untouched. Pushed documents are merged
// after the documents of the polled data clients.
func (s *Store) Load(doc *rule.Document) error {
	req := &loadRequest{source: -1, doc: doc, reply: make(chan error, 1)}
	select {
	case s.loadReq <- req:
		return <-req.reply
	case <-s.quit:
		return nil
	}
}

// Close stops the store's background goroutines.
func (s *Store) Close() {
	close(s.quit)
}

// control is the single writer: it receives load requests, merges the
// per-source documents, validates and publishes. Requests are handled
// strictly one at a time.
func (s *Store) control(active *Snapshot) {
	docs := make(map[int]*rule.Document)
	for {
		select {
		case req := <-s.loadReq:
			prev, had := docs[req.source]
			docs[req.source] = req.doc
			merged := mergeDocuments(docs, len(s.o.DataClients))

			err := s.apply(merged, &active)
			if err != nil {
				// a rejected document must not poison later merges
				if had {
					docs[req.source] = prev
				} else {
					delete(docs, req.source)
				}

				s.o.Log.Error(err)
			}

			req.reply <- err
		case <-s.quit:
			return
		}
	}
}

func (s *Store) apply(merged *rule.Document, active **Snapshot) error {
	if cerr := validate(merged, s.o.Pools); cerr != nil {
		return cerr
	}

	next := newSnapshot(merged)

	for _, p := range merged.Pools {
		s.o.Pools.SetPool(p.Name, p.Endpoints)
	}

	if s.o.Certs != nil {
		s.o.Certs.Sync(merged.TLS)
	}

	if s.o.RateLimits != nil {
		activeIDs := make(map[string]bool)
		for _, r := range next.Rules {
			activeIDs[r.ID] = true
		}

		s.o.RateLimits.Prune(activeIDs)
	}

	added, removed, modified := diff((*active).Rules, next.Rules)
	s.snapshotsIn <- next
	*active = next

	s.o.Log.Infof(
		"rule set updated: version=%s rules=%d added=%d removed=%d modified=%d",
		next.Version, len(next.Rules), added, removed, modified)
	s.o.Metrics.UpdateRuleSet(next.Version, added, removed, modified)
	return nil
}

// mergeDocuments merges the per-source documents in source order, rules
// overriding by id while keeping the position of the first declaration.
// The declaration order matters: it is the documented tie-break among
// regex rules.
func mergeDocuments(docs map[int]*rule.Document, clients int) *rule.Document {
	merged := &rule.Document{}
	index := make(map[string]int)

	sources := make([]int, 0, len(docs))
	for i := 0; i < clients; i++ {
		if docs[i] != nil {
			sources = append(sources, i)
		}
	}

	if docs[-1] != nil {
		sources = append(sources, -1)
	}

	for _, si := range sources {
		d := docs[si]
		for _, r := range d.Rules {
			if at, ok := index[r.ID]; ok {
				merged.Rules[at] = r
				continue
			}

			index[r.ID] = len(merged.Rules)
			merged.Rules = append(merged.Rules, r)
		}

		merged.Pools = append(merged.Pools, d.Pools...)
		merged.TLS = append(merged.TLS, d.TLS...)
		if d.DefaultBackend != "" {
			merged.DefaultBackend = d.DefaultBackend
		}
	}

	return merged
}

func diff(before, after []*rule.Rule) (added, removed, modified int) {
	old := make(map[string]*rule.Rule, len(before))
	for _, r := range before {
		old[r.ID] = r
	}

	for _, r := range after {
		o, ok := old[r.ID]
		switch {
		case !ok:
			added++
		case !o.Eq(r):
			modified++
		}

		delete(old, r.ID)
	}

	removed = len(old)
	return
}

// poll keeps loading the document of one data client, backing off
// exponentially while the client fails.
func (s *Store) poll(source int, c DataClient) {
	b := backoff.NewExponentialBackOff()
	var last *rule.Document

	for {
		doc, err := c.Load()
		if err != nil {
			s.o.Log.Errorf("error while loading rule document: %v", err)
			if !s.sleep(b.NextBackOff()) {
				return
			}

			continue
		}

		b.Reset()
		if !documentsEqual(last, doc) {
			req := &loadRequest{source: source, doc: doc, reply: make(chan error, 1)}
			select {
			case s.loadReq <- req:
				<-req.reply
				last = doc
			case <-s.quit:
				return
			}
		}

		if !s.sleep(s.o.PollTimeout) {
			return
		}
	}
}

func (s *Store) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.quit:
		return false
	}
}

func documentsEqual(a, b *rule.Document) bool {
	if a == nil || b == nil {
		return a == b
	}

	if len(a.Rules) != len(b.Rules) ||
		len(a.Pools) != len(b.Pools) ||
		len(a.TLS) != len(b.TLS) ||
		a.DefaultBackend != b.DefaultBackend {
		return false
	}

	for i := range a.Rules {
		if !a.Rules[i].Eq(b.Rules[i]) {
			return false
		}
	}

	for i := range a.Pools {
		if a.Pools[i].Name != b.Pools[i].Name {
			return false
		}

		if len(a.Pools[i].Endpoints) != len(b.Pools[i].Endpoints) {
			return false
		}

		for j := range a.Pools[i].Endpoints {
			if a.Pools[i].Endpoints[j] != b.Pools[i].Endpoints[j] {
				return false
			}
		}
	}

	for i := range a.TLS {
		if a.TLS[i].Host != b.TLS[i].Host ||
			a.TLS[i].CertFile != b.TLS[i].CertFile ||
			a.TLS[i].KeyFile != b.TLS[i].KeyFile ||
			string(a.TLS[i].CertPEM) != string(b.TLS[i].CertPEM) ||
			string(a.TLS[i].KeyPEM) != string(b.TLS[i].KeyPEM) {
			return false
		}
	}

	return true
}
