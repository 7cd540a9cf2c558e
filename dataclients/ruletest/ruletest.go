// Package ruletest implements an in-memory data client for tests and
// for embedding ingrid with a programmatically built rule set.
package ruletest

import (
	"sync"

	"github.com/ingrid-io/ingrid/rule"
)

// Client serves a rule document held in memory. The document can be
// replaced at any time; the next poll of the rule store picks it up.
type Client struct {
	mu  sync.Mutex
	doc *rule.Document
	err error
}

// New creates an in-memory data client serving doc.
func New(doc *rule.Document) *Client {
	return &Client{doc: doc}
}

// NewYAML creates an in-memory data client from a YAML document.
func NewYAML(y string) (*Client, error) {
	doc, err := rule.ParseDocument([]byte(y))
	if err != nil {
		return nil, err
	}

	return New(doc), nil
}

// Update replaces the served document.
func (c *Client) Update(doc *rule.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = doc
	c.err = nil
}

// Fail makes subsequent loads return err until the next Update.
func (c *Client) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *Client) Load() (*rule.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}

	return c.doc.Copy(), nil
}
