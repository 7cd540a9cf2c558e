// Package rulefile implements a data client that reads rule documents
// from a YAML file. The client rereads the file on every poll; the rule
// store detects unchanged documents and skips the reload, so edits to
// the file become active without restarting the process.
package rulefile

import (
	"fmt"
	"os"

	"github.com/ingrid-io/ingrid/rule"
)

// Client loads rule documents from a file. Client doesn't follow file
// system nodes, it always reads from the file identified by the
// initially provided file name.
type Client struct {
	fileName string
}

// New creates a rule file client. It fails when the file cannot be read
// or does not parse, so that a typo in the startup configuration
// surfaces immediately instead of on the first poll.
func New(name string) (*Client, error) {
	c := &Client{fileName: name}
	if _, err := c.Load(); err != nil {
		return nil, err
	}

	return c, nil
}

// Load reads and parses the current content of the file.
func (c *Client) Load() (*rule.Document, error) {
	content, err := os.ReadFile(c.fileName)
	if err != nil {
		return nil, fmt.Errorf("reading rule file %s: %w", c.fileName, err)
	}

	doc, err := rule.ParseDocument(content)
	if err != nil {
		return nil, fmt.Errorf("parsing rule file %s: %w", c.fileName, err)
	}

	return doc, nil
}
