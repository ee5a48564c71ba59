// Package dict looks words up through an external dictionary program.
package dict

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wustho/epy/ebook"
)

// presets in probe order; each is invoked as "<program> <word>".
var presets = []string{"wkdict", "sdcv", "dict"}

// Client wraps one resolved dictionary program.
type Client struct {
	path string
	name string
}

// Probe finds a dictionary program. A configured name restricts the
// search to that program; otherwise the presets are tried in order.
func Probe(preferred string) (*Client, error) {
	candidates := presets
	if preferred != "" {
		candidates = []string{preferred}
	}
	for _, name := range candidates {
		if p, err := exec.LookPath(name); err == nil {
			return &Client{path: p, name: name}, nil
		}
	}
	return nil, &ebook.CapabilityMissing{
		Capability: "dictionary",
		Err:        fmt.Errorf("no dictionary program found in PATH (tried %s)", strings.Join(candidates, ", ")),
	}
}

func (c *Client) Name() string { return c.name }

// Lookup runs the dictionary on a single word and returns its output.
func (c *Client) Lookup(ctx context.Context, word string) (string, error) {
	word = strings.TrimSpace(word)
	if word == "" {
		return "", fmt.Errorf("empty lookup term")
	}
	var out, errb bytes.Buffer
	cmd := exec.CommandContext(ctx, c.path, word)
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errb.String())
		if msg == "" {
			msg = strings.TrimSpace(out.String())
		}
		if msg != "" {
			return "", fmt.Errorf("%s: %s: %w", c.name, msg, err)
		}
		return "", fmt.Errorf("%s: %w", c.name, err)
	}
	return out.String(), nil
}
