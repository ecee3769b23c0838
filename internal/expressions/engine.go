package expressions

import (
	"context"
	"sync"
)

// Engine evaluates one expression language against a data map.
// Three implementations: CEL (default), Expr and GoJQ.
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Top-level variables visible to condition expressions.
const (
	VarData     = "data"     // instance data seeded at start and merged from completion outputs
	VarNodes    = "nodes"    // latest completion output keyed by node id
	VarInstance = "instance" // instance metadata: id, model, status
)

var variables = []string{VarData, VarNodes, VarInstance}

// activation returns data with every known variable present; missing ones
// default to empty maps.
func activation(data map[string]any) map[string]any {
	out := make(map[string]any, len(variables)+len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, key := range variables {
		if v, ok := out[key]; !ok || v == nil {
			out[key] = map[string]any{}
		}
	}
	return out
}

// programCache memoizes compiled programs by expression text. It is safe for
// concurrent use.
type programCache[P any] struct {
	mu      sync.RWMutex
	entries map[string]P
	compile func(expression string) (P, error)
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{entries: make(map[string]P), compile: compile}
}

func (c *programCache[P]) get(expression string) (P, error) {
	c.mu.RLock()
	if p, ok := c.entries[expression]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.entries[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return p, err
	}
	c.entries[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
