package routing

import (
	"fmt"
	"sort"
	"sync"

	berr "github.com/next-trace/scg-service-rpc/contract/errors"
)

// Table maps paths to handlers. A path is bound at most once.
//
// Table is safe for concurrent use.
type Table[H any] struct {
	mu     sync.RWMutex
	kind   string
	routes map[string]H
}

// NewTable returns an empty table. kind labels errors, e.g. "command" or "event".
func NewTable[H any](kind string) *Table[H] {
	return &Table[H]{kind: kind, routes: make(map[string]H)}
}

// Register binds h to path. Registering an already bound path fails with
// ErrDuplicateRoute and leaves the existing binding in place.
func (t *Table[H]) Register(path string, h H) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.routes[path]; exists {
		return fmt.Errorf("register %s route %q: %w", t.kind, path, berr.ErrDuplicateRoute)
	}

	t.routes[path] = h

	return nil
}

// Lookup returns the handler bound to path, or ErrRouteNotFound.
func (t *Table[H]) Lookup(path string) (H, error) {
	t.mu.RLock()
	h, ok := t.routes[path]
	t.mu.RUnlock()

	if !ok {
		var zero H

		return zero, fmt.Errorf("lookup %s route %q: %w", t.kind, path, berr.ErrRouteNotFound)
	}

	return h, nil
}

// Paths returns the bound paths in sorted order.
func (t *Table[H]) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paths := make([]string, 0, len(t.routes))
	for p := range t.routes {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

// Len returns the number of bound paths.
func (t *Table[H]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.routes)
}
