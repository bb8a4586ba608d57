// Package vmproxy maps session codes to live sandbox endpoints and forwards
// external requests to them.
package vmproxy

import (
	"fmt"
	"net"
	"net/url"
	"sync"
)

// Endpoint is a sandbox's embedded network service address.
type Endpoint struct {
	Host string
	Port int
}

// URL returns the endpoint as an http base URL.
func (e Endpoint) URL() *url.URL {
	return &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port)),
	}
}

// Table is the route table, keyed by session code. It holds at most one
// endpoint per code at any instant and is mutated only by the sandbox
// manager.
type Table struct {
	mu     sync.RWMutex
	routes map[string]Endpoint
}

// NewTable creates an empty route table.
func NewTable() *Table {
	return &Table{routes: make(map[string]Endpoint)}
}

// Register maps code to endpoint. Re-registering overwrites.
func (t *Table) Register(code string, endpoint Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[code] = endpoint
}

// Unregister removes the route for code. Unregistering an absent entry is a
// no-op.
func (t *Table) Unregister(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, code)
}

// Route looks up the endpoint for code.
func (t *Table) Route(code string) (Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ep, ok := t.routes[code]
	return ep, ok
}
