package bridge

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry tracks live bridge connections and hands out UDP ports from a
// monotonically increasing counter shared by all connections.
type Registry struct {
	nextPort atomic.Uint32

	maxConnections int

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewRegistry returns a Registry whose first allocated port is basePort.
// maxConnections <= 0 disables the connection cap.
func NewRegistry(basePort uint16, maxConnections int) *Registry {
	r := &Registry{
		maxConnections: maxConnections,
		conns:          make(map[string]*Connection),
	}
	r.nextPort.Store(uint32(basePort))
	return r
}

// Allocate returns the next port. A port is handed out at most once, even
// after the connection that used it is gone.
func (r *Registry) Allocate() (uint16, error) {
	p := r.nextPort.Add(1) - 1
	if p > math.MaxUint16 {
		// Keep the counter pinned so repeated calls cannot wrap a uint32.
		r.nextPort.Store(math.MaxUint16 + 1)
		return 0, ErrPortsExhausted
	}
	return uint16(p), nil
}

// Reserve fails with ErrTooManyConnections when the cap is reached.
func (r *Registry) Reserve() error {
	if r.maxConnections <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) >= r.maxConnections {
		return ErrTooManyConnections
	}
	return nil
}

func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, c.ID())
	}
	if r.maxConnections > 0 && len(r.conns) >= r.maxConnections {
		return ErrTooManyConnections
	}
	r.conns[c.ID()] = c
	return nil
}

// Unregister is idempotent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// IDs returns the registered connection ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Snapshot returns status information for every registered connection.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.Lock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// CloseAll closes every registered connection. Their bridge goroutines
// unregister them as they exit.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
