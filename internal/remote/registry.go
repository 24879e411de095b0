package remote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the write side of one client session. The registry entry
// exclusively owns the handle; no other component keeps a reference.
type Transport interface {
	// Open reports whether the transport still accepts writes.
	Open() bool
	Write(ctx context.Context, v any) error
	// Close performs a graceful close with the given reason.
	Close(reason string) error
}

// Conn is one authenticated, live client session.
type Conn struct {
	id          string
	transport   Transport
	connectedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	sub          Subscription
}

// ID returns the connection's process-unique id.
func (c *Conn) ID() string { return c.id }

// ConnectedAt returns when the connection was registered.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the last time a client frame touched this
// connection.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Matches reports whether the connection's current subscription accepts
// the event.
func (c *Conn) Matches(ev EventKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub.Matches(ev)
}

// SubscriptionState returns a copy of the connection's subscription.
func (c *Conn) SubscriptionState() Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub.clone()
}

// Registry tracks live connections. All iteration happens over snapshot
// copies so handlers that register or unregister connections mid-fan-out
// never observe the map mutating.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	seq   atomic.Int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register creates a connection around the transport with an empty
// (wildcard) subscription and returns it.
func (r *Registry) Register(t Transport) *Conn {
	now := time.Now()
	c := &Conn{
		id:           fmt.Sprintf("conn-%d-%d", r.seq.Add(1), now.UnixMilli()),
		transport:    t,
		connectedAt:  now,
		lastActivity: now,
		sub:          newSubscription(),
	}
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	return c
}

// Unregister removes a connection. Unknown ids are a no-op; after
// removal the id never resolves again.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Get returns the connection for id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// All returns a snapshot of the live connections.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll gracefully closes every connection and clears the registry.
// Individual close failures are discarded; the registry empties
// regardless of per-connection outcomes.
func (r *Registry) CloseAll(reason string) {
	for _, c := range r.All() {
		func() {
			defer func() { _ = recover() }()
			_ = c.transport.Close(reason)
		}()
	}
	r.mu.Lock()
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()
}
