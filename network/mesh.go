package network

import (
	"context"
	"sync"
	"sync/atomic"
)

const DefaultInbox = 4096

// Mesh is an in-memory hub connecting endpoints by name. It can split the
// endpoints into partitions and heal them, which is how tests and
// simulations reproduce forks.
type Mesh struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	group     map[string]int
	inbox     int
}

func NewMesh() *Mesh {
	return &Mesh{
		endpoints: make(map[string]*Endpoint),
		group:     make(map[string]int),
		inbox:     DefaultInbox,
	}
}

// Join attaches a new endpoint. Joining an existing name replaces it.
func (m *Mesh) Join(name string) *Endpoint {
	e := &Endpoint{name: name, mesh: m, inbox: make(chan Message, m.inbox)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.endpoints[name]; ok {
		old.closeLocked()
	}
	m.endpoints[name] = e
	return e
}

// Partition splits the mesh: endpoints only reach endpoints of their own
// group. Endpoints left out of every group form one more group together.
func (m *Mesh) Partition(groups ...[]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.group = make(map[string]int)
	for i, g := range groups {
		for _, name := range g {
			m.group[name] = i + 1
		}
	}
}

// Heal reconnects every endpoint.
func (m *Mesh) Heal() {
	m.Partition()
}

func (m *Mesh) reachable(a, b string) bool {
	return m.group[a] == m.group[b]
}

func (m *Mesh) send(from string, data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, e := range m.endpoints {
		if name == from || !m.reachable(from, name) {
			continue
		}
		e.deliver(Message{From: from, Data: append([]byte(nil), data...)})
	}
}

// Endpoint is one member of a Mesh.
type Endpoint struct {
	name    string
	mesh    *Mesh
	inbox   chan Message
	closed  atomic.Bool
	dropped atomic.Uint64
}

func (e *Endpoint) Name() string { return e.name }

// Broadcast queues data to every reachable endpoint. A full inbox drops the
// frame, like a congested link.
func (e *Endpoint) Broadcast(ctx context.Context, data []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mesh.send(e.name, data)
	return nil
}

func (e *Endpoint) deliver(msg Message) {
	if e.closed.Load() {
		return
	}
	select {
	case e.inbox <- msg:
	default:
		e.dropped.Add(1)
	}
}

func (e *Endpoint) Messages() <-chan Message { return e.inbox }

// Dropped counts frames lost to a full inbox.
func (e *Endpoint) Dropped() uint64 { return e.dropped.Load() }

// Close detaches the endpoint and closes its inbox.
func (e *Endpoint) Close() error {
	e.mesh.mu.Lock()
	defer e.mesh.mu.Unlock()
	if e.mesh.endpoints[e.name] == e {
		delete(e.mesh.endpoints, e.name)
	}
	e.closeLocked()
	return nil
}

// closeLocked runs with the mesh write lock held, so no send is in flight.
func (e *Endpoint) closeLocked() {
	if e.closed.CompareAndSwap(false, true) {
		close(e.inbox)
	}
}
