// Package dedup drops gossip frames that were already processed within a
// time window, so replays and mesh echoes never reach the protocol twice.
package dedup

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/luca-patrignani/mental-craps/protocol"
)

const (
	DefaultSize = 8192
	DefaultTTL  = 2 * time.Minute
)

// Deduplicator remembers recently seen frame identifiers. Memory is bounded
// by size and entries expire after ttl; a frame seen again after expiry is
// reprocessed, which downstream round checks tolerate.
type Deduplicator struct {
	mu    sync.Mutex
	cache *expirable.LRU[protocol.Hash, struct{}]
}

func New(size int, ttl time.Duration) *Deduplicator {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduplicator{cache: expirable.NewLRU[protocol.Hash, struct{}](size, nil, ttl)}
}

// Seen reports whether id is in the window.
func (d *Deduplicator) Seen(id protocol.Hash) bool {
	_, ok := d.cache.Peek(id)
	return ok
}

// Remember records id as processed.
func (d *Deduplicator) Remember(id protocol.Hash) {
	d.cache.Add(id, struct{}{})
}

// Observe atomically checks and records id. It returns true the first time an
// id is observed within the window.
func (d *Deduplicator) Observe(id protocol.Hash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache.Peek(id); ok {
		return false
	}
	d.cache.Add(id, struct{}{})
	return true
}

// Forget drops id so that the frame can be processed again, used when a frame
// was rejected for a transient reason such as a missing predecessor.
func (d *Deduplicator) Forget(id protocol.Hash) {
	d.cache.Remove(id)
}

func (d *Deduplicator) Len() int { return d.cache.Len() }
