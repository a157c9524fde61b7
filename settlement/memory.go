package settlement

import (
	"context"
	"sync"

	"github.com/luca-patrignani/mental-craps/protocol"
)

// MemoryLedger is an in-process ledger. It credits each round at most once
// and can be told to fail the next calls.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[protocol.PeerID]uint64
	applied  map[protocol.Round]protocol.Hash
	calls    int
	failures []error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[protocol.PeerID]uint64),
		applied:  make(map[protocol.Round]protocol.Hash),
	}
}

// FailNext makes the next len(errs) calls return the given errors in order.
func (l *MemoryLedger) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, errs...)
}

func (l *MemoryLedger) Settle(ctx context.Context, in Instruction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		return err
	}
	if _, ok := l.applied[in.Round]; ok {
		return nil
	}
	l.applied[in.Round] = in.Digest()
	for p, v := range in.Net() {
		l.balances[p] += v
	}
	return nil
}

// Credited is the total the ledger paid out to a player.
func (l *MemoryLedger) Credited(p protocol.PeerID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[p]
}

// Effects is the number of rounds that changed the ledger.
func (l *MemoryLedger) Effects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.applied)
}

func (l *MemoryLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
