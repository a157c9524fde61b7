package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luca-patrignani/mental-craps/protocol"
)

var ErrUnknownRecord = errors.New("record not in chain")

// Head summarizes the tip of a chain. The empty chain has the zero hash at
// height 0.
type Head struct {
	Hash   protocol.Hash
	Height uint64
	Round  protocol.Round
}

// Chain is the append-only FinalizedRecord chain.
type Chain struct {
	mu      sync.RWMutex
	records []protocol.FinalizedRecord
	index   map[protocol.Hash]int
}

func NewChain() *Chain {
	return &Chain{index: make(map[protocol.Hash]int)}
}

func headOf(records []protocol.FinalizedRecord) Head {
	if len(records) == 0 {
		return Head{}
	}
	last := records[len(records)-1]
	return Head{Hash: last.Hash, Height: last.Height, Round: last.Round}
}

// Append adds rec on top of the current head after checking its height,
// parent link, round order and hash.
func (c *Chain) Append(rec protocol.FinalizedRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateRecord(rec, headOf(c.records)); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	c.index[rec.Hash] = len(c.records)
	c.records = append(c.records, rec)
	return nil
}

// Head returns the current tip.
func (c *Chain) Head() Head {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return headOf(c.records)
}

// Latest returns the most recent record.
func (c *Chain) Latest() (protocol.FinalizedRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.records) == 0 {
		return protocol.FinalizedRecord{}, false
	}
	return c.records[len(c.records)-1], true
}

// Get looks a record up by hash.
func (c *Chain) Get(h protocol.Hash) (protocol.FinalizedRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[h]
	if !ok {
		return protocol.FinalizedRecord{}, false
	}
	return c.records[i], true
}

// Contains reports whether h is the zero hash or the hash of a record in the
// chain.
func (c *Chain) Contains(h protocol.Hash) bool {
	if h.IsZero() {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[h]
	return ok
}

// ByHeight returns the record at height (1-based).
func (c *Chain) ByHeight(height uint64) (protocol.FinalizedRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height == 0 || height > uint64(len(c.records)) {
		return protocol.FinalizedRecord{}, false
	}
	return c.records[height-1], true
}

// ByRound returns the record finalized for round, if any.
func (c *Chain) ByRound(round protocol.Round) (protocol.FinalizedRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.records) - 1; i >= 0; i-- {
		switch r := c.records[i].Round; {
		case r == round:
			return c.records[i], true
		case r < round:
			return protocol.FinalizedRecord{}, false
		}
	}
	return protocol.FinalizedRecord{}, false
}

// Since returns the records that follow h, oldest first.
func (c *Chain) Since(h protocol.Hash) ([]protocol.FinalizedRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := 0
	if !h.IsZero() {
		i, ok := c.index[h]
		if !ok {
			return nil, ErrUnknownRecord
		}
		start = i + 1
	}
	return append([]protocol.FinalizedRecord(nil), c.records[start:]...), nil
}

// Tail returns up to n most recent records, oldest first.
func (c *Chain) Tail(n int) []protocol.FinalizedRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := max(len(c.records)-n, 0)
	return append([]protocol.FinalizedRecord(nil), c.records[start:]...)
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// TruncateTo cuts the chain back so that h is the head and returns the removed
// records, oldest first. The zero hash empties the chain.
func (c *Chain) TruncateTo(h protocol.Hash) ([]protocol.FinalizedRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keep := 0
	if !h.IsZero() {
		i, ok := c.index[h]
		if !ok {
			return nil, ErrUnknownRecord
		}
		keep = i + 1
	}
	removed := append([]protocol.FinalizedRecord(nil), c.records[keep:]...)
	for _, r := range removed {
		delete(c.index, r.Hash)
	}
	c.records = c.records[:keep]
	return removed, nil
}

// Verify replays the whole chain: every link and hash, and check on every
// record when it is not nil (typically a signature and quorum check).
func (c *Chain) Verify(check func(*protocol.FinalizedRecord) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prev := Head{}
	for i := range c.records {
		rec := &c.records[i]
		if err := validateRecord(*rec, prev); err != nil {
			return fmt.Errorf("record %d invalid: %w", rec.Height, err)
		}
		if check != nil {
			if err := check(rec); err != nil {
				return fmt.Errorf("record %d invalid: %w", rec.Height, err)
			}
		}
		prev = Head{Hash: rec.Hash, Height: rec.Height, Round: rec.Round}
	}
	return nil
}

// validateRecord verifies that rec extends prev.
func validateRecord(rec protocol.FinalizedRecord, prev Head) error {
	if rec.Height != prev.Height+1 {
		return fmt.Errorf("invalid height: expected %d, got %d", prev.Height+1, rec.Height)
	}
	if rec.PrevHash != prev.Hash {
		return fmt.Errorf("%w: expected prev hash %s, got %s", protocol.ErrUnknownParent, prev.Hash.Short(), rec.PrevHash.Short())
	}
	if prev.Height > 0 && rec.Round <= prev.Round {
		return fmt.Errorf("round %d does not follow round %d", rec.Round, prev.Round)
	}
	expected, err := rec.ComputeHash()
	if err != nil {
		return err
	}
	if rec.Hash != expected {
		return fmt.Errorf("invalid hash: expected %s, got %s", expected.Short(), rec.Hash.Short())
	}
	return nil
}
