package node

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/luca-patrignani/mental-craps/game"
	"github.com/luca-patrignani/mental-craps/protocol"
)

var ErrMempoolFull = errors.New("too many pending bets")

// mempool holds verified bets that no finalized record carries yet.
type mempool struct {
	max  int
	bets map[protocol.Hash]protocol.Bet
}

func newMempool(max int) *mempool {
	return &mempool{max: max, bets: make(map[protocol.Hash]protocol.Bet)}
}

func (m *mempool) len() int { return len(m.bets) }

// add admits b if its nonce is still unused on s.
func (m *mempool) add(b protocol.Bet, s game.State) error {
	id := b.ID()
	if _, ok := m.bets[id]; ok {
		return protocol.ErrDuplicate
	}
	if b.Nonce <= s.Nonces[b.Player] {
		return fmt.Errorf("%w: %d from %s", game.ErrStaleNonce, b.Nonce, b.Player.Short())
	}
	if len(m.bets) >= m.max {
		return ErrMempoolFull
	}
	m.bets[id] = b
	return nil
}

// pending returns the bets ordered by player and nonce.
func (m *mempool) pending() []protocol.Bet {
	out := make([]protocol.Bet, 0, len(m.bets))
	for _, b := range m.bets {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b protocol.Bet) int {
		if c := cmp.Compare(a.Player, b.Player); c != 0 {
			return c
		}
		return cmp.Compare(a.Nonce, b.Nonce)
	})
	return out
}

// lastNonce is the highest nonce of player waiting in the pool.
func (m *mempool) lastNonce(player protocol.PeerID) uint64 {
	var last uint64
	for _, b := range m.bets {
		if b.Player == player && b.Nonce > last {
			last = b.Nonce
		}
	}
	return last
}

// prune drops the bets carried by rec and every bet whose nonce s has used.
func (m *mempool) prune(s game.State, rec *protocol.FinalizedRecord) {
	if rec != nil {
		for i := range rec.Proposal.Transition.Bets {
			delete(m.bets, rec.Proposal.Transition.Bets[i].ID())
		}
	}
	for id, b := range m.bets {
		if b.Nonce <= s.Nonces[b.Player] {
			delete(m.bets, id)
		}
	}
}
