// Package game is the replicated craps table. It applies finalized records
// in chain order and derives balances, the table phase and the payout of
// every round. The transition is a pure function of the previous state and
// the record, so every peer replaying the same chain reaches a bit-identical
// state.
package game

import (
	"maps"

	"github.com/luca-patrignani/mental-craps/domain/craps"
	"github.com/luca-patrignani/mental-craps/protocol"
)

// State is the game state after the record at Head.
type State struct {
	Height   uint64                     `json:"height"`
	Head     protocol.Hash              `json:"head"`
	Round    protocol.Round             `json:"round"`
	Table    craps.Table                `json:"table"`
	Balances map[protocol.PeerID]uint64 `json:"balances"`
	Nonces   map[protocol.PeerID]uint64 `json:"nonces,omitempty"`
	LastRoll *craps.Roll                `json:"last_roll,omitempty"`
	Voided   uint64                     `json:"voided,omitempty"`
}

// Genesis returns the state before any record, funded with balances.
func Genesis(balances map[protocol.PeerID]uint64) State {
	return State{
		Table:    craps.NewTable(),
		Balances: maps.Clone(balances),
		Nonces:   map[protocol.PeerID]uint64{},
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := s
	c.Balances = maps.Clone(s.Balances)
	c.Nonces = maps.Clone(s.Nonces)
	c.Table.Wagers = append([]craps.Wager(nil), s.Table.Wagers...)
	if s.LastRoll != nil {
		r := *s.LastRoll
		c.LastRoll = &r
	}
	if c.Balances == nil {
		c.Balances = map[protocol.PeerID]uint64{}
	}
	if c.Nonces == nil {
		c.Nonces = map[protocol.PeerID]uint64{}
	}
	return c
}

func (s State) Balance(p protocol.PeerID) uint64 { return s.Balances[p] }

// Exposure is the total a player has resting on the table.
func (s State) Exposure(p protocol.PeerID) uint64 {
	var total uint64
	for _, w := range s.Table.Wagers {
		if w.Player == string(p) {
			total += w.Amount
		}
	}
	return total
}

// Digest is the hash of the canonical encoding of the state.
func (s State) Digest() protocol.Hash {
	b, err := protocol.Marshal(s)
	if err != nil {
		return protocol.ZeroHash
	}
	return protocol.HashBytes([]byte("state"), b)
}
