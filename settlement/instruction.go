// Package settlement forwards finalized payouts to the external ledger.
//
// Every round produces at most one Instruction. The Gateway turns it into a
// retry task that a periodic Tick dispatches with exponential backoff until
// the ledger acknowledges it. Settlement never blocks round advancement and
// is idempotent by round: a round acknowledged once is never settled again.
package settlement

import (
	"github.com/luca-patrignani/mental-craps/protocol"
)

// Entry is the resolution of one wager.
type Entry struct {
	Player   protocol.PeerID `json:"player"`
	Bet      string          `json:"bet"`
	Outcome  string          `json:"outcome"`
	Stake    uint64          `json:"stake"`
	Returned uint64          `json:"returned"`
}

// Instruction is the payout of one finalized round.
type Instruction struct {
	Round   protocol.Round `json:"round"`
	Record  protocol.Hash  `json:"record"`
	Entries []Entry        `json:"entries"`
}

// Digest identifies the content of the instruction.
func (in Instruction) Digest() protocol.Hash {
	b, err := protocol.Marshal(in)
	if err != nil {
		return protocol.ZeroHash
	}
	return protocol.HashBytes([]byte("payout"), b)
}

// Net returns the total credited to each player by the instruction.
func (in Instruction) Net() map[protocol.PeerID]uint64 {
	out := make(map[protocol.PeerID]uint64)
	for _, e := range in.Entries {
		out[e.Player] += e.Returned
	}
	return out
}
