package consensus

import "github.com/luca-patrignani/mental-craps/protocol"

// StateValidator checks a proposal against the replicated game state.
type StateValidator interface {
	Validate(p *protocol.Proposal) error
}

// Weights is the trusted voting weight view of the roster.
type Weights interface {
	Weight(protocol.PeerID) uint64
	TotalWeight() uint64
	Role(protocol.PeerID) (protocol.Role, bool)
	Proposers() []protocol.PeerID
}

// Penalizer lowers the trust score of a misbehaving peer.
type Penalizer interface {
	Penalize(protocol.PeerID, protocol.ViolationKind) bool
}

// Randomness is the commit-reveal source of dice seeds.
type Randomness interface {
	Open(protocol.Round)
	Fix(protocol.Round, []protocol.Commitment) error
	Commitments(protocol.Round) ([]protocol.Commitment, bool)
	DerivedRandomness(protocol.Round) ([]byte, []protocol.Reveal, bool)
	Prune(protocol.Round)
}

// Hooks connect the core to the engine around it. Every hook is optional.
type Hooks struct {
	// Broadcast sends a message to every peer.
	Broadcast func(kind protocol.Kind, msg any)
	// Finalized receives every record finalized by the core, in chain order.
	// An error keeps the round open.
	Finalized func(rec *protocol.FinalizedRecord) error
	Opened    func(round protocol.Round)
	Aborted   func(round protocol.Round, reason string)
}
