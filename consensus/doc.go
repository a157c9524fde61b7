// Package consensus implements the round-based Byzantine Fault Tolerant
// agreement on craps table transitions.
//
// # Core Components
//
// Core: the per-peer round state machine. It receives proposals and votes,
// casts this peer's vote and aggregates a FinalizedRecord once a quorum of
// trusted weight endorses the same proposal.
//
// StateValidator: validates a proposal against the replicated game state.
//
// Randomness: the commit-reveal source of the dice seed of a round.
//
// Weights: the trusted voting weight of every roster member.
//
// # Consensus Protocol
//
// Every round goes through these phases:
//  1. Proposing: the leader broadcasts a signed proposal built on the head
//  2. Voting: every voter validates it and broadcasts ACCEPT or REJECT; a
//     proposal that rolls the dice is accepted only once the round seed is
//     derived, and the vote carries the seed digest
//  3. Committing: once accept votes for one proposal and one seed carry more
//     than 2/3 of the trusted weight, the votes are aggregated into a record
//  4. Finalized: the record is handed to the engine and the next round opens
//
// A round that fails to reach quorum before its deadline, or whose proposal
// is rejected by a quorum, is Aborted and the next round opens. A valid
// FinalizedRecord received from the network finalizes the round directly.
//
// # Byzantine Fault Tolerance
//
// Two quorums of more than 2/3 of the weight always share more than 1/3 of
// it, so with less than 1/3 adversarial weight no two proposals can both be
// certified in the same round. Double votes and equivocating proposals are
// reported as protocol violations.
package consensus
