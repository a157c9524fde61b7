package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed     = errors.New("malformed message")
	ErrBadSignature  = errors.New("invalid signature")
	ErrDuplicate     = errors.New("duplicate frame")
	ErrBanned        = errors.New("peer is banned")
	ErrRateLimited   = errors.New("peer exceeded frame rate")
	ErrStaleRound    = errors.New("stale round")
	ErrNotEligible   = errors.New("peer not eligible")
	ErrUnknownParent = errors.New("unknown parent record")
)

// ViolationKind classifies protocol misbehaviour; each kind carries its own
// trust penalty.
type ViolationKind string

const (
	ViolationBadSignature    ViolationKind = "bad_signature"
	ViolationDoubleVote      ViolationKind = "double_vote"
	ViolationEquivocation    ViolationKind = "equivocation"
	ViolationWrongRound      ViolationKind = "wrong_round"
	ViolationCommitMismatch  ViolationKind = "commitment_mismatch"
	ViolationMissingReveal   ViolationKind = "missing_reveal"
	ViolationInvalidProposal ViolationKind = "invalid_proposal"
	ViolationNotEligible     ViolationKind = "not_eligible"
	ViolationFlooding        ViolationKind = "flooding"
	ViolationTimeout         ViolationKind = "timeout"
)

// Violation is a ProtocolViolation attributed to the author of a message.
// It is handled locally and never escalated as a fatal error.
type Violation struct {
	Peer PeerID
	Kind ViolationKind
	Err  error
}

func NewViolation(peer PeerID, kind ViolationKind, err error) *Violation {
	return &Violation{Peer: peer, Kind: kind, Err: err}
}

func (v *Violation) Error() string {
	return fmt.Sprintf("protocol violation by %s (%s): %v", v.Peer.Short(), v.Kind, v.Err)
}

func (v *Violation) Unwrap() error { return v.Err }

// ReasonOf maps an error returned by the engine to a short stable reject
// reason, suitable for metric labels. A nil error maps to "ok".
func ReasonOf(err error) string {
	if err == nil {
		return "ok"
	}
	var v *Violation
	if errors.As(err, &v) {
		return string(v.Kind)
	}
	switch {
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrBanned):
		return "banned"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrStaleRound):
		return "stale_round"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrUnknownParent):
		return "unknown_parent"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	}
	return "rejected"
}
