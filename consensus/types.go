package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/luca-patrignani/mental-craps/ledger"
	"github.com/luca-patrignani/mental-craps/protocol"
)

var (
	ErrFutureRound        = errors.New("round too far ahead")
	ErrNotLeader          = errors.New("not the leader of the round")
	ErrBusy               = errors.New("round already has a proposal")
	ErrRandomnessNotReady = errors.New("commitment set not ready")
	ErrInsufficientQuorum = errors.New("certificate below quorum")
)

// Phase is the state of the current round.
type Phase int

const (
	Idle Phase = iota
	Proposing
	Voting
	Committing
	Finalized
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Proposing:
		return "proposing"
	case Voting:
		return "voting"
	case Committing:
		return "committing"
	case Finalized:
		return "finalized"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// LeaderPolicy selects who may propose in a round.
type LeaderPolicy string

const (
	// LeaderRotating lets only proposers[round mod n] propose.
	LeaderRotating LeaderPolicy = "rotating"
	// LeaderFirst lets any proposer propose; buffered proposals resolve to
	// the lowest peer id.
	LeaderFirst LeaderPolicy = "first"
)

func ParseLeaderPolicy(s string) (LeaderPolicy, error) {
	switch LeaderPolicy(s) {
	case LeaderRotating, LeaderFirst:
		return LeaderPolicy(s), nil
	}
	return "", fmt.Errorf("unknown leader policy %q", s)
}

type Config struct {
	RoundTimeout time.Duration
	QuorumNum    uint64
	QuorumDen    uint64
	Leader       LeaderPolicy
	// LeadWindow is how many rounds ahead messages are buffered.
	LeadWindow protocol.Round
	// MaxBuffered caps the buffered messages of one future round.
	MaxBuffered int
}

func DefaultConfig() Config {
	return Config{
		RoundTimeout: 5 * time.Second,
		QuorumNum:    2,
		QuorumDen:    3,
		Leader:       LeaderRotating,
		LeadWindow:   8,
		MaxBuffered:  256,
	}
}

// Status is a point-in-time view of the core.
type Status struct {
	Round    protocol.Round
	Phase    Phase
	Head     ledger.Head
	Proposal protocol.Hash
	Votes    int
	Deadline time.Time
}
