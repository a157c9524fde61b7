package consensus

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/luca-patrignani/mental-craps/ledger"
	"github.com/luca-patrignani/mental-craps/protocol"
)

// Core is the consensus state machine of one peer. It is not safe for
// concurrent use: the engine owning it serializes every call.
type Core struct {
	id        *protocol.Identity
	cfg       Config
	weights   Weights
	penalizer Penalizer
	state     StateValidator
	rand      Randomness
	hooks     Hooks
	now       func() time.Time
	log       *slog.Logger

	head     ledger.Head
	round    protocol.Round
	phase    Phase
	deadline time.Time

	proposal     *protocol.Proposal
	proposals    map[protocol.Hash]*protocol.Proposal
	byProposer   map[protocol.PeerID]protocol.Hash
	votes        map[protocol.PeerID]protocol.Vote
	awaitingSeed bool
	// known maps the proposals seen in recent rounds to their round.
	known map[protocol.Hash]protocol.Round

	future map[protocol.Round]*buffered
}

type buffered struct {
	proposals []protocol.Proposal
	votes     []protocol.Vote
}

func (b *buffered) size() int { return len(b.proposals) + len(b.votes) }

type Option func(*Core)

func WithClock(now func() time.Time) Option { return func(c *Core) { c.now = now } }

func WithLogger(l *slog.Logger) Option { return func(c *Core) { c.log = l } }

// NewCore creates the consensus core of the peer identified by id. The core
// stays Idle until Start.
func NewCore(
	id *protocol.Identity,
	cfg Config,
	weights Weights,
	penalizer Penalizer,
	state StateValidator,
	rand Randomness,
	hooks Hooks,
	opts ...Option,
) *Core {
	def := DefaultConfig()
	if cfg.QuorumDen == 0 {
		cfg.QuorumNum, cfg.QuorumDen = def.QuorumNum, def.QuorumDen
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = def.RoundTimeout
	}
	if cfg.Leader == "" {
		cfg.Leader = def.Leader
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = def.MaxBuffered
	}
	c := &Core{
		id:        id,
		cfg:       cfg,
		weights:   weights,
		penalizer: penalizer,
		state:     state,
		rand:      rand,
		hooks:     hooks,
		now:       time.Now,
		log:       slog.Default(),
		future:    make(map[protocol.Round]*buffered),
		known:     make(map[protocol.Hash]protocol.Round),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start opens the round that follows head.
func (c *Core) Start(head ledger.Head) {
	c.head = head
	c.openRound(head.Round + 1)
}

// Reset moves the core onto a new head after a rollback or resync. The
// current round is abandoned.
func (c *Core) Reset(head ledger.Head) {
	c.head = head
	next := c.round + 1
	if head.Round >= next {
		next = head.Round + 1
	}
	if c.phase != Idle {
		c.phase = Aborted
		c.aborted(c.round, "reset")
	}
	c.openRound(next)
}

func (c *Core) Round() protocol.Round { return c.round }

func (c *Core) Phase() Phase { return c.phase }

func (c *Core) Head() ledger.Head { return c.head }

func (c *Core) Status() Status {
	s := Status{Round: c.round, Phase: c.phase, Head: c.head, Votes: len(c.votes), Deadline: c.deadline}
	if c.proposal != nil {
		s.Proposal = c.proposal.ID()
	}
	return s
}

// Leader returns the proposer allowed to lead round under the rotating
// policy.
func (c *Core) Leader(round protocol.Round) (protocol.PeerID, bool) {
	ps := c.weights.Proposers()
	if len(ps) == 0 {
		return "", false
	}
	return ps[uint64(round)%uint64(len(ps))], true
}

// IsLeader reports whether this peer may propose in the current round.
func (c *Core) IsLeader() bool {
	return c.mayPropose(c.id.ID(), c.round) == nil
}

func (c *Core) mayPropose(peer protocol.PeerID, round protocol.Round) error {
	role, ok := c.weights.Role(peer)
	if !ok || !role.CanPropose() {
		return protocol.ErrNotEligible
	}
	if c.cfg.Leader == LeaderRotating {
		if leader, _ := c.Leader(round); leader != peer {
			return ErrNotLeader
		}
	}
	return nil
}

func (c *Core) openRound(r protocol.Round) {
	c.round = r
	c.phase = Proposing
	c.deadline = c.now().Add(c.cfg.RoundTimeout)
	c.proposal = nil
	c.proposals = make(map[protocol.Hash]*protocol.Proposal)
	c.byProposer = make(map[protocol.PeerID]protocol.Hash)
	c.votes = make(map[protocol.PeerID]protocol.Vote)
	c.awaitingSeed = false
	c.rand.Open(r)
	c.rand.Prune(r)
	for fr := range c.future {
		if fr < r {
			delete(c.future, fr)
		}
	}
	for id, pr := range c.known {
		if pr+c.keepRounds() < r {
			delete(c.known, id)
		}
	}
	c.log.Debug("round opened", "round", r, "head", c.head.Hash.Short(), "height", c.head.Height)
	if c.hooks.Opened != nil {
		c.hooks.Opened(r)
	}
	c.replay(r)
}

// admit classifies the round of an inbound message. It returns true when
// the message belongs to the current round. A late message is refused
// without a penalty: gossip from a peer that lags behind looks the same.
func (c *Core) admit(round protocol.Round) (bool, error) {
	switch {
	case round < c.round:
		return false, fmt.Errorf("%w: round %d, current %d", protocol.ErrStaleRound, round, c.round)
	case c.cfg.LeadWindow > 0 && round > c.round+c.cfg.LeadWindow:
		return false, fmt.Errorf("%w: round %d, current %d", ErrFutureRound, round, c.round)
	case round > c.round:
		return false, nil
	}
	return true, nil
}

// keepRounds is how far back proposal rounds are remembered.
func (c *Core) keepRounds() protocol.Round {
	if c.cfg.LeadWindow > 0 {
		return c.cfg.LeadWindow
	}
	return DefaultConfig().LeadWindow
}

// remember records the round of a proposal signed by an eligible proposer.
func (c *Core) remember(p *protocol.Proposal) {
	if p.Round+c.keepRounds() < c.round || p.Round > c.round+c.keepRounds() {
		return
	}
	if role, ok := c.weights.Role(p.Proposer); !ok || !role.CanPropose() {
		return
	}
	c.known[p.ID()] = p.Round
}

// crossRound rejects a vote that endorses a proposal of another round.
func (c *Core) crossRound(v *protocol.Vote) error {
	pr, ok := c.known[v.Proposal]
	if !ok || pr == v.Round {
		return nil
	}
	return protocol.NewViolation(v.Voter, protocol.ViolationWrongRound,
		fmt.Errorf("vote for round %d endorses a proposal of round %d", v.Round, pr))
}

func (c *Core) bufferFor(round protocol.Round) (*buffered, error) {
	b, ok := c.future[round]
	if !ok {
		b = &buffered{}
		c.future[round] = b
	}
	if b.size() >= c.cfg.MaxBuffered {
		return nil, fmt.Errorf("%w: buffer for round %d is full", ErrFutureRound, round)
	}
	return b, nil
}

// replay feeds the messages buffered for round r back into the core.
func (c *Core) replay(r protocol.Round) {
	b, ok := c.future[r]
	if !ok {
		return
	}
	delete(c.future, r)
	props := b.proposals
	if c.cfg.Leader == LeaderFirst {
		slices.SortStableFunc(props, func(x, y protocol.Proposal) int {
			switch {
			case x.Proposer < y.Proposer:
				return -1
			case x.Proposer > y.Proposer:
				return 1
			}
			return 0
		})
	}
	for i := range props {
		if c.round != r {
			return
		}
		c.settle(c.SubmitProposal(props[i]))
	}
	for i := range b.votes {
		if c.round != r {
			return
		}
		c.settle(c.SubmitVote(b.votes[i]))
	}
}

// settle handles the error of a message the core processed on its own.
func (c *Core) settle(err error) {
	if err == nil || errors.Is(err, protocol.ErrDuplicate) {
		return
	}
	var v *protocol.Violation
	if errors.As(err, &v) && c.penalizer != nil {
		c.penalizer.Penalize(v.Peer, v.Kind)
	}
	c.log.Debug("buffered message rejected", "round", c.round, "err", err)
}

func (c *Core) broadcast(kind protocol.Kind, msg any) {
	if c.hooks.Broadcast != nil {
		c.hooks.Broadcast(kind, msg)
	}
}

func (c *Core) aborted(round protocol.Round, reason string) {
	c.log.Info("round aborted", "round", round, "reason", reason)
	if c.hooks.Aborted != nil {
		c.hooks.Aborted(round, reason)
	}
}
