package consensus

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/luca-patrignani/mental-craps/ledger"
	"github.com/luca-patrignani/mental-craps/protocol"
)

// Propose is called by the peer that leads the current round. The
// transition is validated locally before anything is broadcast.
func (c *Core) Propose(t protocol.Transition) (*protocol.Proposal, error) {
	if c.phase != Proposing || c.proposal != nil {
		return nil, ErrBusy
	}
	if err := c.mayPropose(c.id.ID(), c.round); err != nil {
		return nil, err
	}
	p := &protocol.Proposal{Round: c.round, Parent: c.head.Hash, Transition: t}
	if t.Roll {
		set, ok := c.rand.Commitments(c.round)
		if !ok {
			return nil, ErrRandomnessNotReady
		}
		p.Commitments = set
	}
	if err := c.state.Validate(p); err != nil {
		return nil, fmt.Errorf("invalid transition: %w", err)
	}
	if err := p.Sign(c.id); err != nil {
		return nil, err
	}
	c.broadcast(protocol.KindProposal, p)
	if err := c.SubmitProposal(*p); err != nil {
		return nil, err
	}
	return p, nil
}

// SubmitProposal handles a proposal received for any round.
func (c *Core) SubmitProposal(p protocol.Proposal) error {
	if err := p.Verify(); err != nil {
		return protocol.NewViolation(p.Proposer, protocol.ViolationBadSignature, err)
	}
	c.remember(&p)
	current, err := c.admit(p.Round)
	if err != nil {
		return err
	}
	if !current {
		b, err := c.bufferFor(p.Round)
		if err != nil {
			return err
		}
		b.proposals = append(b.proposals, p)
		return nil
	}
	if err := c.mayPropose(p.Proposer, p.Round); err != nil {
		return protocol.NewViolation(p.Proposer, protocol.ViolationNotEligible, err)
	}
	id := p.ID()
	if prev, ok := c.byProposer[p.Proposer]; ok {
		if prev == id {
			return protocol.ErrDuplicate
		}
		return protocol.NewViolation(p.Proposer, protocol.ViolationEquivocation,
			fmt.Errorf("second proposal for round %d", p.Round))
	}
	c.byProposer[p.Proposer] = id
	c.proposals[id] = &p
	return c.onReceiveProposal(&p)
}

// onReceiveProposal votes on the first acceptable proposal of the round.
func (c *Core) onReceiveProposal(p *protocol.Proposal) error {
	if c.proposal != nil || c.phase != Proposing {
		return c.checkAndCommit()
	}
	if p.Parent != c.head.Hash {
		return fmt.Errorf("%w: proposal for round %d builds on %s, head is %s",
			protocol.ErrUnknownParent, p.Round, p.Parent.Short(), c.head.Hash.Short())
	}
	c.proposal = p
	c.phase = Voting
	c.log.Debug("proposal received", "round", p.Round, "peer", p.Proposer.Short(), "roll", p.Transition.Roll, "bets", len(p.Transition.Bets))

	if invalid := c.state.Validate(p); invalid != nil {
		return c.broadcastVoteForProposal(p, protocol.Reject, protocol.ZeroHash, invalid.Error())
	}
	if p.Transition.Roll {
		if err := c.rand.Fix(p.Round, p.Commitments); err != nil {
			return c.broadcastVoteForProposal(p, protocol.Reject, protocol.ZeroHash, "commitments: "+err.Error())
		}
		c.awaitingSeed = true
		return c.OnRandomness(p.Round)
	}
	return c.broadcastVoteForProposal(p, protocol.Accept, protocol.ZeroHash, "valid")
}

// OnRandomness is called when the seed of round may have been derived. An
// accept vote on a dice proposal is cast only then, endorsing the seed.
func (c *Core) OnRandomness(round protocol.Round) error {
	if round != c.round || !c.awaitingSeed || c.proposal == nil {
		return nil
	}
	seed, _, ok := c.rand.DerivedRandomness(round)
	if !ok {
		return nil
	}
	c.awaitingSeed = false
	return c.broadcastVoteForProposal(c.proposal, protocol.Accept, protocol.SeedDigest(seed), "valid")
}

func (c *Core) broadcastVoteForProposal(p *protocol.Proposal, value protocol.VoteValue, seed protocol.Hash, reason string) error {
	self := c.id.ID()
	if role, ok := c.weights.Role(self); !ok || !role.CanVote() {
		return c.checkAndCommit()
	}
	if _, voted := c.votes[self]; voted {
		return c.checkAndCommit()
	}
	vote := protocol.Vote{
		Round:    p.Round,
		Proposal: p.ID(),
		Value:    value,
		Seed:     seed,
		Reason:   reason,
	}
	if err := vote.Sign(c.id); err != nil {
		return err
	}
	c.votes[self] = vote
	c.broadcast(protocol.KindVote, &vote)
	return c.checkAndCommit()
}

// SubmitVote handles a vote received for any round.
func (c *Core) SubmitVote(v protocol.Vote) error {
	if err := v.Verify(); err != nil {
		if errors.Is(err, protocol.ErrBadSignature) {
			return protocol.NewViolation(v.Voter, protocol.ViolationBadSignature, err)
		}
		return err
	}
	if err := c.crossRound(&v); err != nil {
		return err
	}
	current, err := c.admit(v.Round)
	if err != nil {
		return err
	}
	if !current {
		b, err := c.bufferFor(v.Round)
		if err != nil {
			return err
		}
		b.votes = append(b.votes, v)
		return nil
	}
	if role, ok := c.weights.Role(v.Voter); !ok || !role.CanVote() {
		return protocol.NewViolation(v.Voter, protocol.ViolationNotEligible, protocol.ErrNotEligible)
	}
	if prev, ok := c.votes[v.Voter]; ok {
		if prev.SameAs(&v) {
			return protocol.ErrDuplicate
		}
		return protocol.NewViolation(v.Voter, protocol.ViolationDoubleVote,
			fmt.Errorf("conflicting vote in round %d", v.Round))
	}
	c.votes[v.Voter] = v
	return c.checkAndCommit()
}

type endorsement struct {
	proposal protocol.Hash
	seed     protocol.Hash
}

// checkAndCommit finalizes the round once accept votes for one proposal and
// seed reach quorum, and aborts it once reject votes do.
func (c *Core) checkAndCommit() error {
	if c.phase == Finalized || c.phase == Aborted || c.phase == Idle {
		return nil
	}
	total := c.weights.TotalWeight()
	accepts := make(map[endorsement]uint64)
	rejects := make(map[protocol.Hash]uint64)
	for _, v := range c.votes {
		w := c.weights.Weight(v.Voter)
		if v.Value == protocol.Accept {
			accepts[endorsement{v.Proposal, v.Seed}] += w
		} else {
			rejects[v.Proposal] += w
		}
	}
	for e, w := range accepts {
		if Quorum(w, total, c.cfg.QuorumNum, c.cfg.QuorumDen) {
			c.phase = Committing
			return c.commit(e)
		}
	}
	for pid, w := range rejects {
		if !Quorum(w, total, c.cfg.QuorumNum, c.cfg.QuorumDen) {
			continue
		}
		reason := "proposal rejected"
		if p, ok := c.proposals[pid]; ok {
			if c.penalizer != nil {
				c.penalizer.Penalize(p.Proposer, protocol.ViolationInvalidProposal)
			}
			if why := rejectReason(c.votes, pid); why != "" {
				reason += ": " + why
			}
		}
		c.abort(reason)
		return nil
	}
	return nil
}

// rejectReason joins the distinct reasons given by reject votes.
func rejectReason(votes map[protocol.PeerID]protocol.Vote, pid protocol.Hash) string {
	var reasons []string
	for _, v := range votes {
		if v.Value == protocol.Reject && v.Proposal == pid && v.Reason != "" && !slices.Contains(reasons, v.Reason) {
			reasons = append(reasons, v.Reason)
		}
	}
	slices.Sort(reasons)
	return strings.Join(reasons, "; ")
}

// commit aggregates the quorum into a record. It waits when this peer lacks
// the proposal or the endorsed seed; the record then arrives from the peers
// that have them.
func (c *Core) commit(e endorsement) error {
	p, ok := c.proposals[e.proposal]
	if !ok || p.Parent != c.head.Hash {
		return nil
	}
	rec := protocol.FinalizedRecord{
		Height:   c.head.Height + 1,
		Round:    c.round,
		PrevHash: c.head.Hash,
		Proposal: *p,
	}
	if p.Transition.Roll {
		seed, reveals, ok := c.rand.DerivedRandomness(c.round)
		if !ok || protocol.SeedDigest(seed) != e.seed {
			return nil
		}
		rec.Randomness, rec.Reveals = seed, reveals
	}
	for _, v := range c.votes {
		if v.Value == protocol.Accept && v.Proposal == e.proposal && v.Seed == e.seed {
			rec.Votes = append(rec.Votes, v)
		}
	}
	if err := rec.Seal(); err != nil {
		return err
	}
	if err := c.applyCommit(&rec); err != nil {
		return err
	}
	c.broadcast(protocol.KindRecord, &rec)
	return nil
}

// OnFinalizedRecord accepts a record finalized elsewhere that extends the
// local head, regardless of the local tally.
func (c *Core) OnFinalizedRecord(rec *protocol.FinalizedRecord) error {
	if rec.PrevHash != c.head.Hash {
		return fmt.Errorf("%w: record %s builds on %s, head is %s",
			protocol.ErrUnknownParent, rec.Hash.Short(), rec.PrevHash.Short(), c.head.Hash.Short())
	}
	if c.head.Height > 0 && rec.Round <= c.head.Round {
		return fmt.Errorf("%w: record round %d does not follow %d", protocol.ErrMalformed, rec.Round, c.head.Round)
	}
	if err := VerifyRecord(rec, c.weights, c.cfg.QuorumNum, c.cfg.QuorumDen); err != nil {
		return err
	}
	return c.applyCommit(rec)
}

// applyCommit hands the record to the engine and opens the next round.
func (c *Core) applyCommit(rec *protocol.FinalizedRecord) error {
	prev := c.phase
	c.phase = Finalized
	if c.hooks.Finalized != nil {
		if err := c.hooks.Finalized(rec); err != nil {
			c.phase = prev
			return fmt.Errorf("finalize round %d: %w", rec.Round, err)
		}
	}
	c.head = ledger.Head{Hash: rec.Hash, Height: rec.Height, Round: rec.Round}
	c.log.Debug("round finalized", "round", rec.Round, "height", rec.Height, "hash", rec.Hash.Short(), "votes", len(rec.Votes))

	switch {
	case rec.Round >= c.round:
		c.openRound(rec.Round + 1)
	default:
		c.rebase()
	}
	return nil
}

// rebase keeps the current round alive on a head that moved underneath it,
// unless this peer already voted in it.
func (c *Core) rebase() {
	if _, voted := c.votes[c.id.ID()]; voted {
		c.abort("superseded")
		return
	}
	c.phase = Proposing
	c.proposal = nil
	c.awaitingSeed = false
	candidates := make([]*protocol.Proposal, 0, len(c.proposals))
	for _, p := range c.proposals {
		if p.Parent == c.head.Hash {
			candidates = append(candidates, p)
		}
	}
	slices.SortFunc(candidates, func(a, b *protocol.Proposal) int { return strings.Compare(string(a.Proposer), string(b.Proposer)) })
	for _, p := range candidates {
		c.settle(c.onReceiveProposal(p))
		if c.proposal != nil || c.phase != Proposing {
			return
		}
	}
}

// Abort gives up the current round, e.g. when its randomness stalls.
func (c *Core) Abort(round protocol.Round, reason string) {
	if round != c.round || c.phase == Idle {
		return
	}
	c.abort(reason)
}

func (c *Core) abort(reason string) {
	r := c.round
	c.phase = Aborted
	c.aborted(r, reason)
	c.openRound(r + 1)
}

// OnTimeout aborts round if it is still the current round.
func (c *Core) OnTimeout(round protocol.Round) {
	if round != c.round || c.phase == Idle {
		return
	}
	c.abort(c.timeoutReason())
}

func (c *Core) timeoutReason() string {
	switch {
	case c.phase == Proposing:
		return "no proposal"
	case c.awaitingSeed:
		return "randomness pending"
	case c.phase == Committing:
		return "certificate incomplete"
	}
	return "no quorum"
}

// Tick enforces the round deadline.
func (c *Core) Tick(now time.Time) {
	if c.phase == Idle || now.Before(c.deadline) {
		return
	}
	c.OnTimeout(c.round)
}
