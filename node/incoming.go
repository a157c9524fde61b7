package node

import (
	"errors"
	"fmt"

	"github.com/luca-patrignani/mental-craps/consensus"
	"github.com/luca-patrignani/mental-craps/events"
	"github.com/luca-patrignani/mental-craps/protocol"
)

// HandleIncoming processes one gossip frame. Every frame is decoded,
// deduplicated and admitted against the author's trust before it reaches
// the protocol. The returned error explains a rejection; violations are
// already charged to the offending peer.
func (n *Node) HandleIncoming(data []byte) error {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		n.rejected("", err)
		return err
	}
	id := f.ID()
	if !n.dedup.Observe(id) {
		return protocol.ErrDuplicate
	}
	var author protocol.PeerID
	err = n.locked(func() error {
		if n.fatal != nil {
			return n.fatal
		}
		var err error
		author, err = n.route(f)
		var v *protocol.Violation
		if errors.As(err, &v) {
			n.Penalize(v.Peer, v.Kind)
		}
		n.progress()
		return err
	})
	if transient(err) {
		n.dedup.Forget(id)
	}
	if err != nil && !errors.Is(err, protocol.ErrDuplicate) {
		n.rejected(author, err)
	}
	return err
}

// transient errors may clear up later, so the frame stays acceptable.
func transient(err error) bool {
	return errors.Is(err, protocol.ErrUnknownParent) ||
		errors.Is(err, consensus.ErrFutureRound) ||
		errors.Is(err, protocol.ErrRateLimited)
}

func (n *Node) rejected(peer protocol.PeerID, err error) {
	e := n.event(events.FrameRejected)
	e.Peer, e.Reason = peer, protocol.ReasonOf(err)
	n.sink.Emit(e)
}

func (n *Node) route(f protocol.Frame) (protocol.PeerID, error) {
	switch f.Kind {
	case protocol.KindBet:
		var b protocol.Bet
		if err := f.Decode(&b); err != nil {
			return "", err
		}
		return b.Player, n.admitted(b.Player, func() error { return n.onBet(b) })
	case protocol.KindProposal:
		var p protocol.Proposal
		if err := f.Decode(&p); err != nil {
			return "", err
		}
		return p.Proposer, n.admitted(p.Proposer, func() error { return n.core.SubmitProposal(p) })
	case protocol.KindVote:
		var v protocol.Vote
		if err := f.Decode(&v); err != nil {
			return "", err
		}
		return v.Voter, n.admitted(v.Voter, func() error { return n.core.SubmitVote(v) })
	case protocol.KindCommitment:
		var c protocol.Commitment
		if err := f.Decode(&c); err != nil {
			return "", err
		}
		return c.Peer, n.admitted(c.Peer, func() error { return n.onCommitment(c) })
	case protocol.KindReveal:
		var r protocol.Reveal
		if err := f.Decode(&r); err != nil {
			return "", err
		}
		return r.Peer, n.admitted(r.Peer, func() error { return n.onReveal(r) })
	case protocol.KindRecord:
		var rec protocol.FinalizedRecord
		if err := f.Decode(&rec); err != nil {
			return "", err
		}
		return rec.Proposal.Proposer, n.onRecord(rec)
	case protocol.KindSync:
		var s protocol.SyncRequest
		if err := f.Decode(&s); err != nil {
			return "", err
		}
		return s.Peer, n.admitted(s.Peer, func() error { return n.onSync(s) })
	}
	return "", fmt.Errorf("%w: kind %q", protocol.ErrMalformed, f.Kind)
}

// admitted runs fn unless the author is banned or over its rate.
// Records are exempt: they carry their own certificate and any peer may
// relay them.
func (n *Node) admitted(author protocol.PeerID, fn func() error) error {
	if n.tracker.IsBanned(author) {
		return fmt.Errorf("%w: %s", protocol.ErrBanned, author.Short())
	}
	if !n.tracker.Allow(author) {
		n.Penalize(author, protocol.ViolationFlooding)
		return fmt.Errorf("%w: %s", protocol.ErrRateLimited, author.Short())
	}
	return fn()
}

func (n *Node) onBet(b protocol.Bet) error {
	if err := b.Verify(); err != nil {
		return protocol.NewViolation(b.Player, protocol.ViolationBadSignature, err)
	}
	return n.mempool.add(b, n.machine.CurrentState())
}

// window checks that round is one the node works on now or soon, and opens
// its randomness session ahead of time.
func (n *Node) window(round protocol.Round) error {
	current := n.core.Round()
	switch {
	case round < current:
		return fmt.Errorf("%w: round %d, current %d", protocol.ErrStaleRound, round, current)
	case n.cfg.Consensus.LeadWindow > 0 && round > current+n.cfg.Consensus.LeadWindow:
		return fmt.Errorf("%w: round %d, current %d", consensus.ErrFutureRound, round, current)
	case round > current:
		n.rand.Open(round)
	}
	return nil
}

func (n *Node) onCommitment(c protocol.Commitment) error {
	if err := n.window(c.Round); err != nil {
		return err
	}
	_, err := n.rand.ContributeCommitment(c)
	return err
}

func (n *Node) onReveal(r protocol.Reveal) error {
	if err := n.window(r.Round); err != nil {
		return err
	}
	if _, err := n.rand.ContributeReveal(r); err != nil {
		return err
	}
	return n.core.OnRandomness(r.Round)
}
