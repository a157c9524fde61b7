package node

import (
	"errors"
	"fmt"

	"github.com/luca-patrignani/mental-craps/consensus"
	"github.com/luca-patrignani/mental-craps/domain/craps"
	"github.com/luca-patrignani/mental-craps/events"
	"github.com/luca-patrignani/mental-craps/game"
	"github.com/luca-patrignani/mental-craps/protocol"
	"github.com/luca-patrignani/mental-craps/randomness"
	"github.com/luca-patrignani/mental-craps/settlement"
)

var ErrNoFunds = errors.New("bet cannot be placed")

// opened commits this peer's randomness for a new round.
func (n *Node) opened(r protocol.Round) {
	n.openedAt[r] = n.now()
	for old := range n.openedAt {
		if old < r {
			delete(n.openedAt, old)
		}
	}
	e := n.event(events.RoundOpened)
	e.Round = r
	n.sink.Emit(e)

	if role, ok := n.tracker.Role(n.id.ID()); !ok || !role.CanVote() {
		return
	}
	if _, ok := n.preimages[r]; ok {
		return
	}
	pre := randomness.NewPreimage()
	c := protocol.Commitment{Round: r, Digest: protocol.CommitmentDigest(r, n.id.ID(), pre)}
	if err := c.Sign(n.id); err != nil {
		n.log.Error("sign commitment", "round", r, "err", err)
		return
	}
	n.preimages[r] = pre
	if _, err := n.rand.ContributeCommitment(c); err != nil {
		n.log.Debug("own commitment not admitted", "round", r, "err", err)
		return
	}
	n.send(protocol.KindCommitment, &c)
}

// aborted reports an abandoned round. A rotating leader that lets a round
// with pending work expire is charged a timeout.
func (n *Node) aborted(r protocol.Round, reason string) {
	e := n.event(events.RoundAborted)
	e.Round, e.Reason = r, reason
	n.sink.Emit(e)
	delete(n.preimages, r)
	delete(n.revealed, r)

	if reason != "no proposal" || n.cfg.Consensus.Leader != consensus.LeaderRotating || !n.hasWork() {
		return
	}
	if leader, ok := n.core.Leader(r); ok && leader != n.id.ID() {
		n.Penalize(leader, protocol.ViolationTimeout)
	}
}

// finalize makes rec durable and applies it. It is the Finalized hook of the
// core; an error keeps the round open.
func (n *Node) finalize(rec *protocol.FinalizedRecord) error {
	prev := n.chain.Head()
	if err := n.chain.Append(*rec); err != nil {
		return err
	}
	if err := n.store.Persist(*rec); err != nil {
		n.undo(prev.Hash, prev.Height, false)
		return fmt.Errorf("persist: %w", err)
	}
	state, instr, err := n.machine.Apply(rec)
	if err != nil {
		n.undo(prev.Hash, prev.Height, true)
		return err
	}
	if instr != nil {
		n.submit(*instr)
	}
	for _, v := range rec.Votes {
		n.tracker.Reward(v.Voter)
	}
	n.mempool.prune(state, rec)
	for r := range n.preimages {
		if r <= rec.Round {
			delete(n.preimages, r)
			delete(n.revealed, r)
		}
	}
	n.orphans.Remove(rec.Hash)

	e := n.event(events.RoundFinalized)
	e.Round, e.Height, e.Hash, e.Count = rec.Round, rec.Height, rec.Hash, len(rec.Votes)
	n.sink.Emit(e)
	return nil
}

func (n *Node) undo(head protocol.Hash, height uint64, persisted bool) {
	if _, err := n.chain.TruncateTo(head); err != nil {
		n.log.Error("undo append", "err", err)
	}
	if persisted {
		if err := n.store.Truncate(height); err != nil {
			n.log.Error("undo persist", "err", err)
		}
	}
}

func (n *Node) submit(in settlement.Instruction) {
	if n.gateway == nil {
		return
	}
	if err := n.gateway.Submit(in); err != nil {
		n.log.Warn("settlement not scheduled", "round", in.Round, "err", err)
	}
}

// hasWork reports whether a leader had something to propose.
func (n *Node) hasWork() bool {
	return n.mempool.len() > 0 || len(n.machine.CurrentState().Table.Wagers) > 0
}

// progress takes the steps this peer owes the current round, and those of
// the next rounds when a step finalized the current one.
func (n *Node) progress() {
	for i := 0; i < 4; i++ {
		if !n.started || n.fatal != nil {
			return
		}
		r := n.core.Round()
		n.maybePropose()
		n.maybeReveal()
		if n.core.Round() == r {
			return
		}
	}
}

// maybeReveal opens this peer's commitment once the round pinned it.
func (n *Node) maybeReveal() {
	r := n.core.Round()
	pre, ok := n.preimages[r]
	if !ok || n.revealed[r] || !n.rand.Pinned(r) || !n.rand.Contributes(r, n.id.ID()) {
		return
	}
	rv := protocol.Reveal{Round: r, Preimage: pre}
	if err := rv.Sign(n.id); err != nil {
		n.log.Error("sign reveal", "round", r, "err", err)
		return
	}
	n.revealed[r] = true
	if _, err := n.rand.ContributeReveal(rv); err != nil {
		n.log.Warn("own reveal not admitted", "round", r, "err", err)
	}
	n.send(protocol.KindReveal, &rv)
	n.settle(n.core.OnRandomness(r))
}

// maybePropose lets the leader put the pending bets on the table and roll
// the dice when there is anything to roll for.
func (n *Node) maybePropose() {
	if !n.cfg.AutoPropose || n.core.Phase() != consensus.Proposing || !n.core.IsLeader() {
		return
	}
	state := n.machine.CurrentState()
	rules := n.machine.Rules()
	bets := game.Admissible(state, n.mempool.pending(), rules)
	t := protocol.Transition{Bets: bets}
	if len(bets) > 0 || len(state.Table.Wagers) > 0 {
		r := n.core.Round()
		if _, ready := n.rand.Commitments(r); ready {
			t.Roll = true
		} else if len(bets) == 0 || n.now().Sub(n.openedAt[r]) < n.cfg.Consensus.RoundTimeout/2 {
			return
		}
	}
	if t.Empty() {
		return
	}
	p, err := n.core.Propose(t)
	if err != nil {
		if !errors.Is(err, consensus.ErrBusy) {
			n.log.Debug("proposal not made", "round", n.core.Round(), "err", err)
		}
		return
	}
	n.log.Debug("proposed", "round", p.Round, "bets", len(p.Transition.Bets), "roll", p.Transition.Roll)
}

// PlaceBet signs a wager of this peer, gossips it and keeps it pending until
// a finalized record carries it.
func (n *Node) PlaceBet(bt craps.BetType, amount uint64) (protocol.Bet, error) {
	var bet protocol.Bet
	err := n.locked(func() error {
		if n.fatal != nil {
			return n.fatal
		}
		self := n.id.ID()
		state := n.machine.CurrentState()
		nonce := max(state.Nonces[self], n.mempool.lastNonce(self)) + 1
		bet = protocol.Bet{Type: string(bt), Amount: amount, Nonce: nonce}
		if err := bet.Sign(n.id); err != nil {
			return err
		}
		// The per-proposal cap does not limit what may wait in the pool.
		rules := n.machine.Rules()
		rules.MaxBets = 0
		pending := append(n.mempool.pending(), bet)
		ok := false
		for _, b := range game.Admissible(state, pending, rules) {
			if b.ID() == bet.ID() {
				ok = true
			}
		}
		if !ok {
			w := craps.Wager{Player: string(self), Type: bt, Amount: amount}
			if err := craps.CheckBet(state.Table, w, state.Balance(self), rules.MaxBet); err != nil {
				return fmt.Errorf("%w: %w", ErrNoFunds, err)
			}
			return fmt.Errorf("%w: pending bets already commit the balance", ErrNoFunds)
		}
		if err := n.mempool.add(bet, state); err != nil {
			return err
		}
		n.send(protocol.KindBet, &bet)
		n.progress()
		return nil
	})
	return bet, err
}
