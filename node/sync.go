package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/luca-patrignani/mental-craps/consensus"
	"github.com/luca-patrignani/mental-craps/events"
	"github.com/luca-patrignani/mental-craps/fork"
	"github.com/luca-patrignani/mental-craps/game"
	"github.com/luca-patrignani/mental-craps/protocol"
)

const (
	// maxSyncBatch caps the records re-gossiped for one sync request.
	maxSyncBatch = 64
	// syncBackoff spaces the sync requests triggered by orphans.
	syncBackoff = time.Second
)

// onRecord handles a finalized record from the network. A record that
// extends the head is applied; one that builds on an older local record is
// a fork candidate; one with an unknown parent waits for its ancestors.
func (n *Node) onRecord(rec protocol.FinalizedRecord) error {
	if !rec.Hash.IsZero() && n.chain.Contains(rec.Hash) {
		return protocol.ErrDuplicate
	}
	if err := rec.VerifyIntegrity(); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrMalformed, err)
	}
	head := n.chain.Head()
	switch {
	case rec.PrevHash == head.Hash:
		if err := n.core.OnFinalizedRecord(&rec); err != nil {
			return err
		}
		n.adoptOrphans()
		return nil
	case n.chain.Contains(rec.PrevHash):
		n.orphans.Add(rec.Hash, rec)
		return n.reconcile(rec)
	}
	n.orphans.Add(rec.Hash, rec)
	if root, ok := n.rootOf(rec); ok {
		return n.reconcile(root)
	}
	if n.now().Sub(n.lastSync) >= syncBackoff {
		n.requestSync()
	}
	return fmt.Errorf("%w: record %s at height %d", protocol.ErrUnknownParent, rec.Hash.Short(), rec.Height)
}

// rootOf walks the orphans back from rec to the first record whose parent
// is in the local chain.
func (n *Node) rootOf(rec protocol.FinalizedRecord) (protocol.FinalizedRecord, bool) {
	for steps := 0; steps < n.cfg.MaxOrphans; steps++ {
		if n.chain.Contains(rec.PrevHash) {
			return rec, true
		}
		parent, ok := n.orphans.Peek(rec.PrevHash)
		if !ok {
			return rec, false
		}
		rec = parent
	}
	return rec, false
}

// branchFrom follows the orphans forward from root, preferring the child
// that wins the fork choice whenever the branch splits.
func (n *Node) branchFrom(root protocol.FinalizedRecord) []protocol.FinalizedRecord {
	branch := []protocol.FinalizedRecord{root}
	for len(branch) <= n.cfg.MaxOrphans {
		tip := branch[len(branch)-1]
		var next *protocol.FinalizedRecord
		for _, o := range n.orphans.Values() {
			if o.PrevHash != tip.Hash {
				continue
			}
			o := o
			if next == nil || fork.Less(next, &o) {
				next = &o
			}
		}
		if next == nil {
			break
		}
		branch = append(branch, *next)
	}
	return branch
}

// adoptOrphans applies waiting records that now extend the head.
func (n *Node) adoptOrphans() {
	for {
		head := n.chain.Head()
		var next *protocol.FinalizedRecord
		for _, o := range n.orphans.Values() {
			if o.PrevHash == head.Hash {
				o := o
				next = &o
				break
			}
		}
		if next == nil {
			return
		}
		n.orphans.Remove(next.Hash)
		if err := n.core.OnFinalizedRecord(next); err != nil {
			n.log.Debug("orphan dropped", "hash", next.Hash.Short(), "err", err)
		}
	}
}

// reconcile decides between the local chain and the branch rooted at root.
func (n *Node) reconcile(root protocol.FinalizedRecord) error {
	branch := n.branchFrom(root)
	for i := range branch {
		err := consensus.VerifyRecord(&branch[i], n.tracker, n.cfg.Consensus.QuorumNum, n.cfg.Consensus.QuorumDen)
		if err == nil {
			continue
		}
		for _, bad := range branch[i:] {
			n.orphans.Remove(bad.Hash)
		}
		if i == 0 {
			return err
		}
		branch = branch[:i]
		break
	}

	plan, err := n.resolver.Reconcile(n.chain, branch)
	var fatal *fork.FatalConsistencyError
	if errors.As(err, &fatal) {
		n.fatal = err
		e := n.event(events.FatalConsistency)
		e.Hash, e.Count, e.Reason = fatal.Ancestor, fatal.Depth, err.Error()
		n.sink.Emit(e)
		n.log.Error("fork deeper than the rollback bound", "ancestor", fatal.Ancestor.Short(), "depth", fatal.Depth, "max", fatal.Max)
		return err
	}
	if err != nil {
		return err
	}
	if !plan.Forked() {
		if plan.Adopt {
			for i := range plan.Apply {
				n.orphans.Remove(plan.Apply[i].Hash)
				if err := n.core.OnFinalizedRecord(&plan.Apply[i]); err != nil {
					return err
				}
			}
			n.adoptOrphans()
			return nil
		}
		return n.keepLocal(plan, branch)
	}
	return n.switchBranch(plan)
}

// keepLocal answers a losing branch by gossiping the local records after
// the common ancestor, so its holders can switch.
func (n *Node) keepLocal(plan fork.Plan, branch []protocol.FinalizedRecord) error {
	tip := branch[len(branch)-1]
	e := n.event(events.ForkDetected)
	e.Round, e.Height, e.Hash, e.Reason = tip.Round, tip.Height, tip.Hash, "local branch kept"
	n.sink.Emit(e)
	suffix, err := n.chain.Since(plan.Ancestor)
	if err != nil {
		return err
	}
	for i := range suffix {
		n.send(protocol.KindRecord, &suffix[i])
	}
	return nil
}

// switchBranch rolls the local records back to the common ancestor and
// applies the winning branch on top of it.
func (n *Node) switchBranch(plan fork.Plan) error {
	tip := plan.Apply[len(plan.Apply)-1]
	e := n.event(events.ForkDetected)
	e.Round, e.Height, e.Hash, e.Count = tip.Round, tip.Height, tip.Hash, len(plan.Rollback)
	n.sink.Emit(e)
	n.log.Warn("switching branch", "ancestor", plan.Ancestor.Short(), "rollback", len(plan.Rollback), "apply", len(plan.Apply))

	if err := n.rollback(plan); err != nil {
		n.fatal = err
		f := n.event(events.FatalConsistency)
		f.Hash, f.Reason = plan.Ancestor, err.Error()
		n.sink.Emit(f)
		return err
	}
	applied := 0
	for i := range plan.Apply {
		n.orphans.Remove(plan.Apply[i].Hash)
		if err := n.finalize(&plan.Apply[i]); err != nil {
			n.log.Warn("branch record not applied", "height", plan.Apply[i].Height, "err", err)
			break
		}
		applied++
	}
	// The rolled back bets may still be placed on the winning branch.
	state := n.machine.CurrentState()
	for _, rec := range plan.Rollback {
		n.requeue(rec.Proposal.Transition.Bets, state)
	}
	n.mempool.prune(state, nil)
	n.core.Reset(n.chain.Head())

	r := n.event(events.ForkResolved)
	head := n.chain.Head()
	r.Round, r.Height, r.Hash, r.Count = head.Round, head.Height, head.Hash, len(plan.Rollback)
	n.sink.Emit(r)
	n.adoptOrphans()
	if applied < len(plan.Apply) {
		return fmt.Errorf("%w: applied %d of %d branch records", protocol.ErrUnknownParent, applied, len(plan.Apply))
	}
	return nil
}

// requeue returns bets of rolled back records to the mempool. Bets the
// winning branch already carries are refused there.
func (n *Node) requeue(bets []protocol.Bet, state game.State) int {
	added := 0
	for _, b := range bets {
		if err := n.mempool.add(b, state); err != nil {
			n.log.Debug("rolled back bet not requeued", "player", b.Player.Short(), "nonce", b.Nonce, "err", err)
			continue
		}
		added++
	}
	return added
}

// rollback undoes the local records after the plan's ancestor: their
// pending payouts, the chain, the store and the game state.
func (n *Node) rollback(plan fork.Plan) error {
	if n.gateway != nil {
		for _, rec := range plan.Rollback {
			n.gateway.Cancel(rec.Round)
		}
	}
	if _, err := n.chain.TruncateTo(plan.Ancestor); err != nil {
		return fmt.Errorf("truncate chain: %w", err)
	}
	if err := n.store.Truncate(plan.AncestorHeight); err != nil {
		return fmt.Errorf("truncate store: %w", err)
	}
	if err := n.machine.RollbackTo(plan.Ancestor); err != nil {
		records, err := n.chain.Since(protocol.ZeroHash)
		if err != nil {
			return err
		}
		if _, err := n.machine.Rebuild(records); err != nil {
			return fmt.Errorf("rebuild state: %w", err)
		}
	}
	return nil
}

// onSync re-gossips the records a lagging peer is missing. When its head is
// not known here, the recent tail is sent so it can find the fork point.
func (n *Node) onSync(s protocol.SyncRequest) error {
	if err := s.Verify(); err != nil {
		return protocol.NewViolation(s.Peer, protocol.ViolationBadSignature, err)
	}
	head := n.chain.Head()
	if s.Head == head.Hash {
		return nil
	}
	var records []protocol.FinalizedRecord
	if n.chain.Contains(s.Head) {
		since, err := n.chain.Since(s.Head)
		if err != nil {
			return err
		}
		records = since
	} else {
		records = n.chain.Tail(n.resolver.MaxDepth() + 1)
	}
	if len(records) > maxSyncBatch {
		records = records[:maxSyncBatch]
	}
	for i := range records {
		n.send(protocol.KindRecord, &records[i])
	}
	return nil
}

// requestSync asks the peers for the records after the local head.
func (n *Node) requestSync() {
	now := n.now()
	head := n.chain.Head()
	n.syncNonce++
	s := protocol.SyncRequest{Head: head.Hash, Height: head.Height, Nonce: n.syncNonce}
	if err := s.Sign(n.id); err != nil {
		n.log.Error("sign sync request", "err", err)
		return
	}
	n.lastSync = now
	n.send(protocol.KindSync, &s)
}
