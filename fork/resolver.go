// Package fork reconciles competing finalized histories. Choose decides
// between two records deterministically from their content, and Reconcile
// turns a competing branch into a bounded rollback plan.
package fork

import (
	"errors"
	"fmt"

	"github.com/luca-patrignani/mental-craps/ledger"
	"github.com/luca-patrignani/mental-craps/protocol"
)

const DefaultMaxDepth = 16

var ErrBrokenBranch = errors.New("branch records are not linked")

// FatalConsistencyError reports a winning branch whose adoption would roll
// back more records than allowed. It needs operator intervention: a full
// resync from a trusted checkpoint.
type FatalConsistencyError struct {
	Ancestor protocol.Hash
	Depth    int
	Max      int
}

func (e *FatalConsistencyError) Error() string {
	return fmt.Sprintf("fork rollback of %d records past %s exceeds maximum depth %d", e.Depth, e.Ancestor.Short(), e.Max)
}

// Resolver applies the fork choice rule.
type Resolver struct {
	maxDepth int
}

func NewResolver(maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{maxDepth: maxDepth}
}

func (r *Resolver) MaxDepth() int { return r.maxDepth }

// Choose returns the canonical record of a and b, then the discarded one.
// The record with the higher round wins; on equal rounds the record whose
// quorum digest is lexicographically smaller wins. The result does not
// depend on the argument order.
func (r *Resolver) Choose(a, b *protocol.FinalizedRecord) (winner, loser *protocol.FinalizedRecord) {
	if Less(b, a) {
		return b, a
	}
	return a, b
}

// Less reports whether a beats b.
func Less(a, b *protocol.FinalizedRecord) bool {
	if a.Round != b.Round {
		return a.Round > b.Round
	}
	if c := a.QuorumDigest().Compare(b.QuorumDigest()); c != 0 {
		return c < 0
	}
	return a.Hash.Compare(b.Hash) < 0
}

// Plan is the outcome of reconciling the local chain with a branch.
type Plan struct {
	// Ancestor is the last record both histories share.
	Ancestor       protocol.Hash
	AncestorHeight uint64
	// Adopt is true when the branch wins.
	Adopt bool
	// Rollback lists the local records to discard, oldest first.
	Rollback []protocol.FinalizedRecord
	// Apply lists the branch records to apply, oldest first.
	Apply []protocol.FinalizedRecord
}

// Forked reports whether the plan discards local records.
func (p Plan) Forked() bool { return len(p.Rollback) > 0 }

// Reconcile compares branch, a linked run of records whose first parent is
// in local, with the local records that follow the same parent. Records
// already in local are skipped. When the branch tip beats the local tip the
// plan adopts it, unless that means rolling back more than the maximum
// depth, which returns a *FatalConsistencyError.
func (r *Resolver) Reconcile(local *ledger.Chain, branch []protocol.FinalizedRecord) (Plan, error) {
	for len(branch) > 0 && !branch[0].Hash.IsZero() && local.Contains(branch[0].Hash) {
		branch = branch[1:]
	}
	if len(branch) == 0 {
		head := local.Head()
		return Plan{Ancestor: head.Hash, AncestorHeight: head.Height}, nil
	}
	if err := linked(branch); err != nil {
		return Plan{}, err
	}
	parent := branch[0].PrevHash
	if !local.Contains(parent) {
		return Plan{}, fmt.Errorf("%w: branch parent %s", protocol.ErrUnknownParent, parent.Short())
	}
	suffix, err := local.Since(parent)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Ancestor: parent, AncestorHeight: branch[0].Height - 1}
	if len(suffix) == 0 {
		plan.Adopt = true
		plan.Apply = branch
		return plan, nil
	}
	tip := &branch[len(branch)-1]
	mine := &suffix[len(suffix)-1]
	if winner, _ := r.Choose(mine, tip); winner == mine {
		return plan, nil
	}
	if len(suffix) > r.maxDepth {
		return Plan{}, &FatalConsistencyError{Ancestor: parent, Depth: len(suffix), Max: r.maxDepth}
	}
	plan.Adopt = true
	plan.Rollback = suffix
	plan.Apply = branch
	return plan, nil
}

func linked(branch []protocol.FinalizedRecord) error {
	for i := 1; i < len(branch); i++ {
		prev, cur := &branch[i-1], &branch[i]
		if cur.PrevHash != prev.Hash || cur.Height != prev.Height+1 || cur.Round <= prev.Round {
			return fmt.Errorf("%w at height %d", ErrBrokenBranch, cur.Height)
		}
	}
	if branch[0].Height == 0 {
		return fmt.Errorf("%w: height 0", ErrBrokenBranch)
	}
	return nil
}
