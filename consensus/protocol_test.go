package consensus

import (
	"errors"
	"testing"

	"github.com/luca-patrignani/mental-craps/ledger"
	"github.com/luca-patrignani/mental-craps/protocol"
)

func TestRoundFinalizes(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	h.start()
	h.pump()
	leader := h.members[h.leader(1)]
	if _, err := leader.core.Propose(bets(2)); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	h.pump()

	want := leader.records
	if len(want) != 1 {
		t.Fatalf("expected leader to finalize 1 record, got %d", len(want))
	}
	for i, m := range h.members {
		if len(m.records) != 1 || m.records[0].Hash != want[0].Hash {
			t.Fatalf("member %d: expected the same single record, got %d records", i, len(m.records))
		}
		if m.core.Round() != 2 || m.core.Phase() != Proposing {
			t.Fatalf("member %d: expected round 2 proposing, got %d %s", i, m.core.Round(), m.core.Phase())
		}
		if m.core.Head().Hash != want[0].Hash {
			t.Fatalf("member %d: head not advanced", i)
		}
	}
	if len(want[0].Votes) < 3 {
		t.Fatalf("expected at least 3 certificate votes, got %d", len(want[0].Votes))
	}
	if len(h.errs) != 0 {
		t.Fatalf("unexpected errors: %v", h.errs)
	}
}

func TestDiceRoundFinalizesWithSeed(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	h.start()
	h.pump()
	leader := h.members[h.leader(1)]
	if _, err := leader.core.Propose(protocol.Transition{Roll: true}); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	h.pump()

	rec := leader.records
	if len(rec) != 1 {
		t.Fatalf("expected 1 record, got %d", len(rec))
	}
	if len(rec[0].Randomness) == 0 || len(rec[0].Reveals) < 3 {
		t.Fatalf("expected randomness from at least 3 reveals, got %d", len(rec[0].Reveals))
	}
	seed := protocol.SeedDigest(rec[0].Randomness)
	for _, v := range rec[0].Votes {
		if v.Seed != seed {
			t.Fatalf("expected every vote to endorse the seed")
		}
	}
	for i, m := range h.members {
		if len(m.records) != 1 || m.records[0].Hash != rec[0].Hash {
			t.Fatalf("member %d did not finalize the dice record", i)
		}
		if err := VerifyRecord(m.records[0], m.tracker, 2, 3); err != nil {
			t.Fatalf("member %d: record does not verify: %v", i, err)
		}
	}
}

func TestRoundsChain(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	h.start()
	h.pump()
	for r := protocol.Round(1); r <= 5; r++ {
		leader := h.members[h.leader(r)]
		if _, err := leader.core.Propose(bets(1)); err != nil {
			t.Fatalf("round %d: Propose failed: %v", r, err)
		}
		h.pump()
	}
	for i, m := range h.members {
		if len(m.records) != 5 {
			t.Fatalf("member %d: expected 5 records, got %d", i, len(m.records))
		}
		for j := 1; j < 5; j++ {
			if m.records[j].PrevHash != m.records[j-1].Hash || m.records[j].Height != uint64(j+1) {
				t.Fatalf("member %d: record %d is not linked", i, j)
			}
		}
	}
}

func TestSevenOfNineFinalize(t *testing.T) {
	h := newHarness(t, 9, acceptAll)
	leader := h.leader(1)
	silent := 0
	for i := range h.members {
		if i != leader && silent < 2 {
			h.down[i] = true
			silent++
		}
	}
	h.start()
	h.pump()
	if _, err := h.members[leader].core.Propose(bets(1)); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	h.pump()
	rec := h.members[leader].records
	if len(rec) != 1 || len(rec[0].Votes) != 7 {
		t.Fatalf("expected a record with 7 votes, got %d records", len(rec))
	}
}

func TestSixOfNineDoNotFinalize(t *testing.T) {
	h := newHarness(t, 9, acceptAll)
	leader := h.leader(1)
	silent := 0
	for i := range h.members {
		if i != leader && silent < 3 {
			h.down[i] = true
			silent++
		}
	}
	h.start()
	h.pump()
	h.members[leader].core.Propose(bets(1))
	h.pump()
	if n := len(h.members[leader].records); n != 0 {
		t.Fatalf("expected no record with 6 of 9 votes, got %d", n)
	}
	h.clock.advance(DefaultConfig().RoundTimeout)
	h.members[leader].core.Tick(h.clock.now())
	m := h.members[leader]
	if len(m.aborts) != 1 || m.aborts[0] != "no quorum" {
		t.Fatalf("expected a no quorum abort, got %v", m.aborts)
	}
	if m.core.Round() != 2 {
		t.Fatalf("expected round 2 after abort, got %d", m.core.Round())
	}
}

func TestRejectQuorumAbortsAndPenalizesProposer(t *testing.T) {
	h := newHarness(t, 4, func(*protocol.Proposal) error { return nil })
	h.start()
	h.pump()
	leaderIdx := h.leader(1)
	leader := h.members[leaderIdx]
	for i, m := range h.members {
		if i != leaderIdx {
			m.core.state = validatorFunc(func(*protocol.Proposal) error { return errors.New("overdraft") })
		}
	}
	if _, err := leader.core.Propose(bets(1)); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	h.pump()
	for i, m := range h.members {
		if len(m.records) != 0 {
			t.Fatalf("member %d finalized a rejected proposal", i)
		}
		if len(m.aborts) != 1 || m.aborts[0] != "proposal rejected: overdraft" {
			t.Fatalf("member %d: expected rejection abort, got %v", i, m.aborts)
		}
		score, _ := m.tracker.Score(leader.id.ID())
		if score != 50 {
			t.Fatalf("member %d: expected proposer score 50, got %d", i, score)
		}
	}
}

func TestDoubleVoteIsViolation(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	h.start()
	core := h.members[0].core
	voter := h.members[1].id
	v1 := protocol.Vote{Round: 1, Proposal: protocol.HashBytes([]byte("a")), Value: protocol.Accept}
	v2 := protocol.Vote{Round: 1, Proposal: protocol.HashBytes([]byte("b")), Value: protocol.Accept}
	v1.Sign(voter)
	v2.Sign(voter)
	if err := core.SubmitVote(v1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := core.SubmitVote(v1); !errors.Is(err, protocol.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for a replayed vote, got %v", err)
	}
	var v *protocol.Violation
	if err := core.SubmitVote(v2); !errors.As(err, &v) || v.Kind != protocol.ViolationDoubleVote || v.Peer != voter.ID() {
		t.Fatalf("expected double vote violation, got %v", err)
	}
}

func TestForgedVoteIsViolation(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	h.start()
	vote := protocol.Vote{Round: 1, Proposal: protocol.HashBytes([]byte("a")), Value: protocol.Accept}
	vote.Sign(h.members[1].id)
	vote.Proposal = protocol.HashBytes([]byte("b"))
	var v *protocol.Violation
	if err := h.members[0].core.SubmitVote(vote); !errors.As(err, &v) || v.Kind != protocol.ViolationBadSignature {
		t.Fatalf("expected bad signature violation, got %v", err)
	}
}

func TestEquivocatingProposer(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	h.start()
	leader := h.members[h.leader(1)]
	a := protocol.Proposal{Round: 1, Transition: bets(1)}
	b := protocol.Proposal{Round: 1, Transition: bets(2)}
	a.Sign(leader.id)
	b.Sign(leader.id)
	target := h.members[(h.leader(1)+1)%4].core
	if err := target.SubmitProposal(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v *protocol.Violation
	if err := target.SubmitProposal(b); !errors.As(err, &v) || v.Kind != protocol.ViolationEquivocation {
		t.Fatalf("expected equivocation violation, got %v", err)
	}
}

func TestProposalFromNonLeader(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	h.start()
	other := (h.leader(1) + 1) % 4
	p := protocol.Proposal{Round: 1, Transition: bets(1)}
	p.Sign(h.members[other].id)
	var v *protocol.Violation
	if err := h.members[h.leader(1)].core.SubmitProposal(p); !errors.As(err, &v) || v.Kind != protocol.ViolationNotEligible {
		t.Fatalf("expected not eligible violation, got %v", err)
	}
	if _, err := h.members[other].core.Propose(bets(1)); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
}

func TestRoundAdmission(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	h.start()
	core := h.members[0].core
	voter := h.members[1].id
	tests := []struct {
		name  string
		round protocol.Round
		want  error
	}{
		{"stale", 0, protocol.ErrStaleRound},
		{"buffered", 5, nil},
		{"far future", 1 + DefaultConfig().LeadWindow + 1, ErrFutureRound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := protocol.Vote{Round: tt.round, Proposal: protocol.HashBytes([]byte(tt.name)), Value: protocol.Accept}
			v.Sign(voter)
			err := core.SubmitVote(v)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// finalizeFirstRound runs round 1 to a record and returns its proposal.
func finalizeFirstRound(t *testing.T, h *harness) *protocol.Proposal {
	t.Helper()
	h.start()
	h.pump()
	p, err := h.members[h.leader(1)].core.Propose(bets(1))
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	h.pump()
	for i, m := range h.members {
		if m.core.Round() != 2 {
			t.Fatalf("member %d: expected round 2, got %d", i, m.core.Round())
		}
	}
	return p
}

func TestVoteEndorsingAnotherRoundIsViolation(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	p1 := finalizeFirstRound(t, h)
	core := h.members[0].core
	voter := h.members[1].id
	tests := []struct {
		name  string
		round protocol.Round
	}{
		{"current round", 2},
		{"buffered round", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vote := protocol.Vote{Round: tt.round, Proposal: p1.ID(), Value: protocol.Accept}
			if err := vote.Sign(voter); err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			var v *protocol.Violation
			if err := core.SubmitVote(vote); !errors.As(err, &v) || v.Kind != protocol.ViolationWrongRound || v.Peer != voter.ID() {
				t.Fatalf("expected a wrong round violation, got %v", err)
			}
		})
	}
	if got := core.Status().Votes; got != 0 {
		t.Fatalf("expected no vote tallied in round 2, got %d", got)
	}
}

func TestLateRoundMessagesAreNotPenalized(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	p1 := finalizeFirstRound(t, h)
	m := h.members[0]
	voter := h.members[1].id
	before, _ := m.tracker.Score(voter.ID())

	late := protocol.Vote{Round: 1, Proposal: p1.ID(), Value: protocol.Accept}
	if err := late.Sign(voter); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	var v *protocol.Violation
	err := m.core.SubmitVote(late)
	if !errors.Is(err, protocol.ErrStaleRound) || errors.As(err, &v) {
		t.Fatalf("expected a plain ErrStaleRound for a late vote, got %v", err)
	}
	err = m.core.SubmitProposal(*p1)
	if !errors.Is(err, protocol.ErrStaleRound) || errors.As(err, &v) {
		t.Fatalf("expected a plain ErrStaleRound for a late proposal, got %v", err)
	}
	if after, _ := m.tracker.Score(voter.ID()); after != before {
		t.Fatalf("expected score %d, got %d", before, after)
	}
}

func TestBufferedProposalReplayedWhenRoundOpens(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	h.start()
	leader2 := h.members[h.leader(2)]
	idx := (h.leader(2) + 1) % 4
	target := h.members[idx]

	p := protocol.Proposal{Round: 2, Transition: bets(1)}
	p.Sign(leader2.id)
	if err := target.core.SubmitProposal(p); err != nil {
		t.Fatalf("expected proposal buffered, got %v", err)
	}
	if target.core.Phase() != Proposing || target.core.Round() != 1 {
		t.Fatal("expected core to stay in round 1")
	}
	h.clock.advance(DefaultConfig().RoundTimeout)
	target.core.Tick(h.clock.now())
	if target.aborts[0] != "no proposal" {
		t.Fatalf("expected idle round to abort with no proposal, got %v", target.aborts)
	}
	st := target.core.Status()
	if st.Round != 2 || st.Phase != Voting || st.Proposal != p.ID() {
		t.Fatalf("expected to vote on the buffered proposal in round 2, got %+v", st)
	}
}

func TestRecordFromNetworkFinalizesLaggingPeer(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	lagging := (h.leader(1) + 1) % 4
	h.down[lagging] = true
	h.start()
	h.pump()
	h.members[h.leader(1)].core.Propose(bets(1))
	h.pump()
	rec := h.members[h.leader(1)].records[0]

	h.down[lagging] = false
	m := h.members[lagging]
	if err := m.core.OnFinalizedRecord(rec); err != nil {
		t.Fatalf("OnFinalizedRecord failed: %v", err)
	}
	if len(m.records) != 1 || m.core.Round() != 2 {
		t.Fatalf("expected lagging peer to finalize round 1, got %d records round %d", len(m.records), m.core.Round())
	}
	tampered := *rec
	tampered.Votes = tampered.Votes[:2]
	tampered.Seal()
	other := newHarness(t, 4, acceptAll)
	other.start()
	if err := other.members[0].core.OnFinalizedRecord(&tampered); !errors.Is(err, ErrInsufficientQuorum) {
		t.Fatalf("expected ErrInsufficientQuorum, got %v", err)
	}
}

func TestByzantineDoubleVotesNeverDoubleFinalize(t *testing.T) {
	h := newHarness(t, 7, acceptAll)
	leaderIdx := h.leader(1)
	byz := map[int]bool{leaderIdx: true, (leaderIdx + 1) % 7: true}
	var honest []int
	for i := range h.members {
		if !byz[i] {
			honest = append(honest, i)
		}
	}
	h.start()
	h.queue = nil

	leader := h.members[leaderIdx].id
	a := protocol.Proposal{Round: 1, Transition: bets(1)}
	b := protocol.Proposal{Round: 1, Transition: bets(2)}
	a.Sign(leader)
	b.Sign(leader)
	for k, i := range honest {
		p := a
		if k >= len(honest)/2 {
			p = b
		}
		h.record(i, h.members[i].core.SubmitProposal(p))
	}
	for i := range byz {
		for _, p := range []protocol.Proposal{a, b} {
			v := protocol.Vote{Round: 1, Proposal: p.ID(), Value: protocol.Accept}
			v.Sign(h.members[i].id)
			for _, j := range honest {
				h.record(j, h.members[j].core.SubmitVote(v))
			}
		}
	}
	for i := range byz {
		h.down[i] = true
	}
	h.pump()

	final := map[protocol.Hash]bool{}
	for _, i := range honest {
		for _, rec := range h.members[i].records {
			if rec.Round == 1 {
				final[rec.Hash] = true
			}
		}
	}
	if len(final) > 1 {
		t.Fatalf("expected at most one finalized record in round 1, got %d", len(final))
	}
	var doubles int
	for _, err := range h.errs {
		var v *protocol.Violation
		if errors.As(err, &v) && v.Kind == protocol.ViolationDoubleVote {
			doubles++
		}
	}
	if doubles == 0 {
		t.Fatal("expected byzantine double votes to be reported")
	}
}

func TestResetAbandonsRound(t *testing.T) {
	h := newHarness(t, 4, acceptAll)
	h.start()
	m := h.members[0]
	head := ledger.Head{Hash: protocol.HashBytes([]byte("other")), Height: 3, Round: 7}
	m.core.Reset(head)
	if m.core.Round() != 8 || m.core.Head() != head {
		t.Fatalf("expected round 8 on the new head, got %d", m.core.Round())
	}
	if len(m.aborts) != 1 || m.aborts[0] != "reset" {
		t.Fatalf("expected reset abort, got %v", m.aborts)
	}
}
