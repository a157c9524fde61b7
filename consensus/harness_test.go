package consensus

import (
	"errors"
	"testing"
	"time"

	"github.com/luca-patrignani/mental-craps/ledger"
	"github.com/luca-patrignani/mental-craps/protocol"
	"github.com/luca-patrignani/mental-craps/randomness"
	"github.com/luca-patrignani/mental-craps/trust"
)

type validatorFunc func(*protocol.Proposal) error

func (f validatorFunc) Validate(p *protocol.Proposal) error { return f(p) }

func acceptAll(*protocol.Proposal) error { return nil }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type envelope struct {
	from int
	kind protocol.Kind
	msg  any
}

type member struct {
	id        *protocol.Identity
	core      *Core
	tracker   *trust.Tracker
	rand      *randomness.Protocol
	preimages map[protocol.Round][]byte
	revealed  map[protocol.Round]bool
	records   []*protocol.FinalizedRecord
	aborts    []string
}

// harness wires n cores through a FIFO queue standing in for gossip.
type harness struct {
	t       *testing.T
	clock   *clock
	members []*member
	queue   []envelope
	down    map[int]bool
	errs    []error
}

func identity(t *testing.T, i int) *protocol.Identity {
	t.Helper()
	seed := make([]byte, 32)
	seed[0], seed[1] = byte(i+1), 0x5a
	id, err := protocol.IdentityFromSeed(seed)
	if err != nil {
		t.Fatalf("IdentityFromSeed failed: %v", err)
	}
	return id
}

func newHarness(t *testing.T, n int, validate validatorFunc) *harness {
	t.Helper()
	h := &harness{t: t, clock: &clock{t: time.Unix(1_700_000_000, 0)}, down: map[int]bool{}}
	ids := make([]*protocol.Identity, n)
	roster := make([]trust.Member, n)
	for i := range ids {
		ids[i] = identity(t, i)
		roster[i] = trust.Member{ID: ids[i].ID(), Role: protocol.RoleProposer, Stake: 1}
	}
	for i := range ids {
		i := i
		m := &member{
			id:        ids[i],
			tracker:   trust.NewTracker(trust.DefaultConfig(), roster, trust.WithClock(h.clock.now)),
			preimages: map[protocol.Round][]byte{},
			revealed:  map[protocol.Round]bool{},
		}
		m.rand = randomness.New(randomness.DefaultConfig(), m.tracker, h.clock.now)
		hooks := Hooks{
			Broadcast: func(kind protocol.Kind, msg any) { h.queue = append(h.queue, envelope{i, kind, copyMsg(msg)}) },
			Finalized: func(rec *protocol.FinalizedRecord) error {
				m.records = append(m.records, rec)
				return nil
			},
			Opened:  func(r protocol.Round) { h.commit(i, r) },
			Aborted: func(_ protocol.Round, reason string) { m.aborts = append(m.aborts, reason) },
		}
		m.core = NewCore(ids[i], DefaultConfig(), m.tracker, m.tracker, validate, m.rand, hooks, WithClock(h.clock.now))
		h.members = append(h.members, m)
	}
	return h
}

func copyMsg(msg any) any {
	switch m := msg.(type) {
	case *protocol.Proposal:
		return *m
	case *protocol.Vote:
		return *m
	case *protocol.FinalizedRecord:
		return *m
	case *protocol.Commitment:
		return *m
	case *protocol.Reveal:
		return *m
	}
	return msg
}

func (h *harness) start() {
	for _, m := range h.members {
		m.core.Start(ledger.Head{})
	}
}

func (h *harness) commit(i int, r protocol.Round) {
	if h.down[i] {
		return
	}
	m := h.members[i]
	pre := randomness.NewPreimage()
	m.preimages[r] = pre
	c := protocol.Commitment{Round: r, Digest: protocol.CommitmentDigest(r, m.id.ID(), pre)}
	if err := c.Sign(m.id); err != nil {
		h.t.Fatalf("Sign failed: %v", err)
	}
	m.rand.ContributeCommitment(c)
	h.queue = append(h.queue, envelope{i, protocol.KindCommitment, c})
}

func (h *harness) maybeReveal(i int) {
	m := h.members[i]
	r := m.core.Round()
	if h.down[i] || m.revealed[r] || !m.rand.Contributes(r, m.id.ID()) || !m.rand.Pinned(r) {
		return
	}
	m.revealed[r] = true
	rv := protocol.Reveal{Round: r, Preimage: m.preimages[r]}
	if err := rv.Sign(m.id); err != nil {
		h.t.Fatalf("Sign failed: %v", err)
	}
	m.rand.ContributeReveal(rv)
	h.queue = append(h.queue, envelope{i, protocol.KindReveal, rv})
	h.record(i, m.core.OnRandomness(r))
}

func (h *harness) record(i int, err error) {
	if err == nil || errors.Is(err, protocol.ErrDuplicate) || errors.Is(err, protocol.ErrUnknownParent) || errors.Is(err, protocol.ErrStaleRound) {
		return
	}
	var v *protocol.Violation
	if errors.As(err, &v) {
		h.members[i].tracker.Penalize(v.Peer, v.Kind)
	}
	h.errs = append(h.errs, err)
}

func (h *harness) deliver(to int, e envelope) {
	m := h.members[to]
	switch msg := e.msg.(type) {
	case protocol.Proposal:
		h.record(to, m.core.SubmitProposal(msg))
	case protocol.Vote:
		h.record(to, m.core.SubmitVote(msg))
	case protocol.FinalizedRecord:
		if len(m.records) > 0 && m.records[len(m.records)-1].Hash == msg.Hash {
			return
		}
		h.record(to, m.core.OnFinalizedRecord(&msg))
	case protocol.Commitment:
		m.rand.ContributeCommitment(msg)
	case protocol.Reveal:
		m.rand.ContributeReveal(msg)
		h.record(to, m.core.OnRandomness(msg.Round))
	}
	h.maybeReveal(to)
}

// pump delivers queued messages to every live member but the sender until
// the network is quiet.
func (h *harness) pump() {
	for steps := 0; len(h.queue) > 0; steps++ {
		if steps > 100000 {
			h.t.Fatal("message storm")
		}
		e := h.queue[0]
		h.queue = h.queue[1:]
		if h.down[e.from] {
			continue
		}
		for j := range h.members {
			if j != e.from && !h.down[j] {
				h.deliver(j, e)
			}
		}
	}
}

// leader returns the index of the member leading round.
func (h *harness) leader(round protocol.Round) int {
	id, _ := h.members[0].core.Leader(round)
	for i, m := range h.members {
		if m.id.ID() == id {
			return i
		}
	}
	h.t.Fatalf("no leader for round %d", round)
	return -1
}

func bets(n int) protocol.Transition {
	t := protocol.Transition{}
	for i := 0; i < n; i++ {
		t.Bets = append(t.Bets, protocol.Bet{Type: "pass", Amount: uint64(10 + i), Nonce: uint64(i + 1)})
	}
	return t
}
