// Package randomness runs the commit-reveal protocol that produces the dice
// seed of a round. Every round has its own sub-state-machine:
//
//	AwaitingCommitments -> AwaitingReveals -> Derived
//	                              |
//	                              +---------> Stalled
//
// Peers gossip commitments while the round waits for a proposal. The commit
// phase closes either locally, once committed weight reaches the voting
// quorum, or when a proposal pins a commitment set with Fix; the pinned set is
// authoritative. Reveals count only after the phase closes and only when they
// open the sender's pinned commitment. The seed is derived as soon as every
// committed peer revealed, or at the reveal deadline from the reveals received
// if they still make a quorum of the committed weight.
package randomness

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/luca-patrignani/mental-craps/protocol"
)

var (
	ErrUnknownRound  = fmt.Errorf("%w: no randomness session for round", protocol.ErrStaleRound)
	ErrPhaseClosed   = errors.New("commit phase closed")
	ErrNoCommitment  = errors.New("reveal without commitment")
	ErrNoQuorum      = errors.New("commitment set below quorum")
	ErrAlreadyPinned = errors.New("commitment set already pinned")
)

// Phase is the state of one round's randomness session.
type Phase int

const (
	AwaitingCommitments Phase = iota
	AwaitingReveals
	Derived
	Stalled
)

func (p Phase) String() string {
	switch p {
	case AwaitingCommitments:
		return "awaiting-commitments"
	case AwaitingReveals:
		return "awaiting-reveals"
	case Derived:
		return "derived"
	case Stalled:
		return "stalled"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Weights gives the voting weight of peers; it is satisfied by trust.Tracker.
type Weights interface {
	Weight(protocol.PeerID) uint64
	TotalWeight() uint64
}

type Config struct {
	RevealGrace time.Duration
	QuorumNum   uint64
	QuorumDen   uint64
}

func DefaultConfig() Config {
	return Config{RevealGrace: 2 * time.Second, QuorumNum: 2, QuorumDen: 3}
}

// Outcome reports a deadline-driven change of a session.
type Outcome struct {
	Round protocol.Round
	Phase Phase
	// Missing lists committed peers that never revealed; they forfeit their
	// influence on the seed.
	Missing []protocol.PeerID
	Err     error
}

type session struct {
	round           protocol.Round
	phase           Phase
	pinned          bool
	revealDeadline  time.Time
	commits         map[protocol.PeerID]protocol.Commitment
	committedWeight uint64
	reveals         map[protocol.PeerID]protocol.Reveal
	early           map[protocol.PeerID]protocol.Reveal
	seed            []byte
	used            []protocol.Reveal
}

// Protocol holds the randomness sessions of the rounds a peer is working on.
type Protocol struct {
	mu       sync.Mutex
	cfg      Config
	weights  Weights
	now      func() time.Time
	sessions map[protocol.Round]*session
}

func New(cfg Config, weights Weights, now func() time.Time) *Protocol {
	if cfg.QuorumDen == 0 {
		cfg.QuorumNum, cfg.QuorumDen = 2, 3
	}
	if now == nil {
		now = time.Now
	}
	return &Protocol{cfg: cfg, weights: weights, now: now, sessions: make(map[protocol.Round]*session)}
}

func (p *Protocol) quorum(weight, total uint64) bool {
	return total > 0 && weight*p.cfg.QuorumDen > total*p.cfg.QuorumNum
}

// Open starts the session of round if it does not exist yet.
func (p *Protocol) Open(round protocol.Round) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[round]; ok {
		return
	}
	p.sessions[round] = &session{
		round:   round,
		phase:   AwaitingCommitments,
		commits: make(map[protocol.PeerID]protocol.Commitment),
		reveals: make(map[protocol.PeerID]protocol.Reveal),
		early:   make(map[protocol.PeerID]protocol.Reveal),
	}
}

// Commitments returns the locally collected commitment set, sorted by peer,
// once it reaches quorum. A proposer pins this set into a dice proposal.
func (p *Protocol) Commitments(round protocol.Round) ([]protocol.Commitment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[round]
	if !ok || s.phase == AwaitingCommitments {
		return nil, false
	}
	out := make([]protocol.Commitment, 0, len(s.commits))
	for _, c := range s.commits {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b protocol.Commitment) int { return cmp.Compare(a.Peer, b.Peer) })
	return out, true
}

// VerifySet checks that a pinned commitment set is well formed: one signed
// commitment per eligible peer, for round, carrying a quorum of the weight.
func VerifySet(round protocol.Round, set []protocol.Commitment, w Weights, num, den uint64) error {
	seen := make(map[protocol.PeerID]struct{}, len(set))
	var weight uint64
	for i := range set {
		c := &set[i]
		if c.Round != round {
			return fmt.Errorf("%w: commitment for round %d in round %d", protocol.ErrMalformed, c.Round, round)
		}
		if _, dup := seen[c.Peer]; dup {
			return fmt.Errorf("%w: two commitments from %s", protocol.ErrMalformed, c.Peer.Short())
		}
		seen[c.Peer] = struct{}{}
		if err := c.Verify(); err != nil {
			return fmt.Errorf("commitment from %s: %w", c.Peer.Short(), err)
		}
		weight += w.Weight(c.Peer)
	}
	total := w.TotalWeight()
	if total == 0 || weight*den <= total*num {
		return fmt.Errorf("%w: %d of %d", ErrNoQuorum, weight, total)
	}
	return nil
}

// Fix pins the commitment set carried by a proposal. Locally collected
// commitments outside the set are discarded.
func (p *Protocol) Fix(round protocol.Round, set []protocol.Commitment) error {
	if err := VerifySet(round, set, p.weights, p.cfg.QuorumNum, p.cfg.QuorumDen); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[round]
	if !ok {
		return ErrUnknownRound
	}
	if s.pinned {
		if !sameSet(s.commits, set) {
			return ErrAlreadyPinned
		}
		return nil
	}
	pending := s.early
	if pending == nil {
		pending = make(map[protocol.PeerID]protocol.Reveal)
	}
	for id, r := range s.reveals {
		pending[id] = r
	}
	s.commits = make(map[protocol.PeerID]protocol.Commitment, len(set))
	for _, c := range set {
		s.commits[c.Peer] = c
	}
	s.reveals = make(map[protocol.PeerID]protocol.Reveal)
	s.early = pending
	s.pinned = true
	p.closeCommits(s)
	return nil
}

func sameSet(have map[protocol.PeerID]protocol.Commitment, set []protocol.Commitment) bool {
	if len(have) != len(set) {
		return false
	}
	for _, c := range set {
		if h, ok := have[c.Peer]; !ok || h.Digest != c.Digest {
			return false
		}
	}
	return true
}

// Pinned reports whether a proposal fixed the commitment set of round.
func (p *Protocol) Pinned(round protocol.Round) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[round]
	return ok && s.pinned
}

// Contributes reports whether peer belongs to the closed commitment set of
// round, i.e. whether its reveal is expected.
func (p *Protocol) Contributes(round protocol.Round, peer protocol.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[round]
	if !ok || s.phase == AwaitingCommitments {
		return false
	}
	_, in := s.commits[peer]
	return in
}

// ContributeCommitment records a peer's commitment and returns the phase of
// the session afterwards.
func (p *Protocol) ContributeCommitment(c protocol.Commitment) (Phase, error) {
	if err := c.Verify(); err != nil {
		return 0, protocol.NewViolation(c.Peer, protocol.ViolationBadSignature, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[c.Round]
	if !ok {
		return 0, ErrUnknownRound
	}
	if p.weights.Weight(c.Peer) == 0 {
		return s.phase, protocol.ErrNotEligible
	}
	if prev, ok := s.commits[c.Peer]; ok {
		if prev.Digest != c.Digest {
			return s.phase, protocol.NewViolation(c.Peer, protocol.ViolationEquivocation,
				fmt.Errorf("second commitment for round %d", c.Round))
		}
		return s.phase, nil
	}
	if s.phase != AwaitingCommitments {
		return s.phase, ErrPhaseClosed
	}
	s.commits[c.Peer] = c
	if p.quorum(p.weightOf(s.commits), p.weights.TotalWeight()) {
		p.closeCommits(s)
	}
	return s.phase, nil
}

func (p *Protocol) weightOf(commits map[protocol.PeerID]protocol.Commitment) uint64 {
	var w uint64
	for id := range commits {
		w += p.weights.Weight(id)
	}
	return w
}

// closeCommits freezes the commitment set and admits reveals that arrived
// early. The reveal deadline only runs once the set is pinned.
func (p *Protocol) closeCommits(s *session) {
	if s.phase == Derived || s.phase == Stalled {
		return
	}
	s.phase = AwaitingReveals
	s.committedWeight = p.weightOf(s.commits)
	if s.pinned {
		s.revealDeadline = p.now().Add(p.cfg.RevealGrace)
	}
	for id, r := range s.early {
		if c, ok := s.commits[id]; ok && r.Matches(c.Digest) {
			s.reveals[id] = r
			delete(s.early, id)
		}
	}
	p.maybeDerive(s)
}

// ContributeReveal records the preimage behind a commitment and returns the
// phase of the session afterwards.
func (p *Protocol) ContributeReveal(r protocol.Reveal) (Phase, error) {
	if err := r.Verify(); err != nil {
		return 0, protocol.NewViolation(r.Peer, protocol.ViolationBadSignature, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[r.Round]
	if !ok {
		return 0, ErrUnknownRound
	}
	c, committed := s.commits[r.Peer]
	if committed && !r.Matches(c.Digest) {
		return s.phase, protocol.NewViolation(r.Peer, protocol.ViolationCommitMismatch,
			fmt.Errorf("reveal does not open commitment for round %d", r.Round))
	}
	switch s.phase {
	case AwaitingCommitments:
		if p.weights.Weight(r.Peer) == 0 {
			return s.phase, protocol.ErrNotEligible
		}
		s.early[r.Peer] = r
		return s.phase, nil
	case AwaitingReveals:
		if !committed {
			if !s.pinned && p.weights.Weight(r.Peer) > 0 {
				// The proposal may pin a set that includes this peer.
				if s.early == nil {
					s.early = make(map[protocol.PeerID]protocol.Reveal)
				}
				s.early[r.Peer] = r
				return s.phase, nil
			}
			return s.phase, ErrNoCommitment
		}
		s.reveals[r.Peer] = r
		if s.pinned {
			p.maybeDerive(s)
		}
		return s.phase, nil
	}
	return s.phase, nil
}

// maybeDerive derives the seed as soon as every pinned peer revealed.
func (p *Protocol) maybeDerive(s *session) {
	if s.pinned && s.phase == AwaitingReveals && len(s.reveals) == len(s.commits) {
		p.derive(s)
	}
}

func (p *Protocol) derive(s *session) {
	used := make([]protocol.Reveal, 0, len(s.reveals))
	for _, r := range s.reveals {
		used = append(used, r)
	}
	slices.SortFunc(used, func(a, b protocol.Reveal) int { return cmp.Compare(a.Peer, b.Peer) })
	s.used = used
	s.seed = Combine(s.round, used)
	s.phase = Derived
}

// Tick enforces reveal deadlines and reports the sessions that changed
// because of them.
func (p *Protocol) Tick(now time.Time) []Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Outcome
	for _, s := range p.sessions {
		switch {
		case s.pinned && s.phase == AwaitingReveals && !now.Before(s.revealDeadline):
			var missing []protocol.PeerID
			var revealed uint64
			for id := range s.commits {
				if _, ok := s.reveals[id]; ok {
					revealed += p.weights.Weight(id)
				} else {
					missing = append(missing, id)
				}
			}
			slices.Sort(missing)
			o := Outcome{Round: s.round, Missing: missing}
			if p.quorum(revealed, s.committedWeight) {
				p.derive(s)
			} else {
				s.phase = Stalled
				o.Err = fmt.Errorf("round %d: reveal quorum unreachable", s.round)
			}
			o.Phase = s.phase
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b Outcome) int { return cmp.Compare(a.Round, b.Round) })
	return out
}

// Phase reports the phase of round's session.
func (p *Protocol) Phase(round protocol.Round) (Phase, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[round]
	if !ok {
		return 0, false
	}
	return s.phase, true
}

// DerivedRandomness returns the seed of round and the reveals it was derived
// from, once the session is Derived.
func (p *Protocol) DerivedRandomness(round protocol.Round) ([]byte, []protocol.Reveal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[round]
	if !ok || s.phase != Derived {
		return nil, nil, false
	}
	return slices.Clone(s.seed), slices.Clone(s.used), true
}

// Prune drops every session older than round.
func (p *Protocol) Prune(round protocol.Round) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for r := range p.sessions {
		if r < round {
			delete(p.sessions, r)
		}
	}
}
