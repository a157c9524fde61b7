// Package trust keeps a reputation score for every member of the table and
// turns it into admission decisions and voting weight.
package trust

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/luca-patrignani/mental-craps/protocol"
)

// Member is a roster entry: who may sit at the table, in which role and with
// which voting stake.
type Member struct {
	ID    protocol.PeerID
	Role  protocol.Role
	Stake uint64
}

// Status is a point-in-time view of one member.
type Status struct {
	Member
	Score       int64
	Trusted     bool
	Banned      bool
	BannedUntil time.Time
	Violations  uint64
}

type peerState struct {
	member      Member
	score       int64
	updated     time.Time
	bannedUntil time.Time
	violations  uint64
	limiter     *rate.Limiter
}

// Tracker is the PeerTrustTracker. Reads run concurrently; writes are
// serialized by the tracker lock.
type Tracker struct {
	mu      sync.RWMutex
	cfg     Config
	peers   map[protocol.PeerID]*peerState
	now     func() time.Time
	onBan   func(protocol.PeerID, time.Time)
	strange *rate.Limiter
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithBanHook registers a callback invoked, outside the lock, when a peer is
// banned.
func WithBanHook(fn func(protocol.PeerID, time.Time)) Option {
	return func(t *Tracker) { t.onBan = fn }
}

func NewTracker(cfg Config, members []Member, opts ...Option) *Tracker {
	if cfg.Penalties == nil {
		cfg.Penalties = DefaultPenalties()
	}
	t := &Tracker{
		cfg:   cfg,
		peers: make(map[protocol.PeerID]*peerState, len(members)),
		now:   time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	t.strange = rate.NewLimiter(cfg.Rate, cfg.Burst)
	for _, m := range members {
		t.Register(m)
	}
	return t
}

// Register adds or updates a roster member. A new member starts at the
// initial score.
func (t *Tracker) Register(m Member) {
	if m.Stake == 0 {
		m.Stake = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[m.ID]; ok {
		p.member = m
		return
	}
	t.peers[m.ID] = &peerState{
		member:  m,
		score:   t.cfg.InitialScore,
		updated: t.now(),
		limiter: rate.NewLimiter(t.cfg.Rate, t.cfg.Burst),
	}
}

// decayed returns the score of p at now with decay applied toward the
// initial score.
func (t *Tracker) decayed(p *peerState, now time.Time) int64 {
	if t.cfg.DecayInterval <= 0 || t.cfg.DecayStep <= 0 {
		return p.score
	}
	steps := int64(now.Sub(p.updated) / t.cfg.DecayInterval)
	if steps <= 0 {
		return p.score
	}
	delta := steps * t.cfg.DecayStep
	switch {
	case p.score < t.cfg.InitialScore:
		return min(p.score+delta, t.cfg.InitialScore)
	case p.score > t.cfg.InitialScore:
		return max(p.score-delta, t.cfg.InitialScore)
	}
	return p.score
}

// settle folds pending decay into the stored score. Callers hold the write lock.
func (t *Tracker) settle(p *peerState, now time.Time) {
	s := t.decayed(p, now)
	if s != p.score {
		elapsed := now.Sub(p.updated) / t.cfg.DecayInterval
		p.updated = p.updated.Add(elapsed * t.cfg.DecayInterval)
		p.score = s
		return
	}
	if p.score == t.cfg.InitialScore {
		p.updated = now
	}
}

// Penalize lowers the score of peer for a violation of the given kind and
// reports whether the peer is banned afterwards. Unknown peers are ignored.
func (t *Tracker) Penalize(peer protocol.PeerID, kind protocol.ViolationKind) bool {
	now := t.now()
	t.mu.Lock()
	p, ok := t.peers[peer]
	if !ok {
		t.mu.Unlock()
		return false
	}
	t.settle(p, now)
	p.violations++
	p.score = max(p.score-t.cfg.Penalties[kind], t.cfg.MinScore)
	newlyBanned := false
	if p.score <= t.cfg.BanThreshold && !now.Before(p.bannedUntil) {
		p.bannedUntil = now.Add(t.cfg.BanDuration)
		newlyBanned = true
	}
	banned := now.Before(p.bannedUntil)
	until := p.bannedUntil
	t.mu.Unlock()

	if newlyBanned && t.onBan != nil {
		t.onBan(peer, until)
	}
	return banned
}

// Reward credits a peer for useful participation.
func (t *Tracker) Reward(peer protocol.PeerID) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[peer]; ok {
		t.settle(p, now)
		p.score = min(p.score+t.cfg.Reward, t.cfg.MaxScore)
	}
}

func (t *Tracker) IsBanned(peer protocol.PeerID) bool {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[peer]
	return ok && now.Before(p.bannedUntil)
}

// IsTrusted reports whether peer is a member that is neither banned nor
// below the trust threshold.
func (t *Tracker) IsTrusted(peer protocol.PeerID) bool {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[peer]
	return ok && t.trusted(p, now)
}

func (t *Tracker) trusted(p *peerState, now time.Time) bool {
	return !now.Before(p.bannedUntil) && t.decayed(p, now) >= t.cfg.TrustThreshold
}

// Weight is the voting weight of peer: its stake when it is a trusted voter,
// zero otherwise.
func (t *Tracker) Weight(peer protocol.PeerID) uint64 {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[peer]
	if !ok || !p.member.Role.CanVote() || !t.trusted(p, now) {
		return 0
	}
	return p.member.Stake
}

// TotalWeight sums the weight of every trusted voter.
func (t *Tracker) TotalWeight() uint64 {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total uint64
	for _, p := range t.peers {
		if p.member.Role.CanVote() && t.trusted(p, now) {
			total += p.member.Stake
		}
	}
	return total
}

// Role returns the roster role of peer, or false for strangers.
func (t *Tracker) Role(peer protocol.PeerID) (protocol.Role, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[peer]
	if !ok {
		return "", false
	}
	return p.member.Role, true
}

// Allow applies the per-peer frame rate limit. Strangers share one limiter.
func (t *Tracker) Allow(peer protocol.PeerID) bool {
	now := t.now()
	t.mu.RLock()
	p, ok := t.peers[peer]
	t.mu.RUnlock()
	if !ok {
		return t.strange.AllowN(now, 1)
	}
	return p.limiter.AllowN(now, 1)
}

// Score returns the current score of peer with decay applied.
func (t *Tracker) Score(peer protocol.PeerID) (int64, bool) {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[peer]
	if !ok {
		return 0, false
	}
	return t.decayed(p, now), true
}

// Proposers lists the members allowed to propose, sorted by id.
func (t *Tracker) Proposers() []protocol.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []protocol.PeerID
	for id, p := range t.peers {
		if p.member.Role.CanPropose() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Snapshot returns the status of every member, sorted by id.
func (t *Tracker) Snapshot() []Status {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, Status{
			Member:      p.member,
			Score:       t.decayed(p, now),
			Trusted:     t.trusted(p, now),
			Banned:      now.Before(p.bannedUntil),
			BannedUntil: p.bannedUntil,
			Violations:  p.violations,
		})
	}
	slices.SortFunc(out, func(a, b Status) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
