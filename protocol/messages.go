package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
)

// VoteValue is the endorsement carried by a vote.
type VoteValue string

const (
	Accept VoteValue = "ACCEPT"
	Reject VoteValue = "REJECT"
)

// Bet is a wager authored and signed by the player who places it. Nonce must
// grow for every bet of the same player so a bet cannot be replayed.
type Bet struct {
	Player    PeerID `json:"player"`
	Type      string `json:"type"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Signature []byte `json:"sig,omitempty"`
}

func (b *Bet) signingBytes() ([]byte, error) {
	c := *b
	c.Signature = nil
	return signingBytes("bet", c)
}

// Sign stamps the bet with the player's signature.
func (b *Bet) Sign(id *Identity) error {
	b.Player = id.ID()
	msg, err := b.signingBytes()
	if err != nil {
		return err
	}
	b.Signature = id.Sign(msg)
	return nil
}

func (b *Bet) Verify() error {
	msg, err := b.signingBytes()
	if err != nil {
		return err
	}
	return Verify(b.Player, msg, b.Signature)
}

func (b *Bet) Author() PeerID { return b.Player }

// ID identifies the bet independently of its signature.
func (b *Bet) ID() Hash {
	msg, err := b.signingBytes()
	if err != nil {
		return ZeroHash
	}
	return HashBytes(msg)
}

// Transition is the game state change a proposal asks the table to accept:
// a batch of new bets and, optionally, a dice roll resolved with the
// randomness derived for the round.
type Transition struct {
	Bets []Bet `json:"bets,omitempty"`
	Roll bool  `json:"roll,omitempty"`
}

// Empty reports whether the transition changes nothing.
func (t Transition) Empty() bool { return len(t.Bets) == 0 && !t.Roll }

// Proposal is a candidate transition for one round, built on top of Parent.
// A proposal that rolls the dice pins the commitment set the round seed will
// be derived from; reveals outside that set are never counted.
type Proposal struct {
	Round       Round        `json:"round"`
	Proposer    PeerID       `json:"proposer"`
	Parent      Hash         `json:"parent"`
	Transition  Transition   `json:"transition"`
	Commitments []Commitment `json:"commitments,omitempty"`
	Signature   []byte       `json:"sig,omitempty"`
}

func (p *Proposal) signingBytes() ([]byte, error) {
	c := *p
	c.Signature = nil
	return signingBytes("proposal", c)
}

func (p *Proposal) Sign(id *Identity) error {
	p.Proposer = id.ID()
	msg, err := p.signingBytes()
	if err != nil {
		return err
	}
	p.Signature = id.Sign(msg)
	return nil
}

func (p *Proposal) Verify() error {
	msg, err := p.signingBytes()
	if err != nil {
		return err
	}
	return Verify(p.Proposer, msg, p.Signature)
}

// ID is the content address of the proposal, independent of its signature.
func (p *Proposal) ID() Hash {
	msg, err := p.signingBytes()
	if err != nil {
		return ZeroHash
	}
	return HashBytes(msg)
}

func (p *Proposal) Author() PeerID { return p.Proposer }

// Vote is a voter's single endorsement for a proposal in a round. An accept
// vote on a proposal that rolls the dice also endorses the seed the voter
// derived, through Seed.
type Vote struct {
	Round     Round     `json:"round"`
	Voter     PeerID    `json:"voter"`
	Proposal  Hash      `json:"proposal"`
	Value     VoteValue `json:"value"`
	Seed      Hash      `json:"seed"`
	Reason    string    `json:"reason,omitempty"`
	Signature []byte    `json:"sig,omitempty"`
}

// SeedDigest is the value an accept vote carries in Seed for the given
// randomness; it is zero when there is none.
func SeedDigest(seed []byte) Hash {
	if len(seed) == 0 {
		return ZeroHash
	}
	return HashBytes([]byte("seed:"), seed)
}

func (v *Vote) signingBytes() ([]byte, error) {
	c := *v
	c.Signature = nil
	return signingBytes("vote", c)
}

func (v *Vote) Sign(id *Identity) error {
	v.Voter = id.ID()
	msg, err := v.signingBytes()
	if err != nil {
		return err
	}
	v.Signature = id.Sign(msg)
	return nil
}

func (v *Vote) Verify() error {
	if v.Value != Accept && v.Value != Reject {
		return fmt.Errorf("%w: vote value %q", ErrMalformed, v.Value)
	}
	msg, err := v.signingBytes()
	if err != nil {
		return err
	}
	return Verify(v.Voter, msg, v.Signature)
}

func (v *Vote) Author() PeerID { return v.Voter }

// SameAs reports whether two votes carry the same decision.
func (v *Vote) SameAs(o *Vote) bool {
	return v.Round == o.Round && v.Voter == o.Voter && v.Proposal == o.Proposal &&
		v.Value == o.Value && v.Seed == o.Seed
}

// Commitment fixes a peer's randomness contribution for a round before any
// contribution is revealed.
type Commitment struct {
	Round     Round  `json:"round"`
	Peer      PeerID `json:"peer"`
	Digest    Hash   `json:"digest"`
	Signature []byte `json:"sig,omitempty"`
}

// CommitmentDigest binds a preimage to the round and the contributing peer.
func CommitmentDigest(round Round, peer PeerID, preimage []byte) Hash {
	return HashBytes([]byte("commit:"), u64(uint64(round)), []byte(peer), preimage)
}

func (c *Commitment) signingBytes() ([]byte, error) {
	cp := *c
	cp.Signature = nil
	return signingBytes("commitment", cp)
}

func (c *Commitment) Sign(id *Identity) error {
	c.Peer = id.ID()
	msg, err := c.signingBytes()
	if err != nil {
		return err
	}
	c.Signature = id.Sign(msg)
	return nil
}

func (c *Commitment) Verify() error {
	msg, err := c.signingBytes()
	if err != nil {
		return err
	}
	return Verify(c.Peer, msg, c.Signature)
}

func (c *Commitment) Author() PeerID { return c.Peer }

// Reveal discloses the preimage behind a commitment.
type Reveal struct {
	Round     Round  `json:"round"`
	Peer      PeerID `json:"peer"`
	Preimage  []byte `json:"preimage"`
	Signature []byte `json:"sig,omitempty"`
}

func (r *Reveal) signingBytes() ([]byte, error) {
	c := *r
	c.Signature = nil
	return signingBytes("reveal", c)
}

func (r *Reveal) Sign(id *Identity) error {
	r.Peer = id.ID()
	msg, err := r.signingBytes()
	if err != nil {
		return err
	}
	r.Signature = id.Sign(msg)
	return nil
}

func (r *Reveal) Verify() error {
	msg, err := r.signingBytes()
	if err != nil {
		return err
	}
	return Verify(r.Peer, msg, r.Signature)
}

func (r *Reveal) Author() PeerID { return r.Peer }

// Matches reports whether the reveal opens digest.
func (r *Reveal) Matches(digest Hash) bool {
	return CommitmentDigest(r.Round, r.Peer, r.Preimage) == digest
}

// FinalizedRecord is the quorum-certified outcome of a round. Records link to
// their predecessor through PrevHash and are never modified once sealed.
type FinalizedRecord struct {
	Height     uint64   `json:"height"`
	Round      Round    `json:"round"`
	PrevHash   Hash     `json:"prev"`
	Proposal   Proposal `json:"proposal"`
	Randomness []byte   `json:"randomness,omitempty"`
	Reveals    []Reveal `json:"reveals,omitempty"`
	Votes      []Vote   `json:"votes"`
	Hash       Hash     `json:"hash"`
}

// ComputeHash hashes the canonical encoding of the record with Hash and the
// certificate cleared. Peers that aggregate different quorums for the same
// proposal and seed therefore produce the same record hash.
func (r *FinalizedRecord) ComputeHash() (Hash, error) {
	c := *r
	c.Hash = ZeroHash
	c.Votes = nil
	msg, err := signingBytes("record", c)
	if err != nil {
		return ZeroHash, err
	}
	return HashBytes(msg), nil
}

// Seal sorts the certificate into canonical order and sets Hash.
func (r *FinalizedRecord) Seal() error {
	slices.SortFunc(r.Votes, func(a, b Vote) int { return compareIDs(a.Voter, b.Voter) })
	slices.SortFunc(r.Reveals, func(a, b Reveal) int { return compareIDs(a.Peer, b.Peer) })
	h, err := r.ComputeHash()
	if err != nil {
		return err
	}
	r.Hash = h
	return nil
}

// QuorumDigest is the aggregate hash of the quorum signature set: the sorted
// vote signatures hashed together. It is the tie-break key between competing
// records of the same round.
func (r *FinalizedRecord) QuorumDigest() Hash {
	sigs := make([][]byte, 0, len(r.Votes))
	for _, v := range r.Votes {
		sigs = append(sigs, v.Signature)
	}
	slices.SortFunc(sigs, bytes.Compare)
	return HashBytes(sigs...)
}

// VerifyIntegrity checks the record hash and every signature it carries:
// the proposal, each certificate vote and each reveal. Quorum weight is
// checked by the consensus layer, which knows the peer weights.
func (r *FinalizedRecord) VerifyIntegrity() error {
	h, err := r.ComputeHash()
	if err != nil {
		return err
	}
	if h != r.Hash {
		return fmt.Errorf("%w: record hash mismatch at height %d", ErrMalformed, r.Height)
	}
	if r.Proposal.Round != r.Round {
		return fmt.Errorf("%w: proposal round %d in record of round %d", ErrMalformed, r.Proposal.Round, r.Round)
	}
	if r.Proposal.Parent != r.PrevHash {
		return fmt.Errorf("%w: proposal parent does not match record parent", ErrMalformed)
	}
	if err := r.Proposal.Verify(); err != nil {
		return fmt.Errorf("proposal: %w", err)
	}
	pid := r.Proposal.ID()
	seed := SeedDigest(r.Randomness)
	seen := make(map[PeerID]struct{}, len(r.Votes))
	for i := range r.Votes {
		v := &r.Votes[i]
		if v.Round != r.Round || v.Proposal != pid || v.Value != Accept || v.Seed != seed {
			return fmt.Errorf("%w: vote from %s does not endorse the proposal", ErrMalformed, v.Voter.Short())
		}
		if _, dup := seen[v.Voter]; dup {
			return fmt.Errorf("%w: duplicate vote from %s", ErrMalformed, v.Voter.Short())
		}
		seen[v.Voter] = struct{}{}
		if err := v.Verify(); err != nil {
			return fmt.Errorf("vote from %s: %w", v.Voter.Short(), err)
		}
	}
	digests := make(map[PeerID]Hash, len(r.Proposal.Commitments))
	for _, c := range r.Proposal.Commitments {
		digests[c.Peer] = c.Digest
	}
	for i := range r.Reveals {
		rv := &r.Reveals[i]
		if rv.Round != r.Round {
			return fmt.Errorf("%w: reveal for round %d", ErrMalformed, rv.Round)
		}
		d, ok := digests[rv.Peer]
		if !ok || !rv.Matches(d) {
			return fmt.Errorf("%w: reveal from %s does not open a pinned commitment", ErrMalformed, rv.Peer.Short())
		}
		if err := rv.Verify(); err != nil {
			return fmt.Errorf("reveal from %s: %w", rv.Peer.Short(), err)
		}
	}
	if r.Proposal.Transition.Roll != (len(r.Randomness) > 0) {
		return errors.New("record randomness does not match the roll request")
	}
	return nil
}

// SyncRequest asks peers to re-gossip the records that follow Head.
type SyncRequest struct {
	Peer   PeerID `json:"peer"`
	Head   Hash   `json:"head"`
	Height uint64 `json:"height"`
	// Nonce keeps repeated requests for the same head distinct on the wire.
	Nonce     uint64 `json:"nonce"`
	Signature []byte `json:"sig,omitempty"`
}

func (s *SyncRequest) signingBytes() ([]byte, error) {
	c := *s
	c.Signature = nil
	return signingBytes("sync", c)
}

func (s *SyncRequest) Sign(id *Identity) error {
	s.Peer = id.ID()
	msg, err := s.signingBytes()
	if err != nil {
		return err
	}
	s.Signature = id.Sign(msg)
	return nil
}

func (s *SyncRequest) Verify() error {
	msg, err := s.signingBytes()
	if err != nil {
		return err
	}
	return Verify(s.Peer, msg, s.Signature)
}

func (s *SyncRequest) Author() PeerID { return s.Peer }

func compareIDs(a, b PeerID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
