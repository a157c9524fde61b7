package protocol

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// PeerID identifies a participant: the hex encoding of its ed25519 public key.
type PeerID string

// PublicKey decodes the key the id was derived from.
func (p PeerID) PublicKey() (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(string(p))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: peer id %q", ErrMalformed, p.Short())
	}
	return ed25519.PublicKey(raw), nil
}

// Short returns a printable prefix of the id.
func (p PeerID) Short() string {
	if len(p) > 8 {
		return string(p[:8])
	}
	return string(p)
}

// Round numbers one consensus instance.
type Round uint64

// Role is the capability a peer holds at the table.
type Role string

const (
	RoleProposer Role = "proposer"
	RoleVoter    Role = "voter"
	RoleObserver Role = "observer"
)

// CanPropose reports whether the role may author proposals.
func (r Role) CanPropose() bool { return r == RoleProposer }

// CanVote reports whether the role may vote and contribute randomness.
// Proposers are voters too.
func (r Role) CanVote() bool { return r == RoleProposer || r == RoleVoter }

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleProposer, RoleVoter, RoleObserver:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}
