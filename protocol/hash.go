package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Hash is a sha256 digest.
type Hash [32]byte

// ZeroHash is the parent of the first record of every chain.
var ZeroHash Hash

// HashBytes hashes the concatenation of parts.
func HashBytes(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first eight hex characters, for logs.
func (h Hash) Short() string { return h.String()[:8] }

func (h Hash) IsZero() bool { return h == ZeroHash }

// Compare orders hashes lexicographically by their bytes.
func (h Hash) Compare(o Hash) int { return bytes.Compare(h[:], o[:]) }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex encoded hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(h) {
		return h, fmt.Errorf("%w: hash %q", ErrMalformed, s)
	}
	copy(h[:], raw)
	return h, nil
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
