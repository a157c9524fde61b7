package craps

import (
	"encoding/binary"
	"fmt"
)

// Roll is one throw of two dice.
type Roll struct {
	Die1 uint8 `json:"die1"`
	Die2 uint8 `json:"die2"`
}

func (r Roll) Total() uint8 { return r.Die1 + r.Die2 }

// Hard reports a pair, e.g. 3+3 for a hard six.
func (r Roll) Hard() bool { return r.Die1 == r.Die2 }

func (r Roll) String() string { return fmt.Sprintf("(%d,%d)", r.Die1, r.Die2) }

// RollFromSeed derives the dice of a round from its randomness: each die is
// one big-endian 64-bit word of the seed reduced modulo six.
func RollFromSeed(seed []byte) (Roll, error) {
	if len(seed) < 16 {
		return Roll{}, fmt.Errorf("seed too short: %d bytes", len(seed))
	}
	d1 := binary.BigEndian.Uint64(seed[0:8]) % 6
	d2 := binary.BigEndian.Uint64(seed[8:16]) % 6
	return Roll{Die1: uint8(d1) + 1, Die2: uint8(d2) + 1}, nil
}
