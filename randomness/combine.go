package randomness

import (
	"cmp"
	"encoding/binary"
	"slices"

	"go.dedis.ch/kyber/v4/suites"

	"github.com/luca-patrignani/mental-craps/protocol"
)

var suite suites.Suite = suites.MustFind("Ed25519")

// PreimageSize is the length of a randomness contribution.
const PreimageSize = 32

// NewPreimage draws a fresh contribution from the suite's random stream.
func NewPreimage() []byte {
	buf := make([]byte, PreimageSize)
	suite.RandomStream().XORKeyStream(buf, buf)
	return buf
}

// Combine derives the round seed from a reveal set. Each preimage is mapped
// to a scalar of the Ed25519 group through the suite XOF and the scalars are
// summed, so the result does not depend on the order of reveals. The sum is
// hashed together with the round number into a 32-byte seed.
func Combine(round protocol.Round, reveals []protocol.Reveal) []byte {
	sorted := slices.Clone(reveals)
	slices.SortFunc(sorted, func(a, b protocol.Reveal) int { return cmp.Compare(a.Peer, b.Peer) })
	sum := suite.Scalar().Zero()
	for _, r := range sorted {
		s := suite.Scalar().Pick(suite.XOF(r.Preimage))
		sum = suite.Scalar().Add(sum, s)
	}
	raw, err := sum.MarshalBinary()
	if err != nil {
		// Scalars of the Ed25519 suite always marshal.
		panic(err)
	}
	var r [8]byte
	binary.BigEndian.PutUint64(r[:], uint64(round))
	seed := protocol.HashBytes([]byte("randomness:"), r[:], raw)
	return seed[:]
}
