package consensus

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/luca-patrignani/mental-craps/protocol"
	"github.com/luca-patrignani/mental-craps/randomness"
)

// Quorum reports whether weight is strictly more than num/den of total.
func Quorum(weight, total, num, den uint64) bool {
	return total > 0 && weight*den > total*num
}

// CertificateWeight sums the weight of the voters in the record.
func CertificateWeight(rec *protocol.FinalizedRecord, w Weights) uint64 {
	var weight uint64
	for _, v := range rec.Votes {
		weight += w.Weight(v.Voter)
	}
	return weight
}

// VerifyRecord checks a record's signatures and that its certificate carries
// a quorum of the trusted weight known to the verifier. A record that rolls
// the dice must also pin a quorum commitment set and carry the reveals the
// randomness was combined from.
func VerifyRecord(rec *protocol.FinalizedRecord, w Weights, num, den uint64) error {
	if err := rec.VerifyIntegrity(); err != nil {
		return err
	}
	weight, total := CertificateWeight(rec, w), w.TotalWeight()
	if !Quorum(weight, total, num, den) {
		return fmt.Errorf("%w: %d of %d in round %d", ErrInsufficientQuorum, weight, total, rec.Round)
	}
	if !rec.Proposal.Transition.Roll {
		return nil
	}
	if err := randomness.VerifySet(rec.Round, rec.Proposal.Commitments, w, num, den); err != nil {
		return fmt.Errorf("pinned commitments: %w", err)
	}
	if len(rec.Reveals) == 0 {
		return errors.New("roll without reveals")
	}
	if !bytes.Equal(randomness.Combine(rec.Round, rec.Reveals), rec.Randomness) {
		return fmt.Errorf("%w: randomness does not match the reveals", protocol.ErrMalformed)
	}
	return nil
}
