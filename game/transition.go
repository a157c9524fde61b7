package game

import (
	"errors"
	"fmt"

	"github.com/luca-patrignani/mental-craps/domain/craps"
	"github.com/luca-patrignani/mental-craps/protocol"
	"github.com/luca-patrignani/mental-craps/settlement"
)

var (
	ErrNotNext           = errors.New("record does not extend the current state")
	ErrEmptyTransition   = errors.New("proposal changes nothing")
	ErrTooManyBets       = errors.New("too many bets in one proposal")
	ErrStaleNonce        = errors.New("bet nonce already used")
	ErrMissingRandomness = errors.New("roll without randomness")
)

type Rules struct {
	MaxBet uint64
	// MaxBets caps the bets carried by one proposal.
	MaxBets int
}

func DefaultRules() Rules {
	return Rules{MaxBet: 10000, MaxBets: 64}
}

// Next applies rec on top of s. Bets are placed in order, then the dice are
// rolled if the transition asks for it. A bet that fails the placement
// checks is voided without effect, so the transition is total. The returned
// instruction is nil when nothing was resolved.
func Next(s State, rec *protocol.FinalizedRecord, rules Rules) (State, *settlement.Instruction, error) {
	if rec.PrevHash != s.Head || rec.Height != s.Height+1 {
		return s, nil, fmt.Errorf("%w: record %s at height %d on state %s at height %d",
			ErrNotNext, rec.Hash.Short(), rec.Height, s.Head.Short(), s.Height)
	}
	t := rec.Proposal.Transition
	if t.Roll && len(rec.Randomness) == 0 {
		return s, nil, ErrMissingRandomness
	}

	next := s.Clone()
	for i := range t.Bets {
		if err := place(&next, &t.Bets[i], rules); err != nil {
			next.Voided++
		}
	}

	var instr *settlement.Instruction
	if t.Roll {
		roll, err := craps.RollFromSeed(rec.Randomness)
		if err != nil {
			return s, nil, err
		}
		table, resolved := craps.Resolve(next.Table, roll)
		next.Table = table
		next.LastRoll = &roll
		if len(resolved) > 0 {
			instr = &settlement.Instruction{Round: rec.Round, Record: rec.Hash}
			for _, r := range resolved {
				player := protocol.PeerID(r.Wager.Player)
				next.Balances[player] += r.Returned
				instr.Entries = append(instr.Entries, settlement.Entry{
					Player:   player,
					Bet:      string(r.Wager.Type),
					Outcome:  string(r.Outcome),
					Stake:    r.Wager.Amount,
					Returned: r.Returned,
				})
			}
		}
	}

	next.Height = rec.Height
	next.Head = rec.Hash
	next.Round = rec.Round
	return next, instr, nil
}

// place debits the bet from the player and puts it on the table.
func place(s *State, b *protocol.Bet, rules Rules) error {
	if err := checkBet(s, b, rules); err != nil {
		return err
	}
	w := wagerOf(b)
	s.Balances[b.Player] -= w.Amount
	s.Nonces[b.Player] = b.Nonce
	s.Table = s.Table.Place(w)
	return nil
}

func checkBet(s *State, b *protocol.Bet, rules Rules) error {
	if err := b.Verify(); err != nil {
		return err
	}
	if b.Nonce <= s.Nonces[b.Player] {
		return fmt.Errorf("%w: %d from %s", ErrStaleNonce, b.Nonce, b.Player.Short())
	}
	return craps.CheckBet(s.Table, wagerOf(b), s.Balances[b.Player], rules.MaxBet)
}

func wagerOf(b *protocol.Bet) craps.Wager {
	return craps.Wager{Player: string(b.Player), Type: craps.BetType(b.Type), Amount: b.Amount}
}

// Validate checks that every bet of p can be placed, in order, on s.
func Validate(s State, p *protocol.Proposal, rules Rules) error {
	if p.Parent != s.Head {
		return fmt.Errorf("%w: proposal builds on %s, head is %s", protocol.ErrUnknownParent, p.Parent.Short(), s.Head.Short())
	}
	t := p.Transition
	if t.Empty() {
		return ErrEmptyTransition
	}
	if rules.MaxBets > 0 && len(t.Bets) > rules.MaxBets {
		return fmt.Errorf("%w: %d > %d", ErrTooManyBets, len(t.Bets), rules.MaxBets)
	}
	sim := s.Clone()
	for i := range t.Bets {
		if err := place(&sim, &t.Bets[i], rules); err != nil {
			return fmt.Errorf("bet %d: %w", i, err)
		}
	}
	return nil
}

// Admissible returns the bets that can be placed on s in the given order,
// skipping every bet that would be voided. At most rules.MaxBets are kept.
func Admissible(s State, bets []protocol.Bet, rules Rules) []protocol.Bet {
	sim := s.Clone()
	var out []protocol.Bet
	for i := range bets {
		if rules.MaxBets > 0 && len(out) == rules.MaxBets {
			break
		}
		if err := place(&sim, &bets[i], rules); err != nil {
			continue
		}
		out = append(out, bets[i])
	}
	return out
}
