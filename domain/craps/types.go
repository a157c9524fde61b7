package craps

import (
	"strconv"
	"strings"
)

type BetType string

const (
	BetPass         BetType = "pass"
	BetDontPass     BetType = "dont_pass"
	BetField        BetType = "field"
	BetAnySeven     BetType = "any_seven"
	BetAnyCraps     BetType = "any_craps"
	BetHard4        BetType = "hard4"
	BetHard6        BetType = "hard6"
	BetHard8        BetType = "hard8"
	BetHard10       BetType = "hard10"
	BetPassOdds     BetType = "pass_odds"
	BetDontPassOdds BetType = "dont_pass_odds"
	BetCome         BetType = "come"
	BetDontCome     BetType = "dont_come"
)

// Prefixes of the numbered bets, e.g. "next7" or "yes4".
const (
	prefixNext = "next"
	prefixYes  = "yes"
	prefixNo   = "no"
)

// Next returns the one-roll bet on total n.
func Next(n uint8) BetType { return numbered(prefixNext, n) }

// Yes returns the bet that n rolls before a seven.
func Yes(n uint8) BetType { return numbered(prefixYes, n) }

// No returns the bet that a seven rolls before n.
func No(n uint8) BetType { return numbered(prefixNo, n) }

func numbered(prefix string, n uint8) BetType {
	return BetType(prefix + strconv.Itoa(int(n)))
}

// BetTypes lists every supported bet type.
var BetTypes = betTypes()

func betTypes() []BetType {
	types := []BetType{
		BetPass, BetDontPass, BetCome, BetDontCome, BetField, BetAnySeven, BetAnyCraps,
		BetHard4, BetHard6, BetHard8, BetHard10, BetPassOdds, BetDontPassOdds,
	}
	for n := uint8(2); n <= 12; n++ {
		types = append(types, Next(n))
	}
	for _, prefix := range []string{prefixYes, prefixNo} {
		for n := uint8(2); n <= 12; n++ {
			if n != 7 {
				types = append(types, numbered(prefix, n))
			}
		}
	}
	return types
}

// number splits a numbered bet into its prefix and total.
func (b BetType) number() (string, uint8, bool) {
	for _, prefix := range []string{prefixNext, prefixYes, prefixNo} {
		rest, ok := strings.CutPrefix(string(b), prefix)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(rest, 10, 8)
		if err != nil || strconv.FormatUint(n, 10) != rest {
			return "", 0, false
		}
		return prefix, uint8(n), true
	}
	return "", 0, false
}

func (b BetType) Valid() bool {
	for _, t := range BetTypes {
		if t == b {
			return true
		}
	}
	return false
}

// Phase is the phase of the table.
type Phase string

const (
	PhaseComeOut Phase = "come_out"
	PhasePoint   Phase = "point"
)

// Wager is a stake resting on the table. Point is the come point a come or
// don't come wager travelled to, zero while it waits for its first roll.
type Wager struct {
	Player string  `json:"player"`
	Type   BetType `json:"type"`
	Amount uint64  `json:"amount"`
	Point  uint8   `json:"point,omitempty"`
}

// Table is the shared state of the craps table.
type Table struct {
	Phase  Phase   `json:"phase"`
	Point  uint8   `json:"point,omitempty"`
	Wagers []Wager `json:"wagers,omitempty"`
}

// NewTable returns an empty table waiting for a come-out roll.
func NewTable() Table {
	return Table{Phase: PhaseComeOut}
}

type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLose Outcome = "lose"
	OutcomePush Outcome = "push"
	OutcomeStay Outcome = "stay"
)

// Resolution is the result of one wager after a roll. Returned is the amount
// credited back to the player, stake included.
type Resolution struct {
	Wager    Wager   `json:"wager"`
	Outcome  Outcome `json:"outcome"`
	Returned uint64  `json:"returned"`
}
