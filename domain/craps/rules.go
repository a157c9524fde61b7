package craps

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownBet        = errors.New("unknown bet type")
	ErrZeroAmount        = errors.New("bet amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOverLimit         = errors.New("bet exceeds table limit")
	ErrWrongPhase        = errors.New("bet not allowed in this phase")
	ErrNoLineBet         = errors.New("odds require a matching line bet")
	ErrPresetPoint       = errors.New("a new wager cannot carry a come point")
)

// CheckBet verifies that a wager may be placed on the table by a player
// holding balance. maxBet of zero means no table limit.
func CheckBet(t Table, w Wager, balance, maxBet uint64) error {
	if !w.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownBet, w.Type)
	}
	if w.Amount == 0 {
		return ErrZeroAmount
	}
	if maxBet > 0 && w.Amount > maxBet {
		return fmt.Errorf("%w: %d > %d", ErrOverLimit, w.Amount, maxBet)
	}
	if w.Point != 0 {
		return ErrPresetPoint
	}
	if balance < w.Amount {
		return fmt.Errorf("%w: balance %d, bet %d", ErrInsufficientFunds, balance, w.Amount)
	}
	switch w.Type {
	case BetPass, BetDontPass:
		if t.Phase != PhaseComeOut {
			return fmt.Errorf("%w: %s during %s", ErrWrongPhase, w.Type, t.Phase)
		}
	case BetCome, BetDontCome:
		if t.Phase != PhasePoint {
			return fmt.Errorf("%w: %s during %s", ErrWrongPhase, w.Type, t.Phase)
		}
	case BetPassOdds, BetDontPassOdds:
		if t.Phase != PhasePoint {
			return fmt.Errorf("%w: %s during %s", ErrWrongPhase, w.Type, t.Phase)
		}
		line := BetPass
		if w.Type == BetDontPassOdds {
			line = BetDontPass
		}
		if !t.holds(w.Player, line) {
			return ErrNoLineBet
		}
	}
	return nil
}

func (t Table) holds(player string, bt BetType) bool {
	for _, w := range t.Wagers {
		if w.Player == player && w.Type == bt {
			return true
		}
	}
	return false
}

// Place returns a copy of the table with w added.
func (t Table) Place(w Wager) Table {
	next := t
	next.Wagers = append(append([]Wager(nil), t.Wagers...), w)
	return next
}

// Resolve settles every wager against roll and advances the phase. Wagers
// that neither win, lose nor push stay on the returned table; a come wager
// rolled onto a point number stays with that number as its come point.
func Resolve(t Table, roll Roll) (Table, []Resolution) {
	next := Table{Phase: t.Phase, Point: t.Point}
	var out []Resolution
	for _, w := range t.Wagers {
		outcome, returned := resolveWager(w, t, roll)
		if outcome == OutcomeStay {
			next.Wagers = append(next.Wagers, travel(w, roll))
			continue
		}
		out = append(out, Resolution{Wager: w, Outcome: outcome, Returned: returned})
	}
	total := roll.Total()
	switch t.Phase {
	case PhaseComeOut:
		if isPoint(total) {
			next.Phase, next.Point = PhasePoint, total
		}
	case PhasePoint:
		if total == t.Point || total == 7 {
			next.Phase, next.Point = PhaseComeOut, 0
		}
	}
	return next, out
}

func isPoint(total uint8) bool {
	switch total {
	case 4, 5, 6, 8, 9, 10:
		return true
	}
	return false
}

func travel(w Wager, roll Roll) Wager {
	if (w.Type == BetCome || w.Type == BetDontCome) && w.Point == 0 && isPoint(roll.Total()) {
		w.Point = roll.Total()
	}
	return w
}

func win(amount, multiple uint64) (Outcome, uint64) { return OutcomeWin, amount * multiple }

func resolveWager(w Wager, t Table, roll Roll) (Outcome, uint64) {
	total := roll.Total()
	comeOut := t.Phase == PhaseComeOut
	switch w.Type {
	case BetPass:
		switch {
		case comeOut && (total == 7 || total == 11):
			return win(w.Amount, 2)
		case comeOut && (total == 2 || total == 3 || total == 12):
			return OutcomeLose, 0
		case !comeOut && total == t.Point:
			return win(w.Amount, 2)
		case !comeOut && total == 7:
			return OutcomeLose, 0
		}
	case BetDontPass:
		switch {
		case comeOut && (total == 2 || total == 3):
			return win(w.Amount, 2)
		case comeOut && total == 12:
			return OutcomePush, w.Amount
		case comeOut && (total == 7 || total == 11):
			return OutcomeLose, 0
		case !comeOut && total == 7:
			return win(w.Amount, 2)
		case !comeOut && total == t.Point:
			return OutcomeLose, 0
		}
	case BetCome:
		switch {
		case w.Point == 0 && (total == 7 || total == 11):
			return win(w.Amount, 2)
		case w.Point == 0 && (total == 2 || total == 3 || total == 12):
			return OutcomeLose, 0
		case w.Point != 0 && total == w.Point:
			return win(w.Amount, 2)
		case w.Point != 0 && total == 7:
			return OutcomeLose, 0
		}
	case BetDontCome:
		switch {
		case w.Point == 0 && (total == 2 || total == 3):
			return win(w.Amount, 2)
		case w.Point == 0 && total == 12:
			return OutcomePush, w.Amount
		case w.Point == 0 && (total == 7 || total == 11):
			return OutcomeLose, 0
		case w.Point != 0 && total == 7:
			return win(w.Amount, 2)
		case w.Point != 0 && total == w.Point:
			return OutcomeLose, 0
		}
	case BetField:
		switch total {
		case 2, 12:
			return win(w.Amount, 3)
		case 3, 4, 9, 10, 11:
			return win(w.Amount, 2)
		}
		return OutcomeLose, 0
	case BetAnySeven:
		if total == 7 {
			return win(w.Amount, 5)
		}
		return OutcomeLose, 0
	case BetAnyCraps:
		if total == 2 || total == 3 || total == 12 {
			return win(w.Amount, 8)
		}
		return OutcomeLose, 0
	case BetHard4, BetHard6, BetHard8, BetHard10:
		target := hardTarget(w.Type)
		switch {
		case total == target && roll.Hard():
			return OutcomeWin, w.Amount + w.Amount*hardMultiple(target)
		case total == target || total == 7:
			return OutcomeLose, 0
		}
	case BetPassOdds:
		switch {
		case comeOut:
		case total == t.Point:
			return OutcomeWin, w.Amount + w.Amount*passOddsMultiplier(t.Point)/100
		case total == 7:
			return OutcomeLose, 0
		}
	case BetDontPassOdds:
		switch {
		case comeOut:
		case total == 7:
			return OutcomeWin, w.Amount + w.Amount*dontPassOddsMultiplier(t.Point)/100
		case total == t.Point:
			return OutcomeLose, 0
		}
	default:
		if prefix, n, ok := w.Type.number(); ok {
			return resolveNumbered(w.Amount, prefix, n, total)
		}
	}
	return OutcomeStay, 0
}

// resolveNumbered settles next, yes and no bets on total n.
func resolveNumbered(amount uint64, prefix string, n, total uint8) (Outcome, uint64) {
	switch prefix {
	case prefixNext:
		if total == n {
			return OutcomeWin, amount + amount*nextMultiplier(n)/100
		}
		return OutcomeLose, 0
	case prefixYes:
		switch total {
		case n:
			return OutcomeWin, amount + amount*yesMultiplier(n)/100
		case 7:
			return OutcomeLose, 0
		}
	case prefixNo:
		switch total {
		case 7:
			return OutcomeWin, amount + amount*noMultiplier(n)/100
		case n:
			return OutcomeLose, 0
		}
	}
	return OutcomeStay, 0
}

func hardTarget(b BetType) uint8 {
	switch b {
	case BetHard4:
		return 4
	case BetHard6:
		return 6
	case BetHard8:
		return 8
	}
	return 10
}

func hardMultiple(target uint8) uint64 {
	if target == 6 || target == 8 {
		return 9
	}
	return 7
}

// passOddsMultiplier is the true-odds payout in hundredths.
func passOddsMultiplier(point uint8) uint64 {
	switch point {
	case 4, 10:
		return 200
	case 5, 9:
		return 150
	case 6, 8:
		return 120
	}
	return 100
}

func dontPassOddsMultiplier(point uint8) uint64 {
	switch point {
	case 4, 10:
		return 50
	case 5, 9:
		return 67
	case 6, 8:
		return 83
	}
	return 100
}

// Payouts of the numbered bets in hundredths, net of the stake.

func nextMultiplier(n uint8) uint64 {
	switch n {
	case 2, 12:
		return 3430
	case 3, 11:
		return 1666
	case 4, 10:
		return 1078
	case 5, 9:
		return 784
	case 6, 8:
		return 608
	}
	return 490
}

func yesMultiplier(n uint8) uint64 {
	switch n {
	case 2, 12:
		return 588
	case 3, 11:
		return 294
	case 4, 10:
		return 196
	case 5, 9:
		return 147
	}
	return 118
}

func noMultiplier(n uint8) uint64 {
	switch n {
	case 2, 12:
		return 16
	case 3, 11:
		return 33
	case 4, 10:
		return 49
	case 5, 9:
		return 65
	}
	return 82
}
