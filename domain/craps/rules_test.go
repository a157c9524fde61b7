package craps

import (
	"errors"
	"testing"
)

func pointTable(point uint8, wagers ...Wager) Table {
	return Table{Phase: PhasePoint, Point: point, Wagers: wagers}
}

func TestCheckBet(t *testing.T) {
	comeOut := NewTable()
	onPoint := pointTable(6, Wager{Player: "alice", Type: BetPass, Amount: 10})
	tests := []struct {
		name  string
		table Table
		wager Wager
		want  error
	}{
		{"pass on come-out", comeOut, Wager{Player: "alice", Type: BetPass, Amount: 50}, nil},
		{"unknown type", comeOut, Wager{Player: "alice", Type: "banker", Amount: 50}, ErrUnknownBet},
		{"zero amount", comeOut, Wager{Player: "alice", Type: BetField, Amount: 0}, ErrZeroAmount},
		{"over limit", comeOut, Wager{Player: "alice", Type: BetField, Amount: 501}, ErrOverLimit},
		{"insufficient", comeOut, Wager{Player: "alice", Type: BetField, Amount: 200}, ErrInsufficientFunds},
		{"pass on point", onPoint, Wager{Player: "bob", Type: BetPass, Amount: 10}, ErrWrongPhase},
		{"odds on come-out", comeOut, Wager{Player: "alice", Type: BetPassOdds, Amount: 10}, ErrWrongPhase},
		{"odds without line", onPoint, Wager{Player: "bob", Type: BetPassOdds, Amount: 10}, ErrNoLineBet},
		{"odds with line", onPoint, Wager{Player: "alice", Type: BetPassOdds, Amount: 10}, nil},
		{"dont odds with pass line", onPoint, Wager{Player: "alice", Type: BetDontPassOdds, Amount: 10}, ErrNoLineBet},
		{"hardway any phase", onPoint, Wager{Player: "bob", Type: BetHard8, Amount: 10}, nil},
		{"come on point", onPoint, Wager{Player: "bob", Type: BetCome, Amount: 10}, nil},
		{"come on come-out", comeOut, Wager{Player: "bob", Type: BetCome, Amount: 10}, ErrWrongPhase},
		{"dont come on come-out", comeOut, Wager{Player: "bob", Type: BetDontCome, Amount: 10}, ErrWrongPhase},
		{"come with preset point", onPoint, Wager{Player: "bob", Type: BetCome, Amount: 10, Point: 4}, ErrPresetPoint},
		{"next any phase", comeOut, Wager{Player: "bob", Type: Next(11), Amount: 10}, nil},
		{"yes any phase", onPoint, Wager{Player: "bob", Type: Yes(4), Amount: 10}, nil},
		{"no seven", comeOut, Wager{Player: "bob", Type: "no7", Amount: 10}, ErrUnknownBet},
		{"next thirteen", comeOut, Wager{Player: "bob", Type: "next13", Amount: 10}, ErrUnknownBet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckBet(tt.table, tt.wager, 100, 500)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestResolve_Payouts(t *testing.T) {
	tests := []struct {
		name    string
		table   Table
		wager   BetType
		roll    Roll
		outcome Outcome
		ret     uint64
	}{
		{"pass natural", NewTable(), BetPass, Roll{3, 4}, OutcomeWin, 100},
		{"pass yo", NewTable(), BetPass, Roll{5, 6}, OutcomeWin, 100},
		{"pass craps", NewTable(), BetPass, Roll{1, 1}, OutcomeLose, 0},
		{"pass sets point", NewTable(), BetPass, Roll{2, 2}, OutcomeStay, 0},
		{"pass point made", pointTable(8), BetPass, Roll{5, 3}, OutcomeWin, 100},
		{"pass seven out", pointTable(8), BetPass, Roll{5, 2}, OutcomeLose, 0},
		{"dont pass bar twelve", NewTable(), BetDontPass, Roll{6, 6}, OutcomePush, 50},
		{"dont pass craps", NewTable(), BetDontPass, Roll{1, 2}, OutcomeWin, 100},
		{"dont pass seven out", pointTable(5), BetDontPass, Roll{3, 4}, OutcomeWin, 100},
		{"field twelve", NewTable(), BetField, Roll{6, 6}, OutcomeWin, 150},
		{"field nine", NewTable(), BetField, Roll{4, 5}, OutcomeWin, 100},
		{"field seven", NewTable(), BetField, Roll{4, 3}, OutcomeLose, 0},
		{"any seven", NewTable(), BetAnySeven, Roll{1, 6}, OutcomeWin, 250},
		{"any craps", NewTable(), BetAnyCraps, Roll{1, 2}, OutcomeWin, 400},
		{"hard eight", NewTable(), BetHard8, Roll{4, 4}, OutcomeWin, 500},
		{"hard four", NewTable(), BetHard4, Roll{2, 2}, OutcomeWin, 400},
		{"easy eight", NewTable(), BetHard8, Roll{5, 3}, OutcomeLose, 0},
		{"hard eight stays", NewTable(), BetHard8, Roll{5, 4}, OutcomeStay, 0},
		{"pass odds on four", pointTable(4), BetPassOdds, Roll{1, 3}, OutcomeWin, 150},
		{"pass odds on six", pointTable(6), BetPassOdds, Roll{1, 5}, OutcomeWin, 110},
		{"dont odds on five", pointTable(5), BetDontPassOdds, Roll{1, 6}, OutcomeWin, 83},
		{"come natural", pointTable(6), BetCome, Roll{3, 4}, OutcomeWin, 100},
		{"come yo", pointTable(6), BetCome, Roll{5, 6}, OutcomeWin, 100},
		{"come craps", pointTable(6), BetCome, Roll{6, 6}, OutcomeLose, 0},
		{"come travels", pointTable(6), BetCome, Roll{2, 3}, OutcomeStay, 0},
		{"dont come bar twelve", pointTable(6), BetDontCome, Roll{6, 6}, OutcomePush, 50},
		{"dont come craps", pointTable(6), BetDontCome, Roll{1, 1}, OutcomeWin, 100},
		{"dont come yo", pointTable(6), BetDontCome, Roll{5, 6}, OutcomeLose, 0},
		{"next seven", NewTable(), Next(7), Roll{3, 4}, OutcomeWin, 295},
		{"next two", NewTable(), Next(2), Roll{1, 1}, OutcomeWin, 1765},
		{"next eleven", pointTable(4), Next(11), Roll{5, 6}, OutcomeWin, 883},
		{"next six on eight", NewTable(), Next(6), Roll{4, 4}, OutcomeLose, 0},
		{"yes four", pointTable(9), Yes(4), Roll{1, 3}, OutcomeWin, 148},
		{"yes twelve", NewTable(), Yes(12), Roll{6, 6}, OutcomeWin, 344},
		{"yes four seven", NewTable(), Yes(4), Roll{1, 6}, OutcomeLose, 0},
		{"yes four stays", NewTable(), Yes(4), Roll{2, 3}, OutcomeStay, 0},
		{"no ten seven", NewTable(), No(10), Roll{2, 5}, OutcomeWin, 74},
		{"no six seven", pointTable(5), No(6), Roll{3, 4}, OutcomeWin, 91},
		{"no ten ten", NewTable(), No(10), Roll{5, 5}, OutcomeLose, 0},
		{"no ten stays", NewTable(), No(10), Roll{3, 3}, OutcomeStay, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := tt.table
			table.Wagers = []Wager{{Player: "x", Type: tt.wager, Amount: 50}}
			next, res := Resolve(table, tt.roll)
			if tt.outcome == OutcomeStay {
				if len(res) != 0 || len(next.Wagers) != 1 {
					t.Fatalf("expected wager to stay, got %d resolutions", len(res))
				}
				return
			}
			if len(res) != 1 {
				t.Fatalf("expected 1 resolution, got %d", len(res))
			}
			if res[0].Outcome != tt.outcome || res[0].Returned != tt.ret {
				t.Fatalf("expected %s/%d, got %s/%d", tt.outcome, tt.ret, res[0].Outcome, res[0].Returned)
			}
			if len(next.Wagers) != 0 {
				t.Fatalf("expected resolved wager removed, got %v", next.Wagers)
			}
		})
	}
}

func TestResolve_PhaseTransitions(t *testing.T) {
	next, _ := Resolve(NewTable(), Roll{4, 5})
	if next.Phase != PhasePoint || next.Point != 9 {
		t.Fatalf("expected point 9, got %s/%d", next.Phase, next.Point)
	}
	next, _ = Resolve(next, Roll{2, 3})
	if next.Phase != PhasePoint || next.Point != 9 {
		t.Fatalf("expected point to hold, got %s/%d", next.Phase, next.Point)
	}
	next, _ = Resolve(next, Roll{6, 3})
	if next.Phase != PhaseComeOut || next.Point != 0 {
		t.Fatalf("expected come-out after point made, got %s/%d", next.Phase, next.Point)
	}
	next, _ = Resolve(NewTable(), Roll{3, 4})
	if next.Phase != PhaseComeOut {
		t.Fatalf("expected natural to keep come-out, got %s", next.Phase)
	}
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	table := Table{Phase: PhaseComeOut, Wagers: []Wager{{Player: "x", Type: BetField, Amount: 10}}}
	Resolve(table, Roll{1, 1})
	if len(table.Wagers) != 1 || table.Wagers[0].Amount != 10 {
		t.Fatalf("expected input table untouched, got %v", table.Wagers)
	}
}

func TestResolve_ComePoints(t *testing.T) {
	tests := []struct {
		name    string
		wager   Wager
		roll    Roll
		outcome Outcome
		ret     uint64
	}{
		{"come point made", Wager{Player: "x", Type: BetCome, Amount: 50, Point: 5}, Roll{1, 4}, OutcomeWin, 100},
		{"come seven out", Wager{Player: "x", Type: BetCome, Amount: 50, Point: 5}, Roll{1, 6}, OutcomeLose, 0},
		{"come point waits", Wager{Player: "x", Type: BetCome, Amount: 50, Point: 5}, Roll{6, 5}, OutcomeStay, 0},
		{"dont come seven", Wager{Player: "x", Type: BetDontCome, Amount: 50, Point: 10}, Roll{2, 5}, OutcomeWin, 100},
		{"dont come point made", Wager{Player: "x", Type: BetDontCome, Amount: 50, Point: 10}, Roll{4, 6}, OutcomeLose, 0},
		{"dont come ignores table point", Wager{Player: "x", Type: BetDontCome, Amount: 50, Point: 10}, Roll{4, 4}, OutcomeStay, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, res := Resolve(pointTable(8, tt.wager), tt.roll)
			if tt.outcome == OutcomeStay {
				if len(res) != 0 || len(next.Wagers) != 1 || next.Wagers[0] != tt.wager {
					t.Fatalf("expected %v to stay, got %v", tt.wager, next.Wagers)
				}
				return
			}
			if len(res) != 1 {
				t.Fatalf("expected 1 resolution, got %d", len(res))
			}
			if res[0].Outcome != tt.outcome || res[0].Returned != tt.ret {
				t.Fatalf("expected %s/%d, got %s/%d", tt.outcome, tt.ret, res[0].Outcome, res[0].Returned)
			}
		})
	}
}

func TestResolve_ComeBetTravels(t *testing.T) {
	table := pointTable(9, Wager{Player: "x", Type: BetCome, Amount: 20}, Wager{Player: "y", Type: BetDontCome, Amount: 30})
	next, res := Resolve(table, Roll{2, 4})
	if len(res) != 0 {
		t.Fatalf("expected no resolutions, got %v", res)
	}
	if next.Phase != PhasePoint || next.Point != 9 {
		t.Fatalf("expected table point 9 to hold, got %s/%d", next.Phase, next.Point)
	}
	for _, w := range next.Wagers {
		if w.Point != 6 {
			t.Fatalf("expected %s to travel to 6, got %d", w.Type, w.Point)
		}
	}
	if table.Wagers[0].Point != 0 {
		t.Fatalf("expected input wager untouched, got point %d", table.Wagers[0].Point)
	}

	next, res = Resolve(next, Roll{3, 3})
	if len(res) != 2 {
		t.Fatalf("expected both come wagers to settle, got %d", len(res))
	}
	for _, r := range res {
		want := map[BetType]Outcome{BetCome: OutcomeWin, BetDontCome: OutcomeLose}[r.Wager.Type]
		if r.Outcome != want {
			t.Fatalf("expected %s to %s, got %s", r.Wager.Type, want, r.Outcome)
		}
	}
	if next.Phase != PhasePoint || next.Point != 9 || len(next.Wagers) != 0 {
		t.Fatalf("expected an empty table on point 9, got %+v", next)
	}
}

func TestBetTypesNumbered(t *testing.T) {
	tests := []struct {
		bet   BetType
		valid bool
	}{
		{Next(2), true},
		{Next(7), true},
		{Next(12), true},
		{Yes(6), true},
		{No(11), true},
		{Yes(7), false},
		{No(7), false},
		{Next(1), false},
		{"next07", false},
		{"yes", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.bet), func(t *testing.T) {
			if tt.bet.Valid() != tt.valid {
				t.Fatalf("expected valid=%v for %q", tt.valid, tt.bet)
			}
		})
	}
	if len(BetTypes) != 44 {
		t.Fatalf("expected 44 bet types, got %d", len(BetTypes))
	}
}
