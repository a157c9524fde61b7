package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/luca-patrignani/mental-craps/domain/craps"
	"github.com/luca-patrignani/mental-craps/events"
	"github.com/luca-patrignani/mental-craps/game"
	"github.com/luca-patrignani/mental-craps/protocol"
)

func banner() {
	pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("M", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("ental ", pterm.FgDarkGray.ToStyle()),
		putils.LettersFromStringWithStyle("C", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("raps", pterm.FgDarkGray.ToStyle()),
	).Render()
}

// describeTable is the text of the table panel.
func describeTable(st game.State) string {
	var b strings.Builder
	if st.Table.Phase == craps.PhasePoint {
		fmt.Fprintf(&b, "Point: %d\n", st.Table.Point)
	} else {
		b.WriteString("Come-out roll\n")
	}
	if st.LastRoll != nil {
		fmt.Fprintf(&b, "Last roll: %s = %d", st.LastRoll, st.LastRoll.Total())
		if st.LastRoll.Hard() {
			b.WriteString(" hard")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Round %d | Height %d", st.Round, st.Height)
	return b.String()
}

// describePlayer lists the bankroll and the wagers of one player.
func describePlayer(st game.State, p protocol.PeerID) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bankroll: %d\n", st.Balance(p))
	var wagers []string
	for _, w := range st.Table.Wagers {
		if w.Player != string(p) {
			continue
		}
		line := fmt.Sprintf("%s %d", w.Type, w.Amount)
		if w.Point != 0 {
			line += fmt.Sprintf(" on %d", w.Point)
		}
		wagers = append(wagers, line)
	}
	if len(wagers) == 0 {
		b.WriteString(pterm.Gray("No bets"))
	} else {
		b.WriteString(strings.Join(wagers, "\n"))
	}
	return b.String()
}

// players returns the funded peers in a stable order.
func players(st game.State) []protocol.PeerID {
	out := make([]protocol.PeerID, 0, len(st.Balances))
	for p := range st.Balances {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func printState(st game.State, self protocol.PeerID, additionalPanel ...pterm.Panel) {
	pbox := pterm.DefaultBox.WithHorizontalPadding(4).WithTopPadding(1).WithBottomPadding(1)
	var others []pterm.Panel
	var mainPlayer pterm.Panel
	for _, p := range players(st) {
		if p == self {
			mbox := pterm.DefaultBox.WithHorizontalPadding(10).WithTopPadding(1).WithBottomPadding(1)
			mainPlayer = pterm.Panel{Data: mbox.WithTitle(pterm.LightCyan("You")).WithTitleTopLeft().Sprint(describePlayer(st, p))}
			continue
		}
		others = append(others, pterm.Panel{Data: pbox.WithTitle(p.Short()).WithTitleTopLeft().Sprint(describePlayer(st, p))})
	}
	table := pterm.Panel{Data: pterm.DefaultHeader.WithBackgroundStyle(pterm.BgGreen.ToStyle()).Sprint(describeTable(st))}
	dashboard := []pterm.Panel{mainPlayer}
	dashboard = append(dashboard, additionalPanel...)

	rows := [][]pterm.Panel{{table}, dashboard}
	if len(others) > 0 {
		rows = append([][]pterm.Panel{others}, rows...)
	}
	pterm.DefaultPanel.WithPanels(rows).Render()
}

// eventPanel summarizes what the engine just did.
func eventPanel(e events.Event) (pterm.Panel, bool) {
	pbox := pterm.DefaultBox.WithHorizontalPadding(4).WithTopPadding(1).WithBottomPadding(1)
	var title, text string
	switch e.Type {
	case events.RoundFinalized:
		title = pterm.LightGreen("|FINALIZED|")
		text = fmt.Sprintf("Round %d at height %d\n%d votes", e.Round, e.Height, e.Count)
	case events.RoundAborted:
		title = pterm.LightYellow("|ABORTED|")
		text = fmt.Sprintf("Round %d: %s", e.Round, e.Reason)
	case events.ForkResolved:
		title = pterm.LightYellow("|FORK|")
		text = fmt.Sprintf("Rolled back %d records\nNow at height %d", e.Count, e.Height)
	case events.FatalConsistency:
		title = pterm.LightRed("|HALTED|")
		text = e.Reason
	default:
		return pterm.Panel{}, false
	}
	return pterm.Panel{Data: pbox.WithTitle(title).WithTitleTopCenter().Sprint(text)}, true
}
