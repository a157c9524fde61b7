package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/luca-patrignani/mental-craps/domain/craps"
	"github.com/luca-patrignani/mental-craps/events"
	"github.com/luca-patrignani/mental-craps/node"
)

const (
	optionWait   = "Wait for the next roll"
	optionStatus = "Peers"
	optionQuit   = "Leave the table"
)

var errQuit = errors.New("left the table")

func menu() []string {
	options := make([]string, 0, len(craps.BetTypes)+3)
	for _, bt := range craps.BetTypes {
		options = append(options, string(bt))
	}
	return append(options, optionWait, optionStatus, optionQuit)
}

// parseAmount reads a positive whole amount.
func parseAmount(s string) (uint64, error) {
	amount, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if amount == 0 {
		return 0, errors.New("amount must be positive")
	}
	return amount, nil
}

// parseBet reads "<type> <amount>", e.g. "field 25".
func parseBet(line string) (craps.BetType, uint64, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("expected <bet> <amount>, got %q", line)
	}
	bt := craps.BetType(strings.ToLower(fields[0]))
	if !bt.Valid() {
		return "", 0, fmt.Errorf("unknown bet %q", fields[0])
	}
	amount, err := parseAmount(fields[1])
	if err != nil {
		return "", 0, err
	}
	return bt, amount, nil
}

// play is the interactive table: it prompts for bets and shows the table
// after every finalized round.
func play(ctx context.Context, n *node.Node, feed *events.ChannelSink, timeout time.Duration) error {
	printState(n.State(), n.ID())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.Fatal(); err != nil {
			return err
		}
		selected, _ := pterm.DefaultInteractiveSelect.WithDefaultText("Place a bet").WithOptions(menu()).Show()
		switch selected {
		case optionQuit:
			return errQuit
		case optionStatus:
			printPeers(n.Status())
			continue
		case optionWait:
			last, ok := waitFinalized(ctx, feed, "Waiting for the next roll ...", 3*timeout, func() bool { return true })
			printOutcome(n, last, ok)
			continue
		}

		input, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Enter the amount").Show()
		bt, amount, err := parseBet(selected + " " + input)
		if err != nil {
			pterm.Error.Println(err.Error())
			continue
		}
		drain(feed)
		bet, err := n.PlaceBet(bt, amount)
		if err != nil {
			pterm.Error.Printfln("Bet refused: %s", err.Error())
			continue
		}
		text := pterm.Sprintf("Waiting for the table to take your %s bet of %d ...", pterm.LightCyan(string(bt)), amount)
		last, ok := waitFinalized(ctx, feed, text, 3*timeout, func() bool {
			return n.State().Nonces[n.ID()] >= bet.Nonce
		})
		printOutcome(n, last, ok)
	}
}

// waitFinalized spins until done holds after a finalized round, or until
// the wait times out.
func waitFinalized(ctx context.Context, feed *events.ChannelSink, text string, timeout time.Duration, done func() bool) (events.Event, bool) {
	spinner, _ := pterm.DefaultSpinner.Start(text)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	var last events.Event
	for {
		select {
		case <-ctx.Done():
			spinner.Fail()
			return last, false
		case <-deadline.C:
			spinner.Warning("Still pending, the table has not finalized a round")
			return last, false
		case e := <-feed.C():
			switch e.Type {
			case events.FatalConsistency:
				spinner.Fail(e.Reason)
				return e, true
			case events.RoundFinalized, events.ForkResolved:
				last = e
				if done() {
					spinner.Success()
					return last, true
				}
			}
		}
	}
}

func drain(feed *events.ChannelSink) {
	for {
		select {
		case <-feed.C():
		default:
			return
		}
	}
}

func printOutcome(n *node.Node, last events.Event, ok bool) {
	if !ok {
		printState(n.State(), n.ID())
		return
	}
	if panel, show := eventPanel(last); show {
		printState(n.State(), n.ID(), panel)
		return
	}
	printState(n.State(), n.ID())
}

func printPeers(s node.Status) {
	data := pterm.TableData{{"Peer", "Role", "Score", "Trusted", "Banned"}}
	for _, p := range s.Peers {
		data = append(data, []string{p.ID.Short(), string(p.Role), strconv.FormatInt(p.Score, 10), strconv.FormatBool(p.Trusted), strconv.FormatBool(p.Banned)})
	}
	pterm.Info.Printfln("Round %d (%s), height %d, %d pending bets", s.Consensus.Round, s.Consensus.Phase, s.Height, s.Mempool)
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
