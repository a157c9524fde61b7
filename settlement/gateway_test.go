package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luca-patrignani/mental-craps/events"
	"github.com/luca-patrignani/mental-craps/protocol"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGateway(t *testing.T, ledger Ledger, cfg Config) (*Gateway, *clock, *events.ChannelSink) {
	t.Helper()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	sink := events.NewChannelSink(64)
	cfg.RandomizationFactor = 0
	return NewGateway(cfg, ledger, WithClock(c.now), WithEvents(sink)), c, sink
}

func payout(round protocol.Round, player protocol.PeerID, returned uint64) Instruction {
	return Instruction{
		Round:   round,
		Record:  protocol.HashBytes([]byte{byte(round)}),
		Entries: []Entry{{Player: player, Bet: "pass", Outcome: "win", Stake: returned / 2, Returned: returned}},
	}
}

func TestGateway_SettleTwiceOneEffect(t *testing.T) {
	ledger := NewMemoryLedger()
	g, _, _ := newTestGateway(t, ledger, DefaultConfig())
	in := payout(10, "x", 100)
	if err := g.Submit(in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Submit(in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := g.Tick(context.Background()); n != 1 {
		t.Fatalf("expected 1 settlement, got %d", n)
	}
	if err := g.Submit(in); err != nil {
		t.Fatalf("expected resubmission to be a no-op, got %v", err)
	}
	g.Tick(context.Background())
	if ledger.Effects() != 1 || ledger.Calls() != 1 {
		t.Fatalf("expected exactly one ledger effect and call, got %d effects %d calls", ledger.Effects(), ledger.Calls())
	}
	if got := ledger.Credited("x"); got != 100 {
		t.Fatalf("expected 100 credited, got %d", got)
	}
}

func TestGateway_RetryWithBackoff(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.FailNext(errors.New("unavailable"), errors.New("unavailable"))
	cfg := DefaultConfig()
	cfg.InitialInterval = time.Second
	cfg.MaxInterval = 10 * time.Second
	g, c, _ := newTestGateway(t, ledger, cfg)
	ctx := context.Background()
	g.Submit(payout(3, "x", 20))

	if n := g.Tick(ctx); n != 0 {
		t.Fatalf("expected first attempt to fail, got %d settled", n)
	}
	tasks := g.Pending()
	if len(tasks) != 1 || tasks[0].Attempts != 1 || tasks[0].LastErr == nil {
		t.Fatalf("expected one task with one failed attempt, got %+v", tasks)
	}
	if want := c.t.Add(time.Second); !tasks[0].NextAttempt.Equal(want) {
		t.Fatalf("expected next attempt at %v, got %v", want, tasks[0].NextAttempt)
	}
	if n := g.Tick(ctx); n != 0 || ledger.Calls() != 1 {
		t.Fatalf("expected no attempt before the backoff elapsed, got %d calls", ledger.Calls())
	}
	c.advance(time.Second)
	g.Tick(ctx)
	if tasks := g.Pending(); tasks[0].NextAttempt.Sub(c.t) != 2*time.Second {
		t.Fatalf("expected doubled backoff, got %v", tasks[0].NextAttempt.Sub(c.t))
	}
	c.advance(2 * time.Second)
	if n := g.Tick(ctx); n != 1 {
		t.Fatalf("expected third attempt to settle, got %d", n)
	}
	if len(g.Pending()) != 0 || !g.Settled(3) {
		t.Fatal("expected round 3 settled and no pending tasks")
	}
}

func TestGateway_Cancel(t *testing.T) {
	ledger := NewMemoryLedger()
	g, _, _ := newTestGateway(t, ledger, DefaultConfig())
	g.Submit(payout(4, "x", 10))
	if !g.Cancel(4) {
		t.Fatal("expected pending task to be cancelled")
	}
	if g.Cancel(4) {
		t.Fatal("expected second cancel to find nothing")
	}
	g.Tick(context.Background())
	if ledger.Calls() != 0 {
		t.Fatalf("expected cancelled task never dispatched, got %d calls", ledger.Calls())
	}
}

func TestGateway_Conflict(t *testing.T) {
	ledger := NewMemoryLedger()
	g, _, sink := newTestGateway(t, ledger, DefaultConfig())
	g.Submit(payout(5, "x", 10))
	g.Tick(context.Background())
	err := g.Submit(payout(5, "x", 30))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var sawConflict bool
	for len(sink.C()) > 0 {
		if e := <-sink.C(); e.Type == events.SettlementConflict {
			sawConflict = true
		}
	}
	if !sawConflict {
		t.Fatal("expected a settlement conflict event")
	}
}

func TestGateway_PendingReplaced(t *testing.T) {
	ledger := NewMemoryLedger()
	g, _, _ := newTestGateway(t, ledger, DefaultConfig())
	g.Submit(payout(6, "x", 10))
	g.Submit(payout(6, "y", 40))
	g.Tick(context.Background())
	if ledger.Credited("x") != 0 || ledger.Credited("y") != 40 {
		t.Fatalf("expected only the replacement settled, got x=%d y=%d", ledger.Credited("x"), ledger.Credited("y"))
	}
}

func TestGateway_MaxAttempts(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.FailNext(errors.New("down"), errors.New("down"))
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	g, c, sink := newTestGateway(t, ledger, cfg)
	g.Submit(payout(7, "x", 10))
	g.Tick(context.Background())
	c.advance(time.Minute)
	g.Tick(context.Background())
	if len(g.Pending()) != 0 {
		t.Fatal("expected task abandoned after max attempts")
	}
	var failed bool
	for len(sink.C()) > 0 {
		if e := <-sink.C(); e.Type == events.SettlementFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("expected a settlement failed event")
	}
}

func TestGateway_Closed(t *testing.T) {
	g, _, _ := newTestGateway(t, NewMemoryLedger(), DefaultConfig())
	g.Close()
	if err := g.Submit(payout(1, "x", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestGateway_Run(t *testing.T) {
	ledger := NewMemoryLedger()
	g := NewGateway(DefaultConfig(), ledger)
	g.Submit(payout(8, "x", 10))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for !g.Settled(8) {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for settlement")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
