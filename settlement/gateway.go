package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/luca-patrignani/mental-craps/events"
	"github.com/luca-patrignani/mental-craps/protocol"
)

var (
	ErrConflict = errors.New("round already settled with a different payout")
	ErrClosed   = errors.New("settlement gateway closed")
)

// Ledger is the external system payouts are settled against. Settle must
// be idempotent by round.
type Ledger interface {
	Settle(ctx context.Context, in Instruction) error
}

type Config struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxAttempts of zero retries forever.
	MaxAttempts int
	// Remember is how many settled rounds are kept for idempotency.
	Remember int
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		Remember:            4096,
		Timeout:             5 * time.Second,
	}
}

// Task is a pending settlement.
type Task struct {
	ID          uuid.UUID
	Instruction Instruction
	Attempts    int
	NextAttempt time.Time
	LastErr     error

	digest   protocol.Hash
	backoff  *backoff.ExponentialBackOff
	inflight bool
}

type Option func(*Gateway)

func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.log = l } }

func WithEvents(s events.Sink) Option { return func(g *Gateway) { g.sink = s } }

// Gateway schedules settlement tasks against a Ledger.
type Gateway struct {
	mu      sync.Mutex
	cfg     Config
	ledger  Ledger
	tasks   map[protocol.Round]*Task
	settled *expirable.LRU[protocol.Round, protocol.Hash]
	now     func() time.Time
	log     *slog.Logger
	sink    events.Sink
	closed  bool
}

func NewGateway(cfg Config, ledger Ledger, opts ...Option) *Gateway {
	if cfg.Remember <= 0 {
		cfg.Remember = DefaultConfig().Remember
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultConfig().InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	g := &Gateway{
		cfg:     cfg,
		ledger:  ledger,
		tasks:   make(map[protocol.Round]*Task),
		settled: expirable.NewLRU[protocol.Round, protocol.Hash](cfg.Remember, nil, 0),
		now:     time.Now,
		log:     slog.Default(),
		sink:    events.Discard,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialInterval
	b.MaxInterval = g.cfg.MaxInterval
	b.Multiplier = g.cfg.Multiplier
	b.RandomizationFactor = g.cfg.RandomizationFactor
	b.Reset()
	return b
}

// Submit schedules the payout of a round. Submitting a round that is
// already settled with the same payout is a no-op. A pending task for the
// round is replaced, since it has not reached the ledger yet.
func (g *Gateway) Submit(in Instruction) error {
	digest := in.Digest()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if prev, ok := g.settled.Peek(in.Round); ok {
		if prev == digest {
			return nil
		}
		e := events.New(events.SettlementConflict)
		e.Round, e.Hash = in.Round, in.Record
		g.sink.Emit(e)
		return fmt.Errorf("%w: round %d", ErrConflict, in.Round)
	}
	if t, ok := g.tasks[in.Round]; ok {
		if t.digest == digest {
			return nil
		}
		if t.inflight {
			g.log.Warn("replacing in-flight settlement", "round", in.Round)
		}
	}
	g.tasks[in.Round] = &Task{
		ID:          uuid.New(),
		Instruction: in,
		NextAttempt: g.now(),
		digest:      digest,
		backoff:     g.newBackoff(),
	}
	return nil
}

// Cancel removes the pending task of a round.
func (g *Gateway) Cancel(round protocol.Round) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.tasks[round]
	delete(g.tasks, round)
	return ok
}

// Settled reports whether the ledger acknowledged the round.
func (g *Gateway) Settled(round protocol.Round) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.settled.Peek(round)
	return ok
}

// Pending returns a copy of the scheduled tasks ordered by round.
func (g *Gateway) Pending() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		c := *t
		c.backoff = nil
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Task) int { return compareRounds(a.Instruction.Round, b.Instruction.Round) })
	return out
}

func compareRounds(a, b protocol.Round) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Tick dispatches every due task once and returns how many were settled.
func (g *Gateway) Tick(ctx context.Context) int {
	g.mu.Lock()
	now := g.now()
	var due []*Task
	for _, t := range g.tasks {
		if !t.inflight && !t.NextAttempt.After(now) {
			t.inflight = true
			due = append(due, t)
		}
	}
	g.mu.Unlock()
	slices.SortFunc(due, func(a, b *Task) int { return compareRounds(a.Instruction.Round, b.Instruction.Round) })

	settled := 0
	for _, t := range due {
		if g.dispatch(ctx, t) {
			settled++
		}
	}
	return settled
}

func (g *Gateway) dispatch(ctx context.Context, t *Task) bool {
	callCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	err := g.ledger.Settle(callCtx, t.Instruction)

	g.mu.Lock()
	defer g.mu.Unlock()
	t.inflight = false
	round := t.Instruction.Round
	if cur, ok := g.tasks[round]; !ok || cur != t {
		// cancelled or replaced while in flight
		if err == nil && !ok {
			g.settled.Add(round, t.digest)
		}
		return false
	}
	t.Attempts++
	if err == nil {
		delete(g.tasks, round)
		g.settled.Add(round, t.digest)
		e := events.New(events.SettlementSucceeded)
		e.Round, e.Hash, e.Count = round, t.Instruction.Record, t.Attempts
		g.sink.Emit(e)
		return true
	}
	t.LastErr = err
	if g.cfg.MaxAttempts > 0 && t.Attempts >= g.cfg.MaxAttempts {
		delete(g.tasks, round)
		g.log.Error("settlement abandoned", "round", round, "attempts", t.Attempts, "err", err)
		e := events.New(events.SettlementFailed)
		e.Round, e.Reason, e.Count = round, err.Error(), t.Attempts
		g.sink.Emit(e)
		return false
	}
	delay := t.backoff.NextBackOff()
	t.NextAttempt = g.now().Add(delay)
	g.log.Debug("settlement retry scheduled", "round", round, "attempt", t.Attempts, "delay", delay, "err", err)
	e := events.New(events.SettlementRetrying)
	e.Round, e.Reason, e.Count = round, err.Error(), t.Attempts
	g.sink.Emit(e)
	return false
}

// Run ticks the gateway every interval until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Tick(ctx)
		}
	}
}

// Close rejects further submissions. Pending tasks are dropped.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	clear(g.tasks)
}
