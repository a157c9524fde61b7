package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/luca-patrignani/mental-craps/consensus"
	"github.com/luca-patrignani/mental-craps/dedup"
	"github.com/luca-patrignani/mental-craps/events"
	"github.com/luca-patrignani/mental-craps/fork"
	"github.com/luca-patrignani/mental-craps/game"
	"github.com/luca-patrignani/mental-craps/ledger"
	"github.com/luca-patrignani/mental-craps/network"
	"github.com/luca-patrignani/mental-craps/protocol"
	"github.com/luca-patrignani/mental-craps/randomness"
	"github.com/luca-patrignani/mental-craps/settlement"
	"github.com/luca-patrignani/mental-craps/trust"
)

var (
	ErrNotStarted = errors.New("node not started")
	ErrStarted    = errors.New("node already started")
)

// Node is one peer of the table. Every inbound frame, timer tick and local
// command is applied under a single lock, so the consensus core, the game
// machine and the chain always move together. Outbound frames are queued
// while the lock is held and handed to the transport after it is released.
type Node struct {
	mu sync.Mutex

	id        *protocol.Identity
	cfg       Config
	transport network.Transport
	now       func() time.Time
	log       *slog.Logger
	sink      events.Sink
	store     ledger.Store
	gateway   *settlement.Gateway

	tracker  *trust.Tracker
	dedup    *dedup.Deduplicator
	rand     *randomness.Protocol
	core     *consensus.Core
	machine  *game.Machine
	chain    *ledger.Chain
	resolver *fork.Resolver

	mempool   *mempool
	orphans   *expirable.LRU[protocol.Hash, protocol.FinalizedRecord]
	preimages map[protocol.Round][]byte
	revealed  map[protocol.Round]bool
	openedAt  map[protocol.Round]time.Time

	outbox    []protocol.Frame
	lastSync  time.Time
	syncNonce uint64
	started   bool
	fatal     error
}

// New assembles the engine of the peer identified by id. Nothing is sent
// before Start.
func New(id *protocol.Identity, cfg Config, tr network.Transport, opts ...Option) *Node {
	cfg.fill()
	n := &Node{
		id:        id,
		cfg:       cfg,
		transport: tr,
		now:       time.Now,
		log:       slog.Default(),
		sink:      events.Discard,
		chain:     ledger.NewChain(),
		resolver:  fork.NewResolver(cfg.MaxRollbackDepth),
		mempool:   newMempool(cfg.MaxMempool),
		preimages: make(map[protocol.Round][]byte),
		revealed:  make(map[protocol.Round]bool),
		openedAt:  make(map[protocol.Round]time.Time),
	}
	for _, o := range opts {
		o(n)
	}
	if n.store == nil {
		n.store = ledger.NewMemoryStore()
	}
	n.log = n.log.With("node", id.ID().Short())

	n.tracker = trust.NewTracker(cfg.Trust, cfg.Roster,
		trust.WithClock(n.now),
		trust.WithBanHook(func(peer protocol.PeerID, until time.Time) {
			e := n.event(events.PeerBanned)
			e.Peer, e.Reason = peer, "until "+until.Format(time.RFC3339)
			n.sink.Emit(e)
		}))
	n.dedup = dedup.New(cfg.DedupSize, cfg.DedupTTL)
	n.orphans = expirable.NewLRU[protocol.Hash, protocol.FinalizedRecord](cfg.MaxOrphans, nil, n.dedupTTL())
	n.rand = randomness.New(cfg.Randomness, n.tracker, n.now)
	n.machine = game.NewMachine(game.Genesis(cfg.Balances), cfg.Rules, cfg.MaxRollbackDepth)
	n.core = consensus.NewCore(id, cfg.Consensus, n.tracker, n, n.machine, n.rand, consensus.Hooks{
		Broadcast: n.send,
		Finalized: n.finalize,
		Opened:    n.opened,
		Aborted:   n.aborted,
	}, consensus.WithClock(n.now), consensus.WithLogger(n.log))
	return n
}

func (n *Node) dedupTTL() time.Duration {
	if n.cfg.DedupTTL > 0 {
		return n.cfg.DedupTTL
	}
	return dedup.DefaultTTL
}

func (n *Node) ID() protocol.PeerID { return n.id.ID() }

// Start restores the persisted chain, replays it into the game state and
// opens the first round after its head.
func (n *Node) Start() error {
	err := n.locked(func() error {
		if n.started {
			return ErrStarted
		}
		records, err := n.store.LoadChain()
		if err != nil {
			return fmt.Errorf("load chain: %w", err)
		}
		for _, rec := range records {
			if err := n.chain.Append(rec); err != nil {
				return fmt.Errorf("load chain: %w", err)
			}
		}
		instrs, err := n.machine.Rebuild(records)
		if err != nil {
			return fmt.Errorf("rebuild state: %w", err)
		}
		// Payouts acknowledged before a restart are deduplicated by round.
		for _, in := range instrs {
			n.submit(in)
		}
		n.started = true
		head := n.chain.Head()
		n.log.Info("node started", "height", head.Height, "round", head.Round, "head", head.Hash.Short())
		n.core.Start(head)
		n.requestSync()
		return nil
	})
	return err
}

// Run feeds the transport and the clock into the node until ctx is done.
// Start must have been called.
func (n *Node) Run(ctx context.Context, tick time.Duration) error {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if n.gateway != nil {
		go n.gateway.Run(ctx, tick)
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-n.transport.Messages():
			if !ok {
				return network.ErrClosed
			}
			if err := n.HandleIncoming(m.Data); err != nil {
				n.log.Debug("frame rejected", "from", m.From, "err", err)
			}
		case <-ticker.C:
			n.Tick(n.now())
			if err := n.Fatal(); err != nil {
				return err
			}
		}
	}
}

// Tick drives every deadline: reveal grace, round timeouts, periodic sync.
func (n *Node) Tick(now time.Time) {
	_ = n.locked(func() error {
		if !n.started {
			return nil
		}
		for _, o := range n.rand.Tick(now) {
			for _, peer := range o.Missing {
				if peer != n.id.ID() {
					n.Penalize(peer, protocol.ViolationMissingReveal)
				}
			}
			switch o.Phase {
			case randomness.Stalled:
				n.log.Warn("randomness stalled", "round", o.Round, "err", o.Err)
				n.core.Abort(o.Round, "randomness stall")
			case randomness.Derived:
				n.settle(n.core.OnRandomness(o.Round))
			}
		}
		n.core.Tick(now)
		n.progress()
		if now.Sub(n.lastSync) >= n.cfg.SyncInterval {
			n.requestSync()
		}
		return nil
	})
}

// Status is a point-in-time view of the node.
type Status struct {
	ID        protocol.PeerID
	Consensus consensus.Status
	Height    uint64
	Mempool   int
	Orphans   int
	Peers     []trust.Status
	Fatal     error
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:        n.id.ID(),
		Consensus: n.core.Status(),
		Height:    n.chain.Head().Height,
		Mempool:   n.mempool.len(),
		Orphans:   n.orphans.Len(),
		Peers:     n.tracker.Snapshot(),
		Fatal:     n.fatal,
	}
}

// State returns the current game state without waiting for the engine.
func (n *Node) State() game.State { return n.machine.CurrentState() }

// Head returns the last finalized record known locally.
func (n *Node) Head() ledger.Head {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chain.Head()
}

// Records returns the finalized records that follow h, oldest first.
func (n *Node) Records(h protocol.Hash) ([]protocol.FinalizedRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chain.Since(h)
}

// Fatal returns the consistency error that stopped the node, if any.
func (n *Node) Fatal() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fatal
}

// Penalize lowers the score of peer and reports whether it got banned.
func (n *Node) Penalize(peer protocol.PeerID, kind protocol.ViolationKind) bool {
	banned := n.tracker.Penalize(peer, kind)
	e := n.event(events.PeerPenalized)
	e.Peer, e.Reason = peer, string(kind)
	n.sink.Emit(e)
	return banned
}

// locked runs fn under the engine lock and flushes what it queued.
func (n *Node) locked(fn func() error) error {
	n.mu.Lock()
	err := fn()
	out := n.outbox
	n.outbox = nil
	n.mu.Unlock()
	n.flush(out)
	return err
}

func (n *Node) flush(frames []protocol.Frame) {
	for _, f := range frames {
		data, err := f.Encode()
		if err != nil {
			n.log.Error("encode frame", "kind", f.Kind, "err", err)
			continue
		}
		if err := n.transport.Broadcast(context.Background(), data); err != nil {
			n.log.Warn("broadcast failed", "kind", f.Kind, "err", err)
		}
	}
}

// send queues msg for broadcast. It is the Broadcast hook of the core.
func (n *Node) send(kind protocol.Kind, msg any) {
	f, err := protocol.NewFrame(kind, msg)
	if err != nil {
		n.log.Error("build frame", "kind", kind, "err", err)
		return
	}
	n.dedup.Remember(f.ID())
	n.outbox = append(n.outbox, f)
}

func (n *Node) event(t events.Type) events.Event {
	e := events.New(t)
	e.Time = n.now()
	return e
}

// settle handles an error of work the node started on its own.
func (n *Node) settle(err error) {
	if err == nil || errors.Is(err, protocol.ErrDuplicate) {
		return
	}
	var v *protocol.Violation
	if errors.As(err, &v) {
		n.Penalize(v.Peer, v.Kind)
	}
	n.log.Debug("deferred work failed", "err", err)
}
