package node

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/luca-patrignani/mental-craps/domain/craps"
	"github.com/luca-patrignani/mental-craps/events"
	"github.com/luca-patrignani/mental-craps/fork"
	"github.com/luca-patrignani/mental-craps/ledger"
	"github.com/luca-patrignani/mental-craps/network"
	"github.com/luca-patrignani/mental-craps/protocol"
	"github.com/luca-patrignani/mental-craps/settlement"
)

// cluster runs n nodes over an in-process mesh. Delivery is driven by pump
// from the test goroutine, so every run is sequential.
type cluster struct {
	t       *testing.T
	clock   *clock
	mesh    *network.Mesh
	cfg     Config
	ids     []*protocol.Identity
	names   []string
	eps     []*network.Endpoint
	nodes   []*Node
	events  []*recorder
	ledgers []*settlement.MemoryLedger
	gws     []*settlement.Gateway
}

func newCluster(t *testing.T, size int, tweak func(*Config), stores map[int]ledger.Store) *cluster {
	t.Helper()
	c := &cluster{t: t, clock: &clock{t: time.Unix(1_700_000_000, 0)}, mesh: network.NewMesh()}
	for i := 0; i < size; i++ {
		c.ids = append(c.ids, identity(t, i))
	}
	c.cfg = testConfig(c.ids)
	if tweak != nil {
		tweak(&c.cfg)
	}
	for i, id := range c.ids {
		name := fmt.Sprintf("n%d", i)
		ep := c.mesh.Join(name)
		rec := &recorder{}
		ml := settlement.NewMemoryLedger()
		gw := settlement.NewGateway(settlement.DefaultConfig(), ml, settlement.WithClock(c.clock.now))
		opts := []Option{WithClock(c.clock.now), WithEvents(rec), WithSettlement(gw)}
		if s, ok := stores[i]; ok {
			opts = append(opts, WithStore(s))
		}
		c.names = append(c.names, name)
		c.eps = append(c.eps, ep)
		c.nodes = append(c.nodes, New(id, c.cfg, ep, opts...))
		c.events = append(c.events, rec)
		c.ledgers = append(c.ledgers, ml)
		c.gws = append(c.gws, gw)
	}
	return c
}

func (c *cluster) start() {
	c.t.Helper()
	for _, n := range c.nodes {
		if err := n.Start(); err != nil {
			c.t.Fatalf("Start failed: %v", err)
		}
	}
}

// pump delivers queued frames until every inbox is empty.
func (c *cluster) pump() {
	c.t.Helper()
	for steps := 0; ; steps++ {
		if steps > 200000 {
			c.t.Fatal("message storm")
		}
		delivered := false
		for i, ep := range c.eps {
			select {
			case m := <-ep.Messages():
				_ = c.nodes[i].HandleIncoming(m.Data)
				delivered = true
			default:
			}
		}
		if !delivered {
			return
		}
	}
}

func (c *cluster) tick(members []int) {
	c.clock.advance(c.cfg.Consensus.RoundTimeout + time.Second)
	for _, i := range members {
		c.nodes[i].Tick(c.clock.now())
	}
	c.pump()
}

func (c *cluster) minHeight(members []int) uint64 {
	low := ^uint64(0)
	for _, i := range members {
		low = min(low, c.nodes[i].Head().Height)
	}
	return low
}

// drive keeps a field bet of bettor pending and lets rounds expire until
// every member reached height.
func (c *cluster) drive(height uint64, bettor int, members []int) {
	c.t.Helper()
	for k := 0; k < 60; k++ {
		if c.minHeight(members) >= height {
			return
		}
		if c.nodes[bettor].Status().Mempool == 0 {
			if _, err := c.nodes[bettor].PlaceBet(craps.BetField, 10); err != nil {
				c.t.Fatalf("PlaceBet failed: %v", err)
			}
		}
		c.pump()
		if c.minHeight(members) >= height {
			return
		}
		c.tick(members)
	}
	c.t.Fatalf("members %v stuck below height %d", members, height)
}

func (c *cluster) assertConverged(members []int) {
	c.t.Helper()
	want := c.nodes[members[0]]
	for _, i := range members[1:] {
		if got := c.nodes[i].Head(); got != want.Head() {
			c.t.Fatalf("expected node %d at head %s/%d, got %s/%d", i, want.Head().Hash.Short(), want.Head().Height, got.Hash.Short(), got.Height)
		}
		if c.nodes[i].State().Digest() != want.State().Digest() {
			c.t.Fatalf("expected node %d to hold the same game state", i)
		}
	}
}

func TestClusterFinalizesBets(t *testing.T) {
	c := newCluster(t, 4, nil, nil)
	all := []int{0, 1, 2, 3}
	c.start()
	c.pump()
	c.drive(3, 1, all)
	c.pump()
	c.assertConverged(all)

	st := c.nodes[0].State()
	player := c.ids[1].ID()
	if st.Nonces[player] < 3 {
		t.Fatalf("expected at least 3 bets placed, got nonce %d", st.Nonces[player])
	}
	for i := range c.nodes {
		c.gws[i].Tick(context.Background())
		if got, want := c.ledgers[i].Credited(player), c.ledgers[0].Credited(player); got != want {
			t.Fatalf("expected node %d to settle %d, got %d", i, want, got)
		}
		if c.nodes[i].Fatal() != nil {
			t.Fatalf("unexpected fatal error on node %d: %v", i, c.nodes[i].Fatal())
		}
	}
	records, err := c.nodes[2].Records(protocol.ZeroHash)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	for _, rec := range records {
		if len(rec.Votes) < 3 {
			t.Fatalf("expected a quorum certificate on height %d, got %d votes", rec.Height, len(rec.Votes))
		}
	}
}

func TestLaggingPeerCatchesUpBySync(t *testing.T) {
	c := newCluster(t, 4, nil, nil)
	c.mesh.Partition([]string{"n0", "n1", "n2"}, []string{"n3"})
	c.start()
	c.pump()
	c.drive(2, 0, []int{0, 1, 2})

	c.mesh.Heal()
	c.tick([]int{0, 1, 2, 3})
	c.pump()
	c.assertConverged([]int{0, 1, 2, 3})
	if got := c.events[3].of(events.ForkResolved); len(got) != 0 {
		t.Fatalf("expected a plain catch-up without rollback, got %+v", got)
	}
}

// competingBranch builds records certified by every member that spend bets
// of bettor, starting from genesis.
func competingBranch(t *testing.T, ids []*protocol.Identity, bettor int, rounds ...protocol.Round) []protocol.FinalizedRecord {
	t.Helper()
	var out []protocol.FinalizedRecord
	prev := protocol.ZeroHash
	for k, r := range rounds {
		b := protocol.Bet{Type: string(craps.BetField), Amount: 10, Nonce: uint64(k + 1)}
		if err := b.Sign(ids[bettor]); err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		p := protocol.Proposal{Round: r, Parent: prev, Transition: protocol.Transition{Bets: []protocol.Bet{b}}}
		if err := p.Sign(ids[bettor]); err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		rec := protocol.FinalizedRecord{Height: uint64(k + 1), Round: r, PrevHash: prev, Proposal: p}
		for _, id := range ids {
			v := protocol.Vote{Round: r, Proposal: p.ID(), Value: protocol.Accept, Seed: protocol.SeedDigest(nil)}
			if err := v.Sign(id); err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			rec.Votes = append(rec.Votes, v)
		}
		if err := rec.Seal(); err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		out = append(out, rec)
		prev = rec.Hash
	}
	return out
}

// partitionedFork leaves node 3 holding a two-record branch of rounds 1
// and 2 while nodes 0-2 finalize three records on their own, then heals
// the mesh.
func partitionedFork(t *testing.T, tweak func(*Config)) (*cluster, []protocol.FinalizedRecord, *ledger.MemoryStore) {
	t.Helper()
	ids := make([]*protocol.Identity, 4)
	for i := range ids {
		ids[i] = identity(t, i)
	}
	losing := competingBranch(t, ids, 3, 1, 2)
	store := ledger.NewMemoryStore()
	for _, rec := range losing {
		if err := store.Persist(rec); err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
	}
	c := newCluster(t, 4, tweak, map[int]ledger.Store{3: store})
	c.mesh.Partition([]string{"n0", "n1", "n2"}, []string{"n3"})
	c.start()
	if h := c.nodes[3].Head(); h.Hash != losing[1].Hash {
		t.Fatalf("expected node 3 to resume from its stored branch")
	}
	c.pump()
	c.drive(3, 0, []int{0, 1, 2})

	c.mesh.Heal()
	c.tick([]int{0, 1, 2, 3})
	c.pump()
	return c, losing, store
}

func TestPartitionHealsOnTheWinningBranch(t *testing.T) {
	c, losing, store := partitionedFork(t, nil)
	all := []int{0, 1, 2, 3}
	c.assertConverged(all)

	rolledBack := 0
	for _, e := range c.events[3].of(events.ForkResolved) {
		rolledBack += e.Count
	}
	if rolledBack != 2 {
		t.Fatalf("expected node 3 to roll back exactly 2 records, got %d", rolledBack)
	}
	for _, i := range []int{0, 1, 2} {
		if got := c.events[i].of(events.ForkResolved); len(got) != 0 {
			t.Fatalf("expected node %d to keep its chain, got %+v", i, got)
		}
	}
	if c.nodes[3].Fatal() != nil {
		t.Fatalf("unexpected fatal error: %v", c.nodes[3].Fatal())
	}

	records, err := c.nodes[3].Records(protocol.ZeroHash)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	for _, rec := range records {
		if rec.Hash == losing[0].Hash || rec.Hash == losing[1].Hash {
			t.Fatalf("expected the losing records to be gone")
		}
	}
	stored, err := store.LoadChain()
	if err != nil {
		t.Fatalf("LoadChain failed: %v", err)
	}
	if len(stored) != len(records) || stored[0].Hash != records[0].Hash {
		t.Fatalf("expected the store to follow the chain, got %d records want %d", len(stored), len(records))
	}
}

func TestForkDeeperThanBoundIsFatal(t *testing.T) {
	c, _, _ := partitionedFork(t, func(cfg *Config) { cfg.MaxRollbackDepth = 1 })
	err := c.nodes[3].Fatal()
	var fatal *fork.FatalConsistencyError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected a FatalConsistencyError, got %v", err)
	}
	if fatal.Depth != 2 || fatal.Max != 1 {
		t.Fatalf("expected depth 2 over max 1, got %d over %d", fatal.Depth, fatal.Max)
	}
	if len(c.events[3].of(events.FatalConsistency)) == 0 {
		t.Fatalf("expected a fatal consistency event")
	}
	if _, err := c.nodes[3].PlaceBet(craps.BetField, 10); err == nil {
		t.Fatalf("expected a stopped node to refuse bets")
	}
	for _, i := range []int{0, 1, 2} {
		if c.nodes[i].Fatal() != nil {
			t.Fatalf("unexpected fatal error on node %d", i)
		}
	}
}
