package node

import (
	"log/slog"
	"time"

	"github.com/luca-patrignani/mental-craps/consensus"
	"github.com/luca-patrignani/mental-craps/dedup"
	"github.com/luca-patrignani/mental-craps/events"
	"github.com/luca-patrignani/mental-craps/fork"
	"github.com/luca-patrignani/mental-craps/game"
	"github.com/luca-patrignani/mental-craps/ledger"
	"github.com/luca-patrignani/mental-craps/protocol"
	"github.com/luca-patrignani/mental-craps/randomness"
	"github.com/luca-patrignani/mental-craps/settlement"
	"github.com/luca-patrignani/mental-craps/trust"
)

type Config struct {
	Consensus  consensus.Config
	Randomness randomness.Config
	Trust      trust.Config
	Rules      game.Rules
	Roster     []trust.Member
	Balances   map[protocol.PeerID]uint64

	MaxRollbackDepth int
	DedupSize        int
	DedupTTL         time.Duration
	SyncInterval     time.Duration
	// MaxMempool caps the bets waiting for a proposal.
	MaxMempool int
	// MaxOrphans caps the records kept while their parent is missing.
	MaxOrphans int
	// AutoPropose lets the node propose pending bets and rolls whenever it
	// leads a round.
	AutoPropose bool
}

func DefaultConfig() Config {
	return Config{
		Consensus:        consensus.DefaultConfig(),
		Randomness:       randomness.DefaultConfig(),
		Trust:            trust.DefaultConfig(),
		Rules:            game.DefaultRules(),
		MaxRollbackDepth: fork.DefaultMaxDepth,
		DedupSize:        dedup.DefaultSize,
		DedupTTL:         dedup.DefaultTTL,
		SyncInterval:     10 * time.Second,
		MaxMempool:       1024,
		MaxOrphans:       256,
		AutoPropose:      true,
	}
}

func (c *Config) fill() {
	def := DefaultConfig()
	if c.MaxRollbackDepth <= 0 {
		c.MaxRollbackDepth = def.MaxRollbackDepth
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.MaxMempool <= 0 {
		c.MaxMempool = def.MaxMempool
	}
	if c.MaxOrphans <= 0 {
		c.MaxOrphans = def.MaxOrphans
	}
	if c.Consensus.QuorumDen == 0 {
		c.Consensus.QuorumNum, c.Consensus.QuorumDen = def.Consensus.QuorumNum, def.Consensus.QuorumDen
	}
	if c.Consensus.Leader == "" {
		c.Consensus.Leader = def.Consensus.Leader
	}
	if c.Consensus.RoundTimeout <= 0 {
		c.Consensus.RoundTimeout = def.Consensus.RoundTimeout
	}
	if c.Trust.Penalties == nil {
		c.Trust = def.Trust
	}
}

type Option func(*Node)

func WithClock(now func() time.Time) Option { return func(n *Node) { n.now = now } }

func WithLogger(l *slog.Logger) Option { return func(n *Node) { n.log = l } }

// WithEvents sets the sink every engine event is emitted to.
func WithEvents(s events.Sink) Option { return func(n *Node) { n.sink = s } }

// WithStore sets the durable record store. The default keeps records in
// memory only.
func WithStore(s ledger.Store) Option { return func(n *Node) { n.store = s } }

// WithSettlement forwards the payout of every finalized round to g.
func WithSettlement(g *settlement.Gateway) Option { return func(n *Node) { n.gateway = g } }
