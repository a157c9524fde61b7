// Package config loads the node configuration: a YAML file, then CRAPS_*
// environment overrides, then validation. Every field has a default so an
// empty file is a valid single-node table.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/luca-patrignani/mental-craps/consensus"
	"github.com/luca-patrignani/mental-craps/game"
	"github.com/luca-patrignani/mental-craps/node"
	"github.com/luca-patrignani/mental-craps/protocol"
	"github.com/luca-patrignani/mental-craps/randomness"
	"github.com/luca-patrignani/mental-craps/settlement"
	"github.com/luca-patrignani/mental-craps/trust"
)

// Default values
const (
	DefaultDataDir        = "./data"
	DefaultTopic          = "mental-craps/table"
	DefaultListen         = "/ip4/0.0.0.0/tcp/0"
	DefaultMulticastGroup = "239.0.0.1:9999"
	DefaultMaxRollback    = 16
	DefaultTick           = 250 * time.Millisecond
	DefaultSyncInterval   = 10 * time.Second
)

type Config struct {
	// SeedFile holds the hex ed25519 seed of the node identity. It is
	// generated on first start.
	SeedFile  string   `yaml:"seed_file"`
	DataDir   string   `yaml:"data_dir"`
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	Topic     string   `yaml:"topic"`

	Log        Log        `yaml:"log"`
	Metrics    Metrics    `yaml:"metrics"`
	Discovery  Discovery  `yaml:"discovery"`
	Consensus  Consensus  `yaml:"consensus"`
	Dedup      Dedup      `yaml:"dedup"`
	Trust      Trust      `yaml:"trust"`
	Settlement Settlement `yaml:"settlement"`
	Game       Game       `yaml:"game"`

	MaxRollbackDepth int           `yaml:"max_rollback_depth"`
	Tick             time.Duration `yaml:"tick"`
	SyncInterval     time.Duration `yaml:"sync_interval"`

	// Roster is the table: every peer starts from the same roster and
	// genesis balances.
	Roster []Member `yaml:"roster"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Discovery struct {
	Enabled  bool          `yaml:"enabled"`
	Group    string        `yaml:"group"`
	Interval time.Duration `yaml:"interval"`
}

type Consensus struct {
	RoundTimeout time.Duration `yaml:"round_timeout"`
	RevealGrace  time.Duration `yaml:"reveal_grace"`
	QuorumNum    uint64        `yaml:"quorum_num"`
	QuorumDen    uint64        `yaml:"quorum_den"`
	Leader       string        `yaml:"leader"`
	LeadWindow   uint64        `yaml:"lead_window"`
	MaxBuffered  int           `yaml:"max_buffered"`
}

type Dedup struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type Trust struct {
	InitialScore   int64                            `yaml:"initial_score"`
	MinScore       int64                            `yaml:"min_score"`
	MaxScore       int64                            `yaml:"max_score"`
	TrustThreshold int64                            `yaml:"trust_threshold"`
	BanThreshold   int64                            `yaml:"ban_threshold"`
	BanDuration    time.Duration                    `yaml:"ban_duration"`
	DecayInterval  time.Duration                    `yaml:"decay_interval"`
	DecayStep      int64                            `yaml:"decay_step"`
	Reward         int64                            `yaml:"reward"`
	Rate           float64                          `yaml:"rate"`
	Burst          int                              `yaml:"burst"`
	Penalties      map[protocol.ViolationKind]int64 `yaml:"penalties"`
}

type Settlement struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Timeout         time.Duration `yaml:"timeout"`
}

type Game struct {
	MaxBet  uint64 `yaml:"max_bet"`
	MaxBets int    `yaml:"max_bets"`
}

// Member is a roster entry. Balance is the genesis bankroll.
type Member struct {
	ID      protocol.PeerID `yaml:"id"`
	Role    string          `yaml:"role"`
	Stake   uint64          `yaml:"stake"`
	Balance uint64          `yaml:"balance"`
}

// Default returns the documented defaults.
func Default() *Config {
	tc := trust.DefaultConfig()
	cc := consensus.DefaultConfig()
	rc := randomness.DefaultConfig()
	sc := settlement.DefaultConfig()
	gr := game.DefaultRules()
	return &Config{
		SeedFile: "identity.seed",
		DataDir:  DefaultDataDir,
		Listen:   []string{DefaultListen},
		Topic:    DefaultTopic,
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Discovery: Discovery{
			Enabled:  true,
			Group:    DefaultMulticastGroup,
			Interval: 2 * time.Second,
		},
		Consensus: Consensus{
			RoundTimeout: cc.RoundTimeout,
			RevealGrace:  rc.RevealGrace,
			QuorumNum:    cc.QuorumNum,
			QuorumDen:    cc.QuorumDen,
			Leader:       string(cc.Leader),
			LeadWindow:   uint64(cc.LeadWindow),
			MaxBuffered:  cc.MaxBuffered,
		},
		Dedup: Dedup{Size: 8192, TTL: 2 * time.Minute},
		Trust: Trust{
			InitialScore:   tc.InitialScore,
			MinScore:       tc.MinScore,
			MaxScore:       tc.MaxScore,
			TrustThreshold: tc.TrustThreshold,
			BanThreshold:   tc.BanThreshold,
			BanDuration:    tc.BanDuration,
			DecayInterval:  tc.DecayInterval,
			DecayStep:      tc.DecayStep,
			Reward:         tc.Reward,
			Rate:           float64(tc.Rate),
			Burst:          tc.Burst,
		},
		Settlement: Settlement{
			InitialInterval: sc.InitialInterval,
			MaxInterval:     sc.MaxInterval,
			MaxAttempts:     sc.MaxAttempts,
			Timeout:         sc.Timeout,
		},
		Game:             Game{MaxBet: gr.MaxBet, MaxBets: gr.MaxBets},
		MaxRollbackDepth: DefaultMaxRollback,
		Tick:             DefaultTick,
		SyncInterval:     DefaultSyncInterval,
	}
}

// Load reads path over the defaults, applies the environment and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.Split(v, ",")
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("CRAPS_SEED_FILE", &c.SeedFile)
	str("CRAPS_DATA_DIR", &c.DataDir)
	list("CRAPS_LISTEN", &c.Listen)
	list("CRAPS_BOOTSTRAP", &c.Bootstrap)
	str("CRAPS_TOPIC", &c.Topic)
	str("CRAPS_LOG_LEVEL", &c.Log.Level)
	str("CRAPS_LOG_FILE", &c.Log.File)
	str("CRAPS_METRICS_ADDR", &c.Metrics.Addr)
	flag("CRAPS_DISCOVERY", &c.Discovery.Enabled)
	str("CRAPS_DISCOVERY_GROUP", &c.Discovery.Group)
	dur("CRAPS_ROUND_TIMEOUT", &c.Consensus.RoundTimeout)
	dur("CRAPS_REVEAL_GRACE", &c.Consensus.RevealGrace)
	str("CRAPS_LEADER", &c.Consensus.Leader)
	num("CRAPS_MAX_ROLLBACK_DEPTH", &c.MaxRollbackDepth)
	dur("CRAPS_TICK", &c.Tick)
	dur("CRAPS_SYNC_INTERVAL", &c.SyncInterval)
	return errors.Join(errs...)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if _, err := consensus.ParseLeaderPolicy(c.Consensus.Leader); err != nil {
		errs = append(errs, err)
	}
	if c.Consensus.QuorumDen == 0 || c.Consensus.QuorumNum*3 < c.Consensus.QuorumDen*2 || c.Consensus.QuorumNum >= c.Consensus.QuorumDen {
		errs = append(errs, fmt.Errorf("quorum %d/%d must be at least 2/3 and below 1", c.Consensus.QuorumNum, c.Consensus.QuorumDen))
	}
	if c.Consensus.RoundTimeout <= 0 || c.Consensus.RevealGrace <= 0 {
		errs = append(errs, errors.New("round timeout and reveal grace must be positive"))
	}
	if c.Consensus.RevealGrace >= c.Consensus.RoundTimeout {
		errs = append(errs, fmt.Errorf("reveal grace %s must be shorter than the round timeout %s", c.Consensus.RevealGrace, c.Consensus.RoundTimeout))
	}
	if c.MaxRollbackDepth <= 0 {
		errs = append(errs, errors.New("max rollback depth must be positive"))
	}
	if c.Tick <= 0 {
		errs = append(errs, errors.New("tick must be positive"))
	}
	if c.Trust.BanThreshold >= c.Trust.TrustThreshold {
		errs = append(errs, errors.New("ban threshold must be below the trust threshold"))
	}
	seen := make(map[protocol.PeerID]bool, len(c.Roster))
	for i, m := range c.Roster {
		if _, err := m.ID.PublicKey(); err != nil {
			errs = append(errs, fmt.Errorf("roster[%d]: %w", i, err))
		}
		if _, err := protocol.ParseRole(m.Role); err != nil {
			errs = append(errs, fmt.Errorf("roster[%d]: %w", i, err))
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("roster[%d]: duplicate peer %s", i, m.ID.Short()))
		}
		seen[m.ID] = true
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", c.Log.Level)
}

// Members converts the roster for the trust tracker.
func (c *Config) Members() []trust.Member {
	out := make([]trust.Member, 0, len(c.Roster))
	for _, m := range c.Roster {
		role, _ := protocol.ParseRole(m.Role)
		out = append(out, trust.Member{ID: m.ID, Role: role, Stake: m.Stake})
	}
	return out
}

// Balances returns the genesis bankroll of every roster member.
func (c *Config) Balances() map[protocol.PeerID]uint64 {
	out := make(map[protocol.PeerID]uint64, len(c.Roster))
	for _, m := range c.Roster {
		out[m.ID] = m.Balance
	}
	return out
}

func (c *Config) TrustConfig() trust.Config {
	penalties := trust.DefaultPenalties()
	for k, v := range c.Trust.Penalties {
		penalties[k] = v
	}
	return trust.Config{
		InitialScore:   c.Trust.InitialScore,
		MinScore:       c.Trust.MinScore,
		MaxScore:       c.Trust.MaxScore,
		TrustThreshold: c.Trust.TrustThreshold,
		BanThreshold:   c.Trust.BanThreshold,
		BanDuration:    c.Trust.BanDuration,
		DecayInterval:  c.Trust.DecayInterval,
		DecayStep:      c.Trust.DecayStep,
		Reward:         c.Trust.Reward,
		Rate:           rate.Limit(c.Trust.Rate),
		Burst:          c.Trust.Burst,
		Penalties:      penalties,
	}
}

func (c *Config) ConsensusConfig() consensus.Config {
	leader, _ := consensus.ParseLeaderPolicy(c.Consensus.Leader)
	return consensus.Config{
		RoundTimeout: c.Consensus.RoundTimeout,
		QuorumNum:    c.Consensus.QuorumNum,
		QuorumDen:    c.Consensus.QuorumDen,
		Leader:       leader,
		LeadWindow:   protocol.Round(c.Consensus.LeadWindow),
		MaxBuffered:  c.Consensus.MaxBuffered,
	}
}

func (c *Config) RandomnessConfig() randomness.Config {
	return randomness.Config{
		RevealGrace: c.Consensus.RevealGrace,
		QuorumNum:   c.Consensus.QuorumNum,
		QuorumDen:   c.Consensus.QuorumDen,
	}
}

func (c *Config) SettlementConfig() settlement.Config {
	sc := settlement.DefaultConfig()
	sc.InitialInterval = c.Settlement.InitialInterval
	sc.MaxInterval = c.Settlement.MaxInterval
	sc.MaxAttempts = c.Settlement.MaxAttempts
	sc.Timeout = c.Settlement.Timeout
	return sc
}

func (c *Config) Rules() game.Rules {
	return game.Rules{MaxBet: c.Game.MaxBet, MaxBets: c.Game.MaxBets}
}

// NodeConfig assembles the engine configuration.
func (c *Config) NodeConfig() node.Config {
	nc := node.DefaultConfig()
	nc.Consensus = c.ConsensusConfig()
	nc.Randomness = c.RandomnessConfig()
	nc.Trust = c.TrustConfig()
	nc.Rules = c.Rules()
	nc.Roster = c.Members()
	nc.Balances = c.Balances()
	nc.MaxRollbackDepth = c.MaxRollbackDepth
	nc.DedupSize = c.Dedup.Size
	nc.DedupTTL = c.Dedup.TTL
	nc.SyncInterval = c.SyncInterval
	return nc
}
