package trust

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/luca-patrignani/mental-craps/protocol"
)

// Config holds the reputation policy. All scores are integers.
type Config struct {
	InitialScore   int64
	MinScore       int64
	MaxScore       int64
	TrustThreshold int64 // peers below this carry no weight
	BanThreshold   int64 // reaching this bans the peer
	BanDuration    time.Duration
	DecayInterval  time.Duration
	DecayStep      int64 // points recovered toward InitialScore per interval
	Reward         int64
	Rate           rate.Limit
	Burst          int
	Penalties      map[protocol.ViolationKind]int64
}

// DefaultPenalties are the score deltas applied per violation kind.
func DefaultPenalties() map[protocol.ViolationKind]int64 {
	return map[protocol.ViolationKind]int64{
		protocol.ViolationBadSignature:    50,
		protocol.ViolationDoubleVote:      100,
		protocol.ViolationEquivocation:    100,
		protocol.ViolationWrongRound:      5,
		protocol.ViolationCommitMismatch:  100,
		protocol.ViolationMissingReveal:   30,
		protocol.ViolationInvalidProposal: 50,
		protocol.ViolationNotEligible:     20,
		protocol.ViolationFlooding:        10,
		protocol.ViolationTimeout:         15,
	}
}

func DefaultConfig() Config {
	return Config{
		InitialScore:   100,
		MinScore:       -1000,
		MaxScore:       1000,
		TrustThreshold: 0,
		BanThreshold:   -500,
		BanDuration:    24 * time.Hour,
		DecayInterval:  30 * time.Second,
		DecayStep:      1,
		Reward:         5,
		Rate:           50,
		Burst:          100,
		Penalties:      DefaultPenalties(),
	}
}
