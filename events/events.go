// Package events carries the structured events the agreement engine emits
// for observers: logs, metrics and interactive front-ends. Emitting never
// blocks and never fails; the engine does not depend on any consumer.
package events

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/luca-patrignani/mental-craps/protocol"
)

type Type string

const (
	RoundOpened         Type = "round_opened"
	RoundFinalized      Type = "round_finalized"
	RoundAborted        Type = "round_aborted"
	FrameRejected       Type = "frame_rejected"
	PeerPenalized       Type = "peer_penalized"
	PeerBanned          Type = "peer_banned"
	ForkDetected        Type = "fork_detected"
	ForkResolved        Type = "fork_resolved"
	FatalConsistency    Type = "fatal_consistency"
	SettlementSucceeded Type = "settlement_succeeded"
	SettlementRetrying  Type = "settlement_retrying"
	SettlementFailed    Type = "settlement_failed"
	SettlementConflict  Type = "settlement_conflict"
)

// Event is one observation. Fields that do not apply to the type are zero.
type Event struct {
	ID     uuid.UUID
	Type   Type
	Time   time.Time
	Round  protocol.Round
	Height uint64
	Peer   protocol.PeerID
	Hash   protocol.Hash
	Reason string
	Count  int
}

// New stamps an event of type t with a fresh correlation id.
func New(t Type) Event {
	return Event{ID: uuid.New(), Type: t, Time: time.Now()}
}

// Attrs renders the non-zero fields as slog attributes.
func (e Event) Attrs() []slog.Attr {
	attrs := []slog.Attr{slog.String("event", e.ID.String())}
	if e.Round != 0 {
		attrs = append(attrs, slog.Uint64("round", uint64(e.Round)))
	}
	if e.Height != 0 {
		attrs = append(attrs, slog.Uint64("height", e.Height))
	}
	if e.Peer != "" {
		attrs = append(attrs, slog.String("peer", e.Peer.Short()))
	}
	if !e.Hash.IsZero() {
		attrs = append(attrs, slog.String("hash", e.Hash.Short()))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Count != 0 {
		attrs = append(attrs, slog.Int("count", e.Count))
	}
	return attrs
}

// Sink consumes events. Implementations must not block the caller.
type Sink interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}
