package events

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink turns events into counters and gauges.
type PrometheusSink struct {
	events    *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	aborted   *prometheus.CounterVec
	penalties *prometheus.CounterVec
	height    prometheus.Gauge
	round     prometheus.Gauge
	rollbacks prometheus.Counter
}

// NewPrometheusSink registers the engine metrics with reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "craps_events_total",
			Help: "Total number of engine events by type",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "craps_frames_rejected_total",
			Help: "Total number of inbound frames rejected by reason",
		}, []string{"reason"}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "craps_rounds_aborted_total",
			Help: "Total number of aborted rounds by reason",
		}, []string{"reason"}),
		penalties: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "craps_peer_penalties_total",
			Help: "Total number of trust penalties by violation",
		}, []string{"violation"}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "craps_chain_height",
			Help: "Height of the local finalized chain",
		}),
		round: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "craps_last_finalized_round",
			Help: "Round of the last finalized record",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "craps_fork_rollback_records_total",
			Help: "Total number of records rolled back by fork resolution",
		}),
	}
	reg.MustRegister(s.events, s.rejected, s.aborted, s.penalties, s.height, s.round, s.rollbacks)
	return s
}

func (s *PrometheusSink) Emit(e Event) {
	s.events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case RoundFinalized:
		s.height.Set(float64(e.Height))
		s.round.Set(float64(e.Round))
	case FrameRejected:
		s.rejected.WithLabelValues(e.Reason).Inc()
	case RoundAborted:
		reason, _, _ := strings.Cut(e.Reason, ":")
		s.aborted.WithLabelValues(reason).Inc()
	case PeerPenalized:
		s.penalties.WithLabelValues(e.Reason).Inc()
	case ForkResolved:
		s.rollbacks.Add(float64(e.Count))
	}
}
