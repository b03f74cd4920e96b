package synod

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is optional everywhere: a nil *Metrics records nothing.
type Metrics struct {
	RoundsTotal            *prometheus.CounterVec
	RoundDuration          *prometheus.HistogramVec
	LeaseTransactionsTotal *prometheus.CounterVec
	LeadershipState        *prometheus.GaugeVec
	MessagesReceivedTotal  *prometheus.CounterVec
	DiscardedRepliesTotal  prometheus.Counter
	LiveMembers            prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		RoundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synod_register_rounds_total",
				Help: "Total number of register rounds",
			},
			[]string{"kind", "outcome"},
		),

		RoundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synod_register_round_duration_seconds",
				Help:    "Duration of register rounds in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"kind"},
		),

		LeaseTransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synod_lease_transactions_total",
				Help: "Total number of lease acquisitions and renewals",
			},
			[]string{"operation", "outcome"},
		),

		LeadershipState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "synod_leadership_state",
				Help: "Leadership state of the node (1 for current state, 0 otherwise)",
			},
			[]string{"state"},
		),

		MessagesReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synod_messages_received_total",
				Help: "Total number of protocol messages received",
			},
			[]string{"type"},
		),

		DiscardedRepliesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "synod_discarded_replies_total",
				Help: "Replies which did not match any outstanding round",
			},
		),

		LiveMembers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "synod_live_members",
				Help: "Number of synod members seen within the liveness window",
			},
		),
	}
}

func (m *Metrics) observeRound(kind string, outcome TxOutcome, d time.Duration) {
	if m == nil {
		return
	}

	m.RoundsTotal.WithLabelValues(kind, outcome.String()).Inc()
	m.RoundDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) observeLeaseTx(operation string, outcome TxOutcome) {
	if m == nil {
		return
	}

	m.LeaseTransactionsTotal.WithLabelValues(operation, outcome.String()).Inc()
}

func (m *Metrics) setLeadershipState(state LeadershipState) {
	if m == nil {
		return
	}

	for _, s := range []LeadershipState{NoLease, Acquiring, Leader} {
		value := 0.0
		if s == state {
			value = 1.0
		}

		m.LeadershipState.WithLabelValues(string(s)).Set(value)
	}
}

func (m *Metrics) observeMsg(msg Msg) {
	if m == nil {
		return
	}

	m.MessagesReceivedTotal.WithLabelValues(msg.GetType()).Inc()
}

func (m *Metrics) observeDiscardedReply() {
	if m == nil {
		return
	}

	m.DiscardedRepliesTotal.Inc()
}

func (m *Metrics) setLiveMembers(n int) {
	if m == nil {
		return
	}

	m.LiveMembers.Set(float64(n))
}
