// Package metrics holds the prometheus collectors shared by the client and
// the answering endpoint.
package metrics

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "robolink"

// Collector groups the robolink metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	negotiations *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	probeRTT     prometheus.Histogram
	messages     *prometheus.CounterVec
	peers        prometheus.Gauge
	commands     prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		negotiations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Offer/answer negotiations by result.",
		}, []string{"result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_transitions_total",
			Help:      "Negotiation state machine transitions.",
		}, []string{"from", "to"}),
		probeRTT: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_rtt_milliseconds",
			Help:      "Round trip time measured by the data channel prober.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datachannel_messages_total",
			Help:      "Data channel text messages by direction.",
		}, []string{"direction"}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "answerer_peers",
			Help:      "Peer connections held by the answering endpoint.",
		}),
		commands: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Operator commands received.",
		}),
	}
}

func (c *Collector) Negotiation(result string) {
	if c == nil {
		return
	}
	c.negotiations.WithLabelValues(result).Inc()
}

func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

// ProbeRTT records a round trip. NaN values from malformed replies are skipped.
func (c *Collector) ProbeRTT(ms float64) {
	if c == nil || math.IsNaN(ms) {
		return
	}
	c.probeRTT.Observe(ms)
}

func (c *Collector) Message(direction string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(direction).Inc()
}

func (c *Collector) PeerAdded() {
	if c == nil {
		return
	}
	c.peers.Inc()
}

func (c *Collector) PeerRemoved() {
	if c == nil {
		return
	}
	c.peers.Dec()
}

func (c *Collector) Command() {
	if c == nil {
		return
	}
	c.commands.Inc()
}
