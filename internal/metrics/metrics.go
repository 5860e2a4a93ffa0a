// Package metrics holds the Prometheus collectors of the signaling relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicemesh"

// Drop reasons for undeliverable messages.
const (
	DropUserOffline  = "user_offline"
	DropNotInChannel = "not_in_channel"
	DropBackpressure = "backpressure"
	DropRateLimited  = "rate_limited"
	DropBadPayload   = "bad_payload"
)

type Relay struct {
	Connections    prometheus.Gauge
	Messages       *prometheus.CounterVec
	Dropped        *prometheus.CounterVec
	ChannelJoins   prometheus.Counter
	ChannelLeaves  prometheus.Counter
	Kicks          prometheus.Counter
	ActiveChannels prometheus.Gauge
}

// NewRelay registers the relay collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_connections",
			Help:      "Open signaling WebSocket connections.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_messages_total",
			Help:      "Inbound signaling messages by type.",
		}, []string{"type"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_dropped_total",
			Help:      "Messages the relay could not deliver, by reason.",
		}, []string{"reason"}),
		ChannelJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_channel_joins_total",
			Help:      "Voice channel joins.",
		}),
		ChannelLeaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_channel_leaves_total",
			Help:      "Voice channel leaves, explicit or implicit.",
		}),
		Kicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_channel_kicks_total",
			Help:      "Members removed from a channel by the backpressure policy.",
		}),
		ActiveChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_channels_active",
			Help:      "Voice channels with at least one member.",
		}),
	}
}

// The helpers below are nil-safe so components run without metrics.

func (r *Relay) Message(t string) {
	if r != nil {
		r.Messages.WithLabelValues(t).Inc()
	}
}

func (r *Relay) Drop(reason string) {
	if r != nil {
		r.Dropped.WithLabelValues(reason).Inc()
	}
}

func (r *Relay) Connected() {
	if r != nil {
		r.Connections.Inc()
	}
}

func (r *Relay) Disconnected() {
	if r != nil {
		r.Connections.Dec()
	}
}

func (r *Relay) Joined() {
	if r != nil {
		r.ChannelJoins.Inc()
	}
}

func (r *Relay) Left() {
	if r != nil {
		r.ChannelLeaves.Inc()
	}
}

func (r *Relay) Kicked() {
	if r != nil {
		r.Kicks.Inc()
	}
}

func (r *Relay) SetChannels(n int) {
	if r != nil {
		r.ActiveChannels.Set(float64(n))
	}
}
