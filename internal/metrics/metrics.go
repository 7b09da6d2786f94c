// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicemesh"

var (
	TunnelConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tunnel",
		Name:      "connections",
		Help:      "Open discovery tunnel connections.",
	})

	TunnelMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tunnel",
		Name:      "messages_total",
		Help:      "Tunnel messages handled, by type.",
	}, []string{"type"})

	RelayClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "clients",
		Help:      "Connected relay clients.",
	})

	RelayFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "frames_total",
		Help:      "Relay frames by result (forwarded, evicted, spoofed).",
	}, []string{"result"})

	LinkTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "link",
		Name:      "transitions_total",
		Help:      "Link state transitions, by target state and path.",
	}, []string{"state", "path"})

	ForwardedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sfu",
		Name:      "frames_total",
		Help:      "Frames handled by the forwarding router, by result.",
	}, []string{"result"})

	AudioFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audio",
		Name:      "frames_total",
		Help:      "Audio frames by stage (captured, sent, dropped, late, mixed).",
	}, []string{"stage"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
