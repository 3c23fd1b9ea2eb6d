package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsBroadcast counts events fanned out to overlay clients.
	EventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multichat_events_total",
			Help: "Total number of events broadcast per platform and kind",
		},
		[]string{"platform", "kind"},
	)

	// DroppedFrames counts frames skipped because a client's send queue was full.
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multichat_dropped_frames_total",
		Help: "Frames not delivered to a slow client",
	})

	// Clients is the number of attached overlay clients.
	Clients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "multichat_clients",
		Help: "Currently attached overlay clients",
	})

	// PlatformConnected is 1 while a platform is connected.
	PlatformConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "multichat_platform_connected",
			Help: "Whether the platform is connected (1) or not (0)",
		},
		[]string{"platform"},
	)

	// Reconnects counts scheduled reconnect attempts by failure class.
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multichat_reconnects_total",
			Help: "Reconnect attempts scheduled per platform and failure class",
		},
		[]string{"platform", "reason"},
	)

	// AvatarLookups counts avatar resolutions by outcome (hit, resolved, failed).
	AvatarLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multichat_avatar_lookups_total",
			Help: "Avatar lookups per platform and outcome",
		},
		[]string{"platform", "result"},
	)
)

// SetConnected mirrors a platform's connectivity into PlatformConnected
func SetConnected(platform string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	PlatformConnected.WithLabelValues(platform).Set(v)
}
