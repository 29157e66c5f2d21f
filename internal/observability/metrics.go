package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/edgelink/internal/events"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "device",
			Name:      "packets_total",
			Help:      "Packets sent and received by type.",
		},
		[]string{"direction", "type"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "device",
			Name:      "packets_dropped_total",
			Help:      "Received packets dropped before reaching a module.",
		},
		[]string{"type", "reason"},
	)
	links = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgelink",
			Subsystem: "link",
			Name:      "active",
			Help:      "Open links by kind.",
		},
		[]string{"kind"},
	)
	pairingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "pairing",
			Name:      "events_total",
			Help:      "Pairing notifications by kind.",
		},
		[]string{"event"},
	)
	transferJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "transfer",
			Name:      "jobs_total",
			Help:      "Transfer jobs by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)
	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Payload bytes moved by finished transfer jobs.",
		},
		[]string{"direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			packets,
			packetsDropped,
			links,
			pairingEvents,
			transferJobs,
			transferBytes,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPacket(direction, typ string) {
	RegisterMetrics()
	packets.WithLabelValues(direction, typ).Inc()
}

func RecordDrop(typ, reason string) {
	RegisterMetrics()
	packetsDropped.WithLabelValues(typ, reason).Inc()
}

func LinkOpened(kind string) {
	RegisterMetrics()
	links.WithLabelValues(kind).Inc()
}

func LinkClosed(kind string) {
	RegisterMetrics()
	links.WithLabelValues(kind).Dec()
}

// ObserveEvents turns bus notifications into pairing and transfer counters.
func ObserveEvents(bus *events.Bus) {
	RegisterMetrics()
	bus.Subscribe("observability", func(e events.Event) {
		switch e.Kind {
		case events.KindPairRequest, events.KindPairSuccess, events.KindPairFailed, events.KindUnpaired:
			pairingEvents.WithLabelValues(e.Kind).Inc()
		case "transfer.succeeded":
			transferJobs.WithLabelValues(label(e.Data, "direction"), "succeeded").Inc()
			addBytes(e.Data)
		case "transfer.failed":
			outcome := "failed"
			if canceled, _ := e.Data["canceled"].(bool); canceled {
				outcome = "canceled"
			}
			transferJobs.WithLabelValues(label(e.Data, "direction"), outcome).Inc()
			addBytes(e.Data)
		}
	})
}

func addBytes(data map[string]any) {
	if n, ok := data["bytes"].(int64); ok && n > 0 {
		transferBytes.WithLabelValues(label(data, "direction")).Add(float64(n))
	}
}

func label(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}
