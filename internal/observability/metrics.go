package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wanhub",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wanhub",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	reactorDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wanhub",
			Subsystem: "reactor",
			Name:      "dispatch_total",
			Help:      "Watcher callbacks invoked, by watcher kind and readiness event.",
		},
		[]string{"kind", "event"},
	)
	reactorWatchers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wanhub",
			Subsystem: "reactor",
			Name:      "watchers",
			Help:      "Watchers currently listed, by reactor.",
		},
		[]string{"reactor"},
	)
	reactorPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wanhub",
			Subsystem: "reactor",
			Name:      "callback_panics_total",
			Help:      "Watcher callbacks that panicked and were retired.",
		},
		[]string{"kind"},
	)
	endpointExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wanhub",
			Subsystem: "endpoint",
			Name:      "exchanges_total",
			Help:      "Completed endpoint receives, by outcome.",
		},
		[]string{"outcome"},
	)
	hubConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wanhub",
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Open peer connections.",
		},
		[]string{"hub"},
	)
	hubAccepts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wanhub",
			Subsystem: "hub",
			Name:      "accepts_total",
			Help:      "Accept attempts, by result.",
		},
		[]string{"hub", "result"},
	)
	hubFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wanhub",
			Subsystem: "hub",
			Name:      "frames_total",
			Help:      "Frames handled by the hub, by direction and command.",
		},
		[]string{"hub", "direction", "command"},
	)
	hubFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wanhub",
			Subsystem: "hub",
			Name:      "faults_total",
			Help:      "Connections closed on a fault, by class.",
		},
		[]string{"hub", "class"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			reactorDispatch, reactorWatchers, reactorPanics,
			endpointExchanges,
			hubConnections, hubAccepts, hubFrames, hubFaults,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDispatch(kind, event string) {
	RegisterMetrics()
	reactorDispatch.WithLabelValues(kind, event).Inc()
}

func SetListedWatchers(reactor string, n int) {
	RegisterMetrics()
	reactorWatchers.WithLabelValues(reactor).Set(float64(n))
}

// ForgetReactor drops the per-reactor gauge once the reactor is closed.
func ForgetReactor(reactor string) {
	RegisterMetrics()
	reactorWatchers.DeleteLabelValues(reactor)
}

func RecordCallbackPanic(kind string) {
	RegisterMetrics()
	reactorPanics.WithLabelValues(kind).Inc()
}

func RecordExchange(outcome string) {
	RegisterMetrics()
	endpointExchanges.WithLabelValues(outcome).Inc()
}

func SetHubConnections(hub string, n int) {
	RegisterMetrics()
	hubConnections.WithLabelValues(hub).Set(float64(n))
}

func RecordAccept(hub, result string) {
	RegisterMetrics()
	hubAccepts.WithLabelValues(hub, result).Inc()
}

func RecordFrame(hub, direction string, command uint8) {
	RegisterMetrics()
	hubFrames.WithLabelValues(hub, direction, CommandLabel(command)).Inc()
}

func RecordHubFault(hub, class string) {
	RegisterMetrics()
	hubFaults.WithLabelValues(hub, class).Inc()
}

// CommandLabel bounds the command label set: known opcodes by name, the rest
// as "other".
func CommandLabel(command uint8) string {
	switch command {
	case 0:
		return "null"
	case 1:
		return "basic"
	case 2:
		return "multicast"
	case 3:
		return "node"
	case 4:
		return "overlay"
	case 0x70:
		return "ping"
	case 0x71:
		return "pong"
	default:
		return "other"
	}
}
