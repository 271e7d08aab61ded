package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	toolRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paradox",
			Subsystem: "pool",
			Name:      "runs_total",
			Help:      "Hosted-tool runs by tool and exit status.",
		},
		[]string{"tool", "status"},
	)
	contextCreations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paradox",
			Subsystem: "pool",
			Name:      "context_creations_total",
			Help:      "Execution contexts created per tool.",
		},
		[]string{"tool"},
	)
	contextReuse = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paradox",
			Subsystem: "pool",
			Name:      "context_reuse_total",
			Help:      "Warm context acquisitions per tool.",
		},
		[]string{"tool"},
	)
	contextRecycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paradox",
			Subsystem: "pool",
			Name:      "context_recycles_total",
			Help:      "Contexts evicted by the recycle sweep, by reason.",
		},
		[]string{"tool", "reason"},
	)
	liveContexts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "paradox",
			Subsystem: "pool",
			Name:      "live_contexts",
			Help:      "Execution contexts currently held by the pool.",
		},
		[]string{"tool"},
	)
	acquireWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paradox",
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a free context.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paradox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Admin HTTP requests.",
		},
		[]string{"tool", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			toolRuns,
			contextCreations,
			contextReuse,
			contextRecycles,
			liveContexts,
			acquireWait,
			httpRequests,
		)
	})
}

func RecordRun(tool string, exitCode int32) {
	RegisterMetrics()
	status := "ok"
	if exitCode != 0 {
		status = "failed"
	}
	toolRuns.WithLabelValues(tool, status).Inc()
}

func RecordContextCreated(tool string) {
	RegisterMetrics()
	contextCreations.WithLabelValues(tool).Inc()
	liveContexts.WithLabelValues(tool).Inc()
}

func RecordContextReused(tool string) {
	RegisterMetrics()
	contextReuse.WithLabelValues(tool).Inc()
}

func RecordContextRecycled(tool, reason string) {
	RegisterMetrics()
	contextRecycles.WithLabelValues(tool, reason).Inc()
	liveContexts.WithLabelValues(tool).Dec()
}

func RecordContextDisposed(tool string) {
	RegisterMetrics()
	liveContexts.WithLabelValues(tool).Dec()
}

func RecordAcquireWait(tool string, waited time.Duration) {
	RegisterMetrics()
	acquireWait.WithLabelValues(tool).Observe(waited.Seconds())
}

func RecordHTTPRequest(tool, method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(tool, method, path, strconv.Itoa(status)).Inc()
}
