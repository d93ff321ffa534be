package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Build-time variables, set by main via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Histogram bucket definitions.
var (
	requestDurationBuckets  = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	dispatchDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	requestSizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the server.
type Metrics struct {
	// Request lifecycle
	RequestsTotal      *prometheus.CounterVec // labels: function, code
	RequestDuration    *prometheus.HistogramVec
	RequestSizeBytes   prometheus.Histogram
	RequestsRejected   *prometheus.CounterVec // labels: reason

	// Hook pipeline
	HookShortCircuits *prometheus.CounterVec // labels: hook
	HookPanics        *prometheus.CounterVec // labels: hook

	// Dispatch
	DispatchDuration *prometheus.HistogramVec // labels: function
	DispatchTimeouts prometheus.Counter

	// Operations
	OperationCancels      *prometheus.CounterVec // labels: result
	OperationCASConflicts prometheus.Counter

	// Streaming
	StreamChunksTotal      prometheus.Counter
	StreamDisconnectsTotal prometheus.Counter

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// InitMetrics creates and registers all metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forrst", Name: "requests_total",
			Help: "RPC requests handled, by function and outcome code.",
		}, []string{"function", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forrst", Name: "request_duration_seconds",
			Help:    "Full request lifecycle duration.",
			Buckets: requestDurationBuckets,
		}, []string{"function"}),
		RequestSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "forrst", Name: "request_size_bytes",
			Help:    "Raw request body sizes.",
			Buckets: requestSizeBuckets,
		}),
		RequestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forrst", Name: "requests_rejected_total",
			Help: "Requests rejected before dispatch, by reason.",
		}, []string{"reason"}),
		HookShortCircuits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forrst", Name: "hook_short_circuits_total",
			Help: "Before-hooks that produced a terminal response.",
		}, []string{"hook"}),
		HookPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forrst", Name: "hook_panics_total",
			Help: "Hooks that panicked and failed the request closed.",
		}, []string{"hook"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forrst", Name: "dispatch_duration_seconds",
			Help:    "Function invocation duration.",
			Buckets: dispatchDurationBuckets,
		}, []string{"function"}),
		DispatchTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forrst", Name: "dispatch_timeouts_total",
			Help: "Dispatches abandoned after the wall-clock timeout.",
		}),
		OperationCancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forrst", Name: "operation_cancels_total",
			Help: "Cancel attempts, by result (ok, not_found, terminal, conflict).",
		}, []string{"result"}),
		OperationCASConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forrst", Name: "operation_cas_conflicts_total",
			Help: "Conditional writes rejected because the revision moved.",
		}),
		StreamChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forrst", Name: "stream_chunks_total",
			Help: "Chunks written to streaming responses.",
		}),
		StreamDisconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forrst", Name: "stream_disconnects_total",
			Help: "Streams ended by client disconnect before the final event.",
		}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forrst", Name: "build_info",
			Help: "Build metadata; always 1.",
		}, []string{"version", "commit"}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RequestSizeBytes, m.RequestsRejected,
		m.HookShortCircuits, m.HookPanics,
		m.DispatchDuration, m.DispatchTimeouts,
		m.OperationCancels, m.OperationCASConflicts,
		m.StreamChunksTotal, m.StreamDisconnectsTotal,
		m.BuildInfo,
	)
	m.BuildInfo.WithLabelValues(Version, Commit).Set(1)

	return m
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
