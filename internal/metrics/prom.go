package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "vocero_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "daemon"},
		},
		[]string{"date", "sha", "version"},
	)

	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vocero_rpc_calls_total",
			Help: "Backend RPC calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vocero_rpc_call_duration_seconds",
			Help:    "Backend RPC call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	generationChunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vocero_generation_chunks_total",
			Help: "Streamed generation chunks routed to callers",
		},
	)

	generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vocero_generations_total",
			Help: "Completed generations by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vocero_generation_duration_seconds",
			Help:    "End to end generation duration",
			Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"model"},
	)

	backendStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vocero_backend_starts_total",
			Help: "Backend process launches",
		},
	)

	backendExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vocero_backend_exits_total",
			Help: "Backend process exits by reason",
		},
		[]string{"reason"},
	)

	bootstrapRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vocero_bootstrap_runs_total",
			Help: "Environment bootstrap attempts by result",
		},
		[]string{"result"},
	)

	bootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vocero_bootstrap_duration_seconds",
			Help:    "Environment bootstrap duration",
			Buckets: []float64{0.1, 1, 5, 15, 60, 120, 300, 600, 1800},
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, rpcCalls, rpcDuration, generationChunks, generations, generationDuration, backendStarts, backendExits, bootstrapRuns, bootstrapDuration)
}

// SetBuildInfo sets the build info metric for the daemon.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordCall increments the RPC call counter.
func RecordCall(method, outcome string) {
	rpcCalls.WithLabelValues(method, outcome).Inc()
}

// ObserveCallDuration records the duration of a resolved RPC call.
func ObserveCallDuration(method string, d time.Duration) {
	rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordChunk increments the streamed chunk counter.
func RecordChunk() {
	generationChunks.Inc()
}

// RecordGeneration increments the generation counter for a model.
func RecordGeneration(model string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	generations.WithLabelValues(model, outcome).Inc()
}

// ObserveGenerationDuration records the end to end duration of a generation.
func ObserveGenerationDuration(model string, d time.Duration) {
	generationDuration.WithLabelValues(model).Observe(d.Seconds())
}

// RecordBackendStart increments the backend launch counter.
func RecordBackendStart() {
	backendStarts.Inc()
}

// RecordBackendExit increments the backend exit counter for a reason.
func RecordBackendExit(reason string) {
	backendExits.WithLabelValues(reason).Inc()
}

// RecordBootstrap increments the bootstrap attempt counter for a result.
func RecordBootstrap(result string) {
	bootstrapRuns.WithLabelValues(result).Inc()
}

// ObserveBootstrapDuration records how long a bootstrap attempt took.
func ObserveBootstrapDuration(d time.Duration) {
	bootstrapDuration.Observe(d.Seconds())
}
