package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GPUResourcesLive tracks native resource pools that have been allocated and not yet released
	GPUResourcesLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpures_resources_live",
			Help: "Number of native GPU resource pools currently allocated",
		},
	)

	// GPUResourcesAllocationsTotal counts native allocation attempts
	GPUResourcesAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpures_resources_allocations_total",
			Help: "Total number of native GPU resource allocation attempts",
		},
		[]string{"backend", "status"},
	)

	// GPUResourcesReleasesTotal counts native releases
	GPUResourcesReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpures_resources_releases_total",
			Help: "Total number of native GPU resource pools released",
		},
		[]string{"backend", "reason"}, // "close", "finalizer"
	)

	// GPUConfigCallsTotal counts native configuration calls
	GPUConfigCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpures_config_calls_total",
			Help: "Total number of native GPU resource configuration calls",
		},
		[]string{"operation", "status"},
	)

	// GPUConfigCallDurationSeconds measures native configuration call latency
	GPUConfigCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpures_config_call_duration_seconds",
			Help:    "Duration of native GPU resource configuration calls",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"operation"},
	)

	// GPUTempMemoryBytes records the last successfully requested temp arena size
	GPUTempMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpures_temp_memory_bytes",
			Help: "Requested temporary memory arena size per device (0 when disabled)",
		},
		[]string{"device"},
	)

	// GPUPinnedMemoryBytes records the last successfully requested pinned memory size
	GPUPinnedMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpures_pinned_memory_bytes",
			Help: "Requested pinned host memory size per device",
		},
		[]string{"device"},
	)

	// VectorSearchGPULatencySeconds measures the latency of GPU search operations
	VectorSearchGPULatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpures_vector_search_gpu_latency_seconds",
			Help:    "Latency of GPU vector search operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // "search", "add"
	)

	// VectorSearchGPUOperationsTotal counts GPU operations
	VectorSearchGPUOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpures_vector_search_gpu_operations_total",
			Help: "Total number of GPU vector search operations",
		},
		[]string{"operation", "status"},
	)

	// GPUIndexesBound counts indexes bound to a resource pool
	GPUIndexesBound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpures_indexes_bound_total",
			Help: "Total number of indexes bound to GPU resources",
		},
		[]string{"backend"},
	)

	// HealthCheckDurationSeconds measures each component health check
	HealthCheckDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpures_health_check_duration_seconds",
			Help:    "Duration of health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	// HealthCheckStatus reports the last status per component (1=healthy, 0.5=degraded, 0=unhealthy)
	HealthCheckStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpures_health_check_status",
			Help: "Health check status (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"component"},
	)
)
