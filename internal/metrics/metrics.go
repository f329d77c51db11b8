package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "denoise_jobs_total",
		Help: "Denoise jobs by result",
	}, []string{"result"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "denoise_job_duration_seconds",
		Help:    "End to end duration of a denoise job",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "denoise_step_duration_seconds",
		Help:    "Duration of each protocol step (upload, setup, intensity, tiles, sync, readback)",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})

	TilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "denoise_tiles_total",
		Help: "Total number of tiles submitted to the engine",
	})

	TilesPerJob = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "denoise_tiles_per_job",
		Help:    "Number of tiles per denoise job",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	VariantSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "denoise_variant_selected_total",
		Help: "Denoiser variants selected, by input kind",
	}, []string{"kind"})

	VariantFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "denoise_variant_fallbacks_total",
		Help: "Denoiser variant constructions rejected by the engine, by input kind",
	}, []string{"kind"})

	PlannedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "denoise_planned_bytes",
		Help: "Device memory footprint of the most recent memory plan",
	})

	DeviceMemoryAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_memory_allocated_bytes",
		Help: "Current bytes allocated on each device",
	}, []string{"device"})

	BufferReuse = promauto.NewCounter(prometheus.CounterOpts{
		Name: "denoise_buffer_reuse_total",
		Help: "Jobs that reused buffers planned for an identical variant and resolution",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "denoise_errors_total",
		Help: "Denoise failures by error kind",
	}, []string{"kind"})
)

func RecordJob(result string, duration time.Duration) {
	JobsTotal.WithLabelValues(result).Inc()
	JobDuration.Observe(duration.Seconds())
}

func RecordStep(step string, duration time.Duration) {
	StepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

func RecordTiles(n int) {
	TilesTotal.Add(float64(n))
	TilesPerJob.Observe(float64(n))
}

func RecordVariant(kind string) {
	VariantSelected.WithLabelValues(kind).Inc()
}

func RecordFallback(kind string) {
	VariantFallbacks.WithLabelValues(kind).Inc()
}

func RecordPlan(bytes int64) {
	PlannedBytes.Set(float64(bytes))
}

func RecordDeviceMemory(ordinal int, bytes int64) {
	DeviceMemoryAllocated.WithLabelValues(strconv.Itoa(ordinal)).Set(float64(bytes))
}

func RecordBufferReuse() {
	BufferReuse.Inc()
}

func RecordError(kind string) {
	ErrorsTotal.WithLabelValues(kind).Inc()
}
