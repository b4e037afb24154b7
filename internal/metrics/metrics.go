package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64
var lastStep atomic.Int64

var (
	DecodeTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_decode_tokens_total",
		Help: "The total number of tokens appended across all searches",
	})

	DecodeStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "bodkin_decode_step_duration_seconds",
		Help: "Duration of a single decode step (logits in to append enqueued)",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bodkin_kernel_duration_seconds",
		Help:    "Histogram of device kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	StreamSyncDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "bodkin_stream_sync_duration_seconds",
		Help: "Time the host spends blocked in stream synchronization",
	})

	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_device_memory_allocated_bytes",
		Help: "Current bytes allocated in device buffers",
	})

	ActiveSearches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_active_searches",
		Help: "Number of live search instances",
	})

	BeamHypothesesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_beam_hypotheses_completed_total",
		Help: "Total number of beam hypotheses admitted as completed",
	})

	BeamHypothesesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_beam_hypotheses_evicted_total",
		Help: "Total number of completed hypotheses evicted by a better candidate",
	})

	FinalizeDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "bodkin_finalize_duration_seconds",
		Help: "Duration of beam search finalization",
	})

	SequenceLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_sequence_length_tokens",
		Help:    "Distribution of final sequence lengths",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
	})

	ScoreProcessorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bodkin_score_processor_duration_seconds",
		Help:    "Host-side time spent enqueueing each score processor",
		Buckets: prometheus.DefBuckets,
	}, []string{"processor"})
)

func RecordStep(tokens int, duration time.Duration) {
	DecodeTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	lastStep.Store(time.Now().UnixNano())
	DecodeStepDuration.Observe(duration.Seconds())
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordStreamSync(duration time.Duration) {
	StreamSyncDuration.Observe(duration.Seconds())
}

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordSearchOpened() {
	ActiveSearches.Inc()
}

func RecordSearchClosed(finalLength int) {
	ActiveSearches.Dec()
	SequenceLengthHistogram.Observe(float64(finalLength))
}

func RecordHypothesisCompleted() {
	BeamHypothesesCompleted.Inc()
}

func RecordHypothesisEvicted() {
	BeamHypothesesEvicted.Inc()
}

func RecordFinalize(duration time.Duration) {
	FinalizeDuration.Observe(duration.Seconds())
}

func RecordScoreProcessor(name string, duration time.Duration) {
	ScoreProcessorDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// TotalTokens returns the process-lifetime token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}

// LastStepTime returns the wall time of the most recent decode step,
// or the zero time if no step has run yet.
func LastStepTime() time.Time {
	ns := lastStep.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
