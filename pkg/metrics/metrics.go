package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder defines the metrics operations used by the pipeline
type Recorder interface {
	// Batch metrics
	BatchCompleted(phase string, items int, duration time.Duration)
	BatchFailed(phase string)
	BatchRetried(phase string)
	BatchSkipped(phase string)

	// Checkpoint metrics
	CheckpointWritten(trigger string)
	ObserveLockWait(duration time.Duration, acquired bool)

	// Phase metrics
	SetActivePhase(phase string, active bool)
}

// Pipeline implements Recorder with Prometheus collectors
type Pipeline struct {
	BatchesCompleted *prometheus.CounterVec
	BatchesFailed    *prometheus.CounterVec
	BatchesRetried   *prometheus.CounterVec
	BatchesSkipped   *prometheus.CounterVec
	ItemsProcessed   *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec

	CheckpointWrites *prometheus.CounterVec
	LockWait         prometheus.Histogram
	LockTimeouts     prometheus.Counter

	ActivePhase *prometheus.GaugeVec
}

const namespace = "reconpipe"

// New registers the pipeline collectors with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Pipeline{
		BatchesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_completed_total",
			Help:      "Total number of batches processed and checkpointed",
		}, []string{"phase"}),
		BatchesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Total number of batches that failed after retry",
		}, []string{"phase"}),
		BatchesRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_retried_total",
			Help:      "Total number of batch retries",
		}, []string{"phase"}),
		BatchesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_skipped_total",
			Help:      "Total number of batches skipped because a checkpoint covered them",
		}, []string{"phase"}),
		ItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Total number of input items handed to external tools",
		}, []string{"phase"}),
		BatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent processing a batch",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"phase"}),
		CheckpointWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Total number of checkpoint file writes",
		}, []string{"trigger"}),
		LockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_lock_wait_seconds",
			Help:      "Time spent waiting for the checkpoint lock",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		LockTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_lock_timeouts_total",
			Help:      "Total number of checkpoint lock acquisitions that timed out",
		}),
		ActivePhase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_phase",
			Help:      "1 for the phase currently running",
		}, []string{"phase"}),
	}
}

func (m *Pipeline) BatchCompleted(phase string, items int, duration time.Duration) {
	m.BatchesCompleted.WithLabelValues(phase).Inc()
	m.ItemsProcessed.WithLabelValues(phase).Add(float64(items))
	m.BatchDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

func (m *Pipeline) BatchFailed(phase string)  { m.BatchesFailed.WithLabelValues(phase).Inc() }
func (m *Pipeline) BatchRetried(phase string) { m.BatchesRetried.WithLabelValues(phase).Inc() }
func (m *Pipeline) BatchSkipped(phase string) { m.BatchesSkipped.WithLabelValues(phase).Inc() }

func (m *Pipeline) CheckpointWritten(trigger string) {
	m.CheckpointWrites.WithLabelValues(trigger).Inc()
}

func (m *Pipeline) ObserveLockWait(duration time.Duration, acquired bool) {
	m.LockWait.Observe(duration.Seconds())
	if !acquired {
		m.LockTimeouts.Inc()
	}
}

func (m *Pipeline) SetActivePhase(phase string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.ActivePhase.WithLabelValues(phase).Set(v)
}

// Nop discards all metrics
type Nop struct{}

func (Nop) BatchCompleted(string, int, time.Duration) {}
func (Nop) BatchFailed(string)                        {}
func (Nop) BatchRetried(string)                       {}
func (Nop) BatchSkipped(string)                       {}
func (Nop) CheckpointWritten(string)                  {}
func (Nop) ObserveLockWait(time.Duration, bool)       {}
func (Nop) SetActivePhase(string, bool)               {}

// OrNop returns r, or Nop when r is nil
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
