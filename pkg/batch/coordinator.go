package batch

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"reconpipe/pkg/checkpoint"
	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/logger"
	"reconpipe/pkg/metrics"
	"reconpipe/pkg/retry"
	"reconpipe/pkg/storage"
)

const (
	DefaultBatchSize   = 100
	DefaultGracePeriod = 30 * time.Second
	DefaultLockRetries = 3
)

// Config configures a Coordinator
type Config struct {
	BatchSize int
	// GracePeriod is how long an in-flight batch may keep running after
	// cancellation before its context is cancelled too
	GracePeriod time.Duration
	// LockRetries bounds attempts at each checkpoint write that times out
	// waiting for the lock
	LockRetries int
	Logger      logger.Logger
	Metrics     metrics.Recorder
}

// Job is one phase's worth of work
type Job struct {
	Phase     checkpoint.Phase
	Input     Source
	Output    *storage.DiskSet
	Processor Processor
}

// Report summarizes a Run
type Report struct {
	Phase checkpoint.Phase
	// Resumed is set when the phase continued from a saved cursor
	Resumed bool
	// SkippedItems were processed by an earlier run and not resubmitted
	SkippedItems int
	Batches      int
	Items        int
	TotalItems   int
	ResultsCount int
	Completed    bool
	Interrupted  bool
	Duration     time.Duration
}

// Coordinator feeds a phase's input to a Processor in fixed-size batches
// and records progress after every batch
type Coordinator struct {
	store     *checkpoint.Store
	cfg       Config
	batchSize atomic.Int64
	logger    logger.Logger
	metrics   metrics.Recorder
}

// New creates a Coordinator writing progress to store
func New(store *checkpoint.Store, cfg Config) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = DefaultLockRetries
	}

	c := &Coordinator{
		store:   store,
		cfg:     cfg,
		logger:  logger.OrGlobal(cfg.Logger).WithField("component", "batch"),
		metrics: metrics.OrNop(cfg.Metrics),
	}
	c.batchSize.Store(int64(cfg.BatchSize))
	return c
}

// BatchSize returns the size the next batch will use
func (c *Coordinator) BatchSize() int {
	return int(c.batchSize.Load())
}

// ReduceBatchSize lowers the batch size from the next batch on. It only
// shrinks; requests to grow or to go below one are refused.
func (c *Coordinator) ReduceBatchSize(n int) bool {
	for {
		cur := c.batchSize.Load()
		if n < 1 || int64(n) >= cur {
			return false
		}
		if c.batchSize.CompareAndSwap(cur, int64(n)) {
			c.logger.WithFields(map[string]interface{}{
				"from": cur,
				"to":   n,
			}).Info("Batch size reduced")
			return true
		}
	}
}

// Run processes job.Phase from its saved cursor to the end of the input.
// A batch's results reach the output set and are synced before the
// checkpoint records the batch, so a crash replays at most one batch.
//
// Cancellation of ctx is observed between batches. An in-flight batch
// gets GracePeriod to finish; if it is abandoned, the checkpoint stays at
// the last completed batch. Either way Run returns an Interrupted error.
func (c *Coordinator) Run(ctx context.Context, job Job) (Report, error) {
	start := time.Now()
	report := Report{Phase: job.Phase}
	log := c.logger.WithField("phase", job.Phase)

	if job.Input == nil || job.Output == nil || job.Processor == nil {
		return report, errs.New(errs.ErrorTypeUnknown, "run batches", "job needs input, output and processor")
	}

	st, err := c.load(ctx)
	if err != nil {
		return report, err
	}
	rec := st.Phases[job.Phase]
	report.TotalItems = job.Input.Count()

	if rec.Status == checkpoint.PhaseCompleted {
		report.Completed = true
		report.ResultsCount = rec.ResultsCount
		log.Info("Phase already completed")
		return report, nil
	}

	pos := 0
	batchIndex := 0
	if rec.Checkpoint != nil {
		pos = rec.Checkpoint.ItemsProcessed
		batchIndex = rec.Checkpoint.BatchIndex
		report.Resumed = rec.Status == checkpoint.PhaseInProgress && pos > 0
	}
	if pos > report.TotalItems {
		return report, errs.Newf(errs.ErrorTypeInvalidTransition, "run batches",
			"%s cursor at item %d but input has only %d items", job.Phase, pos, report.TotalItems)
	}
	report.SkippedItems = pos
	for i := 0; i < batchIndex; i++ {
		c.metrics.BatchSkipped(string(job.Phase))
	}

	if rec.Status == checkpoint.PhasePending {
		err := c.updatePhase(ctx, job.Phase, checkpoint.PhaseUpdate{
			Status:       checkpoint.PhaseInProgress,
			ResultsCount: c.resultsCount(job, rec.ResultsCount),
			Cursor:       &checkpoint.Cursor{BatchSize: c.BatchSize(), TotalItems: report.TotalItems},
		})
		if err != nil {
			return report, err
		}
	}

	if pos > 0 {
		log.WithFields(map[string]interface{}{
			"items_processed": pos,
			"batch_index":     batchIndex,
		}).Info("Resuming phase from checkpoint")
	}

	it := job.Input.Iter()
	defer it.Close()

	// Already-processed items are read past, never resubmitted
	for skipped := 0; skipped < pos; skipped++ {
		if !it.Next() {
			if err := it.Err(); err != nil {
				return report, errs.Wrap(errs.ErrorTypeUnknown, "run batches", err)
			}
			break
		}
	}

	processed := pos
	for {
		if ctx.Err() != nil {
			return c.interrupted(report, start, log)
		}

		items, err := nextBatch(it, c.BatchSize())
		if err != nil {
			return report, errs.Wrap(errs.ErrorTypeUnknown, "run batches", err)
		}
		if len(items) == 0 {
			break
		}

		b := Batch{Phase: job.Phase, Index: batchIndex, Offset: processed, Items: items}
		batchStart := time.Now()
		results, err := c.process(ctx, job, b)
		if err != nil {
			if ctx.Err() != nil {
				return c.interrupted(report, start, log)
			}
			return report, c.fail(ctx, job.Phase, b, err)
		}

		if len(results) > 0 {
			if _, err := job.Output.AddAll(results); err != nil {
				return report, errs.Wrap(errs.ErrorTypeUnknown, "store results", err)
			}
		}
		if err := job.Output.Sync(); err != nil {
			return report, errs.Wrap(errs.ErrorTypeUnknown, "store results", err)
		}

		processed += len(items)
		batchIndex++
		done := processed >= report.TotalItems

		u := checkpoint.PhaseUpdate{
			Status:             checkpoint.PhaseInProgress,
			ProgressPercentage: progress(processed, report.TotalItems),
			ResultsCount:       c.resultsCount(job, rec.ResultsCount),
			Cursor: &checkpoint.Cursor{
				LastItem:       items[len(items)-1],
				BatchIndex:     batchIndex,
				ItemsProcessed: processed,
				BatchSize:      len(items),
				TotalItems:     report.TotalItems,
			},
			Batch: &checkpoint.BatchEntry{
				BatchIndex:  b.Index,
				Items:       len(items),
				Results:     len(results),
				CompletedAt: time.Now().UTC().Round(0),
			},
		}
		if done {
			u.Status = checkpoint.PhaseCompleted
			u.ProgressPercentage = 100
		}
		// The batch is done; its checkpoint is written even if ctx was
		// cancelled meanwhile
		if err := c.updatePhase(context.WithoutCancel(ctx), job.Phase, u); err != nil {
			return report, err
		}
		rec.ResultsCount = u.ResultsCount

		duration := time.Since(batchStart)
		c.metrics.BatchCompleted(string(job.Phase), len(items), duration)
		logger.LogBatch(log, string(job.Phase), b.Index, len(items), processed, report.TotalItems, duration)

		report.Batches++
		report.Items += len(items)
		report.ResultsCount = u.ResultsCount
		if done {
			report.Completed = true
			break
		}
	}

	if !report.Completed {
		// Empty input, or an input that ended early
		results := c.resultsCount(job, rec.ResultsCount)
		err := c.updatePhase(context.WithoutCancel(ctx), job.Phase, checkpoint.PhaseUpdate{
			Status:             checkpoint.PhaseCompleted,
			ProgressPercentage: 100,
			ResultsCount:       results,
			Cursor: &checkpoint.Cursor{
				BatchIndex:     batchIndex,
				ItemsProcessed: processed,
				BatchSize:      c.BatchSize(),
				TotalItems:     processed,
			},
		})
		if err != nil {
			return report, err
		}
		report.Completed = true
		report.ResultsCount = results
	}

	report.Duration = time.Since(start)
	log.WithFields(map[string]interface{}{
		"batches":  report.Batches,
		"items":    report.Items,
		"results":  report.ResultsCount,
		"duration": report.Duration,
	}).Info("Phase completed")
	return report, nil
}

// process runs one batch with a single immediate retry. The batch runs on a
// context that outlives ctx by the grace period.
func (c *Coordinator) process(ctx context.Context, job Job, b Batch) ([]string, error) {
	bctx, cancel := c.graceContext(ctx)
	defer cancel()

	cfg := retry.Once(c.logger)
	cfg.OnRetry = func(attempt int, err error, _ time.Duration) {
		c.metrics.BatchRetried(string(b.Phase))
	}
	return retry.DoWithResult(bctx, func(ctx context.Context, attempt int) ([]string, error) {
		return job.Processor.ProcessBatch(ctx, b)
	}, cfg)
}

func (c *Coordinator) graceContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	var timer atomic.Pointer[time.Timer]
	stop := context.AfterFunc(parent, func() {
		if c.cfg.GracePeriod == 0 {
			cancel()
			return
		}
		c.logger.WithField("grace_period", c.cfg.GracePeriod).Warn("Interrupted, waiting for in-flight batch")
		timer.Store(time.AfterFunc(c.cfg.GracePeriod, cancel))
	})
	return ctx, func() {
		stop()
		if t := timer.Load(); t != nil {
			t.Stop()
		}
		cancel()
	}
}

// fail records the batch failure on the phase and returns BatchFailed. The
// cursor is left at the last completed batch.
func (c *Coordinator) fail(ctx context.Context, phase checkpoint.Phase, b Batch, cause error) error {
	c.metrics.BatchFailed(string(phase))
	where := fmt.Sprintf("batch %d (items %d-%d)", b.Index, b.Offset, b.Offset+len(b.Items)-1)
	msg := fmt.Sprintf("%s failed: %v", where, cause)

	c.logger.WithError(cause).WithFields(map[string]interface{}{
		"phase":       phase,
		"batch_index": b.Index,
		"items":       len(b.Items),
	}).Error("Batch failed")

	err := c.withLockRetry(context.WithoutCancel(ctx), func() error {
		_, err := c.store.MarkPhaseFailed(phase, msg)
		return err
	})
	if err != nil {
		c.logger.WithError(err).Error("Failed to record batch failure")
	}

	return &errs.Error{
		Type:    errs.ErrorTypeBatchFailed,
		Op:      "run batches",
		Message: where + " failed",
		Err:     cause,
	}
}

func (c *Coordinator) interrupted(report Report, start time.Time, log logger.Logger) (Report, error) {
	report.Interrupted = true
	report.Duration = time.Since(start)
	log.WithFields(map[string]interface{}{
		"batches": report.Batches,
		"items":   report.Items,
	}).Warn("Phase interrupted, no new batches started")
	return report, errs.Newf(errs.ErrorTypeInterrupted, "run batches", "%s interrupted", report.Phase)
}

func (c *Coordinator) load(ctx context.Context) (*checkpoint.ScanState, error) {
	var st *checkpoint.ScanState
	err := c.withLockRetry(ctx, func() error {
		var err error
		st, err = c.store.Load()
		return err
	})
	return st, err
}

func (c *Coordinator) updatePhase(ctx context.Context, phase checkpoint.Phase, u checkpoint.PhaseUpdate) error {
	return c.withLockRetry(ctx, func() error {
		_, err := c.store.UpdatePhase(phase, u)
		return err
	})
}

// withLockRetry retries fn while it fails with LockTimeout
func (c *Coordinator) withLockRetry(ctx context.Context, fn func() error) error {
	err := retry.Do(ctx, func(context.Context, int) error { return fn() }, retry.OnLockTimeout(c.cfg.LockRetries, c.logger))
	if err != nil && retry.IsLockTimeout(err) {
		c.logger.WithError(err).Error("Giving up on checkpoint lock")
	}
	return err
}

// resultsCount is the output set's size. It never reports less than the
// recorded count, which can happen when the output file was removed by hand.
func (c *Coordinator) resultsCount(job Job, recorded int) int {
	n := job.Output.Count()
	if n < recorded {
		c.logger.WithFields(map[string]interface{}{
			"phase":    job.Phase,
			"recorded": recorded,
			"on_disk":  n,
		}).Warn("Output set has fewer results than the checkpoint records")
		return recorded
	}
	return n
}

func nextBatch(it storage.Iterator, size int) ([]string, error) {
	items := make([]string, 0, size)
	for len(items) < size && it.Next() {
		items = append(items, it.Key())
	}
	return items, it.Err()
}

func progress(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(done) / float64(total) * 100
	return math.Min(100, math.Round(p*100)/100)
}
