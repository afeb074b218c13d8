package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"reconpipe/pkg/batch"
	"reconpipe/pkg/checkpoint"
	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/logger"
	"reconpipe/pkg/metrics"
	"reconpipe/pkg/retry"
	"reconpipe/pkg/storage"
)

// DefaultCheckpointInterval is how often a running scan writes a periodic
// checkpoint
const DefaultCheckpointInterval = 5 * time.Minute

// Action is what the controller does with a phase
type Action string

const (
	Skip              Action = "skip"
	ResumeWithinPhase Action = "resume"
	StartFresh        Action = "start"
)

// Step is the decision for one phase
type Step struct {
	Phase  checkpoint.Phase
	Action Action
}

// Plan lists a Step for every phase in pipeline order
type Plan []Step

// Action returns the decision for p
func (p Plan) Action(phase checkpoint.Phase) Action {
	for _, s := range p {
		if s.Phase == phase {
			return s.Action
		}
	}
	return ""
}

func (p Plan) done() bool {
	for _, s := range p {
		if s.Action != Skip {
			return false
		}
	}
	return true
}

// Decide maps checkpoint state to per-phase actions. A forced phase and
// every phase after it start fresh; earlier phases keep their state.
// Environment checks happen before this, so a completed phase is skipped.
func Decide(st *checkpoint.ScanState, force *checkpoint.Phase) Plan {
	plan := make(Plan, 0, len(checkpoint.Phases))
	for _, p := range checkpoint.Phases {
		var action Action
		switch {
		case force != nil && p.Index() >= force.Index():
			action = StartFresh
		case st.Phases[p].Status == checkpoint.PhaseCompleted:
			action = Skip
		case st.Phases[p].Status == checkpoint.PhaseInProgress:
			action = ResumeWithinPhase
		default:
			action = StartFresh
		}
		plan = append(plan, Step{Phase: p, Action: action})
	}
	return plan
}

// OutputFile names each phase's result set inside the domain directory
var OutputFile = map[checkpoint.Phase]string{
	checkpoint.PhaseEnumeration:   "subdomains.txt",
	checkpoint.PhaseAlive:         "alive.txt",
	checkpoint.PhaseVulnerability: "findings.jsonl",
}

// ControllerConfig configures a Controller
type ControllerConfig struct {
	// Dir holds the domain's result sets
	Dir        string
	Processors map[checkpoint.Phase]batch.Processor
	Batch      batch.Config
	// CheckpointInterval is the periodic checkpoint period; <= 0 disables it
	CheckpointInterval time.Duration
	CacheSize          int
	LockRetries        int
	Logger             logger.Logger
	Metrics            metrics.Recorder
}

// RunOptions controls one Run
type RunOptions struct {
	// Force restarts this phase and every later one
	Force *checkpoint.Phase
}

// RunResult describes a finished Run
type RunResult struct {
	Plan    Plan
	Reports []batch.Report
	Status  checkpoint.ScanStatus
}

// Controller runs the phases of one scan in order
type Controller struct {
	store   *checkpoint.Store
	coord   *batch.Coordinator
	cfg     ControllerConfig
	logger  logger.Logger
	metrics metrics.Recorder

	// one checkpoint write at a time, whatever the trigger
	checkpointMu sync.Mutex
}

// NewController creates a controller for the scan stored in store
func NewController(store *checkpoint.Store, cfg ControllerConfig) *Controller {
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = batch.DefaultLockRetries
	}
	if cfg.Batch.LockRetries <= 0 {
		cfg.Batch.LockRetries = cfg.LockRetries
	}
	if cfg.Batch.Logger == nil {
		cfg.Batch.Logger = cfg.Logger
	}
	if cfg.Batch.Metrics == nil {
		cfg.Batch.Metrics = cfg.Metrics
	}

	return &Controller{
		store:   store,
		coord:   batch.New(store, cfg.Batch),
		cfg:     cfg,
		logger:  logger.OrGlobal(cfg.Logger).WithField("component", "controller"),
		metrics: metrics.OrNop(cfg.Metrics),
	}
}

// Coordinator exposes the batch coordinator, for example to reduce the
// batch size under resource pressure
func (c *Controller) Coordinator() *batch.Coordinator {
	return c.coord
}

// CheckpointNow is the single path for taking a checkpoint, used by the
// periodic timer, interruption handling and manual requests
func (c *Controller) CheckpointNow(trigger checkpoint.Trigger) error {
	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()

	return retry.Do(context.Background(), func(context.Context, int) error {
		_, err := c.store.RecordCheckpoint(trigger)
		return err
	}, retry.OnLockTimeout(c.cfg.LockRetries, c.logger))
}

// Run executes the plan for the stored scan. On success the scan is marked
// completed; a failed batch leaves it failed and an interruption leaves it
// paused after a final checkpoint.
func (c *Controller) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	var result RunResult

	if opts.Force != nil {
		if err := c.forceRestart(*opts.Force); err != nil {
			return result, err
		}
	}

	st, err := c.store.Load()
	if err != nil {
		return result, err
	}
	result.Plan = Decide(st, nil)
	if st.Status == checkpoint.ScanCompleted && result.Plan.done() {
		result.Status = checkpoint.ScanCompleted
		c.logger.WithField("domain", st.Domain).Info("Scan already completed")
		return result, nil
	}
	if st.Status != checkpoint.ScanInProgress {
		if st, err = c.store.SetScanStatus(checkpoint.ScanInProgress); err != nil {
			return result, err
		}
	}
	result.Status = st.Status

	stop := c.startPeriodic()
	defer stop()

	for _, step := range result.Plan {
		if step.Action == Skip {
			c.logger.WithField("phase", step.Phase).Info("Skipping completed phase")
			continue
		}

		report, err := c.runPhase(ctx, st.Domain, step)
		result.Reports = append(result.Reports, report)
		if err != nil {
			result.Status = c.settle(err)
			return result, err
		}
	}

	if _, err := c.store.SetScanStatus(checkpoint.ScanCompleted); err != nil {
		return result, err
	}
	result.Status = checkpoint.ScanCompleted
	c.logger.WithField("domain", st.Domain).Info("Scan completed")
	return result, nil
}

func (c *Controller) runPhase(ctx context.Context, domain string, step Step) (batch.Report, error) {
	proc, ok := c.cfg.Processors[step.Phase]
	if !ok {
		return batch.Report{Phase: step.Phase}, errs.Newf(errs.ErrorTypeUnknown, "run phase", "no processor for %s", step.Phase)
	}

	input, closeInput, err := c.input(domain, step.Phase)
	if err != nil {
		return batch.Report{Phase: step.Phase}, err
	}
	defer closeInput()

	output, err := storage.OpenDiskSet(c.outputPath(step.Phase), c.cfg.CacheSize)
	if err != nil {
		return batch.Report{Phase: step.Phase}, errs.Wrap(errs.ErrorTypeUnknown, "open results", err)
	}
	defer output.Close()

	c.metrics.SetActivePhase(string(step.Phase), true)
	defer c.metrics.SetActivePhase(string(step.Phase), false)

	c.logger.WithFields(map[string]interface{}{
		"phase":  step.Phase,
		"action": step.Action,
		"input":  input.Count(),
	}).Info("Starting phase")

	return c.coord.Run(ctx, batch.Job{
		Phase:     step.Phase,
		Input:     input,
		Output:    output,
		Processor: proc,
	})
}

// input is the root domain for enumeration and the previous phase's result
// set otherwise
func (c *Controller) input(domain string, phase checkpoint.Phase) (batch.Source, func(), error) {
	prev, ok := phase.Previous()
	if !ok {
		return batch.SliceSource{domain}, func() {}, nil
	}
	set, err := storage.OpenDiskSet(c.outputPath(prev), c.cfg.CacheSize)
	if err != nil {
		return nil, nil, errs.Wrap(errs.ErrorTypeUnknown, "open input", err)
	}
	return set, func() { set.Close() }, nil
}

func (c *Controller) outputPath(p checkpoint.Phase) string {
	return filepath.Join(c.cfg.Dir, OutputFile[p])
}

// forceRestart resets the checkpoint from phase on and moves the result
// sets of the reset phases aside
func (c *Controller) forceRestart(phase checkpoint.Phase) error {
	_, backup, err := c.store.ResetFrom(phase)
	if err != nil {
		return err
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	for _, p := range checkpoint.Phases[phase.Index():] {
		path := c.outputPath(p)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		aside := fmt.Sprintf("%s.%s.bak", path, stamp)
		if err := os.Rename(path, aside); err != nil {
			return errs.Wrap(errs.ErrorTypeUnknown, "reset results", err)
		}
		c.logger.WithFields(map[string]interface{}{
			"phase": p,
			"moved": aside,
		}).Info("Previous results moved aside")
	}

	c.logger.WithFields(map[string]interface{}{
		"phase":  phase,
		"backup": backup,
	}).Warn("Phases reset for forced restart")
	return nil
}

// settle records the scan status matching a phase error
func (c *Controller) settle(err error) checkpoint.ScanStatus {
	switch {
	case errors.Is(err, errs.ErrInterrupted):
		if cerr := c.CheckpointNow(checkpoint.TriggerInterrupt); cerr != nil {
			c.logger.WithError(cerr).Error("Final checkpoint failed")
		}
		if _, serr := c.store.SetScanStatus(checkpoint.ScanPaused); serr != nil {
			c.logger.WithError(serr).Error("Failed to mark scan paused")
		}
		c.logger.Warn("Scan paused; resume picks up at the last completed batch")
		return checkpoint.ScanPaused
	case errors.Is(err, errs.ErrBatchFailed):
		// The coordinator already marked the phase and the scan failed
		return checkpoint.ScanFailed
	default:
		c.logger.WithError(err).Error("Scan stopped")
		if st, lerr := c.store.Load(); lerr == nil {
			return st.Status
		}
		return checkpoint.ScanInProgress
	}
}

// startPeriodic writes a checkpoint every interval until the returned stop
// function is called
func (c *Controller) startPeriodic() func() {
	if c.cfg.CheckpointInterval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(c.cfg.CheckpointInterval)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				if err := c.CheckpointNow(checkpoint.TriggerPeriodic); err != nil {
					c.logger.WithError(err).Warn("Periodic checkpoint failed")
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		wg.Wait()
	}
}
