package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"reconpipe/internal/runner"
	"reconpipe/pkg/batch"
	"reconpipe/pkg/checkpoint"
	"reconpipe/pkg/config"
	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/logger"
	"reconpipe/pkg/metrics"
	"reconpipe/pkg/ratelimit"
	"reconpipe/pkg/retry"
)

// Prompter is the operator-facing side of a resume
type Prompter interface {
	ShowSummary(sum checkpoint.Summary)
	ShowIssues(title string, lines []string)
	Confirm(question string) (bool, error)
}

// declinePrompter is used when no terminal is attached; it shows nothing
// and declines, so only non-interactive requests proceed
type declinePrompter struct{}

func (declinePrompter) ShowSummary(checkpoint.Summary) {}
func (declinePrompter) ShowIssues(string, []string)    {}
func (declinePrompter) Confirm(string) (bool, error)   { return false, nil }

var timeNow = time.Now

// FingerprintFunc reports the environment a scan would run with now
type FingerprintFunc func(ctx context.Context) (checkpoint.Environment, error)

// Pipeline starts and resumes scans
type Pipeline struct {
	cfg         *config.Config
	tools       map[checkpoint.Phase]runner.Tool
	processors  map[checkpoint.Phase]batch.Processor
	fingerprint FingerprintFunc
	prompter    Prompter
	logger      logger.Logger
	metrics     metrics.Recorder
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithTools runs each phase through a worker pool over the given tool and
// fingerprints those tools
func WithTools(tools map[checkpoint.Phase]runner.Tool) Option {
	return func(p *Pipeline) { p.tools = tools }
}

// WithProcessors replaces the per-phase processors
func WithProcessors(procs map[checkpoint.Phase]batch.Processor) Option {
	return func(p *Pipeline) { p.processors = procs }
}

// WithFingerprint replaces the environment probe
func WithFingerprint(fn FingerprintFunc) Option {
	return func(p *Pipeline) { p.fingerprint = fn }
}

func WithPrompter(pr Prompter) Option {
	return func(p *Pipeline) { p.prompter = pr }
}

func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline. Without WithTools or WithProcessors the tools
// named in cfg.Tools are used.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	p := &Pipeline{
		cfg:      cfg,
		prompter: declinePrompter{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.OrGlobal(p.logger)
	p.metrics = metrics.OrNop(p.metrics)

	if p.tools == nil && p.processors == nil {
		p.tools = runner.PhaseTools(cfg.Tools)
	}
	if p.tools != nil {
		p.useTools()
	}
	if p.fingerprint == nil {
		p.fingerprint = func(context.Context) (checkpoint.Environment, error) {
			return checkpoint.Environment{ToolVersions: map[string]string{}, TemplatesHash: runner.NoTemplates}, nil
		}
	}
	return p
}

// useTools builds a rate-limited pool per phase tool. Explicit processors
// and fingerprint functions take precedence.
func (p *Pipeline) useTools() {
	limiter := ratelimit.PerMinute(p.cfg.RateLimit.InvocationsPerMinute, p.cfg.RateLimit.BurstSize)
	list := make([]runner.Tool, 0, len(p.tools))
	procs := make(map[checkpoint.Phase]batch.Processor, len(p.tools))
	for _, phase := range checkpoint.Phases {
		tool, ok := p.tools[phase]
		if !ok {
			continue
		}
		list = append(list, tool)
		procs[phase] = runner.NewPool(tool, runner.PoolConfig{
			Workers: p.cfg.Batch.Workers,
			Timeout: p.cfg.Batch.ToolTimeout,
			Limiter: limiter,
			Logger:  p.logger,
		})
	}

	if p.processors == nil {
		p.processors = procs
	}
	if p.fingerprint == nil {
		templates := p.cfg.Tools.TemplatesPath
		p.fingerprint = func(ctx context.Context) (checkpoint.Environment, error) {
			return runner.Fingerprint(ctx, list, templates)
		}
	}
}

// Store opens the checkpoint store at path, or at the default location for
// domain when path is empty
func (p *Pipeline) Store(domain, path string) *checkpoint.Store {
	if path == "" {
		path = checkpoint.DefaultPath(p.cfg.Output.BaseDirectory, domain)
	}
	return checkpoint.NewStore(path, checkpoint.Options{
		LockTimeout:      p.cfg.Checkpoint.LockTimeout,
		LockPollInterval: p.cfg.Checkpoint.LockPollInterval,
		StaleLockAge:     p.cfg.Checkpoint.StaleLockAge,
		Logger:           p.logger,
		Metrics:          p.metrics,
	})
}

// Controller builds the phase controller for domain's scan
func (p *Pipeline) Controller(store *checkpoint.Store, domain string) *Controller {
	return NewController(store, ControllerConfig{
		Dir:        filepath.Join(p.cfg.Output.BaseDirectory, domain),
		Processors: p.processors,
		Batch: batch.Config{
			BatchSize:   p.cfg.Batch.Size,
			GracePeriod: p.cfg.Batch.GracePeriod,
			LockRetries: p.cfg.Checkpoint.LockRetries,
		},
		CheckpointInterval: p.cfg.Checkpoint.Interval,
		CacheSize:          p.cfg.Batch.CacheSize,
		LockRetries:        p.cfg.Checkpoint.LockRetries,
		Logger:             p.logger.WithField("domain", domain),
		Metrics:            p.metrics,
	})
}

// StartScan creates a fresh checkpoint for domain and runs every phase.
// It fails with AlreadyExists when the domain has a valid checkpoint.
func (p *Pipeline) StartScan(ctx context.Context, domain string) (RunResult, error) {
	env, err := p.fingerprint(ctx)
	if err != nil {
		return RunResult{}, errs.Wrap(errs.ErrorTypeUnknown, "fingerprint", err)
	}

	store := p.Store(domain, "")
	var st *checkpoint.ScanState
	err = p.withLockRetry(ctx, func() error {
		st, err = store.Initialize(domain, env)
		return err
	})
	if err != nil {
		return RunResult{}, err
	}

	p.logger.InfoWithFields("Scan started", map[string]interface{}{
		"domain":  domain,
		"scan_id": st.ScanID,
		"tools":   env.ToolVersions,
	})
	return p.Controller(store, domain).Run(ctx, RunOptions{})
}

// Resume continues a scan from its checkpoint: load (repairing if needed),
// show the summary, verify the environment, confirm, back up, optimize,
// then run
func (p *Pipeline) Resume(ctx context.Context, req ResumeRequest) ResumeOutcome {
	store := p.Store(req.Domain, req.CheckpointPath)
	out := ResumeOutcome{Path: store.Path()}
	log := p.logger.WithFields(map[string]interface{}{
		"domain":     req.Domain,
		"checkpoint": store.Path(),
	})

	fail := func(code OutcomeCode, err error) ResumeOutcome {
		out.Code = code
		out.Err = err
		if err != nil {
			log.WithError(err).WithField("outcome", code).Warn("Resume stopped")
		}
		return out
	}

	st, err := p.load(ctx, store)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrNotFound):
		return fail(NoCheckpointFound, err)
	case errors.Is(err, errs.ErrLockTimeout):
		return fail(LockTimeout, err)
	case errors.Is(err, errs.ErrCorrupt):
		p.prompter.ShowIssues("Checkpoint failed validation", errs.DetailsOf(err))
		if ok, perr := p.confirm(req, "Back up and repair the checkpoint?"); perr != nil || !ok {
			return fail(Aborted, perr)
		}
		report, rerr := store.Repair()
		out.Repair = &report
		if rerr != nil {
			if errors.Is(rerr, errs.ErrLockTimeout) {
				return fail(LockTimeout, rerr)
			}
			return fail(CorruptUnrepairable, rerr)
		}
		p.prompter.ShowIssues("Repaired", report.Actions)
		if st, err = p.load(ctx, store); err != nil {
			return fail(CorruptUnrepairable, err)
		}
	default:
		return fail(Failed, err)
	}

	if st.Domain != req.Domain {
		return fail(Failed, errs.Newf(errs.ErrorTypeInvalidTransition, "resume",
			"checkpoint %s belongs to %s, not %s", store.Path(), st.Domain, req.Domain))
	}

	sum := st.Summary(timeNow())
	sum.Path = store.Path()
	out.Summary = &sum
	p.prompter.ShowSummary(sum)

	env, err := p.fingerprint(ctx)
	if err != nil {
		return fail(Failed, errs.Wrap(errs.ErrorTypeUnknown, "fingerprint", err))
	}
	check := st.Environment.Compare(env)
	if !check.Match {
		out.Mismatches = check.Mismatches
		p.prompter.ShowIssues("Environment differs from the one the scan started with", check.Details())
		if !req.SkipVerification {
			return fail(EnvironmentMismatchAborted, errs.New(errs.ErrorTypeEnvironmentMismatch, "resume",
				"tool versions or templates changed; rerun with --skip-verification to continue anyway").
				WithDetails(check.Details()...))
		}
		log.WithField("mismatches", check.Details()).Warn("Continuing despite environment mismatch")
		if st.Environment.TemplatesHash == "" || st.Environment.TemplatesHash == checkpoint.UnknownTemplatesHash {
			if _, err := store.SetTemplatesHash(env.TemplatesHash); err != nil {
				log.WithError(err).Warn("Could not record templates hash")
			}
		}
	}

	question := fmt.Sprintf("Resume scan %s of %s?", st.ScanID, st.Domain)
	if req.ForcePhase != nil {
		question = fmt.Sprintf("Discard results of %s and later phases and resume scan %s?", *req.ForcePhase, st.ScanID)
	}
	if ok, err := p.confirm(req, question); err != nil || !ok {
		return fail(Aborted, err)
	}

	if err := p.prepare(store); err != nil {
		if errors.Is(err, errs.ErrLockTimeout) {
			return fail(LockTimeout, err)
		}
		return fail(Failed, err)
	}

	result, err := p.Controller(store, st.Domain).Run(ctx, RunOptions{Force: req.ForcePhase})
	out.Plan = result.Plan
	out.Reports = result.Reports
	switch {
	case err == nil:
		out.Code = Success
		log.Info("Resume finished")
		return out
	case errors.Is(err, errs.ErrInterrupted):
		return fail(Interrupted, err)
	case errors.Is(err, errs.ErrLockTimeout):
		return fail(LockTimeout, err)
	default:
		return fail(Failed, err)
	}
}

// ScanOrResume resumes domain's scan when it has a checkpoint and starts a
// fresh one otherwise
func (p *Pipeline) ScanOrResume(ctx context.Context, req ResumeRequest) ResumeOutcome {
	store := p.Store(req.Domain, req.CheckpointPath)
	if store.Exists() {
		return p.Resume(ctx, req)
	}

	out := ResumeOutcome{Path: store.Path()}
	result, err := p.StartScan(ctx, req.Domain)
	out.Plan = result.Plan
	out.Reports = result.Reports
	out.Err = err
	switch {
	case err == nil:
		out.Code = Success
	case errors.Is(err, errs.ErrInterrupted):
		out.Code = Interrupted
	case errors.Is(err, errs.ErrLockTimeout):
		out.Code = LockTimeout
	default:
		out.Code = Failed
	}
	return out
}

// prepare takes the pre-resume backup, compacts the checkpoint and applies
// the backup retention limit
func (p *Pipeline) prepare(store *checkpoint.Store) error {
	backup, err := store.Backup()
	if err != nil {
		return err
	}
	report, err := store.Optimize()
	if err != nil {
		return err
	}
	keep := p.cfg.Checkpoint.MaxBackups
	if keep <= 0 {
		keep = checkpoint.DefaultMaxBackups
	}
	if _, err := store.CleanupBackups(keep); err != nil {
		p.logger.WithError(err).Warn("Backup cleanup incomplete")
	}

	p.logger.DebugWithFields("Checkpoint prepared for resume", map[string]interface{}{
		"backup":          backup,
		"history_dropped": report.HistoryDropped,
	})
	return nil
}

func (p *Pipeline) confirm(req ResumeRequest, question string) (bool, error) {
	if req.NonInteractive {
		return true, nil
	}
	return p.prompter.Confirm(question)
}

func (p *Pipeline) load(ctx context.Context, store *checkpoint.Store) (*checkpoint.ScanState, error) {
	var st *checkpoint.ScanState
	err := p.withLockRetry(ctx, func() error {
		var err error
		st, err = store.Load()
		return err
	})
	return st, err
}

func (p *Pipeline) withLockRetry(ctx context.Context, fn func() error) error {
	attempts := p.cfg.Checkpoint.LockRetries
	if attempts <= 0 {
		attempts = batch.DefaultLockRetries
	}
	return retry.Do(ctx, func(context.Context, int) error { return fn() }, retry.OnLockTimeout(attempts, p.logger))
}

// LoadSummary returns the progress snapshot of domain's scan
func (p *Pipeline) LoadSummary(domain string) (checkpoint.Summary, error) {
	return p.Store(domain, "").Summary()
}

// LoadSummary reads the snapshot of domain's scan under outputDir with
// default settings
func LoadSummary(outputDir, domain string) (checkpoint.Summary, error) {
	store := checkpoint.NewStore(checkpoint.DefaultPath(outputDir, domain), checkpoint.Options{})
	return store.Summary()
}
