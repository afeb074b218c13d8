package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/lock"
	"reconpipe/pkg/logger"
	"reconpipe/pkg/metrics"
)

const (
	// FileName is the checkpoint file inside a domain's checkpoint directory
	FileName = "scan_state.json"

	DefaultLockTimeout  = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// DefaultPath returns <outputDir>/<domain>/checkpoints/scan_state.json
func DefaultPath(outputDir, domain string) string {
	return filepath.Join(outputDir, domain, "checkpoints", FileName)
}

// Options configures a Store
type Options struct {
	LockTimeout      time.Duration
	LockPollInterval time.Duration
	StaleLockAge     time.Duration
	LockStrategy     lock.Strategy
	Logger           logger.Logger
	Metrics          metrics.Recorder
	// Now is the clock; tests replace it
	Now func() time.Time
}

// Store owns the checkpoint file of one scan. All reads and writes go
// through the lock; writes replace the file atomically.
type Store struct {
	path    string
	opts    Options
	lock    *lock.FileLock
	logger  logger.Logger
	metrics metrics.Recorder

	// serializes users of this Store; the file lock covers other processes
	mu sync.Mutex
}

// NewStore creates a store for the checkpoint at path
func NewStore(path string, opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.LockPollInterval <= 0 {
		opts.LockPollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logger.OrGlobal(opts.Logger).WithField("checkpoint", path)

	lockOpts := []lock.Option{lock.WithLogger(log), lock.WithStaleAfter(opts.StaleLockAge)}
	if opts.LockStrategy != nil {
		lockOpts = append(lockOpts, lock.WithStrategy(opts.LockStrategy))
	}

	return &Store{
		path:    path,
		opts:    opts,
		lock:    lock.New(path+".lock", lockOpts...),
		logger:  log,
		metrics: metrics.OrNop(opts.Metrics),
	}
}

// Path returns the checkpoint file path
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a checkpoint file is present
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *Store) now() time.Time {
	return s.opts.Now().UTC().Round(0)
}

// withLock runs fn while holding both the in-process mutex and the file
// lock. A missing checkpoint directory means there is nothing to read, so it
// fails with NotFound without creating anything.
func (s *Store) withLock(op string, fn func() error) error {
	if _, err := os.Stat(filepath.Dir(s.path)); err != nil {
		if os.IsNotExist(err) {
			return errs.Newf(errs.ErrorTypeNotFound, op, "no checkpoint at %s", s.path)
		}
		return errs.Wrap(errs.ErrorTypeUnknown, op, err)
	}
	return s.locked(op, fn)
}

// withCreateLock is withLock for operations that write a checkpoint; the
// lock file lives next to it, so the directory is created first
func (s *Store) withCreateLock(op string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errs.Wrap(errs.ErrorTypeUnknown, op, fmt.Errorf("create checkpoint directory: %w", err))
	}
	return s.locked(op, fn)
}

func (s *Store) locked(op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ok, err := s.lock.Acquire(s.opts.LockTimeout, s.opts.LockPollInterval)
	s.metrics.ObserveLockWait(time.Since(start), ok)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeUnknown, op, fmt.Errorf("acquire lock: %w", err))
	}
	if !ok {
		return errs.Newf(errs.ErrorTypeLockTimeout, op, "could not lock %s within %s", s.path, s.opts.LockTimeout)
	}
	defer func() {
		if err := s.lock.Release(); err != nil {
			s.logger.WithError(err).Warn("Failed to release checkpoint lock")
		}
	}()

	return fn()
}

// Initialize creates a fresh checkpoint for domain. It fails with
// AlreadyExists when a valid checkpoint is present. A corrupt file is
// backed up and replaced.
func (s *Store) Initialize(domain string, env Environment) (*ScanState, error) {
	var st *ScanState
	err := s.withCreateLock("initialize", func() error {
		existing, err := s.readLocked()
		switch {
		case err == nil:
			return errs.Newf(errs.ErrorTypeAlreadyExists, "initialize", "checkpoint for %s already exists (scan %s)", existing.Domain, existing.ScanID)
		case errs.TypeOf(err) == errs.ErrorTypeCorrupt:
			backup, berr := s.backupLocked()
			if berr != nil {
				return berr
			}
			s.logger.WithField("backup", backup).Warn("Replacing corrupt checkpoint")
		case errs.TypeOf(err) != errs.ErrorTypeNotFound:
			return err
		}

		st = NewScanState(domain, env, s.now())
		return s.writeLocked(st, "initialize")
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoWithFields("Checkpoint created", map[string]interface{}{
		"scan_id": st.ScanID,
		"domain":  domain,
	})
	return st, nil
}

// Load reads and validates the checkpoint. It fails with NotFound when no
// file exists and Corrupt, carrying the issue list, when validation fails.
func (s *Store) Load() (*ScanState, error) {
	var st *ScanState
	err := s.withLock("load", func() error {
		var err error
		st, err = s.readLocked()
		return err
	})
	return st, err
}

func (s *Store) readLocked() (*ScanState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Newf(errs.ErrorTypeNotFound, "load", "no checkpoint at %s", s.path)
		}
		return nil, errs.Wrap(errs.ErrorTypeUnknown, "load", err)
	}

	st, issues := checkSchema(data)
	if len(issues) > 0 {
		return nil, errs.New(errs.ErrorTypeCorrupt, "load", fmt.Sprintf("%d schema issue(s) in %s", len(issues), s.path)).
			WithDetails(issueStrings(issues)...)
	}
	return st, nil
}

// Verify checks the checkpoint without modifying it
func (s *Store) Verify() ([]Issue, error) {
	var issues []Issue
	err := s.withLock("verify", func() error {
		data, err := os.ReadFile(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return errs.Newf(errs.ErrorTypeNotFound, "verify", "no checkpoint at %s", s.path)
			}
			return err
		}
		_, issues = checkSchema(data)
		return nil
	})
	return issues, err
}

// Save writes a copy of st atomically and returns the saved state. Its
// last_update is advanced to now and never moves backward; st itself is
// left untouched.
func (s *Store) Save(st *ScanState) (*ScanState, error) {
	out := st.Clone()
	err := s.withCreateLock("save", func() error {
		return s.writeLocked(out, "save")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) writeLocked(st *ScanState, trigger string) error {
	if st.Environment.ToolVersions == nil {
		st.Environment.ToolVersions = map[string]string{}
	}
	if issues := checkInvariants(st); len(issues) > 0 {
		return errs.New(errs.ErrorTypeInvalidTransition, trigger, "refusing to save an invalid checkpoint").
			WithDetails(issueStrings(issues)...)
	}

	now := s.now()
	if prev := s.peekLastUpdate(); now.Before(prev) {
		now = prev
	}
	if now.Before(st.LastUpdate) {
		now = st.LastUpdate
	}
	st.LastUpdate = now

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errs.Wrap(errs.ErrorTypeUnknown, trigger, err)
	}
	if err := writeFileAtomic(s.path, append(data, '\n')); err != nil {
		return errs.Wrap(errs.ErrorTypeUnknown, trigger, err)
	}

	s.metrics.CheckpointWritten(trigger)
	logger.LogCheckpoint(s.logger, s.path, trigger)
	return nil
}

// peekLastUpdate returns last_update of the file on disk, if readable
func (s *Store) peekLastUpdate() time.Time {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return time.Time{}
	}
	var head struct {
		LastUpdate time.Time `json:"last_update"`
	}
	if json.Unmarshal(data, &head) != nil {
		return time.Time{}
	}
	return head.LastUpdate
}

// writeFileAtomic writes data to a temp file in the target directory,
// fsyncs it and renames it over path
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".scan_state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}

	syncDir(dir)
	return nil
}

// syncDir makes the rename durable. Not every platform can fsync a
// directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Update loads the checkpoint, applies fn and saves the result, all under
// one lock hold. The state passed to fn is discarded if fn fails.
func (s *Store) Update(fn func(st *ScanState) error) (*ScanState, error) {
	return s.update("update", fn)
}

func (s *Store) update(op string, fn func(st *ScanState) error) (*ScanState, error) {
	var out *ScanState
	err := s.withLock(op, func() error {
		st, err := s.readLocked()
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		if err := s.writeLocked(st, op); err != nil {
			return err
		}
		out = st
		return nil
	})
	return out, err
}

// PhaseUpdate describes one UpdatePhase call
type PhaseUpdate struct {
	Status             PhaseStatus
	ProgressPercentage float64
	ResultsCount       int
	// Cursor replaces the phase's resume cursor when set
	Cursor *Cursor
	// Batch is appended to the phase history when set
	Batch *BatchEntry
}

// UpdatePhase applies u to phase under the lock. Transitions outside the
// phase table, a second phase in progress, starting a phase before its
// predecessor completed, and shrinking counters all fail with
// InvalidTransition. The phase's statistic follows its results count.
func (s *Store) UpdatePhase(phase Phase, u PhaseUpdate) (*ScanState, error) {
	var from PhaseStatus
	st, err := s.update("batch", func(st *ScanState) error {
		from = st.Phases[phase].Status
		return st.applyPhaseUpdate(phase, u)
	})
	if err == nil && from != u.Status {
		logger.LogPhaseTransition(s.logger, st.Domain, string(phase), string(from), string(u.Status))
	}
	return st, err
}

func invalid(op, format string, args ...interface{}) error {
	return errs.Newf(errs.ErrorTypeInvalidTransition, op, format, args...)
}

func (st *ScanState) applyPhaseUpdate(phase Phase, u PhaseUpdate) error {
	const op = "update phase"
	if !phase.Valid() {
		return invalid(op, "unknown phase %q", phase)
	}
	rec := st.Phases[phase]

	if !rec.Status.CanTransitionTo(u.Status) {
		return invalid(op, "%s: %s -> %s is not allowed", phase, rec.Status, u.Status)
	}
	if u.Status == PhaseInProgress {
		if prev, ok := phase.Previous(); ok && st.Phases[prev].Status != PhaseCompleted {
			return invalid(op, "%s cannot start before %s is completed", phase, prev)
		}
		if active, ok := st.ActivePhase(); ok && active != phase {
			return invalid(op, "%s cannot start while %s is in progress", phase, active)
		}
	}
	if u.ProgressPercentage < 0 || u.ProgressPercentage > 100 {
		return invalid(op, "%s: progress %v out of range", phase, u.ProgressPercentage)
	}
	if u.Status == PhaseCompleted && u.ProgressPercentage != 100 {
		return invalid(op, "%s: completed phase must be at 100%%, got %v", phase, u.ProgressPercentage)
	}
	if u.ResultsCount < rec.ResultsCount {
		return invalid(op, "%s: results count would shrink from %d to %d", phase, rec.ResultsCount, u.ResultsCount)
	}
	if u.Cursor != nil && rec.Checkpoint != nil && u.Cursor.ItemsProcessed < rec.Checkpoint.ItemsProcessed {
		return invalid(op, "%s: cursor would move back from %d to %d items", phase, rec.Checkpoint.ItemsProcessed, u.Cursor.ItemsProcessed)
	}

	rec.Status = u.Status
	rec.ProgressPercentage = u.ProgressPercentage
	rec.ResultsCount = u.ResultsCount
	if u.Cursor != nil {
		cur := *u.Cursor
		rec.Checkpoint = &cur
	}
	if u.Batch != nil {
		rec.History = append(rec.History, *u.Batch)
		rec.Error = ""
	}
	if u.Status == PhaseCompleted {
		rec.Error = ""
	}
	st.Phases[phase] = rec

	if u.ResultsCount > st.Statistics.For(phase) {
		st.Statistics.set(phase, u.ResultsCount)
	}
	return nil
}

// UpdateStatistics replaces the statistics. Counters may not decrease.
func (s *Store) UpdateStatistics(stats Statistics) (*ScanState, error) {
	return s.update("statistics", func(st *ScanState) error {
		for _, p := range Phases {
			if stats.For(p) < st.Statistics.For(p) {
				return invalid("statistics", "%s statistic would shrink from %d to %d", p, st.Statistics.For(p), stats.For(p))
			}
		}
		st.Statistics = stats
		return nil
	})
}

// SetTemplatesHash records the template fingerprint once it is known. A
// recorded hash is compared on resume, never overwritten.
func (s *Store) SetTemplatesHash(hash string) (*ScanState, error) {
	return s.update("templates hash", func(st *ScanState) error {
		current := st.Environment.TemplatesHash
		if current != "" && current != UnknownTemplatesHash && current != hash {
			return invalid("templates hash", "templates hash already recorded as %s", current)
		}
		st.Environment.TemplatesHash = hash
		return nil
	})
}

// SetScanStatus moves the scan to status following the scan table
func (s *Store) SetScanStatus(status ScanStatus) (*ScanState, error) {
	return s.update("scan status", func(st *ScanState) error {
		if !st.Status.CanTransitionTo(status) {
			return invalid("scan status", "scan %s -> %s is not allowed", st.Status, status)
		}
		st.Status = status
		return nil
	})
}

// MarkPhaseFailed records msg on phase and fails the scan. The phase keeps
// its cursor so a later resume restarts at the last completed batch.
func (s *Store) MarkPhaseFailed(phase Phase, msg string) (*ScanState, error) {
	return s.update("phase failed", func(st *ScanState) error {
		if !phase.Valid() {
			return invalid("phase failed", "unknown phase %q", phase)
		}
		rec := st.Phases[phase]
		rec.Error = msg
		st.Phases[phase] = rec
		if st.Status.CanTransitionTo(ScanFailed) {
			st.Status = ScanFailed
		}
		return nil
	})
}

// ResetFrom is the forced restart of phase: it takes a backup, then clears
// phase and every later phase back to pending along with their statistics.
// Earlier phases are untouched. This is the only way a phase returns to
// pending or a statistic decreases.
func (s *Store) ResetFrom(phase Phase) (*ScanState, string, error) {
	if !phase.Valid() {
		return nil, "", invalid("reset", "unknown phase %q", phase)
	}

	var backup string
	st, err := s.update("reset", func(st *ScanState) error {
		var err error
		if backup, err = s.backupLocked(); err != nil {
			return err
		}
		for _, p := range Phases[phase.Index():] {
			st.Phases[p] = PhaseRecord{Status: PhasePending}
			st.Statistics.set(p, 0)
		}
		st.Status = ScanInProgress
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	s.logger.WarnWithFields("Forced restart", map[string]interface{}{
		"phase":  phase,
		"backup": backup,
	})
	return st, backup, nil
}

// RecordCheckpoint is the single "checkpoint now" write used by the
// periodic timer, interrupt handling and manual requests
func (s *Store) RecordCheckpoint(trigger Trigger) (*ScanState, error) {
	return s.update(string(trigger), func(st *ScanState) error {
		st.LastCheckpoint = &CheckpointMark{Trigger: trigger, At: s.now()}
		return nil
	})
}

// ValidateEnvironment compares current against the recorded fingerprint.
// It never modifies the checkpoint.
func (s *Store) ValidateEnvironment(current Environment) (EnvironmentCheck, error) {
	st, err := s.Load()
	if err != nil {
		return EnvironmentCheck{}, err
	}
	return st.Environment.Compare(current), nil
}
