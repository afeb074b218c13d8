package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconpipe/pkg/batch"
	"reconpipe/pkg/checkpoint"
	"reconpipe/pkg/config"
	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/lock"
	"reconpipe/pkg/logger"
)

const domain = "example.com"

// fakeTools stands in for subfinder, httpx and nuclei
type fakeTools struct {
	mu    sync.Mutex
	calls map[checkpoint.Phase][]string
	hook  func(ctx context.Context, b batch.Batch) error
}

func newFakeTools() *fakeTools {
	return &fakeTools{calls: make(map[checkpoint.Phase][]string)}
}

func (f *fakeTools) processors() map[checkpoint.Phase]batch.Processor {
	procs := make(map[checkpoint.Phase]batch.Processor)
	for _, p := range checkpoint.Phases {
		procs[p] = batch.ProcessorFunc(f.process)
	}
	return procs
}

func (f *fakeTools) process(ctx context.Context, b batch.Batch) ([]string, error) {
	f.mu.Lock()
	f.calls[b.Phase] = append(f.calls[b.Phase], b.Items...)
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, b); err != nil {
			return nil, err
		}
	}

	var out []string
	for _, item := range b.Items {
		switch b.Phase {
		case checkpoint.PhaseEnumeration:
			for _, sub := range []string{"www", "api", "dev", "mail", "vpn"} {
				out = append(out, sub+"."+item)
			}
		case checkpoint.PhaseAlive:
			if !strings.HasPrefix(item, "dev.") {
				out = append(out, "https://"+item)
			}
		case checkpoint.PhaseVulnerability:
			if strings.Contains(item, "api.") {
				out = append(out, fmt.Sprintf(`{"template-id":"exposed-panel","host":%q}`, item))
			}
		}
	}
	return out, nil
}

func (f *fakeTools) called(p checkpoint.Phase) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[p]...)
}

func (f *fakeTools) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[checkpoint.Phase][]string)
	f.hook = nil
}

type fakePrompter struct {
	answer    bool
	summaries []checkpoint.Summary
	issues    map[string][]string
	questions []string
}

func (p *fakePrompter) ShowSummary(sum checkpoint.Summary) { p.summaries = append(p.summaries, sum) }

func (p *fakePrompter) ShowIssues(title string, lines []string) {
	if p.issues == nil {
		p.issues = make(map[string][]string)
	}
	p.issues[title] = lines
}

func (p *fakePrompter) Confirm(q string) (bool, error) {
	p.questions = append(p.questions, q)
	return p.answer, nil
}

var currentEnv = checkpoint.Environment{
	ToolVersions:  map[string]string{"subfinder": "2.6.0", "httpx": "1.3.7", "nuclei": "3.1.0"},
	TemplatesHash: "sha256:abc",
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Output.BaseDirectory = t.TempDir()
	cfg.Checkpoint.Interval = 0
	cfg.Checkpoint.LockTimeout = time.Second
	cfg.Checkpoint.LockPollInterval = 5 * time.Millisecond
	cfg.Checkpoint.LockRetries = 2
	cfg.Batch.Size = 2
	cfg.Batch.GracePeriod = time.Second
	cfg.Batch.CacheSize = 8
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config, tools *fakeTools, opts ...Option) *Pipeline {
	t.Helper()
	env := currentEnv
	base := []Option{
		WithProcessors(tools.processors()),
		WithFingerprint(func(context.Context) (checkpoint.Environment, error) { return env, nil }),
		WithLogger(logger.NewNopLogger()),
	}
	return New(cfg, append(base, opts...)...)
}

func loadState(t *testing.T, p *Pipeline) *checkpoint.ScanState {
	t.Helper()
	st, err := p.Store(domain, "").Load()
	require.NoError(t, err)
	return st
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func TestDecide(t *testing.T) {
	st := checkpoint.NewScanState(domain, currentEnv, time.Now())
	st.Phases[checkpoint.PhaseEnumeration] = checkpoint.PhaseRecord{Status: checkpoint.PhaseCompleted, ProgressPercentage: 100}
	st.Phases[checkpoint.PhaseAlive] = checkpoint.PhaseRecord{Status: checkpoint.PhaseInProgress}

	alive := checkpoint.PhaseAlive
	enum := checkpoint.PhaseEnumeration
	tests := []struct {
		name  string
		force *checkpoint.Phase
		want  []Action
	}{
		{"from checkpoint", nil, []Action{Skip, ResumeWithinPhase, StartFresh}},
		{"force alive", &alive, []Action{Skip, StartFresh, StartFresh}},
		{"force everything", &enum, []Action{StartFresh, StartFresh, StartFresh}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Decide(st, tt.force)
			require.Len(t, plan, 3)
			for i, step := range plan {
				assert.Equal(t, checkpoint.Phases[i], step.Phase)
				assert.Equal(t, tt.want[i], step.Action, step.Phase)
			}
		})
	}
}

func TestStartScanRunsAllPhases(t *testing.T) {
	cfg := testConfig(t)
	tools := newFakeTools()
	p := newTestPipeline(t, cfg, tools)

	result, err := p.StartScan(context.Background(), domain)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ScanCompleted, result.Status)
	assert.Len(t, result.Reports, 3)

	st := loadState(t, p)
	assert.Equal(t, checkpoint.ScanCompleted, st.Status)
	assert.Equal(t, checkpoint.Statistics{SubdomainsFound: 5, AliveSubdomains: 4, VulnerabilitiesFound: 1}, st.Statistics)
	assert.Equal(t, currentEnv, st.Environment)
	for _, phase := range checkpoint.Phases {
		assert.Equal(t, checkpoint.PhaseCompleted, st.Phases[phase].Status, phase)
	}

	dir := filepath.Join(cfg.Output.BaseDirectory, domain)
	assert.Len(t, readLines(t, filepath.Join(dir, "subdomains.txt")), 5)
	assert.Len(t, readLines(t, filepath.Join(dir, "alive.txt")), 4)
	assert.Equal(t, []string{domain}, tools.called(checkpoint.PhaseEnumeration))

	_, err = p.StartScan(context.Background(), domain)
	assert.True(t, errors.Is(err, errs.ErrAlreadyExists))
}

func TestInterruptedScanPausesAndResumes(t *testing.T) {
	cfg := testConfig(t)
	tools := newFakeTools()
	p := newTestPipeline(t, cfg, tools)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tools.hook = func(_ context.Context, b batch.Batch) error {
		if b.Phase == checkpoint.PhaseAlive && b.Index == 0 {
			cancel()
		}
		return nil
	}

	result, err := p.StartScan(ctx, domain)
	require.True(t, errors.Is(err, errs.ErrInterrupted), "got %v", err)
	assert.Equal(t, checkpoint.ScanPaused, result.Status)

	st := loadState(t, p)
	assert.Equal(t, checkpoint.ScanPaused, st.Status)
	require.NotNil(t, st.LastCheckpoint)
	assert.Equal(t, checkpoint.TriggerInterrupt, st.LastCheckpoint.Trigger)
	alive := st.Phases[checkpoint.PhaseAlive]
	assert.Equal(t, checkpoint.PhaseInProgress, alive.Status)
	require.NotNil(t, alive.Checkpoint)
	assert.Equal(t, 2, alive.Checkpoint.ItemsProcessed)
	firstAlive := tools.called(checkpoint.PhaseAlive)

	tools.reset()
	out := p.Resume(context.Background(), ResumeRequest{Domain: domain, NonInteractive: true})
	require.Equal(t, Success, out.Code, "err: %v", out.Err)
	assert.Equal(t, Skip, out.Plan.Action(checkpoint.PhaseEnumeration))
	assert.Equal(t, ResumeWithinPhase, out.Plan.Action(checkpoint.PhaseAlive))
	assert.Empty(t, tools.called(checkpoint.PhaseEnumeration))

	resumed := tools.called(checkpoint.PhaseAlive)
	assert.Len(t, resumed, 3)
	for _, item := range resumed {
		assert.NotContains(t, firstAlive, item, "completed batches are never resubmitted")
	}

	st = loadState(t, p)
	assert.Equal(t, checkpoint.ScanCompleted, st.Status)
	assert.Equal(t, 4, st.Statistics.AliveSubdomains)
}

func TestFailedBatchFailsScanAndResumeRecovers(t *testing.T) {
	cfg := testConfig(t)
	tools := newFakeTools()
	p := newTestPipeline(t, cfg, tools)

	tools.hook = func(_ context.Context, b batch.Batch) error {
		if b.Phase == checkpoint.PhaseVulnerability {
			return errs.New(errs.ErrorTypeToolFailure, "nuclei", "exit status 1")
		}
		return nil
	}
	result, err := p.StartScan(context.Background(), domain)
	require.True(t, errors.Is(err, errs.ErrBatchFailed), "got %v", err)
	assert.Equal(t, checkpoint.ScanFailed, result.Status)

	st := loadState(t, p)
	assert.Equal(t, checkpoint.ScanFailed, st.Status)
	assert.NotEmpty(t, st.Phases[checkpoint.PhaseVulnerability].Error)

	tools.reset()
	out := p.Resume(context.Background(), ResumeRequest{Domain: domain, NonInteractive: true})
	require.Equal(t, Success, out.Code, "err: %v", out.Err)
	st = loadState(t, p)
	assert.Equal(t, checkpoint.ScanCompleted, st.Status)
	assert.Empty(t, st.Phases[checkpoint.PhaseVulnerability].Error)
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	p := newTestPipeline(t, testConfig(t), newFakeTools())
	out := p.Resume(context.Background(), ResumeRequest{Domain: domain, NonInteractive: true})
	assert.Equal(t, NoCheckpointFound, out.Code)
	assert.Equal(t, 2, out.Code.ExitCode())
}

func TestFreshOutputDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.BaseDirectory = filepath.Join(cfg.Output.BaseDirectory, "scans")
	p := newTestPipeline(t, cfg, newFakeTools())

	out := p.Resume(context.Background(), ResumeRequest{Domain: domain, NonInteractive: true})
	assert.Equal(t, NoCheckpointFound, out.Code, "err: %v", out.Err)
	_, err := os.Stat(cfg.Output.BaseDirectory)
	assert.True(t, os.IsNotExist(err))

	res, err := p.StartScan(context.Background(), domain)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ScanCompleted, res.Status)
	assert.Equal(t, checkpoint.ScanCompleted, loadState(t, p).Status)
}

func TestScanOrResume(t *testing.T) {
	p := newTestPipeline(t, testConfig(t), newFakeTools())
	req := ResumeRequest{Domain: domain, NonInteractive: true}

	first := p.ScanOrResume(context.Background(), req)
	require.Equal(t, Success, first.Code, "err: %v", first.Err)
	assert.Nil(t, first.Summary, "a fresh scan has nothing to summarize")
	st := loadState(t, p)
	assert.Equal(t, checkpoint.ScanCompleted, st.Status)

	second := p.ScanOrResume(context.Background(), req)
	require.Equal(t, Success, second.Code, "err: %v", second.Err)
	require.NotNil(t, second.Summary)
	assert.Equal(t, st.ScanID, second.Summary.ScanID)
	assert.Equal(t, st.ScanID, loadState(t, p).ScanID)
}

func TestResumeRepairsCorruptCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	tools := newFakeTools()
	p := newTestPipeline(t, cfg, tools)
	_, err := p.Store(domain, "").Initialize(domain, currentEnv)
	require.NoError(t, err)

	editCheckpoint(t, p, func(doc map[string]interface{}) { delete(doc, "statistics") })

	out := p.Resume(context.Background(), ResumeRequest{Domain: domain, NonInteractive: true})
	require.Equal(t, Success, out.Code, "err: %v", out.Err)
	require.NotNil(t, out.Repair)
	assert.NotEmpty(t, out.Repair.Backup)
	assert.Equal(t, checkpoint.ScanCompleted, loadState(t, p).Status)
}

func TestResumeUnrepairable(t *testing.T) {
	p := newTestPipeline(t, testConfig(t), newFakeTools())
	_, err := p.Store(domain, "").Initialize(domain, currentEnv)
	require.NoError(t, err)
	editCheckpoint(t, p, func(doc map[string]interface{}) { delete(doc, "scan_id") })

	out := p.Resume(context.Background(), ResumeRequest{Domain: domain, NonInteractive: true})
	assert.Equal(t, CorruptUnrepairable, out.Code)
	assert.True(t, errors.Is(out.Err, errs.ErrUnrepairable))
}

func TestResumeDeclinedRepairAborts(t *testing.T) {
	prompter := &fakePrompter{answer: false}
	p := newTestPipeline(t, testConfig(t), newFakeTools(), WithPrompter(prompter))
	_, err := p.Store(domain, "").Initialize(domain, currentEnv)
	require.NoError(t, err)
	editCheckpoint(t, p, func(doc map[string]interface{}) { delete(doc, "statistics") })

	out := p.Resume(context.Background(), ResumeRequest{Domain: domain})
	assert.Equal(t, Aborted, out.Code)
	assert.Contains(t, prompter.issues["Checkpoint failed validation"], "statistics: missing required field")
	_, err = p.Store(domain, "").Load()
	assert.True(t, errors.Is(err, errs.ErrCorrupt), "declined repair leaves the file alone")
}

func TestResumeEnvironmentMismatch(t *testing.T) {
	cfg := testConfig(t)
	tools := newFakeTools()
	p := newTestPipeline(t, cfg, tools)

	recorded := currentEnv
	recorded.ToolVersions = map[string]string{"subfinder": "2.5.3", "httpx": "1.3.7", "nuclei": "3.1.0"}
	_, err := p.Store(domain, "").Initialize(domain, recorded)
	require.NoError(t, err)

	out := p.Resume(context.Background(), ResumeRequest{Domain: domain, NonInteractive: true})
	assert.Equal(t, EnvironmentMismatchAborted, out.Code)
	require.Len(t, out.Mismatches, 1)
	assert.Equal(t, "subfinder", out.Mismatches[0].Component)
	assert.Equal(t, checkpoint.DiffMinor, out.Mismatches[0].Kind)
	assert.Empty(t, tools.called(checkpoint.PhaseEnumeration))

	out = p.Resume(context.Background(), ResumeRequest{Domain: domain, NonInteractive: true, SkipVerification: true})
	assert.Equal(t, Success, out.Code, "err: %v", out.Err)
}

func TestResumeInteractive(t *testing.T) {
	prompter := &fakePrompter{answer: false}
	p := newTestPipeline(t, testConfig(t), newFakeTools(), WithPrompter(prompter))
	_, err := p.Store(domain, "").Initialize(domain, currentEnv)
	require.NoError(t, err)

	out := p.Resume(context.Background(), ResumeRequest{Domain: domain})
	assert.Equal(t, Aborted, out.Code)
	require.Len(t, prompter.summaries, 1)
	assert.Equal(t, domain, prompter.summaries[0].Domain)
	require.Len(t, prompter.questions, 1)

	prompter.answer = true
	out = p.Resume(context.Background(), ResumeRequest{Domain: domain})
	assert.Equal(t, Success, out.Code, "err: %v", out.Err)
}

func TestResumeForcedRestart(t *testing.T) {
	cfg := testConfig(t)
	tools := newFakeTools()
	p := newTestPipeline(t, cfg, tools)
	_, err := p.StartScan(context.Background(), domain)
	require.NoError(t, err)

	tools.reset()
	force := checkpoint.PhaseAlive
	out := p.Resume(context.Background(), ResumeRequest{Domain: domain, ForcePhase: &force, NonInteractive: true})
	require.Equal(t, Success, out.Code, "err: %v", out.Err)
	assert.Empty(t, tools.called(checkpoint.PhaseEnumeration))
	assert.Len(t, tools.called(checkpoint.PhaseAlive), 5)
	assert.Len(t, tools.called(checkpoint.PhaseVulnerability), 4)

	st := loadState(t, p)
	assert.Equal(t, 4, st.Statistics.AliveSubdomains)

	matches, err := filepath.Glob(filepath.Join(cfg.Output.BaseDirectory, domain, "alive.txt.*.bak"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestResumeLockTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.LockTimeout = 30 * time.Millisecond
	cfg.Checkpoint.LockRetries = 1
	p := newTestPipeline(t, cfg, newFakeTools())
	store := p.Store(domain, "")
	_, err := store.Initialize(domain, currentEnv)
	require.NoError(t, err)

	holder := lock.New(store.Path()+".lock", lock.WithLogger(logger.NewNopLogger()))
	ok, err := holder.Acquire(time.Second, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	defer holder.Release()

	out := p.Resume(context.Background(), ResumeRequest{Domain: domain, NonInteractive: true})
	assert.Equal(t, LockTimeout, out.Code)
	assert.Equal(t, 5, out.Code.ExitCode())
}

func TestCheckpointOverridePath(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg, newFakeTools())

	other := filepath.Join(t.TempDir(), "saved.json")
	_, err := p.Store(domain, other).Initialize(domain, currentEnv)
	require.NoError(t, err)

	out := p.Resume(context.Background(), ResumeRequest{Domain: domain, CheckpointPath: other, NonInteractive: true})
	assert.Equal(t, Success, out.Code, "err: %v", out.Err)
	assert.Equal(t, other, out.Path)

	out = p.Resume(context.Background(), ResumeRequest{Domain: "example.org", CheckpointPath: other, NonInteractive: true})
	assert.Equal(t, Failed, out.Code)
}

func TestPeriodicCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.Interval = 5 * time.Millisecond
	tools := newFakeTools()
	tools.hook = func(context.Context, batch.Batch) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	p := newTestPipeline(t, cfg, tools)

	_, err := p.StartScan(context.Background(), domain)
	require.NoError(t, err)

	st := loadState(t, p)
	require.NotNil(t, st.LastCheckpoint)
	assert.Equal(t, checkpoint.TriggerPeriodic, st.LastCheckpoint.Trigger)
}

func TestLoadSummary(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg, newFakeTools())
	_, err := p.StartScan(context.Background(), domain)
	require.NoError(t, err)

	sum, err := LoadSummary(cfg.Output.BaseDirectory, domain)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ScanCompleted, sum.Status)
	assert.Empty(t, sum.NextPhase)
	assert.Contains(t, sum.String(), "Subdomains: 5")

	_, err = LoadSummary(cfg.Output.BaseDirectory, "example.org")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCompletedScanResumeIsNoop(t *testing.T) {
	cfg := testConfig(t)
	tools := newFakeTools()
	p := newTestPipeline(t, cfg, tools)
	_, err := p.StartScan(context.Background(), domain)
	require.NoError(t, err)

	tools.reset()
	out := p.Resume(context.Background(), ResumeRequest{Domain: domain, NonInteractive: true})
	assert.Equal(t, Success, out.Code, "err: %v", out.Err)
	for _, phase := range checkpoint.Phases {
		assert.Empty(t, tools.called(phase))
	}
}

func editCheckpoint(t *testing.T, p *Pipeline, edit func(map[string]interface{})) {
	t.Helper()
	path := p.Store(domain, "").Path()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	edit(doc)
	data, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestOutcomeExitCodes(t *testing.T) {
	tests := map[OutcomeCode]int{
		Success:                    0,
		Failed:                     1,
		NoCheckpointFound:          2,
		CorruptUnrepairable:        3,
		EnvironmentMismatchAborted: 4,
		LockTimeout:                5,
		Aborted:                    6,
		Interrupted:                130,
		OutcomeCode("bogus"):       1,
	}
	for code, want := range tests {
		assert.Equal(t, want, code.ExitCode(), code)
	}
}
