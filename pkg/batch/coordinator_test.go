package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconpipe/pkg/checkpoint"
	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/logger"
	"reconpipe/pkg/metrics"
	"reconpipe/pkg/storage"
)

// recorder is a Processor that echoes its items and remembers every call
type recorder struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(ctx context.Context, b Batch, call int) ([]string, error)
}

func (r *recorder) ProcessBatch(ctx context.Context, b Batch) ([]string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), b.Items...))
	call := len(r.calls)
	r.mu.Unlock()

	if r.fn != nil {
		return r.fn(ctx, b, call)
	}
	return b.Items, nil
}

func (r *recorder) submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c...)
	}
	return out
}

type fixture struct {
	dir    string
	store  *checkpoint.Store
	output *storage.DiskSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := checkpoint.NewStore(checkpoint.DefaultPath(dir, "example.com"), checkpoint.Options{
		LockTimeout:      2 * time.Second,
		LockPollInterval: 5 * time.Millisecond,
		Logger:           logger.NewNopLogger(),
	})
	_, err := store.Initialize("example.com", checkpoint.Environment{
		ToolVersions:  map[string]string{"subfinder": "2.6.0"},
		TemplatesHash: "sha256:abc",
	})
	require.NoError(t, err)

	f := &fixture{dir: dir, store: store}
	f.output = f.openOutput(t)
	return f
}

func (f *fixture) openOutput(t *testing.T) *storage.DiskSet {
	t.Helper()
	set, err := storage.OpenDiskSet(filepath.Join(f.dir, "example.com", "subdomains.txt"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = set.Close() })
	return set
}

func (f *fixture) coordinator(size int) *Coordinator {
	return New(f.store, Config{BatchSize: size, GracePeriod: time.Second, Logger: logger.NewNopLogger()})
}

func (f *fixture) load(t *testing.T) *checkpoint.ScanState {
	t.Helper()
	st, err := f.store.Load()
	require.NoError(t, err)
	return st
}

func TestRunProcessesAllBatches(t *testing.T) {
	f := newFixture(t)
	proc := &recorder{}

	report, err := f.coordinator(2).Run(context.Background(), Job{
		Phase:     checkpoint.PhaseEnumeration,
		Input:     SliceSource{"a", "b", "c", "d", "e"},
		Output:    f.output,
		Processor: proc,
	})
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, 5, report.ResultsCount)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, proc.calls)

	rec := f.load(t).Phases[checkpoint.PhaseEnumeration]
	assert.Equal(t, checkpoint.PhaseCompleted, rec.Status)
	assert.Equal(t, 100.0, rec.ProgressPercentage)
	assert.Len(t, rec.History, 3)
	assert.Equal(t, 5, f.load(t).Statistics.SubdomainsFound)
}

func TestResumeAfterInterruptionSkipsCompletedBatches(t *testing.T) {
	f := newFixture(t)
	input := SliceSource{"a", "b", "c", "d", "e"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := &recorder{fn: func(_ context.Context, b Batch, _ int) ([]string, error) {
		if b.Index == 1 {
			// The process goes away once the second batch is in
			cancel()
		}
		return b.Items, nil
	}}

	report, err := f.coordinator(2).Run(ctx, Job{
		Phase: checkpoint.PhaseEnumeration, Input: input, Output: f.output, Processor: first,
	})
	require.True(t, errors.Is(err, errs.ErrInterrupted), "got %v", err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 2, report.Batches)

	rec := f.load(t).Phases[checkpoint.PhaseEnumeration]
	assert.Equal(t, checkpoint.PhaseInProgress, rec.Status)
	require.NotNil(t, rec.Checkpoint)
	assert.Equal(t, 4, rec.Checkpoint.ItemsProcessed)
	assert.Equal(t, "d", rec.Checkpoint.LastItem)
	assert.Equal(t, 80.0, rec.ProgressPercentage)

	// A new process with a fresh output handle
	require.NoError(t, f.output.Close())
	output := f.openOutput(t)
	second := &recorder{}
	report, err = f.coordinator(2).Run(context.Background(), Job{
		Phase: checkpoint.PhaseEnumeration, Input: input, Output: output, Processor: second,
	})
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	assert.Equal(t, 4, report.SkippedItems)
	assert.Equal(t, []string{"e"}, second.submitted())

	rec = f.load(t).Phases[checkpoint.PhaseEnumeration]
	assert.Equal(t, checkpoint.PhaseCompleted, rec.Status)
	assert.Equal(t, 100.0, rec.ProgressPercentage)
	assert.Equal(t, 5, rec.ResultsCount)
}

func TestCrashBetweenResultsAndCheckpointReplaysExactly(t *testing.T) {
	f := newFixture(t)
	input := SliceSource{"a", "b", "c", "d"}

	// Batch 0 is recorded; batch 1's results reached the output set but
	// the process died before the checkpoint write
	_, err := f.store.UpdatePhase(checkpoint.PhaseEnumeration, checkpoint.PhaseUpdate{
		Status: checkpoint.PhaseInProgress, ProgressPercentage: 50, ResultsCount: 2,
		Cursor: &checkpoint.Cursor{LastItem: "b", BatchIndex: 1, ItemsProcessed: 2, BatchSize: 2, TotalItems: 4},
	})
	require.NoError(t, err)
	_, err = f.output.AddAll([]string{"a", "b", "c", "d"})
	require.NoError(t, err)

	proc := &recorder{}
	report, err := f.coordinator(2).Run(context.Background(), Job{
		Phase: checkpoint.PhaseEnumeration, Input: input, Output: f.output, Processor: proc,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, proc.submitted())
	assert.Equal(t, 4, report.ResultsCount)
	assert.Equal(t, 4, f.load(t).Phases[checkpoint.PhaseEnumeration].ResultsCount)
}

func TestCompletedPhaseIsNotRerun(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(10)
	job := Job{Phase: checkpoint.PhaseEnumeration, Input: SliceSource{"a"}, Output: f.output, Processor: &recorder{}}
	_, err := c.Run(context.Background(), job)
	require.NoError(t, err)

	proc := &recorder{}
	job.Processor = proc
	report, err := c.Run(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Empty(t, proc.calls)
}

func TestEmptyInputCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	proc := &recorder{}

	report, err := f.coordinator(2).Run(context.Background(), Job{
		Phase: checkpoint.PhaseEnumeration, Input: SliceSource{}, Output: f.output, Processor: proc,
	})
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Zero(t, report.Batches)
	assert.Empty(t, proc.calls)

	rec := f.load(t).Phases[checkpoint.PhaseEnumeration]
	assert.Equal(t, checkpoint.PhaseCompleted, rec.Status)
	assert.Equal(t, 100.0, rec.ProgressPercentage)
	assert.Zero(t, rec.ResultsCount)
}

func TestBatchRetriedOnce(t *testing.T) {
	f := newFixture(t)
	proc := &recorder{fn: func(_ context.Context, b Batch, call int) ([]string, error) {
		if call == 1 {
			return nil, errors.New("subfinder: connection reset")
		}
		return b.Items, nil
	}}

	report, err := f.coordinator(5).Run(context.Background(), Job{
		Phase: checkpoint.PhaseEnumeration, Input: SliceSource{"a", "b"}, Output: f.output, Processor: proc,
	})
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Len(t, proc.calls, 2)
}

func TestFailedBatchCountsOneRetry(t *testing.T) {
	f := newFixture(t)
	m := metrics.New(prometheus.NewRegistry())
	proc := &recorder{fn: func(_ context.Context, b Batch, _ int) ([]string, error) {
		return nil, errs.New(errs.ErrorTypeToolFailure, "subfinder", "exit status 2")
	}}

	coord := New(f.store, Config{BatchSize: 2, GracePeriod: time.Second, Logger: logger.NewNopLogger(), Metrics: m})
	_, err := coord.Run(context.Background(), Job{
		Phase: checkpoint.PhaseEnumeration, Input: SliceSource{"a", "b"}, Output: f.output, Processor: proc,
	})
	require.True(t, errors.Is(err, errs.ErrBatchFailed), "got %v", err)
	assert.Len(t, proc.calls, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesRetried.WithLabelValues(string(checkpoint.PhaseEnumeration))))
}

func TestBatchFailureHaltsPhase(t *testing.T) {
	f := newFixture(t)
	proc := &recorder{fn: func(_ context.Context, b Batch, _ int) ([]string, error) {
		if b.Index == 1 {
			return nil, errs.New(errs.ErrorTypeToolFailure, "subfinder", "exit status 2")
		}
		return b.Items, nil
	}}

	_, err := f.coordinator(2).Run(context.Background(), Job{
		Phase: checkpoint.PhaseEnumeration, Input: SliceSource{"a", "b", "c", "d", "e"}, Output: f.output, Processor: proc,
	})
	require.True(t, errors.Is(err, errs.ErrBatchFailed), "got %v", err)
	// batch 0 once, batch 1 twice, batch 2 never
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"c", "d"}}, proc.calls)

	st := f.load(t)
	assert.Equal(t, checkpoint.ScanFailed, st.Status)
	rec := st.Phases[checkpoint.PhaseEnumeration]
	assert.Contains(t, rec.Error, "batch 1")
	require.NotNil(t, rec.Checkpoint)
	assert.Equal(t, 2, rec.Checkpoint.ItemsProcessed)
}

func TestToolTimeoutIsNotRetried(t *testing.T) {
	f := newFixture(t)
	proc := &recorder{fn: func(context.Context, Batch, int) ([]string, error) {
		return nil, errs.New(errs.ErrorTypeToolTimeout, "nuclei", "exceeded 10m")
	}}

	_, err := f.coordinator(2).Run(context.Background(), Job{
		Phase: checkpoint.PhaseEnumeration, Input: SliceSource{"a"}, Output: f.output, Processor: proc,
	})
	require.True(t, errors.Is(err, errs.ErrBatchFailed))
	assert.True(t, errors.Is(err, errs.ErrToolTimeout))
	assert.Len(t, proc.calls, 1)
}

func TestReduceBatchSize(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(3)

	proc := &recorder{fn: func(_ context.Context, b Batch, _ int) ([]string, error) {
		if b.Index == 0 {
			assert.True(t, c.ReduceBatchSize(1))
			assert.False(t, c.ReduceBatchSize(2), "never grows")
		}
		return b.Items, nil
	}}

	_, err := c.Run(context.Background(), Job{
		Phase: checkpoint.PhaseEnumeration, Input: SliceSource{"a", "b", "c", "d", "e"}, Output: f.output, Processor: proc,
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d"}, {"e"}}, proc.calls)
	assert.False(t, c.ReduceBatchSize(0))
}

func TestResumeWithSmallerBatchSize(t *testing.T) {
	f := newFixture(t)
	input := SliceSource{"a", "b", "c", "d", "e", "f"}
	_, err := f.store.UpdatePhase(checkpoint.PhaseEnumeration, checkpoint.PhaseUpdate{
		Status: checkpoint.PhaseInProgress, ProgressPercentage: 50,
		Cursor: &checkpoint.Cursor{LastItem: "c", BatchIndex: 1, ItemsProcessed: 3, BatchSize: 3, TotalItems: 6},
	})
	require.NoError(t, err)

	proc := &recorder{}
	_, err = f.coordinator(2).Run(context.Background(), Job{
		Phase: checkpoint.PhaseEnumeration, Input: input, Output: f.output, Processor: proc,
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"d", "e"}, {"f"}}, proc.calls)
}

func TestGracePeriodAbandonsInFlightBatch(t *testing.T) {
	f := newFixture(t)
	c := New(f.store, Config{BatchSize: 2, GracePeriod: 20 * time.Millisecond, Logger: logger.NewNopLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	proc := &recorder{fn: func(bctx context.Context, b Batch, _ int) ([]string, error) {
		cancel()
		<-bctx.Done()
		return nil, bctx.Err()
	}}

	report, err := c.Run(ctx, Job{
		Phase: checkpoint.PhaseEnumeration, Input: SliceSource{"a", "b"}, Output: f.output, Processor: proc,
	})
	require.True(t, errors.Is(err, errs.ErrInterrupted), "got %v", err)
	assert.True(t, report.Interrupted)
	assert.Len(t, proc.calls, 1)

	st := f.load(t)
	assert.Equal(t, checkpoint.ScanInProgress, st.Status, "an interruption is not a failure")
	assert.Empty(t, st.Phases[checkpoint.PhaseEnumeration].Error)
	assert.Zero(t, f.output.Count())
}

func TestGracePeriodLetsInFlightBatchFinish(t *testing.T) {
	f := newFixture(t)
	c := New(f.store, Config{BatchSize: 1, GracePeriod: time.Second, Logger: logger.NewNopLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	proc := &recorder{fn: func(bctx context.Context, b Batch, _ int) ([]string, error) {
		cancel()
		select {
		case <-bctx.Done():
			return nil, bctx.Err()
		case <-time.After(10 * time.Millisecond):
			return []string{strings.ToUpper(b.Items[0])}, nil
		}
	}}

	_, err := c.Run(ctx, Job{
		Phase: checkpoint.PhaseEnumeration, Input: SliceSource{"a", "b"}, Output: f.output, Processor: proc,
	})
	require.True(t, errors.Is(err, errs.ErrInterrupted))
	assert.Len(t, proc.calls, 1, "no new batch after interruption")

	rec := f.load(t).Phases[checkpoint.PhaseEnumeration]
	require.NotNil(t, rec.Checkpoint)
	assert.Equal(t, 1, rec.Checkpoint.ItemsProcessed)
	ok, err := f.output.Contains("A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPhaseOrderEnforced(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator(2).Run(context.Background(), Job{
		Phase: checkpoint.PhaseAlive, Input: SliceSource{"a"}, Output: f.output, Processor: &recorder{},
	})
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition), "got %v", err)
}

func TestDiskSetAsSource(t *testing.T) {
	f := newFixture(t)
	input, err := storage.OpenDiskSet(filepath.Join(f.dir, "input.txt"), 0)
	require.NoError(t, err)
	defer input.Close()
	for i := 0; i < 7; i++ {
		_, err := input.Add(fmt.Sprintf("host%d.example.com", i))
		require.NoError(t, err)
	}

	proc := &recorder{}
	report, err := f.coordinator(3).Run(context.Background(), Job{
		Phase: checkpoint.PhaseEnumeration, Input: input, Output: f.output, Processor: proc,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Batches)
	assert.Len(t, proc.submitted(), 7)
}
