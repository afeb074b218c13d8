package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconpipe/pkg/checkpoint"
)

func testSummary() checkpoint.Summary {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return checkpoint.Summary{
		Path:       "/tmp/out/example.com/checkpoints/scan_state.json",
		ScanID:     "example.com-1709294400-1a2b3c4d",
		Domain:     "example.com",
		Status:     checkpoint.ScanPaused,
		StartTime:  start,
		LastUpdate: start.Add(90 * time.Second),
		Elapsed:    90 * time.Second,
		Phases: []checkpoint.PhaseSummary{
			{Phase: checkpoint.PhaseEnumeration, Status: checkpoint.PhaseCompleted, Progress: 100, Results: 5, ItemsProcessed: 1, TotalItems: 1, Batches: 1},
			{Phase: checkpoint.PhaseAlive, Status: checkpoint.PhaseInProgress, Progress: 40, Results: 2, ItemsProcessed: 2, TotalItems: 5, Batches: 1},
			{Phase: checkpoint.PhaseVulnerability, Status: checkpoint.PhasePending},
		},
		Statistics:     checkpoint.Statistics{SubdomainsFound: 5, AliveSubdomains: 2},
		Environment:    checkpoint.Environment{ToolVersions: map[string]string{"nuclei": "3.1.0", "subfinder": "2.6.0", "custom": "1.0.0"}, TemplatesHash: "sha256:abc"},
		LastCheckpoint: &checkpoint.CheckpointMark{Trigger: checkpoint.TriggerInterrupt, At: start.Add(90 * time.Second)},
		NextPhase:      checkpoint.PhaseAlive,
	}
}

func TestRenderSummary(t *testing.T) {
	out := RenderSummary(testSummary())

	for _, want := range []string{
		"example.com-1709294400-1a2b3c4d",
		"paused",
		"1m30s elapsed",
		"interrupt at",
		"subfinder 2.6.0, nuclei 3.1.0, custom 1.0.0",
		"sha256:abc",
		string(checkpoint.PhaseEnumeration),
		"100.0%",
		"40.0%",
		"2/5",
		"5 subdomains, 2 alive, 0 vulnerabilities",
		"Next phase",
	} {
		assert.Contains(t, out, want)
	}
}

func TestRenderSummaryCompletedHasNoNextPhase(t *testing.T) {
	sum := testSummary()
	sum.NextPhase = ""
	sum.Phases[2].Error = "nuclei: exit status 2"
	out := RenderSummary(sum)
	assert.NotContains(t, out, "Next phase")
	assert.Contains(t, out, "pending (error)")
}

func TestRenderIssues(t *testing.T) {
	out := RenderIssues("Repaired", []string{"added statistics", "normalized phase order"})
	assert.Contains(t, out, "Repaired")
	assert.Contains(t, out, "• added statistics\n")
	assert.Contains(t, out, "• normalized phase order\n")
}

func TestTerminalConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"  yes  \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"maybe\n", false},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			term := NewTerminalWith(strings.NewReader(tt.input), &out, true)
			got, err := term.Confirm("Resume scan?")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Resume scan?")
		})
	}
}

func TestTerminalNonInteractive(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminalWith(strings.NewReader("y\n"), &out, false)
	assert.False(t, term.Interactive())

	ok, err := term.Confirm("Resume scan?")
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "--no-confirm")
}

func TestTerminalShow(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminalWith(strings.NewReader(""), &out, true)

	term.ShowIssues("Nothing", nil)
	assert.Empty(t, out.String())

	term.ShowIssues("Environment differs", []string{"subfinder: 2.5.3 -> 2.6.0 (minor)"})
	term.ShowSummary(testSummary())
	assert.Contains(t, out.String(), "subfinder: 2.5.3 -> 2.6.0 (minor)")
	assert.Contains(t, out.String(), "example.com")
}

type countingRecorder struct {
	completed, failed, retried, skipped, checkpoints, lockWaits int
	active                                                     map[string]bool
}

func (r *countingRecorder) BatchCompleted(string, int, time.Duration) { r.completed++ }
func (r *countingRecorder) BatchFailed(string)                        { r.failed++ }
func (r *countingRecorder) BatchRetried(string)                       { r.retried++ }
func (r *countingRecorder) BatchSkipped(string)                       { r.skipped++ }
func (r *countingRecorder) CheckpointWritten(string)                  { r.checkpoints++ }
func (r *countingRecorder) ObserveLockWait(time.Duration, bool)       { r.lockWaits++ }
func (r *countingRecorder) SetActivePhase(phase string, active bool) {
	if r.active == nil {
		r.active = make(map[string]bool)
	}
	r.active[phase] = active
}

func TestProgressForwardsAndPrints(t *testing.T) {
	var out bytes.Buffer
	next := &countingRecorder{}
	p := NewProgress(&out, next)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	phase := string(checkpoint.PhaseAlive)
	p.SetActivePhase(phase, true)
	p.BatchSkipped(phase)
	clock = clock.Add(time.Minute)
	p.BatchCompleted(phase, 100, time.Second)
	p.BatchRetried(phase)
	p.CheckpointWritten("batch")
	p.CheckpointWritten("periodic")
	p.ObserveLockWait(time.Millisecond, true)

	line := p.Line()
	assert.Contains(t, line, "batches 1")
	assert.Contains(t, line, "items 100")
	assert.Contains(t, line, "100.0/min")
	assert.Contains(t, line, "1 skipped")
	assert.Contains(t, line, "1 retried")
	assert.Contains(t, line, "periodic checkpoint 12:01:00")

	p.SetActivePhase(phase, false)
	assert.Contains(t, out.String(), phase+": 1 batches, 100 items in 1m0s")

	assert.Equal(t, 1, next.completed)
	assert.Equal(t, 1, next.retried)
	assert.Equal(t, 1, next.skipped)
	assert.Equal(t, 2, next.checkpoints)
	assert.Equal(t, 1, next.lockWaits)
	assert.False(t, next.active[phase])
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h1m", formatDuration(61*time.Minute))
}
