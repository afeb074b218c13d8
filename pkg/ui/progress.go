package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"reconpipe/pkg/metrics"
)

// Progress prints a one-line status per phase while forwarding every event
// to the wrapped recorder, so it can sit in front of the Prometheus
// collectors
type Progress struct {
	mu    sync.Mutex
	out   io.Writer
	next  metrics.Recorder
	now   func() time.Time
	width int

	phase     string
	started   time.Time
	batches   int
	items     int
	failed    int
	retried   int
	skipped   int
	lastCheck string
}

// NewProgress writes status lines to out and forwards events to next
func NewProgress(out io.Writer, next metrics.Recorder) *Progress {
	return &Progress{
		out:   out,
		next:  metrics.OrNop(next),
		now:   time.Now,
		width: 100,
	}
}

func (p *Progress) SetActivePhase(phase string, active bool) {
	p.next.SetActivePhase(phase, active)

	p.mu.Lock()
	defer p.mu.Unlock()
	if active {
		p.phase = phase
		p.started = p.now()
		p.batches, p.items, p.failed, p.retried, p.skipped = 0, 0, 0, 0, 0
		p.lastCheck = ""
		fmt.Fprintf(p.out, "%s %s\n", Magenta("→"), phase)
		return
	}
	if p.phase != phase {
		return
	}
	mark := Green("✓")
	if p.failed > 0 {
		mark = Red("✗")
	}
	fmt.Fprintf(p.out, "\r%s\r%s %s: %d batches, %d items in %s\n",
		strings.Repeat(" ", p.width), mark, phase, p.batches, p.items, formatDuration(p.now().Sub(p.started)))
	p.phase = ""
}

func (p *Progress) BatchCompleted(phase string, items int, duration time.Duration) {
	p.next.BatchCompleted(phase, items, duration)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches++
	p.items += items
	p.print()
}

func (p *Progress) BatchFailed(phase string) {
	p.next.BatchFailed(phase)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed++
	p.print()
}

func (p *Progress) BatchRetried(phase string) {
	p.next.BatchRetried(phase)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.retried++
	p.print()
}

func (p *Progress) BatchSkipped(phase string) {
	p.next.BatchSkipped(phase)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.skipped++
}

func (p *Progress) CheckpointWritten(trigger string) {
	p.next.CheckpointWritten(trigger)

	p.mu.Lock()
	defer p.mu.Unlock()
	if trigger == "batch" || p.phase == "" {
		return
	}
	p.lastCheck = trigger + " checkpoint " + p.now().Format("15:04:05")
	p.print()
}

func (p *Progress) ObserveLockWait(duration time.Duration, acquired bool) {
	p.next.ObserveLockWait(duration, acquired)
}

// Line returns the current status line without printing it
func (p *Progress) Line() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.line()
}

func (p *Progress) line() string {
	elapsed := p.now().Sub(p.started)
	rate := 0.0
	if elapsed.Minutes() > 0 {
		rate = float64(p.items) / elapsed.Minutes()
	}

	line := fmt.Sprintf("%s batches %d • items %d • %.1f/min • %s",
		Cyan(p.phase), p.batches, p.items, rate, formatDuration(elapsed))
	if p.skipped > 0 {
		line += fmt.Sprintf(" • %s", Dim(fmt.Sprintf("%d skipped", p.skipped)))
	}
	if p.retried > 0 {
		line += fmt.Sprintf(" • %s", Yellow(fmt.Sprintf("%d retried", p.retried)))
	}
	if p.failed > 0 {
		line += fmt.Sprintf(" • %s", Red(fmt.Sprintf("%d failed", p.failed)))
	}
	if p.lastCheck != "" {
		line += " • " + Dim(p.lastCheck)
	}
	return line
}

func (p *Progress) print() {
	if p.phase == "" {
		return
	}
	fmt.Fprintf(p.out, "\r%s\r%s", strings.Repeat(" ", p.width), p.line())
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
