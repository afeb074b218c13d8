package checkpoint

import (
	"fmt"
	"strings"
	"time"
)

// PhaseSummary is one row of a Summary
type PhaseSummary struct {
	Phase          Phase       `json:"phase"`
	Status         PhaseStatus `json:"status"`
	Progress       float64     `json:"progress_percentage"`
	Results        int         `json:"results_count"`
	ItemsProcessed int         `json:"items_processed"`
	TotalItems     int         `json:"total_items"`
	Batches        int         `json:"batches"`
	Error          string      `json:"error,omitempty"`
}

// Summary is the progress snapshot shown before resuming
type Summary struct {
	Path           string          `json:"path"`
	ScanID         string          `json:"scan_id"`
	Domain         string          `json:"domain"`
	Status         ScanStatus      `json:"status"`
	StartTime      time.Time       `json:"start_time"`
	LastUpdate     time.Time       `json:"last_update"`
	Elapsed        time.Duration   `json:"elapsed_ns"`
	Phases         []PhaseSummary  `json:"phases"`
	Statistics     Statistics      `json:"statistics"`
	Environment    Environment     `json:"environment"`
	LastCheckpoint *CheckpointMark `json:"last_checkpoint,omitempty"`
	// NextPhase is empty when every phase is completed
	NextPhase Phase `json:"next_phase,omitempty"`
}

// Summary builds a snapshot of st as of now
func (st *ScanState) Summary(now time.Time) Summary {
	sum := Summary{
		ScanID:         st.ScanID,
		Domain:         st.Domain,
		Status:         st.Status,
		StartTime:      st.StartTime,
		LastUpdate:     st.LastUpdate,
		Elapsed:        now.Sub(st.StartTime).Round(time.Second),
		Statistics:     st.Statistics,
		Environment:    st.Environment,
		LastCheckpoint: st.LastCheckpoint,
	}
	if sum.Elapsed < 0 {
		sum.Elapsed = 0
	}
	if next, ok := st.NextPhase(); ok {
		sum.NextPhase = next
	}

	for _, p := range Phases {
		rec := st.Phases[p]
		row := PhaseSummary{
			Phase:    p,
			Status:   rec.Status,
			Progress: rec.ProgressPercentage,
			Results:  rec.ResultsCount,
			Error:    rec.Error,
		}
		if rec.Checkpoint != nil {
			row.ItemsProcessed = rec.Checkpoint.ItemsProcessed
			row.TotalItems = rec.Checkpoint.TotalItems
			row.Batches = rec.Checkpoint.BatchIndex
		}
		sum.Phases = append(sum.Phases, row)
	}
	return sum
}

// Summary loads the checkpoint and returns its snapshot
func (s *Store) Summary() (Summary, error) {
	st, err := s.Load()
	if err != nil {
		return Summary{}, err
	}
	sum := st.Summary(s.now())
	sum.Path = s.path
	return sum, nil
}

// String renders the summary as plain text
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scan %s (%s)\n", s.ScanID, s.Domain)
	fmt.Fprintf(&b, "Status: %s, started %s, last update %s\n",
		s.Status, s.StartTime.Format(time.RFC3339), s.LastUpdate.Format(time.RFC3339))
	for _, p := range s.Phases {
		fmt.Fprintf(&b, "  %-22s %-11s %6.1f%%  %d results", p.Phase, p.Status, p.Progress, p.Results)
		if p.TotalItems > 0 {
			fmt.Fprintf(&b, "  (%d/%d items)", p.ItemsProcessed, p.TotalItems)
		}
		if p.Error != "" {
			fmt.Fprintf(&b, "  error: %s", p.Error)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Subdomains: %d, alive: %d, vulnerabilities: %d\n",
		s.Statistics.SubdomainsFound, s.Statistics.AliveSubdomains, s.Statistics.VulnerabilitiesFound)
	if s.NextPhase != "" {
		fmt.Fprintf(&b, "Next phase: %s\n", s.NextPhase)
	}
	return b.String()
}
