package checkpoint

import (
	"encoding/json"
	"os"

	errs "reconpipe/pkg/errors"
)

// OptimizeReport describes what Optimize removed
type OptimizeReport struct {
	HistoryDropped int
	CursorsDropped int
	BytesBefore    int64
	BytesAfter     int64
}

// Changed reports whether the checkpoint was rewritten
func (r OptimizeReport) Changed() bool {
	return r.HistoryDropped > 0 || r.CursorsDropped > 0
}

// Optimize drops per-batch history and the cursors of completed phases.
// Neither is read when resuming, so the resume point is unchanged. Running
// it twice is a no-op the second time.
func (s *Store) Optimize() (OptimizeReport, error) {
	var report OptimizeReport
	err := s.withLock("optimize", func() error {
		if fi, err := os.Stat(s.path); err == nil {
			report.BytesBefore = fi.Size()
		}
		st, err := s.readLocked()
		if err != nil {
			return err
		}

		report.HistoryDropped, report.CursorsDropped = st.compact()
		if !report.Changed() {
			report.BytesAfter = report.BytesBefore
			return nil
		}
		if err := s.writeLocked(st, "optimize"); err != nil {
			return err
		}
		if fi, err := os.Stat(s.path); err == nil {
			report.BytesAfter = fi.Size()
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	if report.Changed() {
		s.logger.InfoWithFields("Checkpoint optimized", map[string]interface{}{
			"history_dropped": report.HistoryDropped,
			"cursors_dropped": report.CursorsDropped,
			"bytes_before":    report.BytesBefore,
			"bytes_after":     report.BytesAfter,
		})
	}
	return report, nil
}

func (st *ScanState) compact() (history, cursors int) {
	for p, rec := range st.Phases {
		history += len(rec.History)
		rec.History = nil
		if rec.Status == PhaseCompleted && rec.Checkpoint != nil {
			rec.Checkpoint = nil
			cursors++
		}
		st.Phases[p] = rec
	}
	return history, cursors
}

// Size returns the encoded size of st in bytes
func (st *ScanState) Size() (int, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return 0, errs.Wrap(errs.ErrorTypeUnknown, "size", err)
	}
	return len(data), nil
}
