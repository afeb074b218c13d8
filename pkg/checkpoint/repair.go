package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	errs "reconpipe/pkg/errors"
)

// RepairReport describes what Repair changed
type RepairReport struct {
	// Backup is the copy taken before the file was rewritten
	Backup string
	// Actions lists each substitution made
	Actions []string
	// Issues are the problems found before repairing
	Issues []Issue
}

// Repaired reports whether the checkpoint was rewritten
func (r RepairReport) Repaired() bool {
	return len(r.Actions) > 0
}

// Repair rewrites a checkpoint that fails validation, substituting
// schema-conformant defaults field by field. A valid checkpoint is left
// alone. It fails with Unrepairable when scan_id or domain cannot be
// recovered, or when the result still does not validate.
func (s *Store) Repair() (RepairReport, error) {
	var report RepairReport
	err := s.withLock("repair", func() error {
		data, err := os.ReadFile(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return errs.Newf(errs.ErrorTypeNotFound, "repair", "no checkpoint at %s", s.path)
			}
			return errs.Wrap(errs.ErrorTypeUnknown, "repair", err)
		}

		_, report.Issues = checkSchema(data)
		if len(report.Issues) == 0 {
			return nil
		}

		st, actions, err := repairState(data, s.now())
		if err != nil {
			return err
		}
		if issues := checkInvariants(st); len(issues) > 0 {
			return errs.New(errs.ErrorTypeUnrepairable, "repair", "checkpoint still invalid after repair").
				WithDetails(issueStrings(issues)...)
		}

		if report.Backup, err = s.backupLocked(); err != nil {
			return err
		}
		if err := s.writeLocked(st, "repair"); err != nil {
			return err
		}
		if len(actions) == 0 {
			actions = []string{"rewrote checkpoint in canonical form"}
		}
		report.Actions = actions
		return nil
	})
	if err != nil {
		return report, err
	}

	if report.Repaired() {
		s.logger.WarnWithFields("Checkpoint repaired", map[string]interface{}{
			"actions": report.Actions,
			"backup":  report.Backup,
		})
	}
	return report, nil
}

type rawObject map[string]json.RawMessage

// field decodes key into a T. Missing keys, null and type mismatches all
// report false.
func field[T any](obj rawObject, key string) (T, bool) {
	var v T
	raw, ok := obj[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

func repairState(data []byte, now time.Time) (*ScanState, []string, error) {
	var obj rawObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, nil, errs.Wrap(errs.ErrorTypeUnrepairable, "repair", fmt.Errorf("checkpoint is not a JSON object: %w", err))
	}

	var actions []string
	note := func(format string, args ...interface{}) {
		actions = append(actions, fmt.Sprintf(format, args...))
	}

	st := &ScanState{}

	var ok bool
	if st.ScanID, ok = field[string](obj, "scan_id"); !ok || st.ScanID == "" {
		return nil, nil, errs.New(errs.ErrorTypeUnrepairable, "repair", "scan_id is missing or invalid")
	}
	if st.Domain, ok = field[string](obj, "domain"); !ok || st.Domain == "" {
		return nil, nil, errs.New(errs.ErrorTypeUnrepairable, "repair", "domain is missing or invalid")
	}

	lastUpdate, haveLast := field[time.Time](obj, "last_update")
	if st.StartTime, ok = field[time.Time](obj, "start_time"); !ok {
		st.StartTime = now
		if haveLast {
			st.StartTime = lastUpdate
		}
		note("start_time: set to %s", st.StartTime.Format(time.RFC3339))
	}
	st.LastUpdate = lastUpdate
	if !haveLast || lastUpdate.Before(st.StartTime) {
		st.LastUpdate = st.StartTime
		note("last_update: set to start_time")
	}

	status, _ := field[string](obj, "status")
	st.Status = ScanStatus(status)
	if !st.Status.Valid() {
		st.Status = ScanInProgress
		note("status: %q replaced with %s", status, ScanInProgress)
	}

	rawPhases, _ := field[rawObject](obj, "phases")
	st.Phases = make(PhaseTable, len(Phases))
	for _, p := range Phases {
		st.Phases[p] = repairPhase(p, rawPhases, note)
	}
	normalizePhases(st, note)

	rawStats, ok := field[rawObject](obj, "statistics")
	if !ok {
		note("statistics: restored as zero counters")
	}
	st.Statistics = Statistics{
		SubdomainsFound:      counter(rawStats, "statistics", "subdomains_found", ok, note),
		AliveSubdomains:      counter(rawStats, "statistics", "alive_subdomains", ok, note),
		VulnerabilitiesFound: counter(rawStats, "statistics", "vulnerabilities_found", ok, note),
	}

	st.Environment = repairEnvironment(obj, note)

	if _, present := obj["last_checkpoint"]; present {
		if mark, ok := field[CheckpointMark](obj, "last_checkpoint"); ok {
			st.LastCheckpoint = &mark
		} else {
			note("last_checkpoint: dropped")
		}
	}

	return st, actions, nil
}

func counter(obj rawObject, section, key string, sectionPresent bool, note func(string, ...interface{})) int {
	v, ok := field[int](obj, key)
	if ok && v >= 0 {
		return v
	}
	if sectionPresent {
		note("%s.%s: set to 0", section, key)
	}
	return 0
}

func repairPhase(p Phase, phases rawObject, note func(string, ...interface{})) PhaseRecord {
	name := "phases." + string(p)
	obj, ok := field[rawObject](phases, string(p))
	if !ok {
		note("%s: restored as pending", name)
		return PhaseRecord{Status: PhasePending}
	}

	var rec PhaseRecord
	status, _ := field[string](obj, "status")
	rec.Status = PhaseStatus(status)
	if !rec.Status.Valid() {
		rec.Status = PhasePending
		note("%s.status: %q replaced with pending", name, status)
	}

	progress, ok := field[float64](obj, "progress_percentage")
	if !ok || progress < 0 || progress > 100 {
		progress = 0
		note("%s.progress_percentage: set to 0", name)
	}
	rec.ProgressPercentage = progress

	results, ok := field[int](obj, "results_count")
	if !ok || results < 0 {
		results = 0
		note("%s.results_count: set to 0", name)
	}
	rec.ResultsCount = results

	if _, present := obj["checkpoint"]; present {
		if cur, ok := field[Cursor](obj, "checkpoint"); ok && cur.ItemsProcessed >= 0 && cur.BatchIndex >= 0 {
			rec.Checkpoint = &cur
		} else {
			note("%s.checkpoint: dropped unreadable cursor", name)
		}
	}
	if _, present := obj["history"]; present {
		if history, ok := field[[]BatchEntry](obj, "history"); ok {
			rec.History = history
		} else {
			note("%s.history: dropped", name)
		}
	}
	rec.Error, _ = field[string](obj, "error")
	return rec
}

// normalizePhases restores the ordering rules: completed phases sit at 100%,
// and nothing after the first unfinished phase has started.
func normalizePhases(st *ScanState, note func(string, ...interface{})) {
	blocked := Phase("")
	for _, p := range Phases {
		rec := st.Phases[p]
		if blocked != "" && rec.Status != PhasePending {
			note("phases.%s: reset to pending, %s is not completed", p, blocked)
			rec = PhaseRecord{Status: PhasePending}
		}
		if rec.Status == PhaseCompleted && rec.ProgressPercentage != 100 {
			note("phases.%s.progress_percentage: completed phase set to 100", p)
			rec.ProgressPercentage = 100
		}
		if rec.Status != PhaseCompleted && blocked == "" {
			blocked = p
		}
		st.Phases[p] = rec
	}
}

func repairEnvironment(obj rawObject, note func(string, ...interface{})) Environment {
	envObj, ok := field[rawObject](obj, "environment")
	if !ok {
		note("environment: set to unknown")
		return UnknownEnvironment()
	}

	env := Environment{}
	if env.ToolVersions, ok = field[map[string]string](envObj, "tool_versions"); !ok {
		env.ToolVersions = map[string]string{}
		note("environment.tool_versions: set to empty")
	}
	if env.TemplatesHash, ok = field[string](envObj, "templates_hash"); !ok || env.TemplatesHash == "" {
		env.TemplatesHash = UnknownTemplatesHash
		note("environment.templates_hash: set to unknown")
	}
	return env
}
