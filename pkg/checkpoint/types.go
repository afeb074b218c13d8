package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase names one stage of the pipeline
type Phase string

const (
	PhaseEnumeration   Phase = "subdomain_enumeration"
	PhaseAlive         Phase = "alive_check"
	PhaseVulnerability Phase = "vulnerability_scan"
)

// Phases lists every phase in execution order
var Phases = []Phase{PhaseEnumeration, PhaseAlive, PhaseVulnerability}

var phaseAliases = map[string]Phase{
	"subdomain": PhaseEnumeration,
	"alive":     PhaseAlive,
	"nuclei":    PhaseVulnerability,
}

// ParsePhase accepts a phase name or one of its short aliases
// (subdomain, alive, nuclei)
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if p, ok := phaseAliases[s]; ok {
		return p, nil
	}
	p := Phase(s)
	if p.Valid() {
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q (want subdomain, alive or nuclei)", s)
}

// Index returns the position of p in the pipeline, or -1
func (p Phase) Index() int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

func (p Phase) Valid() bool { return p.Index() >= 0 }

// Previous returns the phase that must complete before p, if any
func (p Phase) Previous() (Phase, bool) {
	i := p.Index()
	if i <= 0 {
		return "", false
	}
	return Phases[i-1], true
}

// Alias returns the short name used on the command line
func (p Phase) Alias() string {
	for alias, q := range phaseAliases {
		if q == p {
			return alias
		}
	}
	return string(p)
}

// Cursor is the resume position inside a phase. ItemsProcessed is the
// authoritative absolute position; BatchIndex counts completed batches.
type Cursor struct {
	LastItem       string `json:"last_item"`
	BatchIndex     int    `json:"batch_index"`
	ItemsProcessed int    `json:"items_processed"`
	BatchSize      int    `json:"batch_size"`
	TotalItems     int    `json:"total_items"`
}

// BatchEntry is one line of per-batch history. Optimize drops these.
type BatchEntry struct {
	BatchIndex  int       `json:"batch_index"`
	Items       int       `json:"items"`
	Results     int       `json:"results"`
	CompletedAt time.Time `json:"completed_at"`
}

// PhaseRecord is the persisted progress of a single phase
type PhaseRecord struct {
	Status             PhaseStatus  `json:"status"`
	ProgressPercentage float64      `json:"progress_percentage"`
	ResultsCount       int          `json:"results_count"`
	Checkpoint         *Cursor      `json:"checkpoint,omitempty"`
	History            []BatchEntry `json:"history,omitempty"`
	Error              string       `json:"error,omitempty"`
}

// PhaseTable maps phases to their records and serializes in phase order
type PhaseTable map[Phase]PhaseRecord

// MarshalJSON emits phases in pipeline order, followed by any unknown keys
func (t PhaseTable) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(p Phase, rec PhaseRecord) error {
		key, err := json.Marshal(string(p))
		if err != nil {
			return err
		}
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
		return nil
	}

	for _, p := range Phases {
		if rec, ok := t[p]; ok {
			if err := write(p, rec); err != nil {
				return nil, err
			}
		}
	}
	for p, rec := range t {
		if !p.Valid() {
			if err := write(p, rec); err != nil {
				return nil, err
			}
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Statistics are scan-wide counters. They never decrease within a scan
// except through a forced restart.
type Statistics struct {
	SubdomainsFound      int `json:"subdomains_found"`
	AliveSubdomains      int `json:"alive_subdomains"`
	VulnerabilitiesFound int `json:"vulnerabilities_found"`
}

// For returns the counter fed by phase p
func (s Statistics) For(p Phase) int {
	switch p {
	case PhaseEnumeration:
		return s.SubdomainsFound
	case PhaseAlive:
		return s.AliveSubdomains
	case PhaseVulnerability:
		return s.VulnerabilitiesFound
	}
	return 0
}

func (s *Statistics) set(p Phase, v int) {
	switch p {
	case PhaseEnumeration:
		s.SubdomainsFound = v
	case PhaseAlive:
		s.AliveSubdomains = v
	case PhaseVulnerability:
		s.VulnerabilitiesFound = v
	}
}

// UnknownTemplatesHash marks an environment whose template set could not be
// recovered. It never matches a real fingerprint.
const UnknownTemplatesHash = "unknown"

// Environment is the fingerprint of the external tooling a scan ran with
type Environment struct {
	ToolVersions  map[string]string `json:"tool_versions"`
	TemplatesHash string            `json:"templates_hash"`
}

// UnknownEnvironment is what repair substitutes for a missing fingerprint
func UnknownEnvironment() Environment {
	return Environment{ToolVersions: map[string]string{}, TemplatesHash: UnknownTemplatesHash}
}

// Trigger says why a checkpoint was written
type Trigger string

const (
	TriggerPeriodic  Trigger = "periodic"
	TriggerInterrupt Trigger = "interrupt"
	TriggerBatch     Trigger = "batch"
	TriggerManual    Trigger = "manual"
)

// CheckpointMark records the most recent explicit checkpoint
type CheckpointMark struct {
	Trigger Trigger   `json:"trigger"`
	At      time.Time `json:"at"`
}

// ScanState is the persisted progress of one scan
type ScanState struct {
	ScanID         string          `json:"scan_id"`
	Domain         string          `json:"domain"`
	StartTime      time.Time       `json:"start_time"`
	LastUpdate     time.Time       `json:"last_update"`
	Status         ScanStatus      `json:"status"`
	Phases         PhaseTable      `json:"phases"`
	Statistics     Statistics      `json:"statistics"`
	Environment    Environment     `json:"environment"`
	LastCheckpoint *CheckpointMark `json:"last_checkpoint,omitempty"`
}

// NewScanID builds "<domain>-<unix seconds>-<8 hex chars>"
func NewScanID(domain string, now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%d-%s", domain, now.Unix(), id[:8])
}

// NewScanState returns a fresh state with every phase pending
func NewScanState(domain string, env Environment, now time.Time) *ScanState {
	now = now.UTC().Round(0)
	if env.ToolVersions == nil {
		env.ToolVersions = map[string]string{}
	}

	phases := make(PhaseTable, len(Phases))
	for _, p := range Phases {
		phases[p] = PhaseRecord{Status: PhasePending}
	}

	return &ScanState{
		ScanID:      NewScanID(domain, now),
		Domain:      domain,
		StartTime:   now,
		LastUpdate:  now,
		Status:      ScanInProgress,
		Phases:      phases,
		Environment: env,
	}
}

// Phase returns the record for p
func (st *ScanState) Phase(p Phase) PhaseRecord {
	return st.Phases[p]
}

// ActivePhase returns the phase currently in progress, if any
func (st *ScanState) ActivePhase() (Phase, bool) {
	for _, p := range Phases {
		if st.Phases[p].Status == PhaseInProgress {
			return p, true
		}
	}
	return "", false
}

// NextPhase returns the first phase that is not completed
func (st *ScanState) NextPhase() (Phase, bool) {
	for _, p := range Phases {
		if st.Phases[p].Status != PhaseCompleted {
			return p, true
		}
	}
	return "", false
}

// Clone returns a deep copy of st
func (st *ScanState) Clone() *ScanState {
	if st == nil {
		return nil
	}
	c := *st

	c.Phases = make(PhaseTable, len(st.Phases))
	for p, rec := range st.Phases {
		if rec.Checkpoint != nil {
			cur := *rec.Checkpoint
			rec.Checkpoint = &cur
		}
		if rec.History != nil {
			rec.History = append([]BatchEntry(nil), rec.History...)
		}
		c.Phases[p] = rec
	}

	if st.Environment.ToolVersions != nil {
		c.Environment.ToolVersions = make(map[string]string, len(st.Environment.ToolVersions))
		for k, v := range st.Environment.ToolVersions {
			c.Environment.ToolVersions[k] = v
		}
	}

	if st.LastCheckpoint != nil {
		mark := *st.LastCheckpoint
		c.LastCheckpoint = &mark
	}
	return &c
}
