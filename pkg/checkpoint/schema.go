package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Issue is one schema or invariant violation found in a checkpoint
type Issue struct {
	Field   string
	Message string
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

func issueStrings(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.String()
	}
	return out
}

// The wire types mirror ScanState with pointer fields so that a missing key
// can be told apart from a zero value.
type wireState struct {
	ScanID      *string               `json:"scan_id" validate:"required,min=1"`
	Domain      *string               `json:"domain" validate:"required,min=1"`
	StartTime   *time.Time            `json:"start_time" validate:"required"`
	LastUpdate  *time.Time            `json:"last_update" validate:"required"`
	Status      *string               `json:"status" validate:"required,oneof=in_progress paused completed failed"`
	Phases      map[string]*wirePhase `json:"phases" validate:"required,dive,keys,oneof=subdomain_enumeration alive_check vulnerability_scan,endkeys,required"`
	Statistics  *wireStatistics       `json:"statistics" validate:"required"`
	Environment *wireEnvironment      `json:"environment" validate:"required"`
}

type wirePhase struct {
	Status             *string     `json:"status" validate:"required,oneof=pending in_progress completed"`
	ProgressPercentage *float64    `json:"progress_percentage" validate:"required,min=0,max=100"`
	ResultsCount       *int        `json:"results_count" validate:"required,min=0"`
	Checkpoint         *wireCursor `json:"checkpoint" validate:"omitempty"`
}

type wireCursor struct {
	BatchIndex     int `json:"batch_index" validate:"min=0"`
	ItemsProcessed int `json:"items_processed" validate:"min=0"`
	BatchSize      int `json:"batch_size" validate:"min=0"`
	TotalItems     int `json:"total_items" validate:"min=0"`
}

type wireStatistics struct {
	SubdomainsFound      *int `json:"subdomains_found" validate:"required,min=0"`
	AliveSubdomains      *int `json:"alive_subdomains" validate:"required,min=0"`
	VulnerabilitiesFound *int `json:"vulnerabilities_found" validate:"required,min=0"`
}

type wireEnvironment struct {
	ToolVersions  map[string]string `json:"tool_versions" validate:"required"`
	TemplatesHash *string           `json:"templates_hash" validate:"required"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func schemaValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// checkSchema parses data and reports schema violations. A nil state is
// returned only when data is not a JSON object at all.
func checkSchema(data []byte) (*ScanState, []Issue) {
	var wire wireState
	if err := json.Unmarshal(data, &wire); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, []Issue{{Field: typeErr.Field, Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)}}
		}
		return nil, []Issue{{Message: fmt.Sprintf("malformed JSON: %v", err)}}
	}

	var issues []Issue
	if err := schemaValidator().Struct(&wire); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, []Issue{{Message: err.Error()}}
		}
		for _, fe := range verrs {
			issues = append(issues, issueFromFieldError(fe))
		}
	}

	for _, p := range Phases {
		if wire.Phases != nil {
			if _, ok := wire.Phases[string(p)]; !ok {
				issues = append(issues, Issue{Field: "phases." + string(p), Message: "missing required field"})
			}
		}
	}
	if len(issues) > 0 {
		return nil, issues
	}

	var st ScanState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, []Issue{{Message: fmt.Sprintf("decode: %v", err)}}
	}
	return &st, checkInvariants(&st)
}

func issueFromFieldError(fe validator.FieldError) Issue {
	// Drop the leading "wireState." from the namespace
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	field = strings.NewReplacer("[", ".", "]", "").Replace(field)

	switch fe.Tag() {
	case "required":
		return Issue{Field: field, Message: "missing required field"}
	case "oneof":
		return Issue{Field: field, Message: fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())}
	case "min", "max":
		return Issue{Field: field, Message: fmt.Sprintf("must satisfy %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value())}
	default:
		return Issue{Field: field, Message: fmt.Sprintf("failed %s check", fe.Tag())}
	}
}

// checkInvariants verifies the cross-field rules a schema cannot express
func checkInvariants(st *ScanState) []Issue {
	var issues []Issue
	add := func(field, format string, args ...interface{}) {
		issues = append(issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if st.ScanID == "" {
		add("scan_id", "missing required field")
	}
	if st.Domain == "" {
		add("domain", "missing required field")
	}
	if !st.Status.Valid() {
		add("status", "unknown scan status %q", st.Status)
	}
	if st.LastUpdate.Before(st.StartTime) {
		add("last_update", "precedes start_time")
	}

	active := 0
	blocked := ""
	for _, p := range Phases {
		field := "phases." + string(p)
		rec, ok := st.Phases[p]
		if !ok {
			add(field, "missing required field")
			blocked = string(p)
			continue
		}
		if !rec.Status.Valid() {
			add(field+".status", "unknown phase status %q", rec.Status)
		}
		if rec.ProgressPercentage < 0 || rec.ProgressPercentage > 100 {
			add(field+".progress_percentage", "out of range: %v", rec.ProgressPercentage)
		}
		if rec.ResultsCount < 0 {
			add(field+".results_count", "negative: %d", rec.ResultsCount)
		}
		if rec.Status == PhaseCompleted && rec.ProgressPercentage != 100 {
			add(field+".progress_percentage", "completed phase must be at 100, got %v", rec.ProgressPercentage)
		}
		if rec.Status == PhaseInProgress {
			active++
		}
		if rec.Status != PhasePending && blocked != "" {
			add(field+".status", "%s while earlier phase %s is not completed", rec.Status, blocked)
		}
		if rec.Status != PhaseCompleted && blocked == "" {
			blocked = string(p)
		}
	}
	if active > 1 {
		add("phases", "%d phases in progress, at most one allowed", active)
	}

	for name, v := range map[string]int{
		"statistics.subdomains_found":      st.Statistics.SubdomainsFound,
		"statistics.alive_subdomains":      st.Statistics.AliveSubdomains,
		"statistics.vulnerabilities_found": st.Statistics.VulnerabilitiesFound,
	} {
		if v < 0 {
			add(name, "negative: %d", v)
		}
	}
	return issues
}
