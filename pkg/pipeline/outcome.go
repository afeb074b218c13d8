package pipeline

import (
	"reconpipe/pkg/batch"
	"reconpipe/pkg/checkpoint"
)

// OutcomeCode is the result of a resume request, as reported to the caller
type OutcomeCode string

const (
	Success                    OutcomeCode = "success"
	NoCheckpointFound          OutcomeCode = "no_checkpoint_found"
	CorruptUnrepairable        OutcomeCode = "corrupt_unrepairable"
	EnvironmentMismatchAborted OutcomeCode = "environment_mismatch_aborted"
	LockTimeout                OutcomeCode = "lock_timeout"
	Aborted                    OutcomeCode = "aborted"
	Interrupted                OutcomeCode = "interrupted"
	Failed                     OutcomeCode = "failed"
)

var exitCodes = map[OutcomeCode]int{
	Success:                    0,
	Failed:                     1,
	NoCheckpointFound:          2,
	CorruptUnrepairable:        3,
	EnvironmentMismatchAborted: 4,
	LockTimeout:                5,
	Aborted:                    6,
	Interrupted:                130,
}

// ExitCode maps the outcome to a process exit status
func (c OutcomeCode) ExitCode() int {
	if code, ok := exitCodes[c]; ok {
		return code
	}
	return 1
}

// ResumeRequest asks to continue a scan from its checkpoint
type ResumeRequest struct {
	Domain string
	// CheckpointPath overrides <output>/<domain>/checkpoints/scan_state.json
	CheckpointPath string
	// ForcePhase restarts this phase and every later one
	ForcePhase *checkpoint.Phase
	// SkipVerification proceeds despite an environment mismatch
	SkipVerification bool
	// NonInteractive answers every confirmation with yes
	NonInteractive bool
}

// ResumeOutcome reports how a resume request ended
type ResumeOutcome struct {
	Code OutcomeCode
	Err  error
	// Path is the checkpoint that was used
	Path       string
	Summary    *checkpoint.Summary
	Repair     *checkpoint.RepairReport
	Mismatches []checkpoint.Mismatch
	Plan       Plan
	Reports    []batch.Report
}

// OK reports whether the scan ran to completion
func (o ResumeOutcome) OK() bool {
	return o.Code == Success
}
