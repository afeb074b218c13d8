package checkpoint

// PhaseStatus is the lifecycle state of a phase
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
)

var phaseTransitions = map[PhaseStatus][]PhaseStatus{
	PhasePending:    {PhasePending, PhaseInProgress},
	PhaseInProgress: {PhaseInProgress, PhaseCompleted},
	PhaseCompleted:  {PhaseCompleted},
}

func (s PhaseStatus) Valid() bool {
	_, ok := phaseTransitions[s]
	return ok
}

// CanTransitionTo reports whether next is an allowed successor of s.
// Going back to pending is only possible through Store.ResetFrom.
func (s PhaseStatus) CanTransitionTo(next PhaseStatus) bool {
	for _, allowed := range phaseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ScanStatus is the lifecycle state of a whole scan
type ScanStatus string

const (
	ScanInProgress ScanStatus = "in_progress"
	ScanPaused     ScanStatus = "paused"
	ScanCompleted  ScanStatus = "completed"
	ScanFailed     ScanStatus = "failed"
)

var scanTransitions = map[ScanStatus][]ScanStatus{
	ScanInProgress: {ScanInProgress, ScanPaused, ScanCompleted, ScanFailed},
	ScanPaused:     {ScanPaused, ScanInProgress, ScanFailed},
	ScanFailed:     {ScanFailed, ScanInProgress},
	ScanCompleted:  {ScanCompleted},
}

func (s ScanStatus) Valid() bool {
	_, ok := scanTransitions[s]
	return ok
}

// CanTransitionTo reports whether next is an allowed successor of s
func (s ScanStatus) CanTransitionTo(next ScanStatus) bool {
	for _, allowed := range scanTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
