package models

// RunState is the processing state attached to a case. Transitions are
// monotonic and one-directional: pending -> processing -> {completed | failed}.
// Only an explicit re-trigger restarts a terminal case from pending.
type RunState string

const (
	StatePending    RunState = "pending"
	StateProcessing RunState = "processing"
	StateCompleted  RunState = "completed"
	StateFailed     RunState = "failed"
)

// Terminal reports whether the state is an end state of a run.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanStart reports whether a new run may begin from this state without an
// explicit re-trigger. A case already processing must never start twice.
func (s RunState) CanStart() bool {
	return s == StatePending || s == StateFailed
}
