package wes

// State is a run's position in the execution lifecycle. A run moves
// UNKNOWN -> QUEUED -> INITIALIZING -> RUNNING and ends in exactly one of
// COMPLETE, EXECUTOR_ERROR, or SYSTEM_ERROR; external cancellation moves any
// non-terminal run through CANCELING to CANCELED.
type State string

const (
	StateUnknown       State = "UNKNOWN"
	StateQueued        State = "QUEUED"
	StateInitializing  State = "INITIALIZING"
	StateRunning       State = "RUNNING"
	StatePaused        State = "PAUSED"
	StateComplete      State = "COMPLETE"
	StateExecutorError State = "EXECUTOR_ERROR"
	StateSystemError   State = "SYSTEM_ERROR"
	StateCanceling     State = "CANCELING"
	StateCanceled      State = "CANCELED"
)

// FailureStates are terminal states reached through a fault. EXECUTOR_ERROR
// means the engine rejected the workflow or exited non-zero; SYSTEM_ERROR means
// an infrastructure fault (missing run directory, download failure, timeout).
var FailureStates = []State{StateExecutorError, StateSystemError}

// SuccessStates contains the single successful terminal state.
var SuccessStates = []State{StateComplete}

// TerminatedStates are states from which no further automatic transition occurs.
var TerminatedStates = []State{StateComplete, StateExecutorError, StateSystemError, StateCanceled}

func stateIn(s State, states []State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}

// IsFailure reports whether s is a terminal failure state.
func (s State) IsFailure() bool { return stateIn(s, FailureStates) }

// IsSuccess reports whether s is a terminal success state.
func (s State) IsSuccess() bool { return stateIn(s, SuccessStates) }

// IsTerminated reports whether s is terminal.
func (s State) IsTerminated() bool { return stateIn(s, TerminatedStates) }

// CancelRejection returns a human-readable reason why a run in state s cannot
// be canceled, and whether cancellation must be rejected. Any state outside
// the table is a legal cancellation target.
func CancelRejection(s State) (string, bool) {
	switch {
	case s == StateCanceling || s == StateCanceled:
		return "run already canceled", true
	case s.IsFailure():
		return "run already terminated with error", true
	case s.IsSuccess():
		return "run already completed", true
	default:
		return "", false
	}
}
