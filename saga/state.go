package saga

// State is a node of a saga transition table.
type State int

// Saga states. COMPLETED, FAILED and REVERTED are terminal.
const (
	StateValidating State = iota
	StateAllocatingResources
	StateDispatching
	StateAwaitingResponses
	StateCommitting
	StateCleaningUp
	StateAwaitingCleanup
	StateCompensating
	StateRevertingCommands
	StateCompleted
	StateFailed
	StateReverted
)

var stateNames = [...]string{
	StateValidating:          "VALIDATING",
	StateAllocatingResources: "ALLOCATING_RESOURCES",
	StateDispatching:         "DISPATCHING",
	StateAwaitingResponses:   "AWAITING_RESPONSES",
	StateCommitting:          "COMMITTING",
	StateCleaningUp:          "CLEANING_UP",
	StateAwaitingCleanup:     "AWAITING_CLEANUP",
	StateCompensating:        "COMPENSATING",
	StateRevertingCommands:   "REVERTING_COMMANDS",
	StateCompleted:           "COMPLETED",
	StateFailed:              "FAILED",
	StateReverted:            "REVERTED",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateReverted
}

// Event drives a transition.
type Event int

// Events. An action returns EventNone to park the saga until the next external event.
const (
	EventNone Event = iota
	EventNext
	EventResponse
	EventSkip
	EventError
	EventGiveUp
	EventRevert
	EventFail
)

var eventNames = [...]string{
	EventNone:     "none",
	EventNext:     "next",
	EventResponse: "response",
	EventSkip:     "skip",
	EventError:    "error",
	EventGiveUp:   "give_up",
	EventRevert:   "revert",
	EventFail:     "fail",
}

func (e Event) String() string {
	if int(e) >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}
