package pause

// State is a pause lifecycle state
type State string

const (
	StateIdle            State = "Idle"
	StateRequesting      State = "Requesting"
	StateWaitingApproval State = "WaitingApproval"
	StateActive          State = "Active"
	StateEnding          State = "Ending"
	StateRejected        State = "Rejected"
	StateCanceled        State = "Canceled"
)

// Event is what drives the controller from one state to the next
type Event string

const (
	EvReasonSelected    Event = "reason_selected"
	EvSelectionAbandon  Event = "selection_abandoned"
	EvSessionStarted    Event = "session_started"
	EvStartFailed       Event = "start_failed"
	EvApprovalRequested Event = "approval_requested"
	EvRequestFailed     Event = "request_failed"
	EvApproved          Event = "approved"
	EvRejected          Event = "rejected"
	EvCanceled          Event = "canceled"
	EvResolved          Event = "resolved"
	EvEndRequested      Event = "end_requested"
	EvEndSucceeded      Event = "end_succeeded"
	EvEndFailed         Event = "end_failed"
	EvResumeWaiting     Event = "resume_waiting"
	EvResumeActive      Event = "resume_active"
)

// Transition is a single allowed edge of the lifecycle
type Transition struct {
	From  State
	To    State
	Event Event
}

var transitionsTable = []Transition{
	// Selection
	{From: StateIdle, To: StateRequesting, Event: EvReasonSelected},
	{From: StateRequesting, To: StateRequesting, Event: EvReasonSelected},
	{From: StateRequesting, To: StateIdle, Event: EvSelectionAbandon},

	// Direct start
	{From: StateRequesting, To: StateActive, Event: EvSessionStarted},
	{From: StateRequesting, To: StateIdle, Event: EvStartFailed},

	// Approval path
	{From: StateRequesting, To: StateWaitingApproval, Event: EvApprovalRequested},
	{From: StateRequesting, To: StateIdle, Event: EvRequestFailed},
	{From: StateWaitingApproval, To: StateActive, Event: EvApproved},
	{From: StateWaitingApproval, To: StateIdle, Event: EvStartFailed},
	{From: StateWaitingApproval, To: StateRejected, Event: EvRejected},
	{From: StateWaitingApproval, To: StateCanceled, Event: EvCanceled},
	{From: StateRejected, To: StateIdle, Event: EvResolved},
	{From: StateCanceled, To: StateIdle, Event: EvResolved},

	// Ending
	{From: StateActive, To: StateEnding, Event: EvEndRequested},
	{From: StateEnding, To: StateIdle, Event: EvEndSucceeded},
	{From: StateEnding, To: StateActive, Event: EvEndFailed},

	// Resume from checkpoint
	{From: StateIdle, To: StateWaitingApproval, Event: EvResumeWaiting},
	{From: StateIdle, To: StateActive, Event: EvResumeActive},
}

// TransitionFor returns the allowed transition for a given state and event
func TransitionFor(from State, ev Event) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}
