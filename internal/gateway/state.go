package gateway

// State is a step of the per-request state machine.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateValidating     State = "VALIDATING"
	StatePolicyCheck    State = "POLICY_CHECK"
	StateFetching       State = "FETCHING"
	StateResponding     State = "RESPONDING"
	StateRespondedOK    State = "RESPONDED_OK"
	StateRespondedError State = "RESPONDED_ERROR"
)

// transitions lists the allowed successors of each state. Any state before
// RESPONDING may jump straight to it on failure.
var transitions = map[State][]State{
	StateReceived:    {StateValidating, StateResponding},
	StateValidating:  {StatePolicyCheck, StateResponding},
	StatePolicyCheck: {StateFetching, StateResponding},
	StateFetching:    {StateResponding},
	StateResponding:  {StateRespondedOK, StateRespondedError},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateRespondedOK || s == StateRespondedError
}
