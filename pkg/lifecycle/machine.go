package lifecycle

import "fmt"

// ReasonCode is the machine-readable outcome of a transition check.
type ReasonCode string

const (
	// ReasonAllowed means the transition may be recorded.
	ReasonAllowed ReasonCode = "ALLOWED"
	// ReasonBackwardTransition means the target lies behind the current state.
	ReasonBackwardTransition ReasonCode = "BACKWARD_TRANSITION"
	// ReasonSkippedStates means the move skips more than one intermediate state.
	ReasonSkippedStates ReasonCode = "SKIPPED_STATES"
	// ReasonNoOpTransition means the target equals the current state.
	ReasonNoOpTransition ReasonCode = "NO_OP_TRANSITION"
	// ReasonTerminalState means the current state is completed or failed.
	ReasonTerminalState ReasonCode = "TERMINAL_STATE"
	// ReasonUnknownState means either state is not part of the lifecycle.
	ReasonUnknownState ReasonCode = "UNKNOWN_STATE"
)

// maxForwardStep is how far along the happy path a single transition may move.
// A step of two lets a deployment skip exactly one intermediate state, e.g.
// submitted -> confirmed when the pending phase was never observed.
const maxForwardStep = 2

// TransitionContext carries caller information used to build explanations.
// It never changes the verdict.
type TransitionContext struct {
	DeploymentID  string
	CorrelationID string
	Reason        string
}

// Verdict is the result of validating a proposed transition.
type Verdict struct {
	Allowed           bool       `json:"allowed"`
	ReasonCode        ReasonCode `json:"reason_code"`
	Explanation       string     `json:"explanation"`
	ValidAlternatives []State    `json:"valid_alternatives"`
}

// Validate checks whether moving from current to proposed is legal.
// It is pure: it reads no record and persists nothing.
func Validate(current, proposed State, tc TransitionContext) Verdict {
	subject := "deployment"
	if tc.DeploymentID != "" {
		subject = "deployment " + tc.DeploymentID
	}

	if current.Validate() != nil || proposed.Validate() != nil {
		v := reject(current, ReasonUnknownState,
			fmt.Sprintf("%s: unknown state in transition %q -> %q", subject, current, proposed))
		return v
	}

	if current.IsTerminal() {
		return reject(current, ReasonTerminalState,
			fmt.Sprintf("%s is in terminal state %s; no transition is permitted", subject, current))
	}

	if proposed == current {
		return reject(current, ReasonNoOpTransition,
			fmt.Sprintf("%s is already %s", subject, current))
	}

	if proposed == StateFailed {
		return allow(current, proposed, subject)
	}

	step := rank[proposed] - rank[current]
	switch {
	case step < 0:
		return reject(current, ReasonBackwardTransition,
			fmt.Sprintf("%s cannot move backward from %s to %s", subject, current, proposed))
	case step > maxForwardStep:
		return reject(current, ReasonSkippedStates,
			fmt.Sprintf("%s cannot skip from %s to %s", subject, current, proposed))
	}

	return allow(current, proposed, subject)
}

// GetValidNextStates returns every state reachable from s in one transition,
// in happy-path order followed by StateFailed. Terminal and unknown states
// have none.
func GetValidNextStates(s State) []State {
	if s.Validate() != nil || s.IsTerminal() {
		return []State{}
	}

	next := make([]State, 0, maxForwardStep+1)
	for i := rank[s] + 1; i < len(happyPath) && i <= rank[s]+maxForwardStep; i++ {
		next = append(next, happyPath[i])
	}
	return append(next, StateFailed)
}

// CanTransition is a convenience wrapper around Validate.
func CanTransition(current, proposed State) bool {
	return Validate(current, proposed, TransitionContext{}).Allowed
}

func allow(current, proposed State, subject string) Verdict {
	return Verdict{
		Allowed:           true,
		ReasonCode:        ReasonAllowed,
		Explanation:       fmt.Sprintf("%s may move from %s to %s", subject, current, proposed),
		ValidAlternatives: GetValidNextStates(current),
	}
}

func reject(current State, code ReasonCode, explanation string) Verdict {
	return Verdict{
		Allowed:           false,
		ReasonCode:        code,
		Explanation:       explanation,
		ValidAlternatives: GetValidNextStates(current),
	}
}
