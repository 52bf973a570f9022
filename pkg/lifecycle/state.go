// Package lifecycle defines the deployment lifecycle states and the transition
// rules enforced between them.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"
)

// State represents the lifecycle state of a deployment.
type State string

const (
	// StateQueued indicates the deployment was accepted but not yet submitted.
	StateQueued State = "queued"

	// StateSubmitted indicates the deployment transaction was broadcast.
	StateSubmitted State = "submitted"

	// StatePending indicates the transaction is known to the network but unconfirmed.
	StatePending State = "pending"

	// StateConfirmed indicates the transaction reached the required confirmations.
	StateConfirmed State = "confirmed"

	// StateCompleted indicates all post-deployment work finished.
	StateCompleted State = "completed"

	// StateFailed indicates the deployment failed. It is reachable from any
	// non-terminal state.
	StateFailed State = "failed"
)

// happyPath is the total order of forward progression.
var happyPath = []State{StateQueued, StateSubmitted, StatePending, StateConfirmed, StateCompleted}

// rank maps every happy-path state to its position in happyPath.
var rank = func() map[State]int {
	m := make(map[State]int, len(happyPath))
	for i, s := range happyPath {
		m[s] = i
	}
	return m
}()

var terminal = map[State]bool{
	StateCompleted: true,
	StateFailed:    true,
}

// States returns all known states in happy-path order followed by StateFailed.
func States() []State {
	out := make([]State, 0, len(happyPath)+1)
	out = append(out, happyPath...)
	return append(out, StateFailed)
}

// IsTerminal returns true if no transition may leave the state.
func (s State) IsTerminal() bool {
	return terminal[s]
}

// Validate checks if the state is known.
func (s State) Validate() error {
	if _, ok := rank[s]; ok || s == StateFailed {
		return nil
	}
	return fmt.Errorf("invalid deployment state: %q", string(s))
}

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// ParseState converts a string into a known State.
func ParseState(v string) (State, error) {
	s := State(v)
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	return s.Validate()
}

// IsTerminalState reports whether the state is Completed or Failed.
func IsTerminalState(s State) bool {
	return s.IsTerminal()
}

// TransitionEntry is one append-only record in a deployment's status history.
type TransitionEntry struct {
	// Sequence is the 1-based position of the entry in the history.
	Sequence int `json:"sequence"`

	// From is the state before the transition. Empty for the initial entry.
	From State `json:"from,omitempty"`

	// To is the state after the transition.
	To State `json:"to"`

	// Reason is a free-form explanation supplied by the caller.
	Reason string `json:"reason,omitempty"`

	// CorrelationID ties the transition to the request that caused it.
	CorrelationID string `json:"correlation_id,omitempty"`

	// OccurredAt is when the transition was recorded.
	OccurredAt time.Time `json:"occurred_at"`
}
