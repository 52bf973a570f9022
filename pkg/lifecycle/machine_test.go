package lifecycle

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestValidate_HappyPath(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{StateQueued, StateSubmitted},
		{StateSubmitted, StatePending},
		{StatePending, StateConfirmed},
		{StateConfirmed, StateCompleted},
		{StateQueued, StatePending},
		{StateSubmitted, StateConfirmed},
		{StatePending, StateCompleted},
		{StateQueued, StateFailed},
		{StateSubmitted, StateFailed},
		{StatePending, StateFailed},
		{StateConfirmed, StateFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			v := Validate(tt.from, tt.to, TransitionContext{})
			if !v.Allowed {
				t.Fatalf("expected transition to be allowed, got %s: %s", v.ReasonCode, v.Explanation)
			}
			if v.ReasonCode != ReasonAllowed {
				t.Errorf("expected reason %s, got %s", ReasonAllowed, v.ReasonCode)
			}
		})
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		from   State
		to     State
		reason ReasonCode
	}{
		{"backward", StateConfirmed, StateSubmitted, ReasonBackwardTransition},
		{"backward to queued", StatePending, StateQueued, ReasonBackwardTransition},
		{"skip two", StateQueued, StateConfirmed, ReasonSkippedStates},
		{"skip three", StateQueued, StateCompleted, ReasonSkippedStates},
		{"same state", StatePending, StatePending, ReasonNoOpTransition},
		{"out of completed", StateCompleted, StatePending, ReasonTerminalState},
		{"out of failed", StateFailed, StateQueued, ReasonTerminalState},
		{"failed to failed", StateFailed, StateFailed, ReasonTerminalState},
		{"unknown target", StateQueued, State("archived"), ReasonUnknownState},
		{"unknown source", State("archived"), StateQueued, ReasonUnknownState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.from, tt.to, TransitionContext{DeploymentID: "dep-1"})
			if v.Allowed {
				t.Fatalf("expected rejection for %s -> %s", tt.from, tt.to)
			}
			if v.ReasonCode != tt.reason {
				t.Errorf("expected reason %s, got %s", tt.reason, v.ReasonCode)
			}
			if v.Explanation == "" {
				t.Error("expected non-empty explanation")
			}
		})
	}
}

// Every pair over the known states is either allowed, or rejected with the
// valid alternatives of the source state.
func TestValidate_AllPairs(t *testing.T) {
	for _, from := range States() {
		for _, to := range States() {
			v := Validate(from, to, TransitionContext{})
			if v.Allowed {
				continue
			}
			if from.IsTerminal() {
				if len(v.ValidAlternatives) != 0 {
					t.Errorf("%s -> %s: expected no alternatives from terminal state, got %v", from, to, v.ValidAlternatives)
				}
				continue
			}
			if len(v.ValidAlternatives) == 0 {
				t.Errorf("%s -> %s: expected alternatives on rejection", from, to)
			}
			for _, alt := range v.ValidAlternatives {
				if !CanTransition(from, alt) {
					t.Errorf("%s: alternative %s is not itself allowed", from, alt)
				}
			}
		}
	}
}

func TestValidate_CompletedToPendingHasNoAlternatives(t *testing.T) {
	v := Validate(StateCompleted, StatePending, TransitionContext{})
	if v.Allowed {
		t.Fatal("expected completed -> pending to be rejected")
	}
	if v.ValidAlternatives == nil || len(v.ValidAlternatives) != 0 {
		t.Errorf("expected empty non-nil alternatives, got %#v", v.ValidAlternatives)
	}

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal verdict: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal verdict: %v", err)
	}
	if alts, ok := decoded["valid_alternatives"].([]any); !ok || len(alts) != 0 {
		t.Errorf("expected valid_alternatives to encode as [], got %v", decoded["valid_alternatives"])
	}
}

func TestGetValidNextStates(t *testing.T) {
	tests := []struct {
		state State
		want  []State
	}{
		{StateQueued, []State{StateSubmitted, StatePending, StateFailed}},
		{StateSubmitted, []State{StatePending, StateConfirmed, StateFailed}},
		{StatePending, []State{StateConfirmed, StateCompleted, StateFailed}},
		{StateConfirmed, []State{StateCompleted, StateFailed}},
		{StateCompleted, []State{}},
		{StateFailed, []State{}},
		{State("bogus"), []State{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			got := GetValidNextStates(tt.state)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("GetValidNextStates(%s) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	for _, s := range States() {
		want := s == StateCompleted || s == StateFailed
		if got := IsTerminalState(s); got != want {
			t.Errorf("IsTerminalState(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestState_JSON(t *testing.T) {
	var s State
	if err := json.Unmarshal([]byte(`"confirmed"`), &s); err != nil {
		t.Fatalf("failed to unmarshal state: %v", err)
	}
	if s != StateConfirmed {
		t.Errorf("expected confirmed, got %s", s)
	}

	if err := json.Unmarshal([]byte(`"archived"`), &s); err == nil {
		t.Error("expected error for unknown state")
	}

	if _, err := ParseState("queued"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := ParseState(""); err == nil {
		t.Error("expected error for empty state")
	}
}
