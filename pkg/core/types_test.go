package core

import (
	"errors"
	"reflect"
	"testing"
)

func TestHealthyIDs(t *testing.T) {
	snap := FleetSnapshot{Nodes: []Node{
		{ID: "a", Address: "10.0.0.1"},
		{ID: "b", Address: "10.0.0.2"},
		{ID: "c"},
	}}

	if got, want := snap.HealthyIDs(""), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("HealthyIDs(\"\") = %v, want %v", got, want)
	}
	if got, want := snap.HealthyIDs("b"), []string{"a", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("HealthyIDs(b) = %v, want %v", got, want)
	}
}

func TestWithStates(t *testing.T) {
	snap := FleetSnapshot{Nodes: []Node{
		{ID: "a", Address: "10.0.0.1"},
		{ID: "b"},
	}}

	got := snap.WithStates("b")
	if got.Nodes[0].State != NodeHealthy {
		t.Errorf("node a state = %s, want %s", got.Nodes[0].State, NodeHealthy)
	}
	if got.Nodes[1].State != NodeAwaitingAddress {
		t.Errorf("node b state = %s, want %s", got.Nodes[1].State, NodeAwaitingAddress)
	}
	if snap.Nodes[1].State != "" {
		t.Errorf("WithStates mutated the original snapshot")
	}

	snap.Nodes[1].Address = "10.0.0.2"
	if s := snap.WithStates("b").Nodes[1].State; s != NodeWarmingUp {
		t.Errorf("node b state with address = %s, want %s", s, NodeWarmingUp)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
	}{
		{"fetch", &TransientFetchError{Err: base}},
		{"probe", &ProbeFailure{NodeID: "1", Address: "10.0.0.1", Err: base}},
		{"create", &CreateFailure{Err: base}},
		{"lb", &LbUpdateError{LoadBalancerID: "lb", Err: base}},
		{"startup", &FatalStartupError{Stage: "secrets", Err: base}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, base) {
				t.Errorf("errors.Is(%v, base) = false", tt.err)
			}
			if tt.err.Error() == "" {
				t.Errorf("Error() is empty")
			}
		})
	}
}
