package policy

import (
	"testing"

	"github.com/cartridge/selfsup/internal/env"
)

func TestRandomPolicy_Range(t *testing.T) {
	policy, err := NewRandom(3, 1)
	if err != nil {
		t.Fatalf("Failed to create random policy: %v", err)
	}

	for i := 0; i < 100; i++ {
		action, err := policy.SelectAction(env.Observation{})
		if err != nil {
			t.Fatalf("Failed to select action: %v", err)
		}
		if action < 0 || action >= 3 {
			t.Errorf("Action %d out of range [0, 2]", action)
		}
	}
}

func TestRandomPolicy_InvalidActionSpace(t *testing.T) {
	_, err := NewRandom(0, 1)
	if err == nil {
		t.Error("Expected error for empty action space")
	}
}

func TestRandomPolicy_MultipleSelections(t *testing.T) {
	policy, err := NewRandom(9, 7)
	if err != nil {
		t.Fatalf("Failed to create random policy: %v", err)
	}

	actionSet := make(map[int]bool)
	for i := 0; i < 100; i++ {
		action, err := policy.SelectAction(env.Observation{})
		if err != nil {
			t.Fatalf("Failed to select action: %v", err)
		}
		actionSet[action] = true
	}

	// Should have at least 2 different actions (highly probable)
	if len(actionSet) < 2 {
		t.Errorf("Expected multiple different actions, got only %d unique actions", len(actionSet))
	}
}

func TestRandomPolicy_Restrict(t *testing.T) {
	policy, err := NewRandom(10, 3)
	if err != nil {
		t.Fatalf("Failed to create random policy: %v", err)
	}
	if err := policy.Restrict(10); err == nil {
		t.Error("Expected error restricting to an out-of-range action")
	}
	if err := policy.Restrict(2, 5); err != nil {
		t.Fatalf("Restrict failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		action, _ := policy.SelectAction(env.Observation{})
		if action != 2 && action != 5 {
			t.Errorf("Action %d outside restricted set", action)
		}
	}
}
