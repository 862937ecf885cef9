package policy

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/cartridge/selfsup/internal/env"
)

// RandomPolicy selects uniformly random actions from a discrete space
type RandomPolicy struct {
	mu         sync.Mutex
	rng        *rand.Rand
	numActions int
	allowed    []int
}

// NewRandom creates a random policy over numActions actions
func NewRandom(numActions int, seed int64) (*RandomPolicy, error) {
	if numActions <= 0 {
		return nil, fmt.Errorf("action space must have at least one action, got %d", numActions)
	}
	return &RandomPolicy{
		rng:        rand.New(rand.NewSource(seed)),
		numActions: numActions,
	}, nil
}

// Restrict limits selection to a subset of actions, e.g. the first three
// actions of a larger controller layout.
func (p *RandomPolicy) Restrict(actions ...int) error {
	for _, a := range actions {
		if a < 0 || a >= p.numActions {
			return fmt.Errorf("action %d out of range [0, %d)", a, p.numActions)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed = append([]int(nil), actions...)
	return nil
}

// SelectAction implements Policy interface
func (p *RandomPolicy) SelectAction(env.Observation) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.allowed) > 0 {
		return p.allowed[p.rng.Intn(len(p.allowed))], nil
	}
	return p.rng.Intn(p.numActions), nil
}
