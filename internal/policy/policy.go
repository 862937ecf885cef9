// Package policy provides action selection strategies for collection
package policy

import "github.com/cartridge/selfsup/internal/env"

// Policy interface for action selection
type Policy interface {
	// SelectAction chooses an action given the current observation
	SelectAction(obs env.Observation) (int, error)
}
