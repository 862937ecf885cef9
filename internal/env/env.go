// Package env defines the environments episodes are collected from.
package env

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cartridge/selfsup/internal/episode"
)

// Label names attached to observations.
const (
	LabelX       = "x_coord"
	LabelY       = "y_coord"
	LabelHeading = "heading"
)

// Observation is what the agent sees after a reset or step.
type Observation struct {
	Frame  episode.Frame
	Labels map[string]int
}

// Environment is a discrete-action episodic environment.
type Environment interface {
	ID() string
	NumActions() int
	// NumClasses returns the number of distinct values of each label.
	NumClasses() map[string]int
	Reset(ctx context.Context) (Observation, error)
	Step(ctx context.Context, action int) (obs Observation, reward float32, done bool, err error)
}

// Factory builds an environment from a seed.
type Factory func(seed int64) Environment

var registry = map[string]Factory{
	"gridworld-5x5": func(seed int64) Environment { return NewGridWorld(GridConfig{Size: 5, Seed: seed}) },
	"gridworld-8x8": func(seed int64) Environment { return NewGridWorld(GridConfig{Size: 8, Seed: seed}) },
	"gridworld-8x8-random": func(seed int64) Environment {
		return NewGridWorld(GridConfig{Size: 8, Seed: seed, RandomStart: true})
	},
}

// Register adds a named environment factory.
func Register(name string, f Factory) {
	registry[strings.ToLower(name)] = f
}

// Make builds a registered environment.
func Make(name string, seed int64) (Environment, error) {
	f, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown environment %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return f(seed), nil
}

// Names lists registered environments.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var headings = [4][2]int{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}

// DiscretizeHeading bins a unit direction vector (screen coordinates, y down)
// into 0 right, 1 down, 2 left, 3 up.
func DiscretizeHeading(dx, dy int) (int, error) {
	for i, h := range headings {
		if h[0] == dx && h[1] == dy {
			return i, nil
		}
	}
	return 0, fmt.Errorf("heading (%d, %d) is not axis aligned", dx, dy)
}

// Bucket maps value in [0, max) onto one of n equal-width buckets.
func Bucket(value, max, n int) int {
	if max <= 0 || n <= 0 || value <= 0 {
		return 0
	}
	b := value * n / max
	if b >= n {
		b = n - 1
	}
	return b
}
