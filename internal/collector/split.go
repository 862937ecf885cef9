package collector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cartridge/selfsup/internal/env"
	"github.com/cartridge/selfsup/internal/policy"
	"github.com/cartridge/selfsup/internal/sampler"
)

// Target is a sampler to fill until it holds MinWindows windows.
type Target struct {
	Name       string
	Sampler    *sampler.DataSampler
	MinWindows int
}

// Fill collects episodes into each target in turn until every target has
// at least MinWindows windows. maxEpisodes bounds the episodes spent per
// target.
func Fill(ctx context.Context, e env.Environment, p policy.Policy, targets []Target, maxEpisodes int, logger zerolog.Logger) error {
	for _, t := range targets {
		episodes := 0
		for t.Sampler.NumWindows() < t.MinWindows {
			if maxEpisodes > 0 && episodes >= maxEpisodes {
				return fmt.Errorf("%w: %s has %d of %d windows after %d episodes",
					ErrBudgetExhausted, t.Name, t.Sampler.NumWindows(), t.MinWindows, episodes)
			}
			ep, err := RunEpisode(ctx, e, p)
			if err != nil {
				return fmt.Errorf("filling %s: %w", t.Name, err)
			}
			if _, err := t.Sampler.Push(ep); err != nil {
				return fmt.Errorf("filling %s: %w", t.Name, err)
			}
			episodes++
		}
		logger.Info().
			Str("split", t.Name).
			Int("episodes", episodes).
			Int("windows", t.Sampler.NumWindows()).
			Msg("buffer filled")
	}
	return nil
}
