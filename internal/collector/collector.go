// Package collector runs policies in environments and records episodes.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/selfsup/internal/env"
	"github.com/cartridge/selfsup/internal/episode"
	"github.com/cartridge/selfsup/internal/policy"
	"github.com/cartridge/selfsup/internal/sampler"
)

// ErrBudgetExhausted indicates the episode budget ran out before a target was met.
var ErrBudgetExhausted = errors.New("episode budget exhausted")

// Sink receives completed episodes.
type Sink interface {
	Push(ctx context.Context, ep episode.Episode) error
}

// SamplerSink pushes episodes into a local DataSampler.
type SamplerSink struct {
	Sampler *sampler.DataSampler
}

// Push implements Sink.
func (s SamplerSink) Push(_ context.Context, ep episode.Episode) error {
	_, err := s.Sampler.Push(ep)
	return err
}

// Config controls a collection run.
type Config struct {
	// MaxEpisodes stops Run after this many episodes; -1 runs until cancelled.
	MaxEpisodes    int
	EpisodeTimeout time.Duration
}

// Collector records episodes of a policy acting in an environment.
type Collector struct {
	env    env.Environment
	policy policy.Policy
	cfg    Config
	logger zerolog.Logger

	episodeCount int
}

// New creates a Collector.
func New(e env.Environment, p policy.Policy, cfg Config, logger zerolog.Logger) *Collector {
	if cfg.EpisodeTimeout <= 0 {
		cfg.EpisodeTimeout = 30 * time.Second
	}
	return &Collector{env: e, policy: p, cfg: cfg, logger: logger}
}

// Episodes returns how many episodes have been collected.
func (c *Collector) Episodes() int {
	return c.episodeCount
}

// Run collects episodes into sink until MaxEpisodes is reached or ctx is done.
func (c *Collector) Run(ctx context.Context, sink Sink) error {
	c.logger.Info().Str("env_id", c.env.ID()).Int("max_episodes", c.cfg.MaxEpisodes).Msg("collector starting")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.cfg.MaxEpisodes >= 0 && c.episodeCount >= c.cfg.MaxEpisodes {
			c.logger.Info().Int("episodes", c.episodeCount).Msg("reached maximum episodes, stopping")
			return nil
		}
		if err := c.collectOne(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error().Err(err).Int("episode", c.episodeCount+1).Msg("episode failed")
			return err
		}
	}
}

func (c *Collector) collectOne(ctx context.Context, sink Sink) error {
	episodeCtx, cancel := context.WithTimeout(ctx, c.cfg.EpisodeTimeout)
	defer cancel()

	ep, err := RunEpisode(episodeCtx, c.env, c.policy)
	if err != nil {
		return err
	}
	if err := sink.Push(ctx, ep); err != nil {
		return fmt.Errorf("failed to push episode: %w", err)
	}

	c.episodeCount++
	c.logger.Debug().
		Int("episode", c.episodeCount).
		Int("steps", ep.Len()).
		Float64("reward", ep.TotalReward()).
		Msg("episode collected")
	if c.episodeCount%10 == 0 {
		c.logger.Info().Int("episodes", c.episodeCount).Msg("collection progress")
	}
	return nil
}

// RunEpisode plays one episode. Step i holds the observation the action was
// taken from and the resulting reward and done flag; the terminal
// observation is stored as a final step with no action and Done set.
func RunEpisode(ctx context.Context, e env.Environment, p policy.Policy) (episode.Episode, error) {
	obs, err := e.Reset(ctx)
	if err != nil {
		return episode.Episode{}, fmt.Errorf("failed to reset environment: %w", err)
	}

	ep := episode.Episode{EnvID: e.ID()}
	for {
		action, err := p.SelectAction(obs)
		if err != nil {
			return episode.Episode{}, fmt.Errorf("failed to select action: %w", err)
		}
		next, reward, done, err := e.Step(ctx, action)
		if err != nil {
			return episode.Episode{}, fmt.Errorf("failed to step environment: %w", err)
		}
		ep.Steps = append(ep.Steps, episode.Step{
			Frame:  obs.Frame,
			Action: action,
			Reward: reward,
			Done:   done,
			Labels: obs.Labels,
		})
		obs = next
		if done {
			break
		}
	}
	ep.Steps = append(ep.Steps, episode.Step{Frame: obs.Frame, Done: true, Labels: obs.Labels})
	return ep, nil
}

// EvaluatePolicy plays k episodes and returns the mean and per-episode
// total rewards.
func EvaluatePolicy(ctx context.Context, e env.Environment, p policy.Policy, k int) (float64, []float64, error) {
	if k <= 0 {
		return 0, nil, errors.New("k must be positive")
	}
	rewards := make([]float64, 0, k)
	var sum float64
	for i := 0; i < k; i++ {
		ep, err := RunEpisode(ctx, e, p)
		if err != nil {
			return 0, nil, err
		}
		r := ep.TotalReward()
		rewards = append(rewards, r)
		sum += r
	}
	return sum / float64(k), rewards, nil
}
