// Package tracking records experiment parameters and per-epoch metrics.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Metric is one scalar observation of a run.
type Metric struct {
	RunID string    `json:"run_id"`
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	Step  int       `json:"step"`
	Time  time.Time `json:"time"`
}

// Tracker is implemented by experiment tracking backends.
type Tracker interface {
	LogParams(ctx context.Context, runID string, params map[string]string) error
	LogMetric(ctx context.Context, m Metric) error
	Close() error
}

// Noop discards everything; useful for tests.
type Noop struct{}

// LogParams satisfies Tracker.
func (Noop) LogParams(context.Context, string, map[string]string) error { return nil }

// LogMetric satisfies Tracker.
func (Noop) LogMetric(context.Context, Metric) error { return nil }

// Close satisfies Tracker.
func (Noop) Close() error { return nil }

// LogTracker writes params and metrics as structured log lines.
type LogTracker struct {
	logger zerolog.Logger
}

// NewLogTracker creates a LogTracker.
func NewLogTracker(logger zerolog.Logger) *LogTracker {
	return &LogTracker{logger: logger}
}

// LogParams satisfies Tracker.
func (t *LogTracker) LogParams(_ context.Context, runID string, params map[string]string) error {
	dict := zerolog.Dict()
	for k, v := range params {
		dict = dict.Str(k, v)
	}
	t.logger.Info().Str("run_id", runID).Dict("params", dict).Msg("Run parameters")
	return nil
}

// LogMetric satisfies Tracker.
func (t *LogTracker) LogMetric(_ context.Context, m Metric) error {
	t.logger.Info().
		Str("metric", m.Name).
		Str("run_id", m.RunID).
		Int("step", m.Step).
		Float64("value", m.Value).
		Msg("Run metric")
	return nil
}

// Close satisfies Tracker.
func (t *LogTracker) Close() error { return nil }

// Multi fans out to several trackers. Every tracker is called; errors are joined.
type Multi []Tracker

// LogParams satisfies Tracker.
func (m Multi) LogParams(ctx context.Context, runID string, params map[string]string) error {
	var errs []error
	for _, t := range m {
		errs = append(errs, t.LogParams(ctx, runID, params))
	}
	return errors.Join(errs...)
}

// LogMetric satisfies Tracker.
func (m Multi) LogMetric(ctx context.Context, metric Metric) error {
	var errs []error
	for _, t := range m {
		errs = append(errs, t.LogMetric(ctx, metric))
	}
	return errors.Join(errs...)
}

// Close satisfies Tracker.
func (m Multi) Close() error {
	var errs []error
	for _, t := range m {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
