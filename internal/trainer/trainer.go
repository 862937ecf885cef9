// Package trainer runs epoch-based training with validation, checkpointing
// and metric tracking.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/cartridge/selfsup/internal/sampler"
	"github.com/cartridge/selfsup/internal/tracking"
)

// Model is trained one batch at a time.
type Model interface {
	// LossAcc returns the batch loss and accuracy, updating weights when
	// train is set. acc is nil for models without a notion of accuracy.
	LossAcc(batch *sampler.Batch, train bool) (loss float64, acc *float64, err error)
	State() map[string]any
}

// Epocher yields one shuffled pass over a dataset.
type Epocher interface {
	Epoch() *sampler.EpochIterator
}

// Mode names the split an epoch runs on.
type Mode string

const (
	ModeTrain Mode = "train"
	ModeVal   Mode = "val"
	ModeTest  Mode = "test"
)

// Config controls a training run.
type Config struct {
	RunID     string
	MaxEpochs int
}

// Result is the outcome of one epoch.
type Result struct {
	Loss float64
	Acc  *float64
}

// Status is a snapshot of training progress.
type Status struct {
	RunID       string    `json:"run_id"`
	Epoch       int       `json:"epoch"`
	Mode        Mode      `json:"mode"`
	TrainLoss   float64   `json:"train_loss"`
	ValLoss     float64   `json:"val_loss"`
	BestValLoss float64   `json:"best_val_loss"`
	BestEpoch   int       `json:"best_epoch"`
	Done        bool      `json:"done"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Trainer drives a Model over sampler epochs.
type Trainer struct {
	model   Model
	cfg     Config
	tracker tracking.Tracker
	ckpt    Checkpointer
	logger  zerolog.Logger

	epoch int

	mu     sync.RWMutex
	status Status
}

// New creates a Trainer. A nil tracker or checkpointer disables that concern.
func New(model Model, cfg Config, tracker tracking.Tracker, ckpt Checkpointer, logger zerolog.Logger) *Trainer {
	if cfg.MaxEpochs <= 0 {
		cfg.MaxEpochs = 10000
	}
	if tracker == nil {
		tracker = tracking.Noop{}
	}
	return &Trainer{
		model:   model,
		cfg:     cfg,
		tracker: tracker,
		ckpt:    ckpt,
		logger:  logger,
		status:  Status{RunID: cfg.RunID},
	}
}

// Status returns the latest progress snapshot.
func (t *Trainer) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Trainer) update(fn func(s *Status)) {
	t.mu.Lock()
	fn(&t.status)
	t.status.UpdatedAt = time.Now()
	t.mu.Unlock()
}

// OneEpoch runs the model over one full pass of src. Weights are updated
// only in train mode. The mean accuracy is nil if any batch reported none.
func (t *Trainer) OneEpoch(ctx context.Context, src Epocher, mode Mode) (Result, error) {
	t.update(func(s *Status) { s.Mode = mode })
	train := mode == ModeTrain

	var losses, accs []float64
	missingAcc := false
	it := src.Epoch()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		loss, acc, err := t.model.LossAcc(it.Batch(), train)
		if err != nil {
			return Result{}, fmt.Errorf("%s epoch %d: %w", mode, t.epoch, err)
		}
		losses = append(losses, loss)
		if acc == nil {
			missingAcc = true
		} else {
			accs = append(accs, *acc)
		}
	}
	if err := it.Err(); err != nil {
		return Result{}, fmt.Errorf("%s epoch %d: %w", mode, t.epoch, err)
	}

	res := Result{Loss: stat.Mean(losses, nil)}
	t.logMetric(ctx, string(mode)+"_loss", res.Loss)

	event := t.logger.Info().Int("epoch", t.epoch).Str("mode", string(mode)).Float64("loss", res.Loss)
	if !missingAcc {
		acc := stat.Mean(accs, nil)
		res.Acc = &acc
		t.logMetric(ctx, string(mode)+"_acc", acc)
		event = event.Float64("accuracy", acc)
	}
	event.Msg("Epoch finished")
	return res, nil
}

// Summary describes a finished training run.
type Summary struct {
	Epochs      int
	BestEpoch   int
	BestValLoss float64
}

// Train alternates train and validation epochs until MaxEpochs or ctx is
// cancelled. The current checkpoint is saved after every train epoch; the
// best checkpoint on the first epoch and whenever validation loss improves.
func (t *Trainer) Train(ctx context.Context, tr, val Epocher) (Summary, error) {
	summary := Summary{BestValLoss: math.Inf(1)}
	defer t.update(func(s *Status) { s.Done = true })

	for t.epoch < t.cfg.MaxEpochs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		t.epoch++
		t.update(func(s *Status) { s.Epoch = t.epoch })

		trRes, err := t.OneEpoch(ctx, tr, ModeTrain)
		if err != nil {
			return summary, err
		}
		state := t.model.State()
		if t.ckpt != nil {
			if err := t.ckpt.SaveCurrent(t.epoch, state); err != nil {
				return summary, fmt.Errorf("failed to save current checkpoint: %w", err)
			}
		}

		valRes, err := t.OneEpoch(ctx, val, ModeVal)
		if err != nil {
			return summary, err
		}
		summary.Epochs = t.epoch

		improved := t.epoch == 1 || valRes.Loss < summary.BestValLoss
		if improved {
			summary.BestValLoss = valRes.Loss
			summary.BestEpoch = t.epoch
			if t.ckpt != nil {
				if err := t.ckpt.SaveBest(t.epoch, valRes.Loss, state); err != nil {
					return summary, fmt.Errorf("failed to save best checkpoint: %w", err)
				}
			}
			t.logger.Info().Int("epoch", t.epoch).Float64("val_loss", valRes.Loss).Msg("New best model")
		}
		t.update(func(s *Status) {
			s.TrainLoss = trRes.Loss
			s.ValLoss = valRes.Loss
			s.BestValLoss = summary.BestValLoss
			s.BestEpoch = summary.BestEpoch
		})
	}
	return summary, nil
}

// ErrNoAccuracy is returned by Test when the model reports no accuracy.
var ErrNoAccuracy = errors.New("model reports no accuracy")

// Test runs one evaluation epoch on test and returns its accuracy.
func (t *Trainer) Test(ctx context.Context, test Epocher) (float64, error) {
	res, err := t.OneEpoch(ctx, test, ModeTest)
	if err != nil {
		return 0, err
	}
	if res.Acc == nil {
		return 0, ErrNoAccuracy
	}
	return *res.Acc, nil
}

func (t *Trainer) logMetric(ctx context.Context, name string, value float64) {
	m := tracking.Metric{RunID: t.cfg.RunID, Name: name, Value: value, Step: t.epoch, Time: time.Now()}
	if err := t.tracker.LogMetric(ctx, m); err != nil {
		t.logger.Warn().Err(err).Str("metric", name).Msg("Failed to track metric")
	}
}
