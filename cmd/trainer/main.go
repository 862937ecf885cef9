package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cartridge/selfsup/internal/collector"
	"github.com/cartridge/selfsup/internal/config"
	"github.com/cartridge/selfsup/internal/env"
	"github.com/cartridge/selfsup/internal/httpapi"
	"github.com/cartridge/selfsup/internal/logging"
	"github.com/cartridge/selfsup/internal/policy"
	"github.com/cartridge/selfsup/internal/probe"
	"github.com/cartridge/selfsup/internal/sampler"
	"github.com/cartridge/selfsup/internal/trainer"
	"github.com/cartridge/selfsup/internal/tracking"
)

var (
	v          = viper.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "trainer",
	Short: "Collect episode splits and fit linear probes on frame encodings",
	Long: `Trainer collects train, validation and test buffers from an environment
with a random policy, then fits a linear probe that predicts an environment
label (agent position or heading) from encoded frames.

Modes:
  train  fit on train, select on validation
  eval   fit on train, select on validation, report test accuracy
  test   report test accuracy of an unfitted probe (chance baseline)`,
	RunE:          runTrainer,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	d := config.Default()
	f := rootCmd.Flags()
	f.StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")

	f.String("mode", d.Train.Mode, "Run mode (train, eval, test)")
	f.String("encoder", d.Train.Encoder, "Encoder (raw_pixel, linear_projection)")
	f.Int("embed-dim", d.Train.EmbedDim, "Embedding size of linear_projection")
	f.String("label", d.Train.Label, "Label to probe (x_coord, y_coord, heading)")
	f.Int("num-classes", d.Train.NumClasses, "Probe classes; 0 uses every label value")
	f.Float64("lr", d.Train.LearningRate, "Probe learning rate")
	f.Int("max-epochs", d.Train.MaxEpochs, "Training epochs")
	f.String("model-dir", d.Train.ModelDir, "Checkpoint root directory")

	f.String("env-id", d.Collect.EnvID, "Environment ID (e.g. gridworld-5x5)")
	f.Int64("seed", d.Collect.Seed, "Environment and policy seed")
	f.Int("train-windows", d.Collect.TrainWindows, "Minimum windows in the train split")
	f.Int("val-windows", d.Collect.ValWindows, "Minimum windows in the validation split")
	f.Int("test-windows", d.Collect.TestWindows, "Minimum windows in the test split")

	f.Int("batch-size", d.Sampler.BatchSize, "Batch size")
	f.Int("num-frames", d.Sampler.NumFrames, "Frames per window")
	f.Int("stride", d.Sampler.Stride, "Frame stride within a window")
	f.String("index-policy", d.Sampler.IndexPolicy, "Valid start rule (reserve-stride, full-window)")
	f.String("device", d.Sampler.Device, "Batch device (cpu, auto)")

	f.String("http-addr", d.Server.HTTPAddr, "Status API listen address; empty disables it")
	f.String("nats-url", d.Tracking.NATSURL, "NATS URL for metric events")
	f.String("postgres-dsn", d.Tracking.PostgresDSN, "PostgreSQL DSN for metric storage")
	f.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")

	bindings := map[string]string{
		"mode":          "train.mode",
		"encoder":       "train.encoder",
		"embed-dim":     "train.embed_dim",
		"label":         "train.label",
		"num-classes":   "train.num_classes",
		"lr":            "train.learning_rate",
		"max-epochs":    "train.max_epochs",
		"model-dir":     "train.model_dir",
		"env-id":        "collect.env_id",
		"seed":          "collect.seed",
		"train-windows": "collect.train_windows",
		"val-windows":   "collect.val_windows",
		"test-windows":  "collect.test_windows",
		"batch-size":    "sampler.batch_size",
		"num-frames":    "sampler.num_frames",
		"stride":        "sampler.stride",
		"index-policy":  "sampler.index_policy",
		"device":        "sampler.device",
		"http-addr":     "server.http_addr",
		"nats-url":      "tracking.nats_url",
		"postgres-dsn":  "tracking.postgres_dsn",
		"log-level":     "log_level",
	}
	for flag, key := range bindings {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func runTrainer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()
	logger = logger.With().Str("run_id", runID).Logger()

	e, err := env.Make(cfg.Collect.EnvID, cfg.Collect.Seed)
	if err != nil {
		return err
	}
	pol, err := policy.NewRandom(e.NumActions(), cfg.Collect.Seed)
	if err != nil {
		return err
	}

	splits := map[string]*sampler.DataSampler{}
	var targets []collector.Target
	for i, split := range []struct {
		name string
		min  int
	}{
		{"train", cfg.Collect.TrainWindows},
		{"val", cfg.Collect.ValWindows},
		{"test", cfg.Collect.TestWindows},
	} {
		ds, err := cfg.Sampler.NewSampler(int64(i))
		if err != nil {
			return err
		}
		splits[split.name] = ds
		targets = append(targets, collector.Target{Name: split.name, Sampler: ds, MinWindows: split.min})
	}

	logger.Info().Str("env_id", e.ID()).Msg("Filling buffers")
	if err := collector.Fill(ctx, e, pol, targets, cfg.Collect.SplitEpisodeBudget, logger); err != nil {
		return err
	}

	model, err := buildProbe(cfg, e, splits["train"])
	if err != nil {
		return err
	}

	tracker, err := buildTracker(ctx, cfg.Tracking, logger)
	if err != nil {
		return err
	}
	defer tracker.Close()

	params := map[string]string{
		"mode":       cfg.Train.Mode,
		"env_id":     cfg.Collect.EnvID,
		"encoder":    cfg.Train.Encoder,
		"label":      cfg.Train.Label,
		"lr":         strconv.FormatFloat(cfg.Train.LearningRate, 'g', -1, 64),
		"batch_size": strconv.Itoa(cfg.Sampler.BatchSize),
		"num_frames": strconv.Itoa(cfg.Sampler.NumFrames),
		"stride":     strconv.Itoa(cfg.Sampler.Stride),
	}
	if err := tracker.LogParams(ctx, runID, params); err != nil {
		logger.Warn().Err(err).Msg("Failed to track params")
	}
	expName := cfg.Train.Mode + "_" + model.Name() + "_" + trainer.HyperString(params)

	modelDir, err := trainer.ModelDir(cfg.Train.ModelDir, cfg.Train.Mode, model.Name(), runID)
	if err != nil {
		return err
	}
	tr := trainer.New(model, trainer.Config{RunID: runID, MaxEpochs: cfg.Train.MaxEpochs},
		tracker, trainer.FileCheckpointer{Dir: modelDir}, logger)

	var srv *http.Server
	if cfg.Server.HTTPAddr != "" {
		srv = startStatusServer(cfg.Server.HTTPAddr, httpapi.NewServer(splits, tr, logger), logger)
	}

	logger.Info().Str("experiment", expName).Str("model_dir", modelDir).Msg("Starting run")
	runErr := run(ctx, tr, cfg.Train.Mode, splits, logger)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
	if errors.Is(runErr, context.Canceled) {
		logger.Info().Msg("Run interrupted")
		return nil
	}
	return runErr
}

func run(ctx context.Context, tr *trainer.Trainer, mode string, splits map[string]*sampler.DataSampler, logger zerolog.Logger) error {
	if mode != "test" {
		summary, err := tr.Train(ctx, splits["train"], splits["val"])
		if err != nil {
			return err
		}
		logger.Info().
			Int("epochs", summary.Epochs).
			Int("best_epoch", summary.BestEpoch).
			Float64("best_val_loss", summary.BestValLoss).
			Msg("Training finished")
	}
	if mode == "train" {
		return nil
	}
	acc, err := tr.Test(ctx, splits["test"])
	if err != nil {
		return err
	}
	logger.Info().Float64("test_acc", acc).Msg("Test finished")
	return nil
}

func buildProbe(cfg *config.Config, e env.Environment, train *sampler.DataSampler) (*probe.LabelProbe, error) {
	labelRange, ok := e.NumClasses()[cfg.Train.Label]
	if !ok {
		return nil, fmt.Errorf("environment %s has no label %q", e.ID(), cfg.Train.Label)
	}
	numClasses := cfg.Train.NumClasses
	if numClasses <= 0 {
		numClasses = labelRange
	}

	// One sample fixes the flattened frame size for the projection.
	batch, err := train.Sample(1, true)
	if err != nil {
		return nil, err
	}
	shape := batch.Frames.Shape()
	inDim := shape[2] * shape[3] * shape[4]

	enc, err := probe.NewEncoder(cfg.Train.Encoder, inDim, cfg.Train.EmbedDim, cfg.Sampler.Seed)
	if err != nil {
		return nil, err
	}
	return probe.NewLabelProbe(enc, probe.Config{
		Label:        cfg.Train.Label,
		NumClasses:   numClasses,
		LabelRange:   labelRange,
		LearningRate: cfg.Train.LearningRate,
	})
}

func buildTracker(ctx context.Context, cfg config.TrackingConfig, logger zerolog.Logger) (tracking.Tracker, error) {
	trackers := tracking.Multi{tracking.NewLogTracker(logger)}
	if cfg.NATSURL != "" {
		nt, err := tracking.NewNATSTracker(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		trackers = append(trackers, nt)
	}
	if cfg.PostgresDSN != "" {
		pt, err := tracking.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			trackers.Close()
			return nil, err
		}
		trackers = append(trackers, pt)
	}
	return trackers, nil
}

func startStatusServer(addr string, api *httpapi.Server, logger zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("status HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()
	return srv
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
