// Package config loads selfsup configuration from defaults, an optional
// config file, SELFSUP_* environment variables and command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cartridge/selfsup/internal/env"
	"github.com/cartridge/selfsup/internal/frames"
	"github.com/cartridge/selfsup/internal/sampler"
)

// EnvPrefix prefixes every environment variable, e.g. SELFSUP_SAMPLER_BATCH_SIZE.
const EnvPrefix = "SELFSUP"

// Config holds all selfsup configuration
type Config struct {
	Sampler  SamplerConfig  `mapstructure:"sampler"`
	Collect  CollectConfig  `mapstructure:"collect"`
	Train    TrainConfig    `mapstructure:"train"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Server   ServerConfig   `mapstructure:"server"`
	LogLevel string         `mapstructure:"log_level"`
}

// SamplerConfig controls windowing and batching
type SamplerConfig struct {
	Variant      string `mapstructure:"variant"`
	NumFrames    int    `mapstructure:"num_frames"`
	Stride       int    `mapstructure:"stride"`
	BatchSize    int    `mapstructure:"batch_size"`
	IndexPolicy  string `mapstructure:"index_policy"`
	WithLabels   bool   `mapstructure:"with_labels"`
	ResizeHeight int    `mapstructure:"resize_height"`
	ResizeWidth  int    `mapstructure:"resize_width"`
	Device       string `mapstructure:"device"`
	MaxEpisodes  int    `mapstructure:"max_episodes"`
	Seed         int64  `mapstructure:"seed"`
}

// CollectConfig controls episode collection
type CollectConfig struct {
	EnvID          string        `mapstructure:"env_id"`
	Seed           int64         `mapstructure:"seed"`
	MaxEpisodes    int           `mapstructure:"max_episodes"`
	EpisodeTimeout time.Duration `mapstructure:"episode_timeout"`
	// Minimum windows per split before training starts.
	TrainWindows int `mapstructure:"train_windows"`
	ValWindows   int `mapstructure:"val_windows"`
	TestWindows  int `mapstructure:"test_windows"`
	// Per-split episode budget; 0 is unlimited.
	SplitEpisodeBudget int    `mapstructure:"split_episode_budget"`
	ReplayAddr         string `mapstructure:"replay_addr"`
}

// TrainConfig controls probe training
type TrainConfig struct {
	Mode         string  `mapstructure:"mode"`
	Encoder      string  `mapstructure:"encoder"`
	EmbedDim     int     `mapstructure:"embed_dim"`
	Label        string  `mapstructure:"label"`
	NumClasses   int     `mapstructure:"num_classes"`
	LearningRate float64 `mapstructure:"learning_rate"`
	MaxEpochs    int     `mapstructure:"max_epochs"`
	ModelDir     string  `mapstructure:"model_dir"`
}

// TrackingConfig selects metric sinks. Empty URLs disable a sink.
type TrackingConfig struct {
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Sampler: SamplerConfig{
			Variant:      sampler.FramesWithActions.String(),
			NumFrames:    2,
			Stride:       1,
			BatchSize:    32,
			IndexPolicy:  sampler.ReserveStride.String(),
			WithLabels:   true,
			ResizeHeight: -1,
			ResizeWidth:  -1,
			Device:       "cpu",
			Seed:         1,
		},
		Collect: CollectConfig{
			EnvID:              "gridworld-5x5",
			Seed:               1,
			MaxEpisodes:        -1,
			EpisodeTimeout:     30 * time.Second,
			TrainWindows:       2000,
			ValWindows:         500,
			TestWindows:        500,
			SplitEpisodeBudget: 10000,
			ReplayAddr:         "localhost:50052",
		},
		Train: TrainConfig{
			Mode:         "eval",
			Encoder:      "raw_pixel",
			EmbedDim:     32,
			Label:        env.LabelX,
			LearningRate: 0.1,
			MaxEpochs:    20,
			ModelDir:     ".models",
		},
		Tracking: TrackingConfig{
			NATSSubject: "selfsup.runs",
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50052",
			ShutdownTimeout: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// SetDefaults registers every key of d with v so that environment
// variables and flags can override keys that no config file mentions.
func SetDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"sampler.variant":              d.Sampler.Variant,
		"sampler.num_frames":           d.Sampler.NumFrames,
		"sampler.stride":               d.Sampler.Stride,
		"sampler.batch_size":           d.Sampler.BatchSize,
		"sampler.index_policy":         d.Sampler.IndexPolicy,
		"sampler.with_labels":          d.Sampler.WithLabels,
		"sampler.resize_height":        d.Sampler.ResizeHeight,
		"sampler.resize_width":         d.Sampler.ResizeWidth,
		"sampler.device":               d.Sampler.Device,
		"sampler.max_episodes":         d.Sampler.MaxEpisodes,
		"sampler.seed":                 d.Sampler.Seed,
		"collect.env_id":               d.Collect.EnvID,
		"collect.seed":                 d.Collect.Seed,
		"collect.max_episodes":         d.Collect.MaxEpisodes,
		"collect.episode_timeout":      d.Collect.EpisodeTimeout,
		"collect.train_windows":        d.Collect.TrainWindows,
		"collect.val_windows":          d.Collect.ValWindows,
		"collect.test_windows":         d.Collect.TestWindows,
		"collect.split_episode_budget": d.Collect.SplitEpisodeBudget,
		"collect.replay_addr":          d.Collect.ReplayAddr,
		"train.mode":                   d.Train.Mode,
		"train.encoder":                d.Train.Encoder,
		"train.embed_dim":              d.Train.EmbedDim,
		"train.label":                  d.Train.Label,
		"train.num_classes":            d.Train.NumClasses,
		"train.learning_rate":          d.Train.LearningRate,
		"train.max_epochs":             d.Train.MaxEpochs,
		"train.model_dir":              d.Train.ModelDir,
		"tracking.nats_url":            d.Tracking.NATSURL,
		"tracking.nats_subject":        d.Tracking.NATSSubject,
		"tracking.postgres_dsn":        d.Tracking.PostgresDSN,
		"server.http_addr":             d.Server.HTTPAddr,
		"server.grpc_addr":             d.Server.GRPCAddr,
		"server.shutdown_timeout":      d.Server.ShutdownTimeout,
		"log_level":                    d.LogLevel,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads configuration through v. configFile may be empty.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := c.Sampler.Build(); err != nil {
		return err
	}
	if _, err := sampler.ParseDevice(c.Sampler.Device); err != nil {
		return err
	}
	if c.Collect.EnvID == "" {
		return fmt.Errorf("collect.env_id is required")
	}
	if c.Collect.EpisodeTimeout <= 0 {
		return fmt.Errorf("collect.episode_timeout must be positive")
	}
	switch c.Train.Mode {
	case "train", "eval", "test":
	default:
		return fmt.Errorf("train.mode must be train, eval or test, got %q", c.Train.Mode)
	}
	if c.Train.LearningRate <= 0 {
		return fmt.Errorf("train.learning_rate must be positive")
	}
	if c.Train.MaxEpochs <= 0 {
		return fmt.Errorf("train.max_epochs must be positive")
	}
	return nil
}

// Build converts the sampler section into a sampler.Config.
func (s SamplerConfig) Build() (sampler.Config, error) {
	variant, err := sampler.ParseVariant(s.Variant)
	if err != nil {
		return sampler.Config{}, err
	}
	policy, err := sampler.ParseIndexPolicy(s.IndexPolicy)
	if err != nil {
		return sampler.Config{}, err
	}
	cfg := sampler.Config{
		Window: sampler.Window{
			Variant:    variant,
			NumFrames:  s.NumFrames,
			Stride:     s.Stride,
			WithLabels: s.WithLabels,
		},
		BatchSize:   s.BatchSize,
		IndexPolicy: policy,
	}
	if err := cfg.Validate(); err != nil {
		return sampler.Config{}, fmt.Errorf("invalid sampler config: %w", err)
	}
	return cfg, nil
}

// ResizeTo returns the frame target size.
func (s SamplerConfig) ResizeTo() frames.Size {
	return frames.Size{Height: s.ResizeHeight, Width: s.ResizeWidth}
}
