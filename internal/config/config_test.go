package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/selfsup/internal/episode"
	"github.com/cartridge/selfsup/internal/sampler"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	sc, err := cfg.Sampler.Build()
	require.NoError(t, err)
	assert.Equal(t, sampler.FramesWithActions, sc.Window.Variant)
	assert.Equal(t, sampler.ReserveStride, sc.IndexPolicy)
	assert.Equal(t, -1, cfg.Sampler.ResizeTo().Height)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SELFSUP_SAMPLER_BATCH_SIZE", "8")
	t.Setenv("SELFSUP_SAMPLER_INDEX_POLICY", "full-window")
	t.Setenv("SELFSUP_COLLECT_EPISODE_TIMEOUT", "5s")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Sampler.BatchSize)
	assert.Equal(t, "full-window", cfg.Sampler.IndexPolicy)
	assert.Equal(t, 5*time.Second, cfg.Collect.EpisodeTimeout)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selfsup.yaml")
	content := `
sampler:
  variant: frames
  num_frames: 3
  stride: 2
train:
  mode: train
  encoder: linear_projection
tracking:
  nats_url: nats://localhost:4222
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "frames", cfg.Sampler.Variant)
	assert.Equal(t, 3, cfg.Sampler.NumFrames)
	assert.Equal(t, 2, cfg.Sampler.Stride)
	assert.Equal(t, "train", cfg.Train.Mode)
	assert.Equal(t, "linear_projection", cfg.Train.Encoder)
	assert.Equal(t, "nats://localhost:4222", cfg.Tracking.NATSURL)
	// Untouched keys keep their defaults.
	assert.Equal(t, 32, cfg.Sampler.BatchSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown variant", func(c *Config) { c.Sampler.Variant = "pixels" }},
		{"frames-actions with one frame", func(c *Config) { c.Sampler.NumFrames = 1 }},
		{"zero stride", func(c *Config) { c.Sampler.Stride = 0 }},
		{"zero batch", func(c *Config) { c.Sampler.BatchSize = 0 }},
		{"unknown policy", func(c *Config) { c.Sampler.IndexPolicy = "sliding" }},
		{"unknown device", func(c *Config) { c.Sampler.Device = "tpu" }},
		{"no env", func(c *Config) { c.Collect.EnvID = "" }},
		{"no timeout", func(c *Config) { c.Collect.EpisodeTimeout = 0 }},
		{"bad mode", func(c *Config) { c.Train.Mode = "finetune" }},
		{"bad learning rate", func(c *Config) { c.Train.LearningRate = 0 }},
		{"no epochs", func(c *Config) { c.Train.MaxEpochs = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewSampler(t *testing.T) {
	cfg := Default()
	cfg.Sampler.MaxEpisodes = 1
	cfg.Sampler.ResizeHeight, cfg.Sampler.ResizeWidth = 2, 2

	ds, err := cfg.Sampler.NewSampler(0)
	require.NoError(t, err)
	assert.Equal(t, 32, ds.Config().BatchSize)

	ep := episode.Episode{EnvID: "gridworld-5x5"}
	for i := 0; i < 3; i++ {
		ep.Steps = append(ep.Steps, episode.Step{
			Frame:  episode.Frame{Pix: make([]uint8, 4*4*3), Height: 4, Width: 4, Channels: 3},
			Labels: map[string]int{"x_coord": i},
		})
	}
	_, err = ds.Push(ep)
	require.NoError(t, err)
	_, err = ds.Push(ep)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.NumEpisodes())

	batch, err := ds.Sample(1, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 2, 2}, []int(batch.Frames.Shape()))
}
