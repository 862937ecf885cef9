package config

import (
	"math/rand"

	"github.com/cartridge/selfsup/internal/episode"
	"github.com/cartridge/selfsup/internal/frames"
	"github.com/cartridge/selfsup/internal/sampler"
)

// NewSampler builds a DataSampler from the sampler section. seedOffset
// separates the random streams of samplers built from one config.
func (s SamplerConfig) NewSampler(seedOffset int64) (*sampler.DataSampler, error) {
	cfg, err := s.Build()
	if err != nil {
		return nil, err
	}
	device, err := sampler.ParseDevice(s.Device)
	if err != nil {
		return nil, err
	}
	return sampler.New(cfg,
		sampler.WithStore(episode.NewStore(s.MaxEpisodes)),
		sampler.WithRand(rand.New(rand.NewSource(s.Seed+seedOffset))),
		sampler.WithNormalizer(frames.NewResizer(s.ResizeTo())),
		sampler.WithDevice(device),
	)
}
