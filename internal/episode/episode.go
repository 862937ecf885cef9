package episode

import (
	"fmt"
	"time"
)

// Frame is a raw uint8 image stored row-major as height x width x channels.
type Frame struct {
	Pix      []uint8 `json:"pix"`
	Height   int     `json:"height"`
	Width    int     `json:"width"`
	Channels int     `json:"channels"`
}

// Validate checks that the pixel buffer matches the declared shape.
func (f Frame) Validate() error {
	if f.Height <= 0 || f.Width <= 0 || f.Channels <= 0 {
		return fmt.Errorf("frame shape must be positive, got %dx%dx%d", f.Height, f.Width, f.Channels)
	}
	if len(f.Pix) != f.Height*f.Width*f.Channels {
		return fmt.Errorf("frame has %d bytes, want %d", len(f.Pix), f.Height*f.Width*f.Channels)
	}
	return nil
}

// Step is one recorded environment step.
type Step struct {
	Frame  Frame          `json:"frame"`
	Action int            `json:"action"`
	Reward float32        `json:"reward"`
	Done   bool           `json:"done"`
	Labels map[string]int `json:"labels,omitempty"`
}

// Episode is one complete rollout from an environment.
type Episode struct {
	ID        string    `json:"id"`
	EnvID     string    `json:"env_id"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// Len returns the number of recorded steps.
func (e *Episode) Len() int {
	return len(e.Steps)
}

// TotalReward sums the step rewards.
func (e *Episode) TotalReward() float64 {
	var total float64
	for _, s := range e.Steps {
		total += float64(s.Reward)
	}
	return total
}

// Validate rejects empty episodes and malformed frames.
func (e *Episode) Validate() error {
	if len(e.Steps) == 0 {
		return fmt.Errorf("%w: episode has no steps", ErrInvalidEpisode)
	}
	for i, s := range e.Steps {
		if err := s.Frame.Validate(); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidEpisode, i, err)
		}
	}
	return nil
}

func (e *Episode) sizeBytes() uint64 {
	var n uint64
	for _, s := range e.Steps {
		n += uint64(len(s.Pix())) + 16
	}
	return n
}

// Pix is shorthand for the step's frame pixels.
func (s Step) Pix() []uint8 {
	return s.Frame.Pix
}
