package sampler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cartridge/selfsup/internal/episode"
)

// Variant is the transition shape a sampler produces.
type Variant int

const (
	// FramesOnly windows hold NumFrames frames.
	FramesOnly Variant = iota
	// FramesWithActions windows hold NumFrames frames plus the NumFrames-1
	// actions, rewards and done flags recorded at the first NumFrames-1
	// sampled positions.
	FramesWithActions
)

func (v Variant) String() string {
	switch v {
	case FramesOnly:
		return "frames"
	case FramesWithActions:
		return "frames-actions"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ParseVariant parses the String form of a variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "frames":
		return FramesOnly, nil
	case "frames-actions":
		return FramesWithActions, nil
	default:
		return 0, fmt.Errorf("unknown transition variant %q", s)
	}
}

// Record is the raw content of one sampled window.
// Fields not declared by the window's schema are left nil.
type Record struct {
	Frames  []episode.Frame
	Actions []int
	Rewards []float32
	Dones   []bool
	Labels  map[string][]int
}

// Window describes how windows are cut out of episodes.
type Window struct {
	Variant    Variant
	NumFrames  int
	Stride     int
	WithLabels bool
}

// Validate checks the window parameters.
func (w Window) Validate() error {
	if w.NumFrames < 1 {
		return errors.New("num_frames must be at least 1")
	}
	if w.Stride < 1 {
		return errors.New("stride must be at least 1")
	}
	if w.Variant == FramesWithActions && w.NumFrames < 2 {
		return errors.New("frames-actions windows need at least 2 frames")
	}
	if w.Variant != FramesOnly && w.Variant != FramesWithActions {
		return fmt.Errorf("unknown variant %d", int(w.Variant))
	}
	return nil
}

// Schema returns the fields this window produces, in batch order.
func (w Window) Schema() Schema {
	schema := Schema{FieldFrames}
	if w.Variant == FramesWithActions {
		schema = append(schema, FieldActions, FieldRewards, FieldDones)
	}
	if w.WithLabels {
		schema = append(schema, FieldLabels)
	}
	return schema
}

// Sample extracts the window at idx. A window that would run past the end of
// the episode is shifted backward so that it ends inside it; the start never
// moves below 0.
func (w Window) Sample(src Source, idx Index) (Record, error) {
	ep, err := src.Episode(idx.Episode)
	if err != nil {
		return Record{}, fmt.Errorf("%w: episode %d: %v", ErrIndexOutOfRange, idx.Episode, err)
	}
	length := ep.Len()
	if idx.Start < 0 || idx.Start >= length {
		return Record{}, fmt.Errorf("%w: start %d in episode of length %d", ErrIndexOutOfRange, idx.Start, length)
	}

	start := shiftStart(idx.Start, length, w.NumFrames, w.Stride)
	if last := start + (w.NumFrames-1)*w.Stride; last >= length {
		return Record{}, fmt.Errorf("%w: %d frames at stride %d need %d steps, episode has %d",
			ErrWindowOverrun, w.NumFrames, w.Stride, last+1, length)
	}

	rec := Record{Frames: make([]episode.Frame, 0, w.NumFrames)}
	if w.Variant == FramesWithActions {
		rec.Actions = make([]int, 0, w.NumFrames-1)
		rec.Rewards = make([]float32, 0, w.NumFrames-1)
		rec.Dones = make([]bool, 0, w.NumFrames-1)
	}
	if w.WithLabels {
		rec.Labels = make(map[string][]int)
	}

	pos := start
	for i := 0; i < w.NumFrames; i++ {
		step := ep.Steps[pos]
		rec.Frames = append(rec.Frames, step.Frame)
		if w.Variant == FramesWithActions && i < w.NumFrames-1 {
			rec.Actions = append(rec.Actions, step.Action)
			rec.Rewards = append(rec.Rewards, step.Reward)
			rec.Dones = append(rec.Dones, step.Done)
		}
		if w.WithLabels {
			if err := appendLabels(rec.Labels, step.Labels, i); err != nil {
				return Record{}, fmt.Errorf("episode %d step %d: %w", idx.Episode, pos, err)
			}
		}
		pos += w.Stride
	}
	return rec, nil
}

func shiftStart(start, length, numFrames, stride int) int {
	remaining := length - start
	needed := numFrames * stride
	if diff := remaining - needed; diff < 0 {
		start += diff
	}
	if start < 0 {
		start = 0
	}
	return start
}

func appendLabels(dst map[string][]int, labels map[string]int, frame int) error {
	if frame > 0 && len(labels) != len(dst) {
		return fmt.Errorf("%w: step has %d labels, window has %d", ErrKeyMismatch, len(labels), len(dst))
	}
	for k, v := range labels {
		if frame > 0 {
			if _, ok := dst[k]; !ok {
				return fmt.Errorf("%w: unexpected label %q", ErrKeyMismatch, k)
			}
		}
		dst[k] = append(dst[k], v)
	}
	return nil
}
