// Package probe fits linear classifiers on frame encodings to measure what
// an encoder captures about environment state.
package probe

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// Encoder maps the first frame of each window in a batch to a feature row.
type Encoder interface {
	Name() string
	// Encode takes float32 frames shaped (B, N, C, H, W) and returns (B, D).
	Encode(frames *tensor.Dense) (*mat.Dense, error)
}

// RawPixel flattens the first frame of each window.
type RawPixel struct{}

// Name implements Encoder.
func (RawPixel) Name() string { return "raw_pixel" }

// Encode implements Encoder.
func (RawPixel) Encode(frames *tensor.Dense) (*mat.Dense, error) {
	shape := frames.Shape()
	if len(shape) != 5 {
		return nil, fmt.Errorf("expected 5-d frames, got shape %v", shape)
	}
	b, n := shape[0], shape[1]
	d := shape[2] * shape[3] * shape[4]
	data, ok := frames.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 frames, got %T", frames.Data())
	}

	out := mat.NewDense(b, d, nil)
	for i := 0; i < b; i++ {
		base := i * n * d
		for j := 0; j < d; j++ {
			out.Set(i, j, float64(data[base+j]))
		}
	}
	return out, nil
}

// LinearProjection is a fixed random projection of raw pixels.
type LinearProjection struct {
	weights *mat.Dense
}

// NewLinearProjection draws an inDim x outDim Gaussian projection scaled by
// 1/sqrt(inDim).
func NewLinearProjection(inDim, outDim int, seed int64) (*LinearProjection, error) {
	if inDim <= 0 || outDim <= 0 {
		return nil, fmt.Errorf("projection dims must be positive, got %dx%d", inDim, outDim)
	}
	rng := rand.New(rand.NewSource(seed))
	scale := 1 / math.Sqrt(float64(inDim))
	data := make([]float64, inDim*outDim)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return &LinearProjection{weights: mat.NewDense(inDim, outDim, data)}, nil
}

// Name implements Encoder.
func (p *LinearProjection) Name() string { return "linear_projection" }

// Encode implements Encoder.
func (p *LinearProjection) Encode(frames *tensor.Dense) (*mat.Dense, error) {
	raw, err := RawPixel{}.Encode(frames)
	if err != nil {
		return nil, err
	}
	_, d := raw.Dims()
	in, _ := p.weights.Dims()
	if d != in {
		return nil, fmt.Errorf("projection expects %d inputs, got %d", in, d)
	}
	var out mat.Dense
	out.Mul(raw, p.weights)
	return &out, nil
}

// NewEncoder builds an encoder by name. inDim is the flattened frame size.
func NewEncoder(name string, inDim, embedDim int, seed int64) (Encoder, error) {
	switch name {
	case "", "raw_pixel":
		return RawPixel{}, nil
	case "linear_projection":
		return NewLinearProjection(inDim, embedDim, seed)
	default:
		return nil, fmt.Errorf("unknown encoder %q", name)
	}
}
