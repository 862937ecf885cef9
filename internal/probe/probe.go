package probe

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/selfsup/internal/env"
	"github.com/cartridge/selfsup/internal/sampler"
)

// ErrMissingLabel is returned when a batch lacks the probed label.
var ErrMissingLabel = errors.New("batch has no such label")

// Config configures a LabelProbe.
type Config struct {
	Label      string
	NumClasses int
	// LabelRange is the number of raw label values. When larger than
	// NumClasses, values are bucketed into NumClasses equal-width bins.
	LabelRange   int
	LearningRate float64
}

// LabelProbe is a softmax regression from encoder features to one label of
// the first frame in each window.
type LabelProbe struct {
	cfg     Config
	encoder Encoder

	weights *mat.Dense // D x K, allocated on first batch
	bias    []float64
}

// NewLabelProbe creates a probe over encoder.
func NewLabelProbe(encoder Encoder, cfg Config) (*LabelProbe, error) {
	if cfg.Label == "" {
		return nil, errors.New("probe label is required")
	}
	if cfg.NumClasses < 2 {
		return nil, fmt.Errorf("probe needs at least 2 classes, got %d", cfg.NumClasses)
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	if cfg.LabelRange < cfg.NumClasses {
		cfg.LabelRange = cfg.NumClasses
	}
	return &LabelProbe{cfg: cfg, encoder: encoder, bias: make([]float64, cfg.NumClasses)}, nil
}

// Name identifies the probe in experiment names.
func (p *LabelProbe) Name() string {
	return p.encoder.Name() + "_" + p.cfg.Label
}

// LossAcc computes mean cross-entropy and accuracy on batch, taking one SGD
// step when train is set.
func (p *LabelProbe) LossAcc(batch *sampler.Batch, train bool) (float64, *float64, error) {
	x, err := p.encoder.Encode(batch.Frames)
	if err != nil {
		return 0, nil, err
	}
	y, err := p.targets(batch)
	if err != nil {
		return 0, nil, err
	}

	rows, d := x.Dims()
	if p.weights == nil {
		p.weights = mat.NewDense(d, p.cfg.NumClasses, nil)
	} else if wr, _ := p.weights.Dims(); wr != d {
		return 0, nil, fmt.Errorf("probe fitted on %d features, got %d", wr, d)
	}

	logits := p.logits(x)
	probs := softmax(logits)

	var loss float64
	for i := 0; i < rows; i++ {
		loss -= math.Log(math.Max(probs.At(i, y[i]), 1e-12))
	}
	loss /= float64(rows)
	acc := ClassificationAccuracy(logits, y)

	if train {
		p.step(x, probs, y)
	}
	return loss, &acc, nil
}

// State returns the fitted parameters.
func (p *LabelProbe) State() map[string]any {
	state := map[string]any{"label": p.cfg.Label, "bias": p.bias}
	if p.weights != nil {
		r, c := p.weights.Dims()
		state["weights"] = mat.DenseCopyOf(p.weights).RawMatrix().Data
		state["shape"] = []int{r, c}
	}
	return state
}

func (p *LabelProbe) logits(x *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(x, p.weights)
	rows, _ := out.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(out.RawRowView(i), p.bias)
	}
	return &out
}

// step applies W -= lr * X^T (P - Y) / B and the matching bias update.
func (p *LabelProbe) step(x, probs *mat.Dense, y []int) {
	rows, _ := probs.Dims()
	grad := mat.DenseCopyOf(probs)
	for i := 0; i < rows; i++ {
		grad.Set(i, y[i], grad.At(i, y[i])-1)
	}
	grad.Scale(1/float64(rows), grad)

	var dw mat.Dense
	dw.Mul(x.T(), grad)
	dw.Scale(p.cfg.LearningRate, &dw)
	p.weights.Sub(p.weights, &dw)

	for k := range p.bias {
		p.bias[k] -= p.cfg.LearningRate * floats.Sum(mat.Col(nil, k, grad))
	}
}

func (p *LabelProbe) targets(batch *sampler.Batch) ([]int, error) {
	t, ok := batch.Labels[p.cfg.Label]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingLabel, p.cfg.Label)
	}
	data, ok := t.Data().([]int64)
	if !ok {
		return nil, fmt.Errorf("label %q has type %T", p.cfg.Label, t.Data())
	}
	shape := t.Shape()
	cols := shape[1]
	out := make([]int, shape[0])
	for i := range out {
		out[i] = env.Bucket(int(data[i*cols]), p.cfg.LabelRange, p.cfg.NumClasses)
	}
	return out, nil
}

func softmax(logits *mat.Dense) *mat.Dense {
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		copy(row, logits.RawRowView(i))
		maxV := floats.Max(row)
		floats.AddConst(-maxV, row)
		for j := range row {
			row[j] = math.Exp(row[j])
		}
		floats.Scale(1/floats.Sum(row), row)
	}
	return out
}

// ClassificationAccuracy is the fraction of rows whose argmax equals the label.
func ClassificationAccuracy(logits mat.Matrix, labels []int) float64 {
	rows, _ := logits.Dims()
	if rows == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < rows; i++ {
		if argmax(mat.Row(nil, i, logits)) == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(rows)
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
