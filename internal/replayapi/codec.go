package replayapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
	"gorgonia.org/tensor"

	"github.com/cartridge/selfsup/internal/sampler"
)

// toStruct converts any JSON-encodable value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a protobuf Struct into v via its JSON form. AsMap plus
// encoding/json keeps integral numbers out of exponent notation.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("empty message")
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

type pushResponse struct {
	EpisodeID   string `json:"episode_id"`
	NumEpisodes int    `json:"num_episodes"`
	NumWindows  int    `json:"num_windows"`
}

type sampleRequest struct {
	BatchSize       int  `json:"batch_size"`
	WithReplacement bool `json:"with_replacement"`
}

type wireTensor struct {
	Shape []int     `json:"shape"`
	Float []float32 `json:"float,omitempty"`
	Int   []int64   `json:"int,omitempty"`
}

type wireBatch struct {
	Size    int                   `json:"size"`
	Device  string                `json:"device"`
	Indices []sampler.Index       `json:"indices"`
	Fields  map[string]wireTensor `json:"fields"`
	Labels  map[string]wireTensor `json:"labels,omitempty"`
}

func encodeTensor(t *tensor.Dense) (wireTensor, error) {
	w := wireTensor{Shape: append([]int(nil), t.Shape()...)}
	switch data := t.Data().(type) {
	case []float32:
		w.Float = data
	case []int64:
		w.Int = data
	default:
		return wireTensor{}, fmt.Errorf("unsupported tensor type %T", data)
	}
	return w, nil
}

func decodeTensor(w wireTensor) *tensor.Dense {
	if w.Int != nil {
		return tensor.New(tensor.WithShape(w.Shape...), tensor.WithBacking(w.Int))
	}
	return tensor.New(tensor.WithShape(w.Shape...), tensor.WithBacking(w.Float))
}

func encodeBatch(b *sampler.Batch) (wireBatch, error) {
	w := wireBatch{
		Size:    b.Size,
		Device:  b.Device,
		Indices: b.Indices,
		Fields:  make(map[string]wireTensor),
	}
	fields := map[string]*tensor.Dense{
		sampler.FieldFrames.Name:  b.Frames,
		sampler.FieldActions.Name: b.Actions,
		sampler.FieldRewards.Name: b.Rewards,
		sampler.FieldDones.Name:   b.Dones,
	}
	for name, t := range fields {
		if t == nil {
			continue
		}
		enc, err := encodeTensor(t)
		if err != nil {
			return wireBatch{}, fmt.Errorf("field %s: %w", name, err)
		}
		w.Fields[name] = enc
	}
	if len(b.Labels) > 0 {
		w.Labels = make(map[string]wireTensor, len(b.Labels))
		for name, t := range b.Labels {
			enc, err := encodeTensor(t)
			if err != nil {
				return wireBatch{}, fmt.Errorf("label %s: %w", name, err)
			}
			w.Labels[name] = enc
		}
	}
	return w, nil
}

func decodeBatch(w wireBatch) *sampler.Batch {
	b := &sampler.Batch{Size: w.Size, Device: w.Device, Indices: w.Indices}
	for name, t := range w.Fields {
		dense := decodeTensor(t)
		switch name {
		case sampler.FieldFrames.Name:
			b.Frames = dense
		case sampler.FieldActions.Name:
			b.Actions = dense
		case sampler.FieldRewards.Name:
			b.Rewards = dense
		case sampler.FieldDones.Name:
			b.Dones = dense
		}
	}
	if len(w.Labels) > 0 {
		b.Labels = make(map[string]*tensor.Dense, len(w.Labels))
		for name, t := range w.Labels {
			b.Labels[name] = decodeTensor(t)
		}
	}
	return b
}
