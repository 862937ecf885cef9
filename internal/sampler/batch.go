package sampler

import (
	"fmt"
	"sort"

	"gorgonia.org/tensor"

	"github.com/cartridge/selfsup/internal/frames"
)

// Kind is the stacking strategy for a field.
type Kind int

const (
	// KindFrames stacks frames through the normalizer into (B, N, C, H, W).
	KindFrames Kind = iota + 1
	// KindInts stacks int lists into int64 (B, len).
	KindInts
	// KindFloats stacks float lists into float32 (B, len).
	KindFloats
	// KindBools stacks bool lists into int64 0/1.
	KindBools
	// KindMapping stacks each key of a map of int lists separately.
	KindMapping
)

// Field is a named, typed member of a record.
type Field struct {
	Name string
	Kind Kind
}

// Schema is the ordered field list of a transition variant.
type Schema []Field

// Fields declared by the transition variants.
var (
	// FieldFrames holds the sampled frames.
	FieldFrames = Field{Name: "frames", Kind: KindFrames}
	// FieldActions holds the actions taken at the first N-1 frames.
	FieldActions = Field{Name: "actions", Kind: KindInts}
	// FieldRewards holds the rewards of those actions.
	FieldRewards = Field{Name: "rewards", Kind: KindFloats}
	// FieldDones holds the done flags of those actions.
	FieldDones = Field{Name: "dones", Kind: KindBools}
	// FieldLabels holds per-frame environment labels by name.
	FieldLabels = Field{Name: "labels", Kind: KindMapping}
)

// Has reports whether the schema declares a field with this name.
func (s Schema) Has(name string) bool {
	for _, f := range s {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Batch is the field-wise stack of sampled windows. Leading dimension of
// every tensor is the batch.
type Batch struct {
	Size int
	// Frames is float32 (B, N, C, H, W) in [-1, 1].
	Frames *tensor.Dense
	// Actions is int64 (B, N-1); nil for frames-only windows.
	Actions *tensor.Dense
	// Rewards is float32 (B, N-1); nil for frames-only windows.
	Rewards *tensor.Dense
	// Dones is int64 (B, N-1) holding 0/1.
	Dones *tensor.Dense
	// Labels maps label name to int64 (B, N).
	Labels map[string]*tensor.Dense
	// Indices is the draw order the batch was built from.
	Indices []Index
	Device  string
}

// Assembler merges records into batches.
type Assembler struct {
	Normalizer frames.Normalizer
	Device     Device
}

// Assemble stacks records field by field in record order and converts
// frames, actions and rewards to device tensors.
func (a *Assembler) Assemble(schema Schema, records []Record) (*Batch, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no records to assemble", ErrShapeMismatch)
	}
	batch := &Batch{Size: len(records), Device: a.Device.Name()}

	for _, field := range schema {
		var err error
		switch field.Kind {
		case KindFrames:
			batch.Frames, err = a.stackFrames(field, records)
			if err == nil {
				batch.Frames, err = a.Device.Place(batch.Frames)
			}
		case KindInts:
			var t *tensor.Dense
			t, err = stackInts(field, records)
			if err == nil {
				err = a.assign(batch, field, t)
			}
		case KindFloats:
			var t *tensor.Dense
			t, err = stackFloats(field, records)
			if err == nil {
				err = a.assign(batch, field, t)
			}
		case KindBools:
			var t *tensor.Dense
			t, err = stackBools(field, records)
			if err == nil {
				err = a.assign(batch, field, t)
			}
		case KindMapping:
			batch.Labels, err = stackMapping(field, records)
		default:
			err = fmt.Errorf("%w: field %q has kind %d", ErrUnhandledField, field.Name, field.Kind)
		}
		if err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func (a *Assembler) assign(b *Batch, field Field, t *tensor.Dense) error {
	var err error
	switch field.Name {
	case FieldActions.Name:
		b.Actions, err = a.Device.Place(t)
	case FieldRewards.Name:
		b.Rewards, err = a.Device.Place(t)
	case FieldDones.Name:
		b.Dones = t
	default:
		return fmt.Errorf("%w: %q", ErrUnhandledField, field.Name)
	}
	return err
}

func (a *Assembler) stackFrames(field Field, records []Record) (*tensor.Dense, error) {
	if field.Name != FieldFrames.Name {
		return nil, fmt.Errorf("%w: %q is not a frame field", ErrUnhandledField, field.Name)
	}
	n := len(records[0].Frames)
	if n == 0 {
		return nil, fmt.Errorf("%w: record 0 has no frames", ErrShapeMismatch)
	}

	var shape [3]int
	var data []float32
	for i, rec := range records {
		if len(rec.Frames) != n {
			return nil, fmt.Errorf("%w: record %d has %d frames, want %d", ErrShapeMismatch, i, len(rec.Frames), n)
		}
		for j, f := range rec.Frames {
			norm, s, err := a.Normalizer.Normalize(f)
			if err != nil {
				return nil, fmt.Errorf("record %d frame %d: %w", i, j, err)
			}
			if data == nil {
				shape = s
				data = make([]float32, 0, len(records)*n*len(norm))
			} else if s != shape {
				return nil, fmt.Errorf("%w: record %d frame %d has shape %v, want %v", ErrShapeMismatch, i, j, s, shape)
			}
			data = append(data, norm...)
		}
	}
	return tensor.New(
		tensor.WithShape(len(records), n, shape[0], shape[1], shape[2]),
		tensor.WithBacking(data),
	), nil
}

func recordInts(field Field, rec Record) ([]int, error) {
	if field.Name == FieldActions.Name {
		return rec.Actions, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnhandledField, field.Name)
}

func stackInts(field Field, records []Record) (*tensor.Dense, error) {
	width := -1
	var data []int64
	for i, rec := range records {
		vals, err := recordInts(field, rec)
		if err != nil {
			return nil, err
		}
		if width < 0 {
			width = len(vals)
			data = make([]int64, 0, len(records)*width)
		} else if len(vals) != width {
			return nil, fmt.Errorf("%w: %s of record %d has length %d, want %d", ErrShapeMismatch, field.Name, i, len(vals), width)
		}
		for _, v := range vals {
			data = append(data, int64(v))
		}
	}
	return newDense(data, len(records), width)
}

func stackFloats(field Field, records []Record) (*tensor.Dense, error) {
	if field.Name != FieldRewards.Name {
		return nil, fmt.Errorf("%w: %q", ErrUnhandledField, field.Name)
	}
	width := len(records[0].Rewards)
	data := make([]float32, 0, len(records)*width)
	for i, rec := range records {
		if len(rec.Rewards) != width {
			return nil, fmt.Errorf("%w: %s of record %d has length %d, want %d", ErrShapeMismatch, field.Name, i, len(rec.Rewards), width)
		}
		data = append(data, rec.Rewards...)
	}
	return newDense(data, len(records), width)
}

// stackBools stacks boolean fields as int64 0/1.
func stackBools(field Field, records []Record) (*tensor.Dense, error) {
	if field.Name != FieldDones.Name {
		return nil, fmt.Errorf("%w: %q", ErrUnhandledField, field.Name)
	}
	width := len(records[0].Dones)
	data := make([]int64, 0, len(records)*width)
	for i, rec := range records {
		if len(rec.Dones) != width {
			return nil, fmt.Errorf("%w: %s of record %d has length %d, want %d", ErrShapeMismatch, field.Name, i, len(rec.Dones), width)
		}
		for _, v := range rec.Dones {
			if v {
				data = append(data, 1)
			} else {
				data = append(data, 0)
			}
		}
	}
	return newDense(data, len(records), width)
}

func stackMapping(field Field, records []Record) (map[string]*tensor.Dense, error) {
	if field.Name != FieldLabels.Name {
		return nil, fmt.Errorf("%w: %q", ErrUnhandledField, field.Name)
	}
	keys := sortedKeys(records[0].Labels)
	out := make(map[string]*tensor.Dense, len(keys))
	for i, rec := range records[1:] {
		if got := sortedKeys(rec.Labels); !equalStrings(got, keys) {
			return nil, fmt.Errorf("%w: record %d has keys %v, want %v", ErrKeyMismatch, i+1, got, keys)
		}
	}
	for _, k := range keys {
		width := len(records[0].Labels[k])
		data := make([]int64, 0, len(records)*width)
		for i, rec := range records {
			vals := rec.Labels[k]
			if len(vals) != width {
				return nil, fmt.Errorf("%w: label %q of record %d has length %d, want %d", ErrShapeMismatch, k, i, len(vals), width)
			}
			for _, v := range vals {
				data = append(data, int64(v))
			}
		}
		t, err := newDense(data, len(records), width)
		if err != nil {
			return nil, err
		}
		out[k] = t
	}
	return out, nil
}

func newDense[T int64 | float32](data []T, rows, cols int) (*tensor.Dense, error) {
	if cols <= 0 {
		return nil, fmt.Errorf("%w: empty field", ErrShapeMismatch)
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data)), nil
}

func sortedKeys(m map[string][]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
