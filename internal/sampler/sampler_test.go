package sampler

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/cartridge/selfsup/internal/episode"
)

// pixelNormalizer maps every frame to its first pixel so tests can read
// step numbers back out of the frame tensor.
type pixelNormalizer struct{}

func (pixelNormalizer) Normalize(f episode.Frame) ([]float32, [3]int, error) {
	return []float32{float32(f.Pix[0])}, [3]int{1, 1, 1}, nil
}

func makeEpisode(n int) episode.Episode {
	steps := make([]episode.Step, n)
	for i := range steps {
		steps[i] = episode.Step{
			Frame:  episode.Frame{Pix: []uint8{uint8(i)}, Height: 1, Width: 1, Channels: 1},
			Action: i * 10,
			Reward: float32(i) / 2,
			Done:   i == n-1,
			Labels: map[string]int{"x_coord": i, "heading": i % 4},
		}
	}
	return episode.Episode{EnvID: "test", Steps: steps}
}

func storeWith(t *testing.T, lengths ...int) *episode.Store {
	t.Helper()
	store := episode.NewStore(0)
	for _, n := range lengths {
		_, err := store.Append(makeEpisode(n))
		require.NoError(t, err)
	}
	return store
}

func newTestSampler(t *testing.T, cfg Config, lengths ...int) *DataSampler {
	t.Helper()
	s, err := New(cfg,
		WithRand(rand.New(rand.NewSource(42))),
		WithNormalizer(pixelNormalizer{}),
	)
	require.NoError(t, err)
	for _, n := range lengths {
		_, err := s.Push(makeEpisode(n))
		require.NoError(t, err)
	}
	return s
}

func frameSteps(t *testing.T, b *Batch) [][]int {
	t.Helper()
	shape := b.Frames.Shape()
	data := b.Frames.Data().([]float32)
	per := len(data) / shape[0]
	out := make([][]int, shape[0])
	for i := range out {
		for _, v := range data[i*per : (i+1)*per] {
			out[i] = append(out[i], int(v))
		}
	}
	return out
}

func TestEnumerate_ReserveStride(t *testing.T) {
	store := storeWith(t, 5, 1, 3)

	indices := Enumerate(store, 1, 1, ReserveStride)
	counts := map[int]int{}
	for _, idx := range indices {
		counts[idx.Episode]++
	}
	assert.Equal(t, 4, counts[0])
	assert.Equal(t, 0, counts[1])
	assert.Equal(t, 2, counts[2])

	assert.Len(t, Enumerate(storeWith(t, 5), 3, 2, ReserveStride), 3)
	assert.Empty(t, Enumerate(storeWith(t, 2), 1, 2, ReserveStride))
}

func TestEnumerate_SkipsEpisodesShorterThanWindow(t *testing.T) {
	indices := Enumerate(storeWith(t, 20, 2, 4), 4, 1, ReserveStride)
	counts := map[int]int{}
	for _, idx := range indices {
		counts[idx.Episode]++
	}
	assert.Equal(t, 19, counts[0])
	assert.Zero(t, counts[1])
	assert.Equal(t, 3, counts[2])

	// (3-1)*2+1 = 5 steps span one window.
	assert.Empty(t, Enumerate(storeWith(t, 4), 3, 2, ReserveStride))
	assert.Len(t, Enumerate(storeWith(t, 5), 3, 2, ReserveStride), 3)
}

func TestEnumerate_FullWindow(t *testing.T) {
	indices := Enumerate(storeWith(t, 5), 3, 1, FullWindow)
	assert.Equal(t, []Index{{0, 0}, {0, 1}, {0, 2}}, indices)

	assert.Empty(t, Enumerate(storeWith(t, 2), 3, 1, FullWindow))
}

func TestEnumerate_Idempotent(t *testing.T) {
	store := storeWith(t, 7, 4, 9)
	first := Enumerate(store, 3, 2, ReserveStride)
	second := Enumerate(store, 3, 2, ReserveStride)
	assert.ElementsMatch(t, first, second)
}

func TestParsePolicyAndVariant(t *testing.T) {
	p, err := ParseIndexPolicy("full-window")
	require.NoError(t, err)
	assert.Equal(t, FullWindow, p)
	_, err = ParseIndexPolicy("bogus")
	assert.Error(t, err)

	v, err := ParseVariant("frames-actions")
	require.NoError(t, err)
	assert.Equal(t, FramesWithActions, v)
	assert.Equal(t, "frames-actions", v.String())
	_, err = ParseVariant("bogus")
	assert.Error(t, err)
}

func TestWindow_SampleExactFit(t *testing.T) {
	store := storeWith(t, 5)
	w := Window{Variant: FramesOnly, NumFrames: 3, Stride: 1}

	rec, err := w.Sample(store, Index{Episode: 0, Start: 2})
	require.NoError(t, err)
	require.Len(t, rec.Frames, 3)
	assert.Equal(t, uint8(2), rec.Frames[0].Pix[0])
	assert.Equal(t, uint8(3), rec.Frames[1].Pix[0])
	assert.Equal(t, uint8(4), rec.Frames[2].Pix[0])
	assert.Nil(t, rec.Actions)
}

func TestWindow_SampleShiftsBackward(t *testing.T) {
	store := storeWith(t, 4)
	w := Window{Variant: FramesOnly, NumFrames: 3, Stride: 1}

	rec, err := w.Sample(store, Index{Episode: 0, Start: 2})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), rec.Frames[0].Pix[0])
	assert.Equal(t, uint8(2), rec.Frames[1].Pix[0])
	assert.Equal(t, uint8(3), rec.Frames[2].Pix[0])
}

func TestWindow_SampleWithStride(t *testing.T) {
	store := storeWith(t, 10)
	w := Window{Variant: FramesOnly, NumFrames: 3, Stride: 2}

	rec, err := w.Sample(store, Index{Episode: 0, Start: 6})
	require.NoError(t, err)
	var got []uint8
	for _, f := range rec.Frames {
		got = append(got, f.Pix[0])
	}
	assert.Equal(t, []uint8{4, 6, 8}, got)
}

func TestWindow_EnumeratedIndicesStayInBounds(t *testing.T) {
	for _, length := range []int{3, 4, 7, 12} {
		for _, n := range []int{1, 2, 3} {
			for _, s := range []int{1, 2} {
				store := storeWith(t, length)
				w := Window{Variant: FramesOnly, NumFrames: n, Stride: s}
				for _, idx := range Enumerate(store, n, s, ReserveStride) {
					rec, err := w.Sample(store, idx)
					require.NoError(t, err)
					first := int(rec.Frames[0].Pix[0])
					if length >= n*s {
						assert.LessOrEqual(t, first+n*s, length, "L=%d n=%d s=%d start=%d", length, n, s, idx.Start)
					}
					for _, f := range rec.Frames {
						assert.GreaterOrEqual(t, int(f.Pix[0]), 0)
						assert.Less(t, int(f.Pix[0]), length)
					}
				}
			}
		}
	}
}

func TestWindow_SampleWithActions(t *testing.T) {
	store := storeWith(t, 6)
	w := Window{Variant: FramesWithActions, NumFrames: 3, Stride: 2}

	rec, err := w.Sample(store, Index{Episode: 0, Start: 0})
	require.NoError(t, err)
	require.Len(t, rec.Frames, 3)
	assert.Equal(t, uint8(4), rec.Frames[2].Pix[0])
	assert.Equal(t, []int{0, 20}, rec.Actions)
	assert.Equal(t, []float32{0, 1}, rec.Rewards)
	assert.Equal(t, []bool{false, false}, rec.Dones)
}

func TestWindow_SampleWithLabels(t *testing.T) {
	store := storeWith(t, 4)
	w := Window{Variant: FramesOnly, NumFrames: 2, Stride: 1, WithLabels: true}

	rec, err := w.Sample(store, Index{Episode: 0, Start: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, rec.Labels["x_coord"])
	assert.Equal(t, []int{1, 2}, rec.Labels["heading"])
}

func TestWindow_SampleErrors(t *testing.T) {
	store := storeWith(t, 3)
	w := Window{Variant: FramesOnly, NumFrames: 3, Stride: 2}

	_, err := w.Sample(store, Index{Episode: 4, Start: 0})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = w.Sample(store, Index{Episode: 0, Start: 3})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = w.Sample(store, Index{Episode: 0, Start: 0})
	assert.ErrorIs(t, err, ErrWindowOverrun)
}

func TestWindow_Validate(t *testing.T) {
	assert.Error(t, Window{NumFrames: 0, Stride: 1}.Validate())
	assert.Error(t, Window{NumFrames: 1, Stride: 0}.Validate())
	assert.Error(t, Window{Variant: FramesWithActions, NumFrames: 1, Stride: 1}.Validate())
	assert.NoError(t, Window{Variant: FramesWithActions, NumFrames: 2, Stride: 1}.Validate())
}

func TestAssemble_StacksInRecordOrder(t *testing.T) {
	a := &Assembler{Normalizer: pixelNormalizer{}, Device: CPU{}}
	records := []Record{
		{Actions: []int{1, 2, 3}},
		{Actions: []int{4, 5, 6}},
		{Actions: []int{7, 8, 9}},
		{Actions: []int{0, 0, 1}},
	}

	b, err := a.Assemble(Schema{FieldActions}, records)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 3}, b.Actions.Shape())
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 0, 1}, b.Actions.Data().([]int64))
	assert.Equal(t, 4, b.Size)
	assert.Equal(t, "cpu", b.Device)
}

func TestAssemble_CoercesBools(t *testing.T) {
	a := &Assembler{Normalizer: pixelNormalizer{}, Device: CPU{}}
	records := []Record{{Dones: []bool{true}}, {Dones: []bool{false}}}

	b, err := a.Assemble(Schema{FieldDones}, records)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0}, b.Dones.Data().([]int64))
}

func TestAssemble_FramesAndLabels(t *testing.T) {
	store := storeWith(t, 6)
	w := Window{Variant: FramesWithActions, NumFrames: 2, Stride: 1, WithLabels: true}
	var records []Record
	for _, start := range []int{3, 0} {
		rec, err := w.Sample(store, Index{Start: start})
		require.NoError(t, err)
		records = append(records, rec)
	}

	a := &Assembler{Normalizer: pixelNormalizer{}, Device: CPU{}}
	b, err := a.Assemble(w.Schema(), records)
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{2, 2, 1, 1, 1}, b.Frames.Shape())
	assert.Equal(t, [][]int{{3, 4}, {0, 1}}, frameSteps(t, b))
	assert.Equal(t, []int64{30, 0}, b.Actions.Data().([]int64))
	assert.Equal(t, []float32{1.5, 0}, b.Rewards.Data().([]float32))
	assert.Equal(t, tensor.Shape{2, 1}, b.Dones.Shape())
	require.Contains(t, b.Labels, "x_coord")
	assert.Equal(t, []int64{3, 4, 0, 1}, b.Labels["x_coord"].Data().([]int64))
}

func TestAssemble_Errors(t *testing.T) {
	a := &Assembler{Normalizer: pixelNormalizer{}, Device: CPU{}}
	frame := episode.Frame{Pix: []uint8{0}, Height: 1, Width: 1, Channels: 1}

	_, err := a.Assemble(Schema{FieldFrames}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = a.Assemble(Schema{FieldFrames}, []Record{
		{Frames: []episode.Frame{frame, frame}},
		{Frames: []episode.Frame{frame}},
	})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = a.Assemble(Schema{FieldLabels}, []Record{
		{Labels: map[string][]int{"x_coord": {1}}},
		{Labels: map[string][]int{"y_coord": {1}}},
	})
	assert.ErrorIs(t, err, ErrKeyMismatch)

	_, err = a.Assemble(Schema{{Name: "mystery", Kind: Kind(99)}}, []Record{{}})
	assert.ErrorIs(t, err, ErrUnhandledField)

	_, err = a.Assemble(Schema{{Name: "mystery", Kind: KindInts}}, []Record{{}})
	assert.ErrorIs(t, err, ErrUnhandledField)
}

func TestParseDevice(t *testing.T) {
	d, err := ParseDevice("auto")
	require.NoError(t, err)
	assert.Equal(t, "cpu", d.Name())

	_, err = ParseDevice("tpu")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestDataSampler_EmptyIndexSpace(t *testing.T) {
	cfg := Config{Window: Window{NumFrames: 3, Stride: 2}, BatchSize: 4}
	s := newTestSampler(t, cfg, 2)

	_, err := s.Sample(4, true)
	assert.ErrorIs(t, err, ErrNoValidWindows)

	it := s.Epoch()
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), ErrNoValidWindows)
}

func TestDataSampler_SampleWithReplacement(t *testing.T) {
	cfg := Config{Window: Window{NumFrames: 2, Stride: 1}, BatchSize: 4}
	s := newTestSampler(t, cfg, 3)
	require.Equal(t, 2, s.NumWindows())

	b, err := s.Sample(10, true)
	require.NoError(t, err)
	assert.Equal(t, 10, b.Size)
	assert.Len(t, b.Indices, 10)
	assert.Equal(t, tensor.Shape{10, 2, 1, 1, 1}, b.Frames.Shape())

	b, err = s.Sample(0, true)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Size)
}

func TestDataSampler_SampleWithoutReplacement(t *testing.T) {
	cfg := Config{Window: Window{NumFrames: 2, Stride: 1}, BatchSize: 4}
	s := newTestSampler(t, cfg, 6, 4)

	b, err := s.Sample(5, false)
	require.NoError(t, err)
	assert.Equal(t, 5, b.Size)
	seen := map[Index]bool{}
	for _, idx := range b.Indices {
		assert.False(t, seen[idx], "duplicate index %v", idx)
		seen[idx] = true
	}

	b, err = s.Sample(100, false)
	require.NoError(t, err)
	assert.Equal(t, s.NumWindows(), b.Size)
}

func TestDataSampler_EpochCoversEveryWindowOnce(t *testing.T) {
	cfg := Config{Window: Window{Variant: FramesWithActions, NumFrames: 2, Stride: 1}, BatchSize: 4}
	s := newTestSampler(t, cfg, 6, 5, 3)
	total := s.NumWindows()
	require.Equal(t, 5+4+2, total)

	for epoch := 0; epoch < 2; epoch++ {
		it := s.Epoch()
		assert.Equal(t, 3, it.NumBatches())

		seen := map[Index]int{}
		batches, sum := 0, 0
		for it.Next() {
			b := it.Batch()
			batches++
			sum += b.Size
			for _, idx := range b.Indices {
				seen[idx]++
			}
		}
		require.NoError(t, it.Err())
		assert.Equal(t, 3, batches)
		assert.Equal(t, total, sum)
		assert.Len(t, seen, total)
		for idx, n := range seen {
			assert.Equal(t, 1, n, "index %v", idx)
		}
		assert.Nil(t, it.Batch())
	}
}

func TestDataSampler_PushInvalidatesIndexCache(t *testing.T) {
	cfg := Config{Window: Window{NumFrames: 1, Stride: 1}, BatchSize: 2}
	s := newTestSampler(t, cfg, 3)
	assert.Equal(t, 2, s.NumWindows())

	_, err := s.Push(makeEpisode(4))
	require.NoError(t, err)
	assert.Equal(t, 5, s.NumWindows())
	assert.Equal(t, 2, s.NumEpisodes())
	assert.Equal(t, uint64(7), s.Stats().TotalSteps)
}

func TestDataSampler_IndicesReturnsCopy(t *testing.T) {
	cfg := Config{Window: Window{NumFrames: 1, Stride: 1}, BatchSize: 2}
	s := newTestSampler(t, cfg, 3)

	indices := s.Indices()
	indices[0] = Index{Episode: 9, Start: 9}
	assert.Equal(t, Index{Episode: 0, Start: 0}, s.Indices()[0])
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Window: Window{NumFrames: 1, Stride: 1}})
	assert.Error(t, err)
}

func TestDataSampler_MixedLengthsNeverOverrun(t *testing.T) {
	cfg := Config{Window: Window{Variant: FramesWithActions, NumFrames: 4, Stride: 1}, BatchSize: 4}
	s := newTestSampler(t, cfg, 20, 2)
	require.Equal(t, 19, s.NumWindows())

	it := s.Epoch()
	batches := 0
	for it.Next() {
		batches++
		for _, idx := range it.Batch().Indices {
			assert.Equal(t, 0, idx.Episode)
		}
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 5, batches)

	b, err := s.Sample(64, true)
	require.NoError(t, err)
	assert.Equal(t, 64, b.Size)
}

func newEvictingSampler(t *testing.T, capacity int, lengths ...int) *DataSampler {
	t.Helper()
	s, err := New(Config{Window: Window{NumFrames: 2, Stride: 1}, BatchSize: 4},
		WithStore(episode.NewStore(capacity)),
		WithRand(rand.New(rand.NewSource(7))),
		WithNormalizer(pixelNormalizer{}),
	)
	require.NoError(t, err)
	for _, n := range lengths {
		_, err := s.Push(makeEpisode(n))
		require.NoError(t, err)
	}
	return s
}

func TestDataSampler_EvictionEndsEpoch(t *testing.T) {
	s := newEvictingSampler(t, 2, 10, 3)
	it := s.Epoch()
	require.True(t, it.Next())

	_, err := s.Push(makeEpisode(3))
	require.NoError(t, err)

	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), ErrStaleEpoch)
	assert.Nil(t, it.Batch())

	// A fresh epoch sees the shifted store.
	it = s.Epoch()
	n := 0
	for it.Next() {
		n += it.Batch().Size
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 4, n)
}

func TestDataSampler_PushWithoutEvictionKeepsEpoch(t *testing.T) {
	s := newEvictingSampler(t, 0, 5)
	it := s.Epoch()
	_, err := s.Push(makeEpisode(5))
	require.NoError(t, err)

	n := 0
	for it.Next() {
		n += it.Batch().Size
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 4, n)
}

func TestDataSampler_ConcurrentPushAndSampleWithEviction(t *testing.T) {
	s := newEvictingSampler(t, 3, 4, 4, 4)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := s.Push(makeEpisode(2 + i%9))
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b, err := s.Sample(8, i%2 == 0)
			if !assert.NoError(t, err) {
				return
			}
			for _, steps := range frameSteps(t, b) {
				assert.Equal(t, steps[0]+1, steps[1])
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, 3, s.NumEpisodes())
}
