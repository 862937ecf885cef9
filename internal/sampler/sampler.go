// Package sampler turns stored episodes into fixed-size training batches.
//
// A DataSampler can be used like a replay buffer (Sample, with or without
// replacement) or like a dataset iterator (Epoch, every window exactly once
// per traversal in shuffled order).
package sampler

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cartridge/selfsup/internal/episode"
	"github.com/cartridge/selfsup/internal/frames"
)

// Config controls windowing and batching.
type Config struct {
	Window      Window
	BatchSize   int
	IndexPolicy IndexPolicy
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Window.Validate(); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}
	return nil
}

// Option customizes a DataSampler.
type Option func(*DataSampler)

// WithStore uses store as the episode store. The sampler must be the only writer.
func WithStore(store *episode.Store) Option {
	return func(s *DataSampler) { s.store = store }
}

// WithRand sets the random source used for draws and shuffles.
func WithRand(rng *rand.Rand) Option {
	return func(s *DataSampler) { s.rng = rng }
}

// WithNormalizer sets the frame normalizer.
func WithNormalizer(n frames.Normalizer) Option {
	return func(s *DataSampler) { s.assembler.Normalizer = n }
}

// WithDevice sets the device batches are placed on.
func WithDevice(d Device) Option {
	return func(s *DataSampler) { s.assembler.Device = d }
}

// DataSampler is a buffer of episodes that yields batches of windows.
type DataSampler struct {
	cfg       Config
	store     *episode.Store
	assembler Assembler

	mu      sync.RWMutex
	indices []Index // nil until computed; reset on every Push

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a DataSampler.
func New(cfg Config, opts ...Option) (*DataSampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sampler config: %w", err)
	}
	s := &DataSampler{
		cfg:   cfg,
		store: episode.NewStore(0),
		assembler: Assembler{
			Normalizer: frames.NewResizer(frames.NoResize),
			Device:     CPU{},
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the sampler configuration.
func (s *DataSampler) Config() Config {
	return s.cfg
}

// Schema returns the field layout of produced batches.
func (s *DataSampler) Schema() Schema {
	return s.cfg.Window.Schema()
}

// Push appends a completed episode and invalidates the index cache.
func (s *DataSampler) Push(ep episode.Episode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.store.Append(ep)
	if err != nil {
		return "", err
	}
	s.indices = nil
	return id, nil
}

// NumEpisodes returns the number of stored episodes.
func (s *DataSampler) NumEpisodes() int {
	return s.store.Len()
}

// NumWindows returns the size of the valid index space.
func (s *DataSampler) NumWindows() int {
	all := s.rlockIndices()
	defer s.mu.RUnlock()
	return len(all)
}

// Stats returns statistics of the underlying store.
func (s *DataSampler) Stats() episode.Stats {
	return s.store.Stats()
}

// Indices returns a copy of the valid index space.
func (s *DataSampler) Indices() []Index {
	all := s.rlockIndices()
	defer s.mu.RUnlock()
	out := make([]Index, len(all))
	copy(out, all)
	return out
}

// rlockIndices returns the cached index space with s.mu read-locked, so no
// Push can shift episode positions until the caller releases it. The result
// must not be modified.
func (s *DataSampler) rlockIndices() []Index {
	for {
		s.mu.RLock()
		if s.indices != nil {
			return s.indices
		}
		s.mu.RUnlock()

		s.mu.Lock()
		if s.indices == nil {
			s.indices = Enumerate(s.store, s.cfg.Window.NumFrames, s.cfg.Window.Stride, s.cfg.IndexPolicy)
			if s.indices == nil {
				s.indices = []Index{}
			}
		}
		s.mu.Unlock()
	}
}

// Sample draws a batch. With replacement it draws exactly batchSize indices
// uniformly; without replacement it draws min(batchSize, NumWindows)
// distinct indices. A batchSize <= 0 uses the configured batch size.
func (s *DataSampler) Sample(batchSize int, withReplacement bool) (*Batch, error) {
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	all := s.rlockIndices()
	defer s.mu.RUnlock()
	if len(all) == 0 {
		return nil, ErrNoValidWindows
	}

	var picked []Index
	s.rngMu.Lock()
	if withReplacement {
		picked = make([]Index, batchSize)
		for i := range picked {
			picked[i] = all[s.rng.Intn(len(all))]
		}
	} else {
		picked = s.partialShuffle(all, batchSize)
	}
	s.rngMu.Unlock()

	return s.batch(picked)
}

// partialShuffle runs Fisher-Yates over a copy and keeps the first n.
func (s *DataSampler) partialShuffle(all []Index, n int) []Index {
	if n > len(all) {
		n = len(all)
	}
	perm := make([]Index, len(all))
	copy(perm, all)
	for i := 0; i < n; i++ {
		j := i + s.rng.Intn(len(perm)-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm[:n]
}

// Batch builds a batch from explicit indices, in the given order. Indices
// are positions in the store at the time of the call.
func (s *DataSampler) Batch(indices []Index) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batch(indices)
}

// batch requires s.mu held.
func (s *DataSampler) batch(indices []Index) (*Batch, error) {
	records := make([]Record, len(indices))
	for i, idx := range indices {
		rec, err := s.cfg.Window.Sample(s.store, idx)
		if err != nil {
			return nil, err
		}
		records[i] = rec
	}
	batch, err := s.assembler.Assemble(s.Schema(), records)
	if err != nil {
		return nil, err
	}
	batch.Indices = indices
	return batch, nil
}

// Epoch starts a traversal over every valid window in a fresh random order.
// Pushes during the traversal are not visited; a Push that evicts episodes
// ends it with ErrStaleEpoch.
func (s *DataSampler) Epoch() *EpochIterator {
	all := s.rlockIndices()
	order := make([]Index, len(all))
	copy(order, all)
	evicted := s.store.Evicted()
	s.mu.RUnlock()

	s.rngMu.Lock()
	s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	s.rngMu.Unlock()

	it := &EpochIterator{sampler: s, order: order, batchSize: s.cfg.BatchSize, evicted: evicted}
	if len(order) == 0 {
		it.err = ErrNoValidWindows
	}
	return it
}

// EpochIterator yields consecutive chunks of a shuffled index space.
//
//	it := s.Epoch()
//	for it.Next() {
//		train(it.Batch())
//	}
//	if err := it.Err(); err != nil { ... }
type EpochIterator struct {
	sampler   *DataSampler
	order     []Index
	batchSize int
	evicted   uint64
	pos       int
	batch     *Batch
	err       error
}

// Next advances to the next batch. It returns false when the epoch is
// exhausted or an error occurred.
func (it *EpochIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.order) {
		it.batch = nil
		return false
	}
	end := it.pos + it.batchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	batch, err := it.next(it.order[it.pos:end])
	if err != nil {
		it.err = err
		it.batch = nil
		return false
	}
	it.pos = end
	it.batch = batch
	return true
}

func (it *EpochIterator) next(indices []Index) (*Batch, error) {
	s := it.sampler
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := s.store.Evicted(); n != it.evicted {
		return nil, fmt.Errorf("%w: %d episodes evicted after %d batches", ErrStaleEpoch, n-it.evicted, it.pos/it.batchSize)
	}
	return s.batch(indices)
}

// Batch returns the current batch.
func (it *EpochIterator) Batch() *Batch {
	return it.batch
}

// Err returns the error that stopped iteration, if any.
func (it *EpochIterator) Err() error {
	return it.err
}

// NumBatches is the number of batches in the full traversal.
func (it *EpochIterator) NumBatches() int {
	return (len(it.order) + it.batchSize - 1) / it.batchSize
}
