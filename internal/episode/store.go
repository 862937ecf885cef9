package episode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates an episode index outside the store.
	ErrNotFound = errors.New("episode not found")
	// ErrInvalidEpisode indicates an episode that cannot be stored.
	ErrInvalidEpisode = errors.New("invalid episode")
)

// Stats summarizes the store contents.
type Stats struct {
	TotalEpisodes   uint64            `json:"total_episodes"`
	TotalSteps      uint64            `json:"total_steps"`
	StepsByEnv      map[string]uint64 `json:"steps_by_env"`
	Evicted         uint64            `json:"evicted"`
	OldestTimestamp *time.Time        `json:"oldest_timestamp,omitempty"`
	NewestTimestamp *time.Time        `json:"newest_timestamp,omitempty"`
	StorageBytes    uint64            `json:"storage_bytes"`
}

// Store is an append-only, in-memory collection of episodes.
//
// With a non-zero capacity the store behaves as a ring of episodes: once
// full, appending evicts the oldest episode. Indices are always positions
// in append order among the retained episodes.
type Store struct {
	mu          sync.RWMutex
	episodes    []*Episode
	maxEpisodes int
	evicted     uint64
	now         func() time.Time
}

// NewStore creates a store. maxEpisodes of 0 means unbounded.
func NewStore(maxEpisodes int) *Store {
	return &Store{
		episodes:    make([]*Episode, 0),
		maxEpisodes: maxEpisodes,
		now:         time.Now,
	}
}

// Append stores a copy of ep and returns its ID.
func (s *Store) Append(ep Episode) (string, error) {
	if err := ep.Validate(); err != nil {
		return "", err
	}

	// Generate ID if not provided
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.now()
	}
	steps := make([]Step, len(ep.Steps))
	copy(steps, ep.Steps)
	ep.Steps = steps

	s.mu.Lock()
	defer s.mu.Unlock()

	s.episodes = append(s.episodes, &ep)
	s.evictIfNeeded()
	return ep.ID, nil
}

func (s *Store) evictIfNeeded() {
	if s.maxEpisodes <= 0 || len(s.episodes) <= s.maxEpisodes {
		return
	}
	drop := len(s.episodes) - s.maxEpisodes
	for i := 0; i < drop; i++ {
		s.episodes[i] = nil
	}
	s.episodes = s.episodes[drop:]
	s.evicted += uint64(drop)
}

// Len returns the number of retained episodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.episodes)
}

// Evicted returns how many episodes have been evicted since creation.
// Positions of retained episodes shift whenever it changes.
func (s *Store) Evicted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

// EpisodeLen returns the step count of the i-th episode, or -1.
func (s *Store) EpisodeLen(i int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.episodes) {
		return -1
	}
	return len(s.episodes[i].Steps)
}

// Episode returns the i-th episode. The returned value must not be modified.
func (s *Store) Episode(i int) (*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.episodes) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrNotFound, i, len(s.episodes))
	}
	return s.episodes[i], nil
}

// Stats reports store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalEpisodes: uint64(len(s.episodes)),
		StepsByEnv:    make(map[string]uint64),
		Evicted:       s.evicted,
	}
	for _, ep := range s.episodes {
		n := uint64(len(ep.Steps))
		stats.TotalSteps += n
		stats.StepsByEnv[ep.EnvID] += n
		stats.StorageBytes += ep.sizeBytes()
	}
	if len(s.episodes) > 0 {
		oldest := s.episodes[0].CreatedAt
		newest := s.episodes[len(s.episodes)-1].CreatedAt
		stats.OldestTimestamp = &oldest
		stats.NewestTimestamp = &newest
	}
	return stats
}
