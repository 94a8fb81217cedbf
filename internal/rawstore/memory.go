// Package rawstore provides the append-only sinks holding raw crawl
// records: instance rows and observation rows for one run.
package rawstore

import (
	"context"
	"sync"

	"github.com/fedigraph/fedigraph/internal/fedi"
)

// MemoryStore keeps records in memory. Used in tests and local development.
type MemoryStore struct {
	mu           sync.Mutex
	instances    []fedi.Instance
	observations []fedi.Observation
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendInstance records one finalized instance.
func (s *MemoryStore) AppendInstance(_ context.Context, inst fedi.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = append(s.instances, inst)
	return nil
}

// AppendObservation records one raw observation.
func (s *MemoryStore) AppendObservation(_ context.Context, obs fedi.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observations = append(s.observations, obs)
	return nil
}

// Instances returns all appended instance rows.
func (s *MemoryStore) Instances(context.Context) ([]fedi.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fedi.Instance, len(s.instances))
	copy(out, s.instances)
	return out, nil
}

// Observations returns all appended observation rows.
func (s *MemoryStore) Observations(context.Context) ([]fedi.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fedi.Observation, len(s.observations))
	copy(out, s.observations)
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
