package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/cosmicboots/phoenix"
)

var _ phoenix.ManifestStore = &Manifests{}

// Manifests is a memory-based implementation of a manifest store.
type Manifests struct {
	mu sync.RWMutex
	m  map[string]*phoenix.Manifest
}

// NewManifests produces a new, empty Manifests.
func NewManifests() *Manifests {
	return &Manifests{m: make(map[string]*phoenix.Manifest)}
}

// Get gets the current manifest for path.
func (s *Manifests) Get(_ context.Context, path string) (*phoenix.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.m[path]; ok {
		return m.Clone(), nil
	}
	return nil, phoenix.ErrNotFound
}

// Put replaces the manifest for m.Path if its current revision is `expected`.
func (s *Manifests) Put(_ context.Context, m *phoenix.Manifest, expected uint64) (*phoenix.Manifest, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.m[m.Path]
	var current uint64
	if prior != nil {
		current = prior.Revision
	}
	if err := phoenix.CheckRevision(m, current, expected); err != nil {
		return nil, err
	}
	s.m[m.Path] = m.Clone()
	return prior, nil
}

// List produces the manifests for all paths after start, in lexicographic order.
func (s *Manifests) List(_ context.Context, start string, f func(*phoenix.Manifest) error) error {
	s.mu.RLock()
	paths := make([]string, 0, len(s.m))
	for p := range s.m {
		if p > start {
			paths = append(paths, p)
		}
	}
	s.mu.RUnlock()

	sort.Strings(paths)
	for _, p := range paths {
		s.mu.RLock()
		m, ok := s.m[p]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if err := f(m.Clone()); err != nil {
			return err
		}
	}
	return nil
}
