package gc

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
)

// Keep is a set of hashes to protect from garbage collection.
type Keep interface {
	// Add adds a single hash to the Keep.
	// It returns true if it was newly added and false if it was already present.
	Add(context.Context, phoenix.Hash) (bool, error)

	// Contains tells whether a hash is in the Keep.
	Contains(context.Context, phoenix.Hash) (bool, error)
}

// Set is an in-memory Keep.
type Set struct {
	mu sync.Mutex
	m  map[phoenix.Hash]struct{}
}

var _ Keep = &Set{}

func NewSet() *Set {
	return &Set{m: make(map[phoenix.Hash]struct{})}
}

func (s *Set) Add(_ context.Context, h phoenix.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[h]; ok {
		return false, nil
	}
	s.m[h] = struct{}{}
	return true, nil
}

func (s *Set) Contains(_ context.Context, h phoenix.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[h]
	return ok, nil
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Mark adds to k every chunk hash referenced by a manifest in ms.
func Mark(ctx context.Context, ms phoenix.ManifestGetter, k Keep) error {
	return ms.List(ctx, "", func(m *phoenix.Manifest) error {
		for _, h := range m.Hashes() {
			if _, err := k.Add(ctx, h); err != nil {
				return errors.Wrapf(err, "adding %s of %s", h, m.Path)
			}
		}
		return nil
	})
}
