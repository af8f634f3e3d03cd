// Package mem implements in-memory chunk and manifest stores.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/store"
)

var _ phoenix.ChunkStore = &Store{}

// Store is a memory-based implementation of a chunk store.
type Store struct {
	mu     sync.Mutex
	chunks map[phoenix.Hash][]byte
	refs   map[phoenix.Hash]*phoenix.RefCount
}

// New produces a new Store.
func New() *Store {
	return &Store{
		chunks: make(map[phoenix.Hash][]byte),
		refs:   make(map[phoenix.Hash]*phoenix.RefCount),
	}
}

// Has tells whether the chunk with hash h is present.
func (s *Store) Has(_ context.Context, h phoenix.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chunks[h]
	return ok, nil
}

// Get gets the chunk with hash h.
func (s *Store) Get(_ context.Context, h phoenix.Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.chunks[h]; ok {
		return b, nil
	}
	return nil, phoenix.ErrNotFound
}

// Put adds a chunk to the store if it wasn't already present.
func (s *Store) Put(_ context.Context, h phoenix.Hash, data []byte) (bool, error) {
	if err := phoenix.CheckHash(h, data); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.touch(h, 0)
	if _, ok := s.chunks[h]; ok {
		return false, nil
	}
	s.chunks[h] = append([]byte(nil), data...)
	return true, nil
}

// Caller must obtain a lock.
func (s *Store) touch(h phoenix.Hash, delta int64) {
	rc, ok := s.refs[h]
	if !ok {
		rc = &phoenix.RefCount{Hash: h}
		s.refs[h] = rc
	}
	rc.Count += delta
	rc.Updated = time.Now()
}

// Delete removes a chunk and its reference count.
func (s *Store) Delete(_ context.Context, h phoenix.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, h)
	delete(s.refs, h)
	return nil
}

// IncRef increments the reference count of h.
func (s *Store) IncRef(_ context.Context, h phoenix.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(h, 1)
	return nil
}

// DecRef decrements the reference count of h.
func (s *Store) DecRef(_ context.Context, h phoenix.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(h, -1)
	return nil
}

// RefCounts produces the reference count of every chunk that has one, in hash order.
func (s *Store) RefCounts(_ context.Context, f func(phoenix.RefCount) error) error {
	s.mu.Lock()
	counts := make([]phoenix.RefCount, 0, len(s.refs))
	for _, rc := range s.refs {
		counts = append(counts, *rc)
	}
	s.mu.Unlock()

	sort.Slice(counts, func(i, j int) bool { return counts[i].Hash.Less(counts[j].Hash) })
	for _, rc := range counts {
		if err := f(rc); err != nil {
			return err
		}
	}
	return nil
}

// ListChunks produces all chunk hashes in the store, in lexicographic order.
func (s *Store) ListChunks(_ context.Context, start phoenix.Hash, f func(phoenix.Hash) error) error {
	s.mu.Lock()
	hashes := make([]phoenix.Hash, 0, len(s.chunks))
	for h := range s.chunks {
		hashes = append(hashes, h)
	}
	s.mu.Unlock()

	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })
	index := sort.Search(len(hashes), func(n int) bool {
		return start.Less(hashes[n])
	})

	for i := index; i < len(hashes); i++ {
		if err := f(hashes[i]); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	store.Register("mem", func(context.Context, map[string]interface{}) (phoenix.ChunkStore, error) {
		return New(), nil
	})
}
