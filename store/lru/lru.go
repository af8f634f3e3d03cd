// Package lru implements a chunk store that acts as a least-recently-used cache for a nested chunk store.
package lru

import (
	"context"
	"io"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/store"
)

var _ phoenix.ChunkStore = &Store{}

// Store implements a memory-based least-recently-used cache for a chunk store.
// It caches payloads only; reference counts always go to the nested store.
// Writes pass through to the nested store.
type Store struct {
	c *lru.Cache // Hash->[]byte
	s phoenix.ChunkStore
}

// New produces a new Store backed by s and caching up to size chunks.
func New(s phoenix.ChunkStore, size int) (*Store, error) {
	c, err := lru.New(size)
	return &Store{s: s, c: c}, err
}

// Has tells whether the chunk with hash h is present.
func (s *Store) Has(ctx context.Context, h phoenix.Hash) (bool, error) {
	if s.c.Contains(h) {
		return true, nil
	}
	return s.s.Has(ctx, h)
}

// Get gets the chunk with hash h.
func (s *Store) Get(ctx context.Context, h phoenix.Hash) ([]byte, error) {
	if got, ok := s.c.Get(h); ok {
		return got.([]byte), nil
	}
	data, err := s.s.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	s.c.Add(h, data)
	return data, nil
}

// Put adds a chunk to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, h phoenix.Hash, data []byte) (bool, error) {
	added, err := s.s.Put(ctx, h, data)
	if err != nil {
		return false, err
	}
	s.c.Add(h, data)
	return added, nil
}

// Delete removes a chunk from the cache and the nested store.
func (s *Store) Delete(ctx context.Context, h phoenix.Hash) error {
	s.c.Remove(h)
	return s.s.Delete(ctx, h)
}

func (s *Store) IncRef(ctx context.Context, h phoenix.Hash) error {
	return s.s.IncRef(ctx, h)
}

func (s *Store) DecRef(ctx context.Context, h phoenix.Hash) error {
	return s.s.DecRef(ctx, h)
}

func (s *Store) RefCounts(ctx context.Context, f func(phoenix.RefCount) error) error {
	return s.s.RefCounts(ctx, f)
}

// ListChunks produces all chunk hashes in the store, in lexicographic order.
func (s *Store) ListChunks(ctx context.Context, start phoenix.Hash, f func(phoenix.Hash) error) error {
	return s.s.ListChunks(ctx, start, f)
}

// Close closes the nested store if it can be closed.
func (s *Store) Close() error {
	s.c.Purge()
	if c, ok := s.s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func init() {
	store.Register("lru", func(ctx context.Context, conf map[string]interface{}) (phoenix.ChunkStore, error) {
		size, ok := conf["size"].(int)
		if !ok {
			return nil, errors.New(`missing "size" parameter`)
		}
		nestedStore, err := store.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		return New(nestedStore, size)
	})
}
