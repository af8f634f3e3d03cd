// Package logging implements a chunk store that delegates everything to a nested store,
// logging operations as they happen.
package logging

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/store"
)

var _ phoenix.ChunkStore = &Store{}

type Store struct {
	s   phoenix.ChunkStore
	log *zap.SugaredLogger
}

// New wraps s. A nil logger uses the global zap logger.
func New(s phoenix.ChunkStore, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.S()
	}
	return &Store{s: s, log: logger.Named("chunks")}
}

func (s *Store) Has(ctx context.Context, h phoenix.Hash) (bool, error) {
	ok, err := s.s.Has(ctx, h)
	if err != nil {
		s.log.Errorw("Has", "chunk", h, "error", err)
	} else {
		s.log.Debugw("Has", "chunk", h, "present", ok)
	}
	return ok, err
}

func (s *Store) Get(ctx context.Context, h phoenix.Hash) ([]byte, error) {
	data, err := s.s.Get(ctx, h)
	if err != nil {
		s.log.Errorw("Get", "chunk", h, "error", err)
	} else {
		s.log.Debugw("Get", "chunk", h, "size", len(data))
	}
	return data, err
}

func (s *Store) Put(ctx context.Context, h phoenix.Hash, data []byte) (bool, error) {
	added, err := s.s.Put(ctx, h, data)
	if err != nil {
		s.log.Errorw("Put", "chunk", h, "error", err)
	} else {
		s.log.Debugw("Put", "chunk", h, "size", len(data), "added", added)
	}
	return added, err
}

func (s *Store) Delete(ctx context.Context, h phoenix.Hash) error {
	err := s.s.Delete(ctx, h)
	if err != nil {
		s.log.Errorw("Delete", "chunk", h, "error", err)
	} else {
		s.log.Debugw("Delete", "chunk", h)
	}
	return err
}

func (s *Store) IncRef(ctx context.Context, h phoenix.Hash) error {
	err := s.s.IncRef(ctx, h)
	if err != nil {
		s.log.Errorw("IncRef", "chunk", h, "error", err)
	} else {
		s.log.Debugw("IncRef", "chunk", h)
	}
	return err
}

func (s *Store) DecRef(ctx context.Context, h phoenix.Hash) error {
	err := s.s.DecRef(ctx, h)
	if err != nil {
		s.log.Errorw("DecRef", "chunk", h, "error", err)
	} else {
		s.log.Debugw("DecRef", "chunk", h)
	}
	return err
}

func (s *Store) RefCounts(ctx context.Context, f func(phoenix.RefCount) error) error {
	s.log.Debugw("RefCounts")
	return s.s.RefCounts(ctx, func(rc phoenix.RefCount) error {
		err := f(rc)
		if err != nil {
			s.log.Errorw("in RefCounts", "chunk", rc.Hash, "count", rc.Count, "error", err)
		}
		return err
	})
}

func (s *Store) ListChunks(ctx context.Context, start phoenix.Hash, f func(phoenix.Hash) error) error {
	s.log.Debugw("ListChunks", "start", start)
	return s.s.ListChunks(ctx, start, func(h phoenix.Hash) error {
		err := f(h)
		if err != nil {
			s.log.Errorw("in ListChunks", "chunk", h, "error", err)
		}
		return err
	})
}

// Close closes the nested store if it can be closed.
func (s *Store) Close() error {
	if c, ok := s.s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func init() {
	store.Register("logging", func(ctx context.Context, conf map[string]interface{}) (phoenix.ChunkStore, error) {
		nestedStore, err := store.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		return New(nestedStore, nil), nil
	})
}
