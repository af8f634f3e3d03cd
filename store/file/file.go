// Package file implements a chunk store as a file hierarchy,
// with reference counts kept in a leveldb datastore beside it.
package file

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/store"
	"github.com/cosmicboots/phoenix/store/compress"
)

var _ phoenix.ChunkStore = &Store{}

// Store is a file-based implementation of a chunk store.
//
// Payloads live at chunks/ab/abcd/<hex hash> beneath the root,
// encoded with a compress.Compressor.
// The leveldb datastore at refs/ beneath the root holds one record per chunk:
// its reference count and the time of its last update.
type Store struct {
	root string
	c    compress.Compressor
	refs *dslvl.Datastore

	// Put, Delete and the refcount updates of one hash are serialized
	// on the stripe selected by the hash's first byte.
	stripes [256]sync.Mutex
}

// New produces a new Store storing data beneath root.
// Payloads are written with c, or uncompressed if c is nil.
// The caller must Close the store to release the refcount database.
func New(root string, c compress.Compressor) (*Store, error) {
	if c == nil {
		c = compress.None{}
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &phoenix.IOError{Op: "creating", Path: root, Err: err}
	}
	refs, err := dslvl.NewDatastore(filepath.Join(root, "refs"), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening refcount database in %s", root)
	}
	return &Store{root: root, c: c, refs: refs}, nil
}

// Close releases the refcount database.
func (s *Store) Close() error {
	return s.refs.Close()
}

func (s *Store) chunkroot() string {
	return filepath.Join(s.root, "chunks")
}

func (s *Store) chunkpath(h phoenix.Hash) string {
	hex := h.String()
	return filepath.Join(s.chunkroot(), hex[:2], hex[:4], hex)
}

func (s *Store) stripe(h phoenix.Hash) *sync.Mutex {
	return &s.stripes[h[0]]
}

// Has tells whether the chunk with hash h is present.
func (s *Store) Has(_ context.Context, h phoenix.Hash) (bool, error) {
	path := s.chunkpath(h)
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &phoenix.IOError{Op: "stat", Path: path, Err: err}
	}
	return true, nil
}

// Get gets the chunk with hash h.
// The payload is verified against h on every read.
func (s *Store) Get(_ context.Context, h phoenix.Hash) ([]byte, error) {
	path := s.chunkpath(h)
	enc, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, phoenix.ErrNotFound
	}
	if err != nil {
		return nil, &phoenix.IOError{Op: "reading", Path: path, Err: err}
	}
	data, err := compress.Decode(enc)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	if err = phoenix.CheckHash(h, data); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return data, nil
}

// Put adds a chunk to the store if it wasn't already present.
// The payload is written to a temporary file and renamed into place,
// so a reader never sees a partial chunk.
func (s *Store) Put(ctx context.Context, h phoenix.Hash, data []byte) (bool, error) {
	if err := phoenix.CheckHash(h, data); err != nil {
		return false, err
	}

	mu := s.stripe(h)
	mu.Lock()
	defer mu.Unlock()

	ok, err := s.Has(ctx, h)
	if err != nil {
		return false, err
	}
	if ok {
		return false, s.touch(ctx, h, 0)
	}

	enc, err := compress.Encode(s.c, data)
	if err != nil {
		return false, err
	}

	var (
		path = s.chunkpath(h)
		dir  = filepath.Dir(path)
	)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return false, &phoenix.IOError{Op: "creating", Path: dir, Err: err}
	}
	if err = writeFile(dir, path, enc); err != nil {
		return false, err
	}
	return true, s.touch(ctx, h, 0)
}

func writeFile(dir, path string, data []byte) error {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &phoenix.IOError{Op: "creating temp file in", Path: dir, Err: err}
	}
	tmpname := f.Name()
	defer os.Remove(tmpname) // no-op after a successful rename

	if _, err = f.Write(data); err != nil {
		f.Close()
		return &phoenix.IOError{Op: "writing", Path: tmpname, Err: err}
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return &phoenix.IOError{Op: "syncing", Path: tmpname, Err: err}
	}
	if err = f.Close(); err != nil {
		return &phoenix.IOError{Op: "closing", Path: tmpname, Err: err}
	}
	if err = os.Rename(tmpname, path); err != nil {
		return &phoenix.IOError{Op: "renaming", Path: tmpname, Err: err}
	}
	return nil
}

// Delete removes a chunk and its reference count.
func (s *Store) Delete(ctx context.Context, h phoenix.Hash) error {
	mu := s.stripe(h)
	mu.Lock()
	defer mu.Unlock()

	path := s.chunkpath(h)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &phoenix.IOError{Op: "removing", Path: path, Err: err}
	}
	err := s.refs.Delete(ctx, refKey(h))
	return errors.Wrapf(err, "deleting refcount of %s", h)
}

// IncRef increments the reference count of h.
func (s *Store) IncRef(ctx context.Context, h phoenix.Hash) error {
	mu := s.stripe(h)
	mu.Lock()
	defer mu.Unlock()
	return s.touch(ctx, h, 1)
}

// DecRef decrements the reference count of h.
func (s *Store) DecRef(ctx context.Context, h phoenix.Hash) error {
	mu := s.stripe(h)
	mu.Lock()
	defer mu.Unlock()
	return s.touch(ctx, h, -1)
}

func refKey(h phoenix.Hash) ds.Key {
	return ds.NewKey("/refs/" + h.String())
}

// Caller must hold the stripe lock for h.
func (s *Store) touch(ctx context.Context, h phoenix.Hash, delta int64) error {
	key := refKey(h)

	var count int64
	val, err := s.refs.Get(ctx, key)
	switch {
	case errors.Is(err, ds.ErrNotFound):
	case err != nil:
		return errors.Wrapf(err, "reading refcount of %s", h)
	default:
		rc, err := decodeRef(h, val)
		if err != nil {
			return err
		}
		count = rc.Count
	}

	err = s.refs.Put(ctx, key, encodeRef(count+delta, time.Now()))
	return errors.Wrapf(err, "writing refcount of %s", h)
}

func encodeRef(count int64, updated time.Time) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(count))
	binary.BigEndian.PutUint64(buf[8:], uint64(updated.UnixNano()))
	return buf[:]
}

func decodeRef(h phoenix.Hash, val []byte) (phoenix.RefCount, error) {
	if len(val) != 16 {
		return phoenix.RefCount{}, errors.Errorf("refcount record of %s has length %d", h, len(val))
	}
	return phoenix.RefCount{
		Hash:    h,
		Count:   int64(binary.BigEndian.Uint64(val[:8])),
		Updated: time.Unix(0, int64(binary.BigEndian.Uint64(val[8:]))),
	}, nil
}

// RefCounts produces the reference count of every chunk that has one.
func (s *Store) RefCounts(ctx context.Context, f func(phoenix.RefCount) error) error {
	res, err := s.refs.Query(ctx, dsq.Query{Prefix: "/refs"})
	if err != nil {
		return errors.Wrap(err, "querying refcounts")
	}
	defer res.Close()

	for {
		r, ok := res.NextSync()
		if !ok {
			return nil
		}
		if r.Error != nil {
			return errors.Wrap(r.Error, "iterating over refcounts")
		}
		h, err := phoenix.HashFromHex(ds.RawKey(r.Key).BaseNamespace())
		if err != nil {
			continue
		}
		rc, err := decodeRef(h, r.Value)
		if err != nil {
			return err
		}
		if err = f(rc); err != nil {
			return err
		}
	}
}

// ListChunks produces all chunk hashes in the store, in lexicographic order.
func (s *Store) ListChunks(ctx context.Context, start phoenix.Hash, f func(phoenix.Hash) error) error {
	topLevel, err := readDir(s.chunkroot())
	if err != nil {
		return err
	}

	startHex := start.String()
	topIndex := sort.Search(len(topLevel), func(n int) bool {
		return topLevel[n].Name() >= startHex[:2]
	})
	for _, top := range topLevel[topIndex:] {
		if !isHexDir(top, 2) {
			continue
		}
		topDir := filepath.Join(s.chunkroot(), top.Name())
		midLevel, err := readDir(topDir)
		if err != nil {
			return err
		}
		midIndex := sort.Search(len(midLevel), func(n int) bool {
			return midLevel[n].Name() >= startHex[:4]
		})
		for _, mid := range midLevel[midIndex:] {
			if !isHexDir(mid, 4) {
				continue
			}
			midDir := filepath.Join(topDir, mid.Name())
			entries, err := readDir(midDir)
			if err != nil {
				return err
			}
			index := sort.Search(len(entries), func(n int) bool {
				return entries[n].Name() > startHex
			})
			for _, entry := range entries[index:] {
				if entry.IsDir() {
					continue
				}
				h, err := phoenix.HashFromHex(entry.Name())
				if err != nil {
					// Temp files and strays.
					continue
				}
				if err = f(h); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// readDir returns the sorted entries of dir, or nothing if dir does not exist.
func readDir(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &phoenix.IOError{Op: "reading dir", Path: dir, Err: err}
	}
	return entries, nil
}

func isHexDir(e os.DirEntry, n int) bool {
	if !e.IsDir() || len(e.Name()) != n {
		return false
	}
	_, err := strconv.ParseUint(e.Name(), 16, 64)
	return err == nil
}

func init() {
	store.Register("file", func(_ context.Context, conf map[string]interface{}) (phoenix.ChunkStore, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		name, _ := conf["compression"].(string)
		c, err := compress.ByName(name)
		if err != nil {
			return nil, err
		}
		return New(root, c)
	})
}
