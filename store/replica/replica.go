// Package replica implements a chunk store that mirrors a primary chunk store
// onto backup stores in the background.
package replica

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/store"
)

var _ phoenix.ChunkStore = (*Store)(nil)

// ErrStopped is the error from a Store whose background copying has stopped.
var ErrStopped = errors.New("replica stopped")

// Store delegates to a primary chunk store
// and copies every payload it adds, and every deletion, to its backups.
//
// Writes to the primary are synchronous;
// an error there fails the call.
// Writes to the backups are queued and do not hold up the caller.
// However, if any backup write fails,
// the whole Store is put into an error state and further writes fail.
//
// Reference counts live only in the primary.
// A Get that fails on the primary is retried on each backup in turn.
type Store struct {
	primary phoenix.ChunkStore
	backups []phoenix.ChunkStore
	queues  []chan op
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	qmu    sync.RWMutex // protects closed and sends on the queues
	closed bool

	mu  sync.Mutex // protects err
	err error      // the error from a backup goroutine, if any
}

// op is a pending backup write.
type op struct {
	hash phoenix.Hash
	data []byte
	del  bool
}

// New produces a new Store.
// Goroutines are launched for the backups,
// and canceling the given context object stops them,
// after which writes fail with ErrStopped.
//
// Each backup has a queue of length n, which must be 1 or greater.
// If a backup falls too far behind,
// writes block until their requests can be queued.
func New(ctx context.Context, primary phoenix.ChunkStore, backups []phoenix.ChunkStore, n int) *Store {
	ctx, cancel := context.WithCancel(ctx)
	s := &Store{primary: primary, backups: backups, ctx: ctx, cancel: cancel}

	for _, b := range backups {
		ops := make(chan op, n)
		s.queues = append(s.queues, ops)

		s.wg.Add(1)
		go func(b phoenix.ChunkStore) {
			defer s.wg.Done()
			if err := runBackup(ctx, b, ops); err != nil {
				s.fail(err)
			}
		}(b)
	}

	return s
}

// Runs as a goroutine until ops is closed and drained, ctx is canceled,
// or an error occurs.
func runBackup(ctx context.Context, b phoenix.ChunkStore, ops <-chan op) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case o, ok := <-ops:
			if !ok {
				return nil
			}
			var err error
			if o.del {
				err = b.Delete(ctx, o.hash)
			} else {
				_, err = b.Put(ctx, o.hash, o.data)
			}
			if err != nil {
				return errors.Wrapf(err, "copying chunk %s to backup", o.hash)
			}
		}
	}
}

// fail puts s into the error state and stops the other backups.
func (s *Store) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Store) checkErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return errors.Wrap(s.err, "in backup goroutine")
	}
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	return nil
}

func (s *Store) enqueue(ctx context.Context, o op) error {
	s.qmu.RLock()
	defer s.qmu.RUnlock()

	if s.closed {
		return ErrStopped
	}
	for _, q := range s.queues {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return s.checkErr()
		case q <- o:
		}
	}
	return nil
}

// Put stores the chunk in the primary and, if the primary added it,
// queues a copy for each backup.
func (s *Store) Put(ctx context.Context, h phoenix.Hash, data []byte) (bool, error) {
	if err := s.checkErr(); err != nil {
		return false, err
	}
	added, err := s.primary.Put(ctx, h, data)
	if err != nil || !added {
		return added, err
	}
	return true, s.enqueue(ctx, op{hash: h, data: append([]byte(nil), data...)})
}

// Delete removes the chunk from the primary and queues its removal from each backup.
func (s *Store) Delete(ctx context.Context, h phoenix.Hash) error {
	if err := s.checkErr(); err != nil {
		return err
	}
	if err := s.primary.Delete(ctx, h); err != nil {
		return err
	}
	return s.enqueue(ctx, op{hash: h, del: true})
}

// Get gets the chunk from the primary, or failing that from the first backup that has it.
// The payload is verified against h before a backup's copy is returned.
func (s *Store) Get(ctx context.Context, h phoenix.Hash) ([]byte, error) {
	data, err := s.primary.Get(ctx, h)
	if err == nil {
		return data, nil
	}
	for _, b := range s.backups {
		bdata, berr := b.Get(ctx, h)
		if berr == nil && phoenix.CheckHash(h, bdata) == nil {
			return bdata, nil
		}
	}
	return nil, err
}

func (s *Store) Has(ctx context.Context, h phoenix.Hash) (bool, error) {
	return s.primary.Has(ctx, h)
}

func (s *Store) IncRef(ctx context.Context, h phoenix.Hash) error {
	return s.primary.IncRef(ctx, h)
}

func (s *Store) DecRef(ctx context.Context, h phoenix.Hash) error {
	return s.primary.DecRef(ctx, h)
}

func (s *Store) RefCounts(ctx context.Context, f func(phoenix.RefCount) error) error {
	return s.primary.RefCounts(ctx, f)
}

func (s *Store) ListChunks(ctx context.Context, start phoenix.Hash, f func(phoenix.Hash) error) error {
	return s.primary.ListChunks(ctx, start, f)
}

// Backfill copies to each backup every chunk of the primary the backup lacks,
// and reports how many copies it made.
// It runs synchronously, beside the queued copies.
func (s *Store) Backfill(ctx context.Context) (int, error) {
	var n int
	err := s.primary.ListChunks(ctx, phoenix.Zero, func(h phoenix.Hash) error {
		var data []byte
		for _, b := range s.backups {
			ok, err := b.Has(ctx, h)
			if err != nil {
				return errors.Wrapf(err, "checking backup for %s", h)
			}
			if ok {
				continue
			}
			if data == nil {
				if data, err = s.primary.Get(ctx, h); err != nil {
					return errors.Wrapf(err, "getting %s", h)
				}
			}
			if _, err = b.Put(ctx, h, data); err != nil {
				return errors.Wrapf(err, "copying %s", h)
			}
			n++
		}
		return nil
	})
	return n, err
}

// Close waits for the queued copies to finish,
// then closes the primary and the backups if they can be closed.
// It reports the error that stopped the backups, if any.
func (s *Store) Close() error {
	s.qmu.Lock()
	if !s.closed {
		s.closed = true
		for _, q := range s.queues {
			close(q)
		}
	}
	s.qmu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	s.cancel()

	for _, cs := range append([]phoenix.ChunkStore{s.primary}, s.backups...) {
		if c, ok := cs.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}

func init() {
	store.Register("replica", func(ctx context.Context, conf map[string]interface{}) (phoenix.ChunkStore, error) {
		primaryConf, ok := conf["primary"].(map[string]interface{})
		if !ok {
			return nil, errors.New(`missing "primary" parameter`)
		}
		primary, err := create(ctx, primaryConf)
		if err != nil {
			return nil, errors.Wrap(err, "creating primary store")
		}

		var backups []phoenix.ChunkStore
		items, _ := conf["backups"].([]interface{})
		for i, item := range items {
			nested, ok := item.(map[string]interface{})
			if !ok {
				return nil, errors.Errorf(`"backups" item %d is not a store description`, i)
			}
			b, err := create(ctx, nested)
			if err != nil {
				return nil, errors.Wrapf(err, "creating backup store %d", i)
			}
			backups = append(backups, b)
		}

		queueLen, ok := conf["queuelen"].(int)
		if !ok || queueLen < 1 {
			queueLen = 10
		}
		return New(ctx, primary, backups, queueLen), nil
	})
}

func create(ctx context.Context, conf map[string]interface{}) (phoenix.ChunkStore, error) {
	typ, ok := conf["type"].(string)
	if !ok {
		return nil, errors.New(`store description missing "type"`)
	}
	return store.Create(ctx, typ, conf)
}
