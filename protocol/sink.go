package protocol

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/wire"
)

// Fetch asks the other side for its current revision of path and commits it through the handler,
// retrying failed transfers with backoff.
// It returns immediately.
//
// At most one fetch per path runs at a time.
// A Fetch for a path already being fetched makes that fetch run once more when it finishes,
// so a revision announced mid-transfer is not missed.
func (p *Peer) Fetch(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fs, ok := p.fetching[path]; ok {
		fs.again = true
		return
	}
	fs := &fetchState{}
	started := p.spawnLocked(func() {
		for {
			p.fetchWithRetry(path)

			p.mu.Lock()
			if fs.again && !p.closed {
				fs.again = false
				p.mu.Unlock()
				continue
			}
			delete(p.fetching, path)
			p.mu.Unlock()
			return
		}
	})
	if started {
		p.fetching[path] = fs
	}
}

func (p *Peer) fetchWithRetry(path string) error {
	var attempt int
	op := func() error {
		attempt++
		if err := p.sinks.Acquire(p.ctx, 1); err != nil {
			return backoff.Permanent(err)
		}
		err := p.fetchOnce(path)
		p.sinks.Release(1)

		switch {
		case err == nil:
			return nil
		case p.ctx.Err() != nil:
			return backoff.Permanent(err)
		case errors.Is(err, errRefused):
			p.status.Failed(path, err)
			return backoff.Permanent(err)
		case retryable(err):
			p.status.Failed(path, err)
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, delay time.Duration) {
		p.log.Warnw("transfer failed, will retry", "path", path, "attempt", attempt, "delay", delay, "error", err)
	}

	err := Retry(p.ctx, p.clock, p.params.BackOff(p.clock, p.params.MaxAttempts-1), op, notify)
	switch {
	case err == nil:
		p.status.Synced(path)
	case p.ctx.Err() != nil:
		// The next session starts over with a full listing.
		p.log.Debugw("fetch interrupted by end of session", "path", path, "error", err)
	case retryable(err):
		p.status.OutOfSync(path, err)
		p.log.Errorw("path out of sync", "path", path, "attempts", attempt, "error", err)
	default:
		p.log.Infow("fetch not applied", "path", path, "error", err)
	}
	return err
}

// retryable tells whether another attempt at a failed fetch might succeed.
// Local I/O failures count, since a full disk or a busy file may clear.
func retryable(err error) bool {
	return errors.Is(err, phoenix.ErrTransferFailed) || errors.Is(err, phoenix.ErrIO)
}

// fetchOnce runs one sink transfer for path.
// Failures worth retrying satisfy retryable.
func (p *Peer) fetchOnce(path string) error {
	p.mu.Lock()
	t := p.addTransferLocked(p.newID(), path, Sink)
	p.mu.Unlock()
	defer p.release(t)

	err := p.runSink(t)
	if err != nil && !t.told && p.ctx.Err() == nil {
		if serr := p.send(&wire.TransferAbort{Transfer: t.id, Reason: wire.ReasonFailed}); serr != nil {
			p.log.Debugw("sending abort", "transfer", t.id, "error", serr)
		}
	}
	if err != nil && !t.State().Terminal() {
		t.setState(Failed)
	}
	return err
}

func (p *Peer) runSink(t *transfer) error {
	t.setState(Negotiating)
	if err := p.send(&wire.ManifestRequest{Transfer: t.id, Path: t.path}); err != nil {
		return &phoenix.TransferError{Path: t.path, Reason: "sending request", Err: err}
	}

	var (
		m      *phoenix.Manifest
		commit *wire.Commit
	)
	for m == nil {
		msg, err := p.wait(t, p.params.ResponseTimeout, "manifest")
		if err != nil {
			return err
		}
		switch msg := msg.(type) {
		case *wire.ManifestResponse:
			m = msg.Manifest
			if m == nil {
				return p.abortSink(t, wire.ReasonInvalid, errors.New("empty manifest response"))
			}
		case *wire.Commit:
			commit = msg
		case *wire.TransferAbort:
			return p.aborted(t, msg)
		}
	}

	if m.Path != t.path {
		return p.abortSink(t, wire.ReasonInvalid, errors.Errorf("got manifest for %s", m.Path))
	}
	if err := m.Validate(); err != nil {
		return p.abortSink(t, wire.ReasonInvalid, err)
	}

	hashes := m.Hashes()
	p.pins.Pin(hashes...)
	defer p.pins.Unpin(hashes...)

	var missing []phoenix.Hash
	for _, h := range hashes {
		ok, err := p.store.Has(t.ctx, h)
		if err != nil {
			return &phoenix.TransferError{Path: t.path, Reason: "checking local chunks", Err: err}
		}
		if !ok {
			missing = append(missing, h)
		}
	}

	p.log.Debugw("fetching", "transfer", t.id, "path", t.path, "revision", m.Revision, "chunks", len(hashes), "missing", len(missing))

	t.setState(Transferring)
	if err := p.fetchChunks(t, missing, &commit); err != nil {
		return err
	}

	for commit == nil {
		msg, err := p.wait(t, p.params.ResponseTimeout, "commit")
		if err != nil {
			return err
		}
		switch msg := msg.(type) {
		case *wire.Commit:
			commit = msg
		case *wire.TransferAbort:
			return p.aborted(t, msg)
		}
	}
	if commit.Path != t.path || commit.Revision != m.Revision {
		return p.abortSink(t, wire.ReasonInvalid, errors.Errorf("commit for %s revision %d does not match manifest", commit.Path, commit.Revision))
	}

	t.setState(Committing)
	if err := p.handler.Apply(t.ctx, p, m, commit.Expected); err != nil {
		rej := &wire.CommitReject{Transfer: t.id, Path: t.path, Reason: wire.ReasonStorage, Detail: err.Error()}
		var cerr *phoenix.ConflictError
		switch {
		case errors.As(err, &cerr):
			rej.Reason = wire.ReasonConflict
			rej.Current = cerr.Current
		case errors.Is(err, phoenix.ErrMissingChunk):
			rej.Reason = wire.ReasonInvalid
		}
		t.setState(Rejected)
		t.told = true
		if serr := p.send(rej); serr != nil {
			p.log.Debugw("sending rejection", "transfer", t.id, "error", serr)
		}
		return errors.Wrapf(err, "applying %s revision %d", t.path, m.Revision)
	}

	p.SetAcked(t.path, m.Revision)
	t.setState(Committed)
	t.told = true
	if err := p.send(&wire.CommitAck{Transfer: t.id, Path: t.path, Revision: m.Revision}); err != nil {
		p.log.Debugw("sending ack", "transfer", t.id, "error", err)
	}
	p.log.Infow("committed", "path", t.path, "revision", m.Revision, "fetched", len(missing))
	return nil
}

// fetchChunks requests the missing chunks in batches and stores each verified payload.
// A Commit arriving meanwhile is saved in *commit.
func (p *Peer) fetchChunks(t *transfer, missing []phoenix.Hash, commit **wire.Commit) error {
	var (
		queue   = missing
		retries = make(map[phoenix.Hash]int)
	)
	for len(queue) > 0 {
		n := len(queue)
		if n > p.params.BatchSize {
			n = p.params.BatchSize
		}
		batch := append([]phoenix.Hash(nil), queue[:n]...)
		queue = queue[n:]

		want := make(map[phoenix.Hash]struct{}, len(batch))
		for _, h := range batch {
			want[h] = struct{}{}
		}
		if err := p.send(&wire.ChunkRequest{Transfer: t.id, Hashes: batch}); err != nil {
			return &phoenix.TransferError{Path: t.path, Reason: "sending chunk request", Err: err}
		}

		for len(want) > 0 {
			msg, err := p.wait(t, p.params.ChunkTimeout, "chunks")
			if err != nil {
				return err
			}

			switch msg := msg.(type) {
			case *wire.Commit:
				*commit = msg

			case *wire.TransferAbort:
				return p.aborted(t, msg)

			case *wire.ChunkData:
				h := msg.Hash
				if _, ok := want[h]; !ok {
					continue
				}
				delete(want, h)

				if len(msg.Payload) == 0 && h != phoenix.Sum(nil) {
					return p.abortSink(t, wire.ReasonFailed, errors.Wrapf(phoenix.ErrNotFound, "source lacks chunk %s", h))
				}
				if err := phoenix.CheckHash(h, msg.Payload); err != nil {
					retries[h]++
					if retries[h] > p.params.MaxChunkRetries {
						p.abortSink(t, wire.ReasonFailed, err)
						return &phoenix.TransferError{Path: t.path, Reason: "chunk repeatedly corrupt", Err: err}
					}
					p.log.Warnw("corrupt chunk, requesting again", "transfer", t.id, "path", t.path, "chunk", h, "try", retries[h])
					queue = append(queue, h)
					continue
				}
				if _, err := p.store.Put(t.ctx, h, msg.Payload); err != nil {
					return &phoenix.TransferError{Path: t.path, Reason: "storing chunk", Err: err}
				}
			}
		}
	}
	return nil
}

// abortSink tells the source to give up and produces the corresponding TransferError.
func (p *Peer) abortSink(t *transfer, reason string, err error) error {
	t.told = true
	if serr := p.send(&wire.TransferAbort{Transfer: t.id, Reason: reason}); serr != nil {
		p.log.Debugw("sending abort", "transfer", t.id, "error", serr)
	}
	t.setState(Failed)
	return &phoenix.TransferError{Path: t.path, Reason: reason, Err: err}
}

// aborted interprets a TransferAbort from the source.
// "Not found" and "invalid" are final; anything else is worth another attempt.
func (p *Peer) aborted(t *transfer, a *wire.TransferAbort) error {
	t.told = true
	t.setState(Failed)
	switch a.Reason {
	case wire.ReasonNotFound:
		return errors.Wrapf(phoenix.ErrNotFound, "source has no %s", t.path)
	case wire.ReasonInvalid:
		return &phoenix.TransferError{Path: t.path, Reason: "aborted by source: " + a.Reason, Err: errRefused}
	}
	return &phoenix.TransferError{Path: t.path, Reason: "aborted by source: " + a.Reason}
}
