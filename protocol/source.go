package protocol

import (
	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/wire"
)

// startSource begins serving a ManifestRequest.
// It runs on the reader goroutine and must not block.
func (p *Peer) startSource(req *wire.ManifestRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if _, dup := p.transfers[req.Transfer]; dup {
		p.log.Warnw("duplicate transfer id", "transfer", req.Transfer, "path", req.Path)
		return
	}
	if p.sources >= p.params.MaxTransfers {
		p.log.Infow("too many transfers, refusing request", "transfer", req.Transfer, "path", req.Path)
		p.spawnLocked(func() {
			if err := p.send(&wire.TransferAbort{Transfer: req.Transfer, Reason: wire.ReasonBusy}); err != nil {
				p.log.Debugw("sending refusal", "transfer", req.Transfer, "error", err)
			}
		})
		return
	}

	t := p.addTransferLocked(req.Transfer, req.Path, Source)
	t.setState(Negotiating)
	p.spawnLocked(func() {
		defer p.release(t)
		p.serve(t)
	})
}

func (p *Peer) serve(t *transfer) {
	if err := phoenix.CheckPath(t.path); err != nil {
		p.log.Warnw("request for invalid path", "transfer", t.id, "path", t.path, "error", err)
		p.abortSource(t, wire.ReasonInvalid)
		t.setState(Failed)
		return
	}

	m, expected, err := p.handler.Source(t.ctx, p, t.path)
	if err != nil {
		reason := wire.ReasonFailed
		if errors.Is(err, phoenix.ErrNotFound) {
			reason = wire.ReasonNotFound
		} else {
			p.log.Errorw("producing manifest", "transfer", t.id, "path", t.path, "error", err)
		}
		p.abortSource(t, reason)
		t.setState(Failed)
		return
	}

	if err = p.send(&wire.ManifestResponse{Transfer: t.id, Manifest: m}); err == nil {
		err = p.send(&wire.Commit{Transfer: t.id, Path: t.path, Expected: expected, Revision: m.Revision})
	}
	if errors.Is(err, wire.ErrFrameTooLarge) {
		p.log.Errorw("manifest too large to send", "transfer", t.id, "path", t.path, "chunks", len(m.Chunks), "error", err)
		p.tooLarge(t, m, err)
		return
	}
	if err != nil {
		t.setState(Failed)
		p.handler.Rejected(p.ctx, p, m, &wire.CommitReject{Transfer: t.id, Path: t.path, Reason: wire.ReasonClosed, Detail: err.Error()})
		return
	}
	t.setState(Committing)

	for {
		msg, err := p.wait(t, p.params.CommitTimeout, "sink")
		if err != nil {
			reason := wire.ReasonTimeout
			if errors.Is(err, errOverrun) {
				reason = wire.ReasonFailed
			}
			if p.ctx.Err() != nil {
				reason = wire.ReasonClosed
			} else {
				p.abortSource(t, reason)
			}
			t.setState(Failed)
			p.log.Warnw("abandoning transfer", "transfer", t.id, "path", t.path, "error", err)
			p.handler.Rejected(p.ctx, p, m, &wire.CommitReject{Transfer: t.id, Path: t.path, Reason: reason, Detail: err.Error()})
			return
		}

		switch msg := msg.(type) {
		case *wire.ChunkRequest:
			err := p.serveChunks(t, msg.Hashes)
			if errors.Is(err, wire.ErrFrameTooLarge) {
				p.log.Errorw("chunk too large to send", "transfer", t.id, "path", t.path, "error", err)
				p.tooLarge(t, m, err)
				return
			}
			if err != nil {
				p.log.Debugw("serving chunks", "transfer", t.id, "error", err)
			}

		case *wire.CommitAck:
			t.setState(Committed)
			p.SetAcked(t.path, msg.Revision)
			p.log.Infow("peer committed", "path", t.path, "revision", msg.Revision)
			p.handler.Acked(t.ctx, p, m)
			return

		case *wire.CommitReject:
			t.setState(Rejected)
			if msg.Current > 0 {
				p.SetAcked(t.path, msg.Current)
			}
			p.log.Infow("peer rejected commit", "path", t.path, "revision", m.Revision, "reason", msg.Reason, "current", msg.Current)
			p.handler.Rejected(t.ctx, p, m, msg)
			return

		case *wire.TransferAbort:
			t.setState(Failed)
			p.log.Infow("peer aborted transfer", "path", t.path, "reason", msg.Reason)
			p.handler.Rejected(t.ctx, p, m, &wire.CommitReject{Transfer: t.id, Path: t.path, Reason: msg.Reason})
			return
		}
	}
}

// abortSource tells the sink to give up on t.
func (p *Peer) abortSource(t *transfer, reason string) {
	if err := p.send(&wire.TransferAbort{Transfer: t.id, Reason: reason}); err != nil {
		p.log.Debugw("sending abort", "transfer", t.id, "error", err)
	}
}

// tooLarge ends a transfer whose messages cannot be framed,
// so the sink stops at once instead of waiting out its timeouts.
func (p *Peer) tooLarge(t *transfer, m *phoenix.Manifest, err error) {
	p.abortSource(t, wire.ReasonInvalid)
	t.setState(Failed)
	p.handler.Rejected(t.ctx, p, m, &wire.CommitReject{Transfer: t.id, Path: t.path, Reason: wire.ReasonInvalid, Detail: err.Error()})
}

// serveChunks answers a ChunkRequest.
// A chunk this side cannot produce is sent with an empty payload.
func (p *Peer) serveChunks(t *transfer, hashes []phoenix.Hash) error {
	for _, h := range hashes {
		data, err := p.store.Get(t.ctx, h)
		if err != nil {
			p.log.Warnw("cannot serve chunk", "transfer", t.id, "chunk", h, "error", err)
			data = nil
		}
		if err = p.send(&wire.ChunkData{Transfer: t.id, Hash: h, Payload: data}); err != nil {
			return err
		}
	}
	return nil
}
