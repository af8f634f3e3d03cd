// Package server implements the authoritative end of phoenix sync.
//
// The server holds the canonical manifest of every path.
// Clients push local revisions to it and pull its revisions;
// every revision it commits is announced to the other connected clients.
package server

import (
	"context"
	"io"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/gc"
	"github.com/cosmicboots/phoenix/protocol"
	"github.com/cosmicboots/phoenix/session"
	"github.com/cosmicboots/phoenix/store"
	"github.com/cosmicboots/phoenix/wire"
)

// Config holds what a Server needs.
type Config struct {
	Chunks    phoenix.ChunkStore
	Manifests phoenix.ManifestStore
	Pins      *gc.Pins
	Params    protocol.Params
	Clock     clockwork.Clock
	Logger    *zap.SugaredLogger
}

// Server serves any number of client sessions.
type Server struct {
	chunks    phoenix.ChunkStore
	manifests phoenix.ManifestStore
	committer *store.Committer
	pins      *gc.Pins
	params    protocol.Params
	status    *protocol.Status
	clock     clockwork.Clock
	log       *zap.SugaredLogger

	mu    sync.Mutex
	peers map[*protocol.Peer]struct{}
}

var _ protocol.Handler = &Server{}

// New produces a Server.
func New(conf Config) *Server {
	if conf.Params.BatchSize == 0 {
		conf.Params = protocol.DefaultParams
	}
	if conf.Clock == nil {
		conf.Clock = clockwork.NewRealClock()
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop().Sugar()
	}
	if conf.Pins == nil {
		conf.Pins = gc.NewPins()
	}
	return &Server{
		chunks:    conf.Chunks,
		manifests: conf.Manifests,
		committer: store.NewCommitter(conf.Chunks, conf.Manifests, conf.Logger),
		pins:      conf.Pins,
		params:    conf.Params,
		status:    protocol.NewStatus(conf.Clock),
		clock:     conf.Clock,
		log:       conf.Logger.Named("server"),
		peers:     make(map[*protocol.Peer]struct{}),
	}
}

// Status tracks paths the server failed to fetch from clients.
func (s *Server) Status() *protocol.Status {
	return s.status
}

// Serve accepts sessions from ln until ctx is canceled,
// running each until it ends.
func (s *Server) Serve(ctx context.Context, ln *session.Listener) error {
	var g errgroup.Group
	defer g.Wait()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accepting")
		}
		s.log.Infow("client connected", "client", conn.PeerKey(), "addr", conn.RemoteAddr())
		g.Go(func() error {
			s.Handle(ctx, conn, conn.PeerKey())
			return nil
		})
	}
}

// Handle runs the sync protocol with the client at the other end of conn,
// whose verified key is key, until the session ends.
func (s *Server) Handle(ctx context.Context, conn io.ReadWriteCloser, key session.Key) {
	p := protocol.NewPeer(protocol.Config{
		Conn:    conn,
		Key:     key,
		Store:   s.chunks,
		Pins:    s.pins,
		Handler: s,
		Params:  s.params,
		Status:  s.status,
		Clock:   s.clock,
		Logger:  s.log,
	})

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	err := p.Run(ctx)
	if err != nil {
		s.log.Warnw("session ended", "client", p.Name(), "error", err)
		return
	}
	s.log.Infow("session ended", "client", p.Name())
}

// Peers is the number of connected clients.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) current(ctx context.Context, path string) (*phoenix.Manifest, error) {
	m, err := s.manifests.Get(ctx, path)
	if errors.Is(err, phoenix.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

func announcement(m *phoenix.Manifest) *wire.ManifestAnnounce {
	return &wire.ManifestAnnounce{Path: m.Path, Revision: m.Revision, Digest: m.Digest()}
}

// Announced compares a client's revision with the current one.
// A newer revision is fetched;
// an older or diverging one is answered with the current revision so the client pulls it.
func (s *Server) Announced(ctx context.Context, p *protocol.Peer, a *wire.ManifestAnnounce) {
	if err := phoenix.CheckPath(a.Path); err != nil {
		s.log.Warnw("rejecting announcement", "client", p.Name(), "path", a.Path, "error", err)
		return
	}

	cur, err := s.current(ctx, a.Path)
	if err != nil {
		s.log.Errorw("getting manifest", "path", a.Path, "error", err)
		return
	}

	var rev uint64
	if cur != nil {
		rev = cur.Revision
	}
	switch {
	case cur != nil && a.Revision == rev && a.Digest == cur.Digest():
		p.SetAcked(a.Path, rev)

	case a.Revision > rev:
		p.Fetch(a.Path)

	case cur != nil:
		if err = p.Announce(announcement(cur)); err != nil {
			s.log.Debugw("announcing", "client", p.Name(), "path", a.Path, "error", err)
		}
	}
}

// Source serves the current revision of path.
// The client is expected to hold the revision it last acknowledged.
func (s *Server) Source(ctx context.Context, p *protocol.Peer, path string) (*phoenix.Manifest, uint64, error) {
	m, err := s.manifests.Get(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	return m, p.Acked(path), nil
}

// Apply commits a revision fetched from a client,
// provided the path's current revision is still the one the client built on,
// and announces it to every other client.
func (s *Server) Apply(ctx context.Context, p *protocol.Peer, m *phoenix.Manifest, expected uint64) error {
	prior, err := s.committer.Commit(ctx, m, expected)
	if errors.Is(err, phoenix.ErrConflict) {
		s.log.Infow("conflicting revision", "client", p.Name(), "path", m.Path, "proposed", m.Revision, "expected", expected, "error", err)
		if cur, cerr := s.current(ctx, m.Path); cerr == nil && cur != nil {
			if aerr := p.Announce(announcement(cur)); aerr != nil {
				s.log.Debugw("announcing", "client", p.Name(), "path", m.Path, "error", aerr)
			}
		}
		return err
	}
	if err != nil {
		s.log.Errorw("committing", "client", p.Name(), "path", m.Path, "revision", m.Revision, "error", err)
		return err
	}

	d := phoenix.Diff(prior, m)
	s.log.Infow("committed", "client", p.Name(), "path", m.Path, "revision", m.Revision, "deleted", m.Deleted, "added", len(d.Added), "removed", len(d.Removed))

	s.broadcast(p, announcement(m))
	return nil
}

func (s *Server) broadcast(from *protocol.Peer, a *wire.ManifestAnnounce) {
	s.mu.Lock()
	peers := make([]*protocol.Peer, 0, len(s.peers))
	for p := range s.peers {
		if p != from {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.Announce(a); err != nil {
			s.log.Debugw("announcing", "client", p.Name(), "path", a.Path, "error", err)
		}
	}
}

// Acked is called when a client committed a revision the server served.
func (s *Server) Acked(ctx context.Context, p *protocol.Peer, m *phoenix.Manifest) {
	s.log.Debugw("client in sync", "client", p.Name(), "path", m.Path, "revision", m.Revision)
}

// Rejected is called when a client refused a served revision.
// The client asks again when it is ready, so nothing is retried here.
func (s *Server) Rejected(ctx context.Context, p *protocol.Peer, m *phoenix.Manifest, rej *wire.CommitReject) {
	s.log.Infow("client refused revision", "client", p.Name(), "path", m.Path, "revision", m.Revision, "reason", rej.Reason, "detail", rej.Detail)
}

// List announces every current revision, tombstones included.
func (s *Server) List(ctx context.Context, p *protocol.Peer) (int, error) {
	var count int
	err := s.manifests.List(ctx, "", func(m *phoenix.Manifest) error {
		count++
		return p.Announce(announcement(m))
	})
	return count, errors.Wrap(err, "listing manifests")
}

// Listed is called when a client finishes answering a ListRequest.
func (s *Server) Listed(ctx context.Context, p *protocol.Peer, count uint64) {
	s.log.Debugw("client listing complete", "client", p.Name(), "paths", count)
}
