package protocol

import (
	"context"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/wire"
)

// Handler supplies the policy half of a peer: what to serve, what to accept, and what to do with announcements.
// The server and the client reconciler each implement it.
//
// Methods may block; the peer never calls them from its reader goroutine.
// Announced, List and Listed are called in the order their messages arrived.
type Handler interface {
	// Announced is called for each ManifestAnnounce.
	// The handler typically answers by calling p.Fetch or p.Announce.
	Announced(ctx context.Context, p *Peer, a *wire.ManifestAnnounce)

	// Source produces the manifest to serve for a path the peer asked for,
	// and the revision the peer is expected to hold now.
	// It returns phoenix.ErrNotFound if there is nothing to serve.
	Source(ctx context.Context, p *Peer, path string) (m *phoenix.Manifest, expected uint64, err error)

	// Apply commits a fetched manifest.
	// Every chunk m references is in the peer's chunk store when Apply is called.
	// A *phoenix.ConflictError result is reported to the source as a conflict.
	Apply(ctx context.Context, p *Peer, m *phoenix.Manifest, expected uint64) error

	// Acked is called when the peer committed a manifest this side served.
	Acked(ctx context.Context, p *Peer, m *phoenix.Manifest)

	// Rejected is called when the peer refused a manifest this side served,
	// or the transfer serving it was abandoned.
	Rejected(ctx context.Context, p *Peer, m *phoenix.Manifest, rej *wire.CommitReject)

	// List announces every tracked path to the peer and returns the number announced.
	List(ctx context.Context, p *Peer) (int, error)

	// Listed is called when the peer finishes answering a ListRequest.
	Listed(ctx context.Context, p *Peer, count uint64)
}
