package server_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/protocol"
	"github.com/cosmicboots/phoenix/server"
	"github.com/cosmicboots/phoenix/session"
	"github.com/cosmicboots/phoenix/store"
	"github.com/cosmicboots/phoenix/store/mem"
	"github.com/cosmicboots/phoenix/testutil"
	"github.com/cosmicboots/phoenix/wire"
)

func testParams() protocol.Params {
	p := protocol.DefaultParams
	p.BackoffInitial = 10 * time.Millisecond
	p.BackoffMax = 40 * time.Millisecond
	p.ResponseTimeout = 2 * time.Second
	p.ChunkTimeout = 2 * time.Second
	p.CommitTimeout = 2 * time.Second
	return p
}

type fixture struct {
	srv       *server.Server
	chunks    *mem.Store
	manifests *mem.Manifests
	ctx       context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{chunks: mem.New(), manifests: mem.NewManifests(), ctx: ctx}
	f.srv = server.New(server.Config{
		Chunks:    f.chunks,
		Manifests: f.manifests,
		Params:    testParams(),
	})
	return f
}

// add commits a manifest over the payloads to the server's stores.
func (f *fixture) add(t *testing.T, path string, rev uint64, payloads ...string) *phoenix.Manifest {
	t.Helper()
	return commit(t, f.chunks, f.manifests, path, rev, payloads...)
}

func (f *fixture) revision(path string) uint64 {
	m, err := f.manifests.Get(context.Background(), path)
	if err != nil {
		return 0
	}
	return m.Revision
}

func commit(t *testing.T, cs *mem.Store, ms *mem.Manifests, path string, rev uint64, payloads ...string) *phoenix.Manifest {
	t.Helper()
	ctx := context.Background()
	for _, p := range payloads {
		if _, err := cs.Put(ctx, phoenix.Sum([]byte(p)), []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	m := testutil.Manifest(path, rev, payloads...)
	var expected uint64
	if cur, err := ms.Get(ctx, path); err == nil {
		expected = cur.Revision
	}
	if _, err := store.NewCommitter(cs, ms, nil).Commit(ctx, m, expected); err != nil {
		t.Fatal(err)
	}
	return m
}

// peer is a minimal client: it pulls any newer revision it hears of
// and serves its own manifests with a settable expected prior revision.
type peer struct {
	*protocol.Peer
	chunks    *mem.Store
	manifests *mem.Manifests

	mu       sync.Mutex
	expected map[string]uint64
	rejected []string
	listed   []uint64
}

func (f *fixture) connect(t *testing.T, seed byte) *peer {
	t.Helper()

	c1, c2 := net.Pipe()
	var key session.Key
	key[0] = seed

	cl := &peer{chunks: mem.New(), manifests: mem.NewManifests(), expected: make(map[string]uint64)}
	cl.Peer = protocol.NewPeer(protocol.Config{
		Conn:      c1,
		Initiator: true,
		Store:     cl.chunks,
		Handler:   cl,
		Params:    testParams(),
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.srv.Handle(f.ctx, c2, key)
	}()
	go func() {
		defer wg.Done()
		cl.Run(f.ctx)
	}()
	t.Cleanup(func() {
		cl.Close()
		wg.Wait()
	})
	return cl
}

func (c *peer) revision(path string) uint64 {
	m, err := c.manifests.Get(context.Background(), path)
	if err != nil {
		return 0
	}
	return m.Revision
}

func (c *peer) Announced(ctx context.Context, p *protocol.Peer, a *wire.ManifestAnnounce) {
	if a.Revision > c.revision(a.Path) {
		p.Fetch(a.Path)
	}
}

func (c *peer) Source(ctx context.Context, p *protocol.Peer, path string) (*phoenix.Manifest, uint64, error) {
	m, err := c.manifests.Get(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return m, c.expected[path], nil
}

func (c *peer) Apply(ctx context.Context, p *protocol.Peer, m *phoenix.Manifest, _ uint64) error {
	cur := c.revision(m.Path)
	if m.Revision <= cur {
		return &phoenix.ConflictError{Path: m.Path, Current: cur, Proposed: m.Revision}
	}
	_, err := store.NewCommitter(c.chunks, c.manifests, nil).Commit(ctx, m, cur)
	return err
}

func (c *peer) Acked(context.Context, *protocol.Peer, *phoenix.Manifest) {}

func (c *peer) Rejected(ctx context.Context, p *protocol.Peer, m *phoenix.Manifest, rej *wire.CommitReject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = append(c.rejected, rej.Reason)
}

func (c *peer) List(context.Context, *protocol.Peer) (int, error) {
	return 0, nil
}

func (c *peer) Listed(ctx context.Context, p *protocol.Peer, count uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listed = append(c.listed, count)
}

func (c *peer) announce(t *testing.T, m *phoenix.Manifest) {
	t.Helper()
	if err := c.Announce(&wire.ManifestAnnounce{Path: m.Path, Revision: m.Revision, Digest: m.Digest()}); err != nil {
		t.Fatal(err)
	}
}

func eventually(t *testing.T, what string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPushAndBroadcast(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, 1)
	b := f.connect(t, 2)
	eventually(t, "two peers", func() bool { return f.srv.Peers() == 2 })

	m := commit(t, a.chunks, a.manifests, "notes.txt", 1, "hello, ", "world")
	a.announce(t, m)

	eventually(t, "server commit", func() bool { return f.revision("notes.txt") == 1 })
	eventually(t, "broadcast pull", func() bool { return b.revision("notes.txt") == 1 })

	got, err := b.manifests.Get(context.Background(), "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m.Chunks, got.Chunks); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if a.revision("notes.txt") != 1 {
		t.Errorf("pushing client changed its own revision")
	}
}

func TestStaleAnnounce(t *testing.T) {
	f := newFixture(t)
	f.add(t, "doc", 1, "one")
	f.add(t, "doc", 2, "two")
	f.add(t, "doc", 3, "three")

	c := f.connect(t, 1)
	old := commit(t, c.chunks, c.manifests, "doc", 1, "one")
	c.announce(t, old)

	eventually(t, "pull of current revision", func() bool { return c.revision("doc") == 3 })
	if f.revision("doc") != 3 {
		t.Errorf("server revision changed to %d", f.revision("doc"))
	}
}

func TestConflict(t *testing.T) {
	f := newFixture(t)
	f.add(t, "doc", 1, "base")
	f.add(t, "doc", 2, "theirs")

	c := f.connect(t, 1)
	commit(t, c.chunks, c.manifests, "doc", 1, "base")
	mine := commit(t, c.chunks, c.manifests, "doc", 3, "mine")
	c.mu.Lock()
	c.expected["doc"] = 1
	c.mu.Unlock()
	c.announce(t, mine)

	eventually(t, "rejection", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.rejected) > 0
	})
	c.mu.Lock()
	reason := c.rejected[0]
	c.mu.Unlock()
	if reason != wire.ReasonConflict {
		t.Errorf("got reason %q, want %q", reason, wire.ReasonConflict)
	}

	cur, err := f.manifests.Get(context.Background(), "doc")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Revision != 2 || cur.Chunks[0].Hash != phoenix.Sum([]byte("theirs")) {
		t.Errorf("server holds revision %d, want 2 unchanged", cur.Revision)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", 1, "a")
	f.add(t, "b", 4, "b")
	f.add(t, "c/d", 2, "d")

	c := f.connect(t, 1)
	if err := c.RequestList(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "listing", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.listed) == 1
	})
	if c.listed[0] != 3 {
		t.Errorf("got %d paths listed, want 3", c.listed[0])
	}
	eventually(t, "pulls", func() bool {
		return c.revision("a") == 1 && c.revision("b") == 4 && c.revision("c/d") == 2
	})
}

func TestRejectsEscapingPath(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, 1)

	bad := testutil.Manifest("../outside", 1, "x")
	if err := c.Announce(&wire.ManifestAnnounce{Path: bad.Path, Revision: 1, Digest: bad.Digest()}); err != nil {
		t.Fatal(err)
	}
	// Announcements are handled in order, so once a later listing completes
	// the bad one has been seen.
	if err := c.RequestList(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "listing", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.listed) == 1
	})
	if got := f.srv.Status().OutOfSyncPaths(); len(got) != 0 {
		t.Errorf("got out-of-sync paths %v", got)
	}
	if f.revision("../outside") != 0 {
		t.Error("server committed an escaping path")
	}
}
