package protocol_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/gc"
	"github.com/cosmicboots/phoenix/protocol"
	"github.com/cosmicboots/phoenix/session"
	"github.com/cosmicboots/phoenix/store"
	"github.com/cosmicboots/phoenix/store/mem"
	"github.com/cosmicboots/phoenix/testutil"
	"github.com/cosmicboots/phoenix/wire"
)

func testParams() protocol.Params {
	p := protocol.DefaultParams
	p.BatchSize = 2
	p.BackoffInitial = 10 * time.Millisecond
	p.BackoffMax = 40 * time.Millisecond
	p.ResponseTimeout = 2 * time.Second
	p.ChunkTimeout = 2 * time.Second
	p.CommitTimeout = 2 * time.Second
	p.HeartbeatInterval = 50 * time.Millisecond
	p.IdleTimeout = 10 * time.Second
	return p
}

// node is one side of a test session.
// As a sink it applies any revision newer than what it holds;
// as a source it serves its current manifests.
type node struct {
	chunks    *countingStore
	manifests *mem.Manifests
	committer *store.Committer
	pins      *gc.Pins
	status    *protocol.Status
	params    protocol.Params
	logger    *zap.SugaredLogger

	// source, when set, replaces the default Source behavior.
	source func(ctx context.Context, path string) (*phoenix.Manifest, uint64, error)

	// apply, when set, runs before the default Apply behavior and can fail it.
	apply func(m *phoenix.Manifest) error

	mu       sync.Mutex
	acked    []string
	rejected []*wire.CommitReject
	listed   []uint64
}

func newNode() *node {
	cs := newCountingStore()
	ms := mem.NewManifests()
	return &node{
		chunks:    cs,
		manifests: ms,
		committer: store.NewCommitter(cs, ms, nil),
		pins:      gc.NewPins(),
		status:    protocol.NewStatus(nil),
		params:    testParams(),
		logger:    zap.NewNop().Sugar(),
	}
}

// add stores the payloads and commits a manifest over them.
func (n *node) add(t *testing.T, path string, rev uint64, payloads ...string) *phoenix.Manifest {
	t.Helper()
	ctx := context.Background()
	for _, p := range payloads {
		if _, err := n.chunks.Put(ctx, phoenix.Sum([]byte(p)), []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	m := testutil.Manifest(path, rev, payloads...)
	var expected uint64
	if cur, err := n.manifests.Get(ctx, path); err == nil {
		expected = cur.Revision
	}
	if _, err := n.committer.Commit(ctx, m, expected); err != nil {
		t.Fatal(err)
	}
	return m
}

func (n *node) revision(path string) uint64 {
	m, err := n.manifests.Get(context.Background(), path)
	if err != nil {
		return 0
	}
	return m.Revision
}

func (n *node) Announced(ctx context.Context, p *protocol.Peer, a *wire.ManifestAnnounce) {
	if a.Revision > n.revision(a.Path) {
		p.Fetch(a.Path)
	}
}

func (n *node) Source(ctx context.Context, p *protocol.Peer, path string) (*phoenix.Manifest, uint64, error) {
	if n.source != nil {
		return n.source(ctx, path)
	}
	m, err := n.manifests.Get(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	return m, p.Acked(path), nil
}

func (n *node) Apply(ctx context.Context, p *protocol.Peer, m *phoenix.Manifest, _ uint64) error {
	if n.apply != nil {
		if err := n.apply(m); err != nil {
			return err
		}
	}
	cur := n.revision(m.Path)
	if m.Revision <= cur {
		return &phoenix.ConflictError{Path: m.Path, Current: cur, Proposed: m.Revision}
	}
	_, err := n.committer.Commit(ctx, m, cur)
	return err
}

func (n *node) Acked(ctx context.Context, p *protocol.Peer, m *phoenix.Manifest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.acked = append(n.acked, fmt.Sprintf("%s@%d", m.Path, m.Revision))
}

func (n *node) Rejected(ctx context.Context, p *protocol.Peer, m *phoenix.Manifest, rej *wire.CommitReject) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected = append(n.rejected, rej)
}

func (n *node) List(ctx context.Context, p *protocol.Peer) (int, error) {
	var count int
	err := n.manifests.List(ctx, "", func(m *phoenix.Manifest) error {
		count++
		return p.Announce(&wire.ManifestAnnounce{Path: m.Path, Revision: m.Revision, Digest: m.Digest()})
	})
	return count, err
}

func (n *node) Listed(ctx context.Context, p *protocol.Peer, count uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listed = append(n.listed, count)
}

func (n *node) ackedList() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.acked...)
}

func (n *node) rejections() []*wire.CommitReject {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*wire.CommitReject(nil), n.rejected...)
}

// countingStore counts Gets and can corrupt or stall them.
type countingStore struct {
	*mem.Store

	mu      sync.Mutex
	gets    map[phoenix.Hash]int
	corrupt map[phoenix.Hash]int // remaining corrupt answers; -1 for always
	stall   map[phoenix.Hash]bool
}

func newCountingStore() *countingStore {
	return &countingStore{
		Store:   mem.New(),
		gets:    make(map[phoenix.Hash]int),
		corrupt: make(map[phoenix.Hash]int),
		stall:   make(map[phoenix.Hash]bool),
	}
}

func (s *countingStore) Get(ctx context.Context, h phoenix.Hash) ([]byte, error) {
	s.mu.Lock()
	s.gets[h]++
	stall := s.stall[h]
	bad := s.corrupt[h]
	if bad > 0 {
		s.corrupt[h]--
	}
	s.mu.Unlock()

	if stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	data, err := s.Store.Get(ctx, h)
	if err != nil || bad == 0 {
		return data, err
	}
	out := append([]byte(nil), data...)
	out[0] ^= 0xff
	return out, nil
}

func (s *countingStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, c := range s.gets {
		n += c
	}
	return n
}

func (s *countingStore) resetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets = make(map[phoenix.Hash]int)
}

type pair struct {
	client, server *protocol.Peer
	done           chan struct{}
	errs           [2]error
}

var (
	clientKey = keyOf(1)
	serverKey = keyOf(2)
)

func keyOf(b byte) (k session.Key) {
	k[0] = b
	return k
}

// connect runs a session between a client node and a server node over an in-memory pipe.
func connect(t *testing.T, client, server *node) *pair {
	t.Helper()

	c1, c2 := net.Pipe()
	s := &pair{done: make(chan struct{})}
	s.client = protocol.NewPeer(protocol.Config{
		Conn:      c1,
		Key:       serverKey,
		Initiator: true,
		Store:     client.chunks,
		Pins:      client.pins,
		Handler:   client,
		Params:    client.params,
		Status:    client.status,
		Logger:    client.logger,
	})
	s.server = protocol.NewPeer(protocol.Config{
		Conn:    c2,
		Key:     clientKey,
		Store:   server.chunks,
		Pins:    server.pins,
		Handler: server,
		Params:  server.params,
		Status:  server.status,
		Logger:  server.logger,
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.errs[0] = s.client.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.errs[1] = s.server.Run(ctx)
	}()
	go func() {
		wg.Wait()
		close(s.done)
	}()

	t.Cleanup(s.close)
	return s
}

func (s *pair) close() {
	s.client.Close()
	s.server.Close()
	<-s.done
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

func observe(n *node) *observer.ObservedLogs {
	core, logs := observer.New(zap.DebugLevel)
	n.logger = zap.New(core).Sugar()
	return logs
}

func retriesFor(logs *observer.ObservedLogs, path string) int {
	var count int
	for _, e := range logs.FilterMessage("transfer failed, will retry").All() {
		if e.ContextMap()["path"] == path {
			count++
		}
	}
	return count
}

var errBoom = errors.New("boom")
