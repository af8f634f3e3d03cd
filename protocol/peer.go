// Package protocol implements the phoenix sync protocol over one secure session:
// a multiplexer that routes messages to concurrent per-path transfers,
// and the transfer state machines of the fetching side (sink) and the serving side (source).
package protocol

import (
	"context"
	"encoding/hex"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/gc"
	"github.com/cosmicboots/phoenix/session"
	"github.com/cosmicboots/phoenix/wire"
)

// ErrIdle is returned by Run when the other side stops sending, even heartbeats.
var ErrIdle = errors.New("session idle")

// Config holds what a Peer needs.
type Config struct {
	// Conn is the established session.
	Conn io.ReadWriteCloser

	// Key is the other side's verified public key.
	Key session.Key

	// Initiator is true on the side that dialed (the client).
	// The two sides draw transfer ids from disjoint sets.
	Initiator bool

	Store   phoenix.ChunkStore
	Pins    *gc.Pins
	Handler Handler
	Params  Params

	// Status receives per-path failure tracking. It may be shared by several peers.
	Status *Status

	Clock  clockwork.Clock
	Logger *zap.SugaredLogger
}

// Peer runs the sync protocol over one session.
// It is the per-session peer record:
// it holds the session id, the revisions acknowledged per path, and the transfer table,
// and is discarded when the session ends.
type Peer struct {
	ID  uuid.UUID
	Key session.Key

	conn    *wire.Conn
	rwc     io.Closer
	store   phoenix.ChunkStore
	pins    *gc.Pins
	handler Handler
	params  Params
	status  *Status
	clock   clockwork.Clock
	log     *zap.SugaredLogger
	odd     bool
	nextID  uint64 // atomic

	sinks   *semaphore.Weighted
	control *queue

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	transfers map[uint64]*transfer
	sources   int
	fetching  map[string]*fetchState
	acked     map[string]uint64
	lastRecv  time.Time

	wg        sync.WaitGroup // transfer goroutines
	closeOnce sync.Once
}

type fetchState struct {
	again bool
}

// NewPeer produces a Peer. Call Run to start it.
func NewPeer(conf Config) *Peer {
	if conf.Params.BatchSize == 0 {
		conf.Params = DefaultParams
	}
	if conf.Clock == nil {
		conf.Clock = clockwork.NewRealClock()
	}
	if conf.Status == nil {
		conf.Status = NewStatus(conf.Clock)
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		ID:        uuid.New(),
		Key:       conf.Key,
		conn:      wire.NewConn(conf.Conn),
		rwc:       conf.Conn,
		store:     conf.Store,
		pins:      conf.Pins,
		handler:   conf.Handler,
		params:    conf.Params,
		status:    conf.Status,
		clock:     conf.Clock,
		odd:       conf.Initiator,
		sinks:     semaphore.NewWeighted(int64(conf.Params.MaxTransfers)),
		control:   newQueue(),
		ctx:       ctx,
		cancel:    cancel,
		transfers: make(map[uint64]*transfer),
		fetching:  make(map[string]*fetchState),
		acked:     make(map[string]uint64),
		lastRecv:  conf.Clock.Now(),
	}
	p.log = conf.Logger.With("peer", p.Name(), "session", p.ID.String())
	return p
}

// Name is a short printable form of the peer's key.
func (p *Peer) Name() string {
	return hex.EncodeToString(p.Key[:4])
}

// Status is the failure tracker this peer reports to.
func (p *Peer) Status() *Status {
	return p.status
}

// Run runs the session until it ends,
// either because ctx is canceled, Close is called, the other side hangs up,
// or the session goes idle.
// Every transfer is canceled before Run returns.
// A clean end yields nil.
func (p *Peer) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(p.ctx)
	g.Go(func() error {
		defer p.Close()
		return p.readLoop()
	})
	g.Go(func() error {
		return p.heartbeatLoop(gctx)
	})
	g.Go(func() error {
		return p.control.run(gctx)
	})
	err := g.Wait()
	p.Close()
	p.wg.Wait()
	return err
}

// Close ends the session.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cancel()
		err = p.rwc.Close()
	})
	return err
}

// Done is closed when the session ends.
func (p *Peer) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Announce tells the other side about a revision.
func (p *Peer) Announce(a *wire.ManifestAnnounce) error {
	return p.send(a)
}

// RequestList asks the other side to announce everything it tracks.
func (p *Peer) RequestList() error {
	return p.send(&wire.ListRequest{})
}

// Acked is the revision of path the other side is known to hold, or 0.
func (p *Peer) Acked(path string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acked[path]
}

// SetAcked records that the other side holds revision rev of path.
func (p *Peer) SetAcked(path string, rev uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acked[path] = rev
}

func (p *Peer) send(msg wire.Message) error {
	return p.conn.Send(msg)
}

func (p *Peer) newID() uint64 {
	n := atomic.AddUint64(&p.nextID, 1)
	if p.odd {
		return 2*n - 1
	}
	return 2 * n
}

// spawnLocked runs f in a goroutine that Run waits for,
// unless the peer is already closed.
// Caller must hold p.mu.
func (p *Peer) spawnLocked(f func()) bool {
	if p.closed {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		f()
	}()
	return true
}

func (p *Peer) readLoop() error {
	for {
		msg, err := p.conn.Receive()
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "receiving")
		}

		p.mu.Lock()
		p.lastRecv = p.clock.Now()
		p.mu.Unlock()

		p.dispatch(msg)
	}
}

// dispatch never blocks.
func (p *Peer) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Heartbeat:

	case *wire.ManifestAnnounce:
		p.control.push(func(ctx context.Context) {
			p.handler.Announced(ctx, p, m)
		})

	case *wire.ListRequest:
		p.control.push(func(ctx context.Context) {
			n, err := p.handler.List(ctx, p)
			if err != nil {
				p.log.Errorw("listing", "error", err)
				return
			}
			if err = p.send(&wire.ListDone{Count: uint64(n)}); err != nil {
				p.log.Debugw("sending ListDone", "error", err)
			}
		})

	case *wire.ListDone:
		p.control.push(func(ctx context.Context) {
			p.handler.Listed(ctx, p, m.Count)
		})

	case *wire.ManifestRequest:
		p.startSource(m)

	case wire.Scoped:
		p.deliver(m)
	}
}

func (p *Peer) deliver(m wire.Scoped) {
	p.mu.Lock()
	t := p.transfers[m.TransferID()]
	p.mu.Unlock()

	if t == nil {
		p.log.Debugw("message for unknown transfer", "transfer", m.TransferID(), "type", m.Tag())
		return
	}
	select {
	case t.inbox <- m:
	default:
		p.log.Warnw("transfer inbox overrun", "transfer", t.id, "path", t.path)
		t.cancel(errOverrun)
	}
}

func (p *Peer) heartbeatLoop(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.params.HeartbeatInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}

		p.mu.Lock()
		idle := p.clock.Since(p.lastRecv)
		p.mu.Unlock()
		if idle > p.params.IdleTimeout {
			p.log.Warnw("closing idle session", "idle", idle)
			p.Close()
			return ErrIdle
		}

		seq++
		if err := p.send(&wire.Heartbeat{Seq: seq}); err != nil {
			return nil
		}
	}
}

// queue runs handler callbacks in order on one goroutine,
// so the reader can hand them off without blocking.
type queue struct {
	mu    sync.Mutex
	items []func(context.Context)
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(f func(context.Context)) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (func(context.Context), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

func (q *queue) run(ctx context.Context) error {
	for {
		for {
			f, ok := q.pop()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			f(ctx)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.ready:
		}
	}
}
