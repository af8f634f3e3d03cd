// Package client connects a reconciled directory tree to a phoenix server,
// reconnecting whenever the session ends.
package client

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/gc"
	"github.com/cosmicboots/phoenix/protocol"
	"github.com/cosmicboots/phoenix/reconcile"
	"github.com/cosmicboots/phoenix/session"
)

// DialFunc establishes a session with the server.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, session.Key, error)

// Config holds what a Client needs.
type Config struct {
	// Addr, Keypair, ServerKey and Session configure the default dialer.
	Addr      string
	Keypair   session.Keypair
	ServerKey session.Key
	Session   session.Options

	// Dial, if set, replaces the default dialer.
	Dial DialFunc

	Reconciler *reconcile.Reconciler
	Chunks     phoenix.ChunkStore
	Pins       *gc.Pins
	Params     protocol.Params
	Status     *protocol.Status
	Clock      clockwork.Clock
	Logger     *zap.SugaredLogger
}

// Client keeps one session with the server alive.
type Client struct {
	dial   DialFunc
	r      *reconcile.Reconciler
	chunks phoenix.ChunkStore
	pins   *gc.Pins
	params protocol.Params
	status *protocol.Status
	clock  clockwork.Clock
	log    *zap.SugaredLogger
}

// New produces a Client.
func New(conf Config) *Client {
	if conf.Params.BatchSize == 0 {
		conf.Params = protocol.DefaultParams
	}
	if conf.Clock == nil {
		conf.Clock = clockwork.NewRealClock()
	}
	if conf.Status == nil {
		conf.Status = protocol.NewStatus(conf.Clock)
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop().Sugar()
	}
	if conf.Dial == nil {
		conf.Dial = func(ctx context.Context) (io.ReadWriteCloser, session.Key, error) {
			conn, err := session.Dial(ctx, conf.Addr, conf.Keypair, conf.ServerKey, conf.Session)
			if err != nil {
				return nil, session.Key{}, err
			}
			return conn, conn.PeerKey(), nil
		}
	}
	return &Client{
		dial:   conf.Dial,
		r:      conf.Reconciler,
		chunks: conf.Chunks,
		pins:   conf.Pins,
		params: conf.Params,
		status: conf.Status,
		clock:  conf.Clock,
		log:    conf.Logger.Named("client"),
	}
}

// Run connects to the server and keeps reconnecting, with backoff, until ctx is canceled.
// Events, if not nil, are passed to the reconciler whether or not a session is up.
//
// A failed handshake or a message failing authentication ends Run with an error,
// since retrying with the same keys cannot help.
func (c *Client) Run(ctx context.Context, events <-chan reconcile.Event) error {
	if events != nil {
		go c.r.Follow(ctx, events)
	}

	b := c.params.BackOff(c.clock, -1)
	for {
		var (
			conn io.ReadWriteCloser
			key  session.Key
		)
		dial := func() error {
			var err error
			conn, key, err = c.dial(ctx)
			if errors.Is(err, phoenix.ErrHandshakeFailed) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, delay time.Duration) {
			c.log.Warnw("cannot connect, will retry", "delay", delay, "error", err)
		}
		err := protocol.Retry(ctx, c.clock, b, dial, notify)
		if ctx.Err() != nil {
			if err == nil {
				conn.Close()
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "connecting")
		}

		err = c.session(ctx, conn, key)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, phoenix.ErrAuthenticationFailed) {
			return errors.Wrap(err, "in session")
		}
		c.log.Warnw("disconnected", "error", err)
		if !c.sleep(ctx, c.params.BackoffInitial) {
			return nil
		}
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(d):
		return true
	}
}

// session runs one session:
// it asks for the server's listing, waits for it,
// then scans the tree so local changes are announced.
func (c *Client) session(ctx context.Context, conn io.ReadWriteCloser, key session.Key) error {
	p := protocol.NewPeer(protocol.Config{
		Conn:      conn,
		Key:       key,
		Initiator: true,
		Store:     c.chunks,
		Pins:      c.pins,
		Handler:   c.r,
		Params:    c.params,
		Status:    c.status,
		Clock:     c.clock,
		Logger:    c.log,
	})
	c.r.Attach(p)
	defer c.r.Detach(p)

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	c.log.Infow("connected", "server", p.Name(), "session", p.ID)

	// Drop a count left over from an earlier session.
	select {
	case <-c.r.ListDone():
	default:
	}

	if err := p.RequestList(); err != nil {
		p.Close()
		return <-runErr
	}

	select {
	case <-c.r.ListDone():
		if err := c.r.Scan(ctx); err != nil {
			c.log.Errorw("scanning", "root", c.r.Root(), "error", err)
		}
	case <-p.Done():
	}

	return <-runErr
}
