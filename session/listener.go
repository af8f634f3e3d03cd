package session

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Dial connects to the server at addr and runs the initiator handshake.
func Dial(ctx context.Context, addr string, local Keypair, serverKey Key, opts Options) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	return Connect(ctx, raw, local, serverKey, opts)
}

// Listener accepts TCP connections and completes their handshakes in the background,
// so a slow or hostile client cannot hold up others.
// Failed handshakes are logged and dropped.
type Listener struct {
	ln      net.Listener
	local   Keypair
	allowed []Key
	opts    Options
	logger  *zap.SugaredLogger

	conns chan *Conn
	errc  chan error

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen listens on addr.
func Listen(addr string, local Keypair, allowed []Key, opts Options, logger *zap.SugaredLogger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	return NewListener(ln, local, allowed, opts, logger), nil
}

// NewListener wraps ln.
func NewListener(ln net.Listener, local Keypair, allowed []Key, opts Options, logger *zap.SugaredLogger) *Listener {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &Listener{
		ln:      ln,
		local:   local,
		allowed: allowed,
		opts:    opts,
		logger:  logger,
		conns:   make(chan *Conn),
		errc:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Listener) run() {
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			l.errc <- err
			return
		}
		go l.handshake(raw)
	}
}

func (l *Listener) handshake(raw net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := Accept(ctx, raw, l.local, l.allowed, l.opts)
	if err != nil {
		l.logger.Warnw("rejected connection", "remote", raw.RemoteAddr(), "error", err)
		return
	}
	select {
	case l.conns <- conn:
	case <-l.closed:
		conn.Close()
	}
}

// Accept waits for the next connection that completes its handshake.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case conn := <-l.conns:
		return conn, nil
	case err := <-l.errc:
		l.errc <- err
		return nil, err
	}
}

// Addr is the listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening and abandons handshakes in progress.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.ln.Close()
	})
	return err
}
