// Package session implements the secure channel between a phoenix client and server:
// a Noise IK handshake with static Curve25519 identities,
// followed by an ordered, encrypted, authenticated byte stream.
//
// The client (initiator) must know the server's public key in advance.
// The server (responder) learns the client's public key during the handshake
// and rejects it unless it is on the allowed list.
package session

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
)

// Prologue is mixed into the handshake hash.
// Peers with different prologues, such as different protocol versions, cannot complete a handshake.
const Prologue = "phoenix/1"

const (
	maxMessage   = 65535
	tagSize      = 16
	maxPlaintext = maxMessage - tagSize
)

// DefaultRekeyInterval is the number of messages after which each direction rekeys
// when Options.RekeyInterval is zero.
const DefaultRekeyInterval = 1 << 16

var suite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Options tune a session.
type Options struct {
	// RekeyInterval is the number of transport messages after which each direction
	// replaces its key. Both ends must agree.
	RekeyInterval uint64

	// HandshakeTimeout bounds the handshake when the context has no deadline.
	HandshakeTimeout time.Duration
}

func (o Options) rekeyInterval() uint64 {
	if o.RekeyInterval == 0 {
		return DefaultRekeyInterval
	}
	return o.RekeyInterval
}

// Conn is an established session.
// Read and Write may be called concurrently with each other
// but not concurrently with themselves.
type Conn struct {
	raw   net.Conn
	peer  Key
	rekey uint64

	wmu   sync.Mutex
	enc   *noise.CipherState
	sent  uint64
	wbuf  []byte
	wfail error

	rmu   sync.Mutex
	dec   *noise.CipherState
	recvd uint64
	rbuf  []byte // decrypted bytes not yet returned by Read
	rfail error
}

// PeerKey is the verified static public key of the other end.
func (c *Conn) PeerKey() Key {
	return c.peer
}

// RemoteAddr is the network address of the other end.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// Write encrypts p and sends it, split into as many Noise messages as needed.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.wfail != nil {
		return 0, c.wfail
	}

	var n int
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		out, err := c.enc.Encrypt(c.wbuf[:2], nil, chunk)
		if err != nil {
			c.wfail = errors.Wrap(err, "encrypting")
			return n, c.wfail
		}
		binary.BigEndian.PutUint16(out, uint16(len(out)-2))
		if _, err = c.raw.Write(out); err != nil {
			c.wfail = err
			return n, err
		}
		c.wbuf = out[:0]
		c.sent++
		if c.sent%c.rekey == 0 {
			c.enc.Rekey()
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return n, nil
}

// Read reads decrypted bytes.
// A message that fails authentication closes the session,
// and this and every later Read fail with an error matching phoenix.ErrAuthenticationFailed.
func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.rbuf) == 0 {
		if c.rfail != nil {
			return 0, c.rfail
		}
		msg, err := readMessage(c.raw)
		if err != nil {
			c.rfail = err
			return 0, err
		}
		plain, err := c.dec.Decrypt(msg[:0], nil, msg)
		if err != nil {
			c.rfail = errors.Wrapf(phoenix.ErrAuthenticationFailed, "message %d from %s: %s", c.recvd, c.peer, err)
			c.raw.Close()
			return 0, c.rfail
		}
		c.recvd++
		if c.recvd%c.rekey == 0 {
			c.dec.Rekey()
		}
		c.rbuf = plain
	}

	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

func writeMessage(w io.Writer, msg []byte) error {
	if len(msg) > maxMessage {
		return errors.Errorf("noise message of %d bytes exceeds %d", len(msg), maxMessage)
	}
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Connect runs the initiator side of the handshake on conn,
// authenticating local to a server that must hold serverKey.
// On failure conn is closed and the error matches phoenix.ErrHandshakeFailed.
func Connect(ctx context.Context, conn net.Conn, local Keypair, serverKey Key, opts Options) (*Conn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   suite,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		Prologue:      []byte(Prologue),
		StaticKeypair: local.dhKey(),
		PeerStatic:    append([]byte(nil), serverKey[:]...),
	})
	if err != nil {
		conn.Close()
		return nil, handshakeErr(err, "initializing")
	}

	var enc, dec *noise.CipherState
	err = withDeadline(ctx, conn, opts, func() error {
		// -> e, es, s, ss
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return errors.Wrap(err, "writing first message")
		}
		if err = writeMessage(conn, msg); err != nil {
			return errors.Wrap(err, "sending first message")
		}

		// <- e, ee, se
		msg, err = readMessage(conn)
		if err != nil {
			return errors.Wrap(err, "receiving second message")
		}
		_, enc, dec, err = hs.ReadMessage(nil, msg)
		return errors.Wrap(err, "reading second message")
	})
	if err != nil {
		conn.Close()
		return nil, handshakeErr(err, "connecting")
	}

	return newConn(conn, serverKey, enc, dec, opts), nil
}

// Accept runs the responder side of the handshake on conn.
// The client's static key must be one of allowed.
// On failure conn is closed and the error matches phoenix.ErrHandshakeFailed.
func Accept(ctx context.Context, conn net.Conn, local Keypair, allowed []Key, opts Options) (*Conn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   suite,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		Prologue:      []byte(Prologue),
		StaticKeypair: local.dhKey(),
	})
	if err != nil {
		conn.Close()
		return nil, handshakeErr(err, "initializing")
	}

	var (
		enc, dec *noise.CipherState
		peer     Key
	)
	err = withDeadline(ctx, conn, opts, func() error {
		// <- e, es, s, ss
		msg, err := readMessage(conn)
		if err != nil {
			return errors.Wrap(err, "receiving first message")
		}
		if _, _, _, err = hs.ReadMessage(nil, msg); err != nil {
			return errors.Wrap(err, "reading first message")
		}

		ps := hs.PeerStatic()
		if !keyIn(ps, allowed) {
			return errors.New("client key is not allowed")
		}
		copy(peer[:], ps)

		// -> e, ee, se
		msg, dec, enc, err = hs.WriteMessage(nil, nil)
		if err != nil {
			return errors.Wrap(err, "writing second message")
		}
		return errors.Wrap(writeMessage(conn, msg), "sending second message")
	})
	if err != nil {
		conn.Close()
		return nil, handshakeErr(err, "accepting")
	}

	return newConn(conn, peer, enc, dec, opts), nil
}

func newConn(raw net.Conn, peer Key, enc, dec *noise.CipherState, opts Options) *Conn {
	return &Conn{
		raw:   raw,
		peer:  peer,
		rekey: opts.rekeyInterval(),
		enc:   enc,
		dec:   dec,
		wbuf:  make([]byte, 2, 2+maxMessage),
	}
}

type handshakeError struct {
	op  string
	err error
}

func (e *handshakeError) Error() string {
	return "handshake failed " + e.op + ": " + e.err.Error()
}

func (e *handshakeError) Unwrap() error        { return e.err }
func (e *handshakeError) Is(target error) bool { return target == phoenix.ErrHandshakeFailed }

func handshakeErr(err error, op string) error {
	return &handshakeError{op: op, err: err}
}

// withDeadline runs f with conn's deadline set from ctx or opts,
// and aborts blocked I/O if ctx is canceled.
func withDeadline(ctx context.Context, conn net.Conn, opts Options, f func() error) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if opts.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout))
	}

	var (
		done    = make(chan struct{})
		stopped = make(chan struct{})
	)
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()

	err := f()
	close(done)
	<-stopped

	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		err = ctxErr
	}
	conn.SetDeadline(time.Time{})
	return err
}
