package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/testutil"
)

func keypair(t *testing.T) Keypair {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

type result struct {
	conn *Conn
	err  error
}

// handshake runs both sides of a handshake over an in-memory pipe.
func handshake(t *testing.T, client, server Keypair, serverKey Key, allowed []Key, opts Options, wrap func(net.Conn) net.Conn) (result, result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, s := net.Pipe()
	if wrap != nil {
		c = wrap(c)
	}

	var (
		wg     sync.WaitGroup
		cr, sr result
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		cr.conn, cr.err = Connect(ctx, c, client, serverKey, opts)
	}()
	go func() {
		defer wg.Done()
		sr.conn, sr.err = Accept(ctx, s, server, allowed, opts)
	}()
	wg.Wait()
	return cr, sr
}

func TestHandshake(t *testing.T) {
	var (
		client = keypair(t)
		server = keypair(t)
	)
	cr, sr := handshake(t, client, server, server.Public, []Key{client.Public}, Options{}, nil)
	if cr.err != nil {
		t.Fatal(cr.err)
	}
	if sr.err != nil {
		t.Fatal(sr.err)
	}
	defer cr.conn.Close()
	defer sr.conn.Close()

	if sr.conn.PeerKey() != client.Public {
		t.Errorf("server sees peer %s, want %s", sr.conn.PeerKey(), client.Public)
	}
	if cr.conn.PeerKey() != server.Public {
		t.Errorf("client sees peer %s, want %s", cr.conn.PeerKey(), server.Public)
	}

	exchange(t, cr.conn, sr.conn, []byte("hello, server"))
	exchange(t, sr.conn, cr.conn, []byte("hello, client"))

	// Larger than one Noise message.
	exchange(t, cr.conn, sr.conn, testutil.RandomData(1, 3*maxPlaintext+100))
}

func exchange(t *testing.T, from, to *Conn, data []byte) {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		_, err := from.Write(data)
		errc <- err
	}()
	got := make([]byte, len(data))
	if _, err := io.ReadFull(to, got); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("received %d bytes differ from the %d sent", len(got), len(data))
	}
}

func TestUnknownClient(t *testing.T) {
	var (
		client = keypair(t)
		other  = keypair(t)
		server = keypair(t)
	)
	cr, sr := handshake(t, client, server, server.Public, []Key{other.Public}, Options{}, nil)
	if !errors.Is(sr.err, phoenix.ErrHandshakeFailed) {
		t.Errorf("server got %v, want ErrHandshakeFailed", sr.err)
	}
	if !errors.Is(cr.err, phoenix.ErrHandshakeFailed) {
		t.Errorf("client got %v, want ErrHandshakeFailed", cr.err)
	}
}

func TestWrongServerKey(t *testing.T) {
	var (
		client   = keypair(t)
		server   = keypair(t)
		impostor = keypair(t)
	)
	cr, sr := handshake(t, client, server, impostor.Public, []Key{client.Public}, Options{}, nil)
	if !errors.Is(sr.err, phoenix.ErrHandshakeFailed) {
		t.Errorf("server got %v, want ErrHandshakeFailed", sr.err)
	}
	if !errors.Is(cr.err, phoenix.ErrHandshakeFailed) {
		t.Errorf("client got %v, want ErrHandshakeFailed", cr.err)
	}
}

// tamperConn flips a bit in every write once armed.
type tamperConn struct {
	net.Conn

	mu    sync.Mutex
	armed bool
}

func (c *tamperConn) arm() {
	c.mu.Lock()
	c.armed = true
	c.mu.Unlock()
}

func (c *tamperConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	armed := c.armed
	c.mu.Unlock()
	if armed && len(p) > 0 {
		p = append([]byte(nil), p...)
		p[len(p)-1] ^= 1
	}
	return c.Conn.Write(p)
}

func TestTamper(t *testing.T) {
	var (
		client = keypair(t)
		server = keypair(t)
		tc     *tamperConn
	)
	cr, sr := handshake(t, client, server, server.Public, []Key{client.Public}, Options{}, func(c net.Conn) net.Conn {
		tc = &tamperConn{Conn: c}
		return tc
	})
	if cr.err != nil {
		t.Fatal(cr.err)
	}
	if sr.err != nil {
		t.Fatal(sr.err)
	}
	defer cr.conn.Close()

	tc.arm()
	go cr.conn.Write([]byte("attack at dawn"))

	buf := make([]byte, 100)
	_, err := sr.conn.Read(buf)
	if !errors.Is(err, phoenix.ErrAuthenticationFailed) {
		t.Fatalf("got %v, want ErrAuthenticationFailed", err)
	}
	if _, err = sr.conn.Read(buf); !errors.Is(err, phoenix.ErrAuthenticationFailed) {
		t.Errorf("second read got %v, want ErrAuthenticationFailed", err)
	}
}

func TestRekey(t *testing.T) {
	var (
		client = keypair(t)
		server = keypair(t)
		opts   = Options{RekeyInterval: 3}
	)
	cr, sr := handshake(t, client, server, server.Public, []Key{client.Public}, opts, nil)
	if cr.err != nil {
		t.Fatal(cr.err)
	}
	if sr.err != nil {
		t.Fatal(sr.err)
	}
	defer cr.conn.Close()
	defer sr.conn.Close()

	for i := 0; i < 10; i++ {
		msg := testutil.RandomData(int64(i), 100+i)
		exchange(t, cr.conn, sr.conn, msg)
		exchange(t, sr.conn, cr.conn, msg)
	}
	if cr.conn.sent != 10 || sr.conn.recvd != 10 {
		t.Errorf("client sent %d messages and server received %d, want 10 each", cr.conn.sent, sr.conn.recvd)
	}
}

func TestKeys(t *testing.T) {
	kp := keypair(t)

	derived, err := KeypairFromPrivate(kp.Private)
	if err != nil {
		t.Fatal(err)
	}
	if derived != kp {
		t.Error("derived keypair differs from generated one")
	}

	parsed, err := ParseKey(kp.Public.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != kp.Public {
		t.Error("key text round trip failed")
	}

	if _, err = ParseKey("c2hvcnQ="); err == nil {
		t.Error("accepted a short key")
	}
	if _, err = ParseKey("not base64!"); err == nil {
		t.Error("accepted malformed base64")
	}
}

func TestListener(t *testing.T) {
	var (
		client   = keypair(t)
		stranger = keypair(t)
		server   = keypair(t)
	)
	ln, err := Listen("127.0.0.1:0", server, []Key{client.Public}, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err = Dial(ctx, ln.Addr().String(), stranger, server.Public, Options{}); !errors.Is(err, phoenix.ErrHandshakeFailed) {
		t.Errorf("stranger got %v, want ErrHandshakeFailed", err)
	}

	conn, err := Dial(ctx, ln.Addr().String(), client, server.Public, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	sconn, err := ln.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sconn.Close()
	if sconn.PeerKey() != client.Public {
		t.Errorf("accepted peer %s, want %s", sconn.PeerKey(), client.Public)
	}
	exchange(t, conn, sconn, []byte("over tcp"))
}
