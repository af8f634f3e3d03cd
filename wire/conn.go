package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// MaxFrame is the largest permitted frame length (tag plus payload).
const MaxFrame = 8 << 20

// MaxChunk is the largest chunk payload a ChunkData frame can carry.
// The rest of MaxFrame covers the tag and the other fields.
const MaxChunk = MaxFrame - 64

// ErrFrameTooLarge is returned for frames longer than MaxFrame.
var ErrFrameTooLarge = errors.New("frame too large")

// Conn sends and receives messages on a byte stream.
// Send may be called from multiple goroutines.
// Receive must be called from only one.
type Conn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	mu sync.Mutex // serializes Send
}

// NewConn wraps rwc.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc, r: bufio.NewReaderSize(rwc, 64<<10)}
}

// Encode produces the frame for msg.
func Encode(msg Message) ([]byte, error) {
	buf := make([]byte, 5, 64)
	buf[4] = byte(msg.Tag())
	buf = msg.appendPayload(buf)
	if len(buf)-4 > MaxFrame {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%s of %d bytes", msg.Tag(), len(buf)-4)
	}
	binary.BigEndian.PutUint32(buf, uint32(len(buf)-4))
	return buf, nil
}

// Send writes msg as a single frame.
func (c *Conn) Send(msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.rwc.Write(frame)
	return errors.Wrapf(err, "sending %s", msg.Tag())
}

// Receive reads and decodes the next frame.
// It returns io.EOF when the stream ends cleanly between frames.
func (c *Conn) Receive() (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, errors.New("empty frame")
	}
	if n > MaxFrame {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "reading frame")
	}
	return Decode(Tag(frame[0]), frame[1:])
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}
