// Package chunker implements content-defined chunking of byte streams.
// See github.com/bobg/hashsplit for more information about the splitting algorithm.
package chunker

import (
	"context"
	"fmt"
	"io"
	"math/bits"
	"os"

	"github.com/bobg/hashsplit"
	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
)

// Params controls chunk sizes.
// Producer and consumer of the same store must use the same Params,
// or identical content will not deduplicate.
type Params struct {
	// MinSize is the smallest chunk produced, except for the final chunk of a stream.
	MinSize int `yaml:"min_size" envconfig:"MIN_SIZE"`

	// TargetSize is the desired average chunk size.
	// It must be a power of two.
	TargetSize int `yaml:"target_size" envconfig:"TARGET_SIZE"`

	// MaxSize is the largest chunk produced.
	MaxSize int `yaml:"max_size" envconfig:"MAX_SIZE"`
}

// DefaultParams are the chunk sizes used when none are configured.
var DefaultParams = Params{
	MinSize:    4 << 10,
	TargetSize: 64 << 10,
	MaxSize:    1 << 20,
}

// Validate checks that p describes a usable chunker.
func (p Params) Validate() error {
	if p.MinSize <= 0 {
		return fmt.Errorf("min size %d must be positive", p.MinSize)
	}
	if p.TargetSize <= 0 || p.TargetSize&(p.TargetSize-1) != 0 {
		return fmt.Errorf("target size %d must be a power of two", p.TargetSize)
	}
	if p.MinSize > p.TargetSize {
		return fmt.Errorf("min size %d exceeds target size %d", p.MinSize, p.TargetSize)
	}
	if p.MaxSize < p.TargetSize {
		return fmt.Errorf("max size %d is below target size %d", p.MaxSize, p.TargetSize)
	}
	return nil
}

func (p Params) splitBits() uint {
	return uint(bits.TrailingZeros(uint(p.TargetSize)))
}

// Chunker splits byte streams into chunks.
// It is stateless and safe for concurrent use;
// every call to Split or NewWriter starts a fresh rolling hash,
// so re-chunking the same bytes yields the same chunks.
type Chunker struct {
	p Params
}

// New produces a Chunker with the given parameters.
func New(p Params) (*Chunker, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating chunk parameters")
	}
	return &Chunker{p: p}, nil
}

// Params returns the parameters c was created with.
func (c *Chunker) Params() Params {
	return c.p
}

// Writer is an io.WriteCloser that splits its input with a hashsplit.Splitter,
// calling a function for each chunk as soon as its boundary is known.
type Writer struct {
	Ctx context.Context
	spl *hashsplit.Splitter
	max int
	f   func(phoenix.Chunk) error
}

// NewWriter produces a new Writer calling f for each chunk.
// The given context object is stored in the Writer and checked in subsequent calls to Write and Close.
// This is an antipattern but acceptable when an object must adhere to a context-free stdlib interface
// (https://github.com/golang/go/wiki/CodeReviewComments#contexts).
func (c *Chunker) NewWriter(ctx context.Context, f func(phoenix.Chunk) error) *Writer {
	w := &Writer{Ctx: ctx, max: c.p.MaxSize, f: f}
	spl := hashsplit.NewSplitter(w.emit)
	spl.MinSize = c.p.MinSize
	spl.SplitBits = c.p.splitBits()
	w.spl = spl
	return w
}

// The splitter may reuse its buffer, so each chunk gets its own copy.
func (w *Writer) emit(b []byte, _ uint) error {
	for len(b) > 0 {
		n := len(b)
		if n > w.max {
			n = w.max
		}
		data := make([]byte, n)
		copy(data, b[:n])
		if err := w.f(phoenix.NewChunk(data)); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// Write implements io.Writer.
func (w *Writer) Write(inp []byte) (int, error) {
	if err := w.Ctx.Err(); err != nil {
		return 0, err
	}
	return w.spl.Write(inp)
}

// Close implements io.Closer.
// It flushes the final chunk.
func (w *Writer) Close() error {
	if err := w.Ctx.Err(); err != nil {
		return err
	}
	return w.spl.Close()
}

const readSize = 64 << 10

// Split reads r to the end, calling f for each chunk in order.
// A failure to read r yields an error matching phoenix.ErrIO.
// An error from f stops the split and is returned as is.
func (c *Chunker) Split(ctx context.Context, r io.Reader, f func(phoenix.Chunk) error) error {
	w := c.NewWriter(ctx, f)
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return &phoenix.IOError{Op: "reading", Err: err}
		}
	}
	return w.Close()
}

// Build splits r into a manifest for path,
// calling put for each chunk.
// The caller fills in Revision, Mode and MTime.
func (c *Chunker) Build(ctx context.Context, path string, r io.Reader, put func(phoenix.Chunk) error) (*phoenix.Manifest, error) {
	m := &phoenix.Manifest{Path: path}
	err := c.Split(ctx, r, func(ch phoenix.Chunk) error {
		length := int64(len(ch.Data))
		m.Chunks = append(m.Chunks, phoenix.ChunkRef{Hash: ch.Hash, Offset: m.Size, Length: length})
		m.Size += length
		if put == nil {
			return nil
		}
		return put(ch)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "chunking %s", path)
	}
	return m, nil
}

// BuildFile opens the file at filename and builds its manifest under the given path,
// including the file's mode and modification time.
func (c *Chunker) BuildFile(ctx context.Context, path, filename string, put func(phoenix.Chunk) error) (*phoenix.Manifest, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, &phoenix.IOError{Op: "opening", Path: filename, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &phoenix.IOError{Op: "stat", Path: filename, Err: err}
	}

	m, err := c.Build(ctx, path, f, put)
	if err != nil {
		return nil, err
	}
	m.Mode = info.Mode().Perm()
	m.MTime = info.ModTime()
	return m, nil
}

// Read reassembles the content described by m from g,
// verifying each chunk, and writes it to w.
func Read(ctx context.Context, g phoenix.ChunkGetter, m *phoenix.Manifest, w io.Writer) error {
	for _, ref := range m.Chunks {
		data, err := g.Get(ctx, ref.Hash)
		if err != nil {
			return errors.Wrapf(err, "getting chunk %s of %s", ref.Hash, m.Path)
		}
		if int64(len(data)) != ref.Length {
			return fmt.Errorf("chunk %s of %s has length %d, want %d", ref.Hash, m.Path, len(data), ref.Length)
		}
		if err = phoenix.CheckHash(ref.Hash, data); err != nil {
			return err
		}
		if _, err = w.Write(data); err != nil {
			return &phoenix.IOError{Op: "writing", Path: m.Path, Err: err}
		}
	}
	return nil
}
