package chunker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cosmicboots/phoenix"
)

var testParams = Params{
	MinSize:    1 << 10,
	TargetSize: 4 << 10,
	MaxSize:    32 << 10,
}

func randomData(seed int64, n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

func split(t *testing.T, c *Chunker, data []byte) []phoenix.Chunk {
	var out []phoenix.Chunk
	err := c.Split(context.Background(), bytes.NewReader(data), func(ch phoenix.Chunk) error {
		out = append(out, ch)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func hashes(chunks []phoenix.Chunk) []phoenix.Hash {
	out := make([]phoenix.Hash, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, ch.Hash)
	}
	return out
}

func TestDeterminism(t *testing.T) {
	c, err := New(testParams)
	if err != nil {
		t.Fatal(err)
	}
	data := randomData(1, 300000)

	first := hashes(split(t, c, data))
	second := hashes(split(t, c, data))

	if len(first) < 2 {
		t.Fatalf("got %d chunks, want several", len(first))
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	c, err := New(testParams)
	if err != nil {
		t.Fatal(err)
	}
	data := randomData(2, 500000)
	chunks := split(t, c, data)

	var (
		buf     bytes.Buffer
		payload = make(map[phoenix.Hash][]byte)
	)
	for i, ch := range chunks {
		if ch.Hash != phoenix.Sum(ch.Data) {
			t.Fatalf("chunk %d has wrong hash", i)
		}
		if len(ch.Data) > testParams.MaxSize {
			t.Errorf("chunk %d has size %d, max is %d", i, len(ch.Data), testParams.MaxSize)
		}
		buf.Write(ch.Data)
		payload[ch.Hash] = ch.Data
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatal("concatenated chunks differ from input")
	}

	m, err := c.Build(context.Background(), "f", bytes.NewReader(data), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = m.Validate(); err != nil {
		t.Fatal(err)
	}
	if m.Size != int64(len(data)) {
		t.Errorf("got size %d, want %d", m.Size, len(data))
	}

	buf.Reset()
	err = Read(context.Background(), mapGetter(payload), m, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatal("Read output differs from input")
	}
}

func TestInsertion(t *testing.T) {
	c, err := New(testParams)
	if err != nil {
		t.Fatal(err)
	}

	const offset = 150000

	var (
		orig   = randomData(3, 400000)
		insert = randomData(4, 700)
		edited = append(append(append([]byte{}, orig[:offset]...), insert...), orig[offset:]...)
		ctx    = context.Background()
	)

	before, err := c.Build(ctx, "f", bytes.NewReader(orig), nil)
	if err != nil {
		t.Fatal(err)
	}
	after, err := c.Build(ctx, "f", bytes.NewReader(edited), nil)
	if err != nil {
		t.Fatal(err)
	}

	d := phoenix.Diff(before, after)
	if d.Empty() {
		t.Fatal("edit produced no change")
	}
	for _, r := range d.Removed {
		if r.Offset+r.Length <= offset {
			t.Errorf("chunk at %d..%d, before the edit at %d, was removed", r.Offset, r.Offset+r.Length, offset)
		}
	}
	if len(d.Removed) > 4 {
		t.Errorf("edit removed %d chunks, want a few", len(d.Removed))
	}
	if len(d.Added) > 5 {
		t.Errorf("edit added %d chunks, want a few", len(d.Added))
	}
	if d.Reordered {
		t.Error("edit reordered surviving chunks")
	}

	kept := len(before.Chunks) - len(d.Removed)
	if kept*10 < len(before.Chunks)*8 {
		t.Errorf("only %d of %d chunks survived a small insertion", kept, len(before.Chunks))
	}
}

func TestUniform(t *testing.T) {
	c, err := New(testParams)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 10*testParams.MaxSize+17)
	chunks := split(t, c, data)

	var total int
	for i, ch := range chunks {
		if len(ch.Data) > testParams.MaxSize {
			t.Errorf("chunk %d has size %d, max is %d", i, len(ch.Data), testParams.MaxSize)
		}
		total += len(ch.Data)
	}
	if total != len(data) {
		t.Errorf("got %d bytes, want %d", total, len(data))
	}
}

func TestEmpty(t *testing.T) {
	c, err := New(DefaultParams)
	if err != nil {
		t.Fatal(err)
	}
	m, err := c.Build(context.Background(), "empty", bytes.NewReader(nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Chunks) != 0 || m.Size != 0 {
		t.Errorf("got %d chunks of size %d for empty input", len(m.Chunks), m.Size)
	}
}

type failingReader struct {
	n int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, errors.New("disk on fire")
	}
	if len(p) > r.n {
		p = p[:r.n]
	}
	r.n -= len(p)
	return len(p), nil
}

func TestReadFailure(t *testing.T) {
	c, err := New(testParams)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Split(context.Background(), &failingReader{n: 10000}, func(phoenix.Chunk) error { return nil })
	if !errors.Is(err, phoenix.ErrIO) {
		t.Errorf("got %v, want an I/O error", err)
	}
}

func TestParams(t *testing.T) {
	cases := []struct {
		p  Params
		ok bool
	}{
		{p: DefaultParams, ok: true},
		{p: Params{MinSize: 1024, TargetSize: 3000, MaxSize: 8192}},
		{p: Params{MinSize: 0, TargetSize: 4096, MaxSize: 8192}},
		{p: Params{MinSize: 8192, TargetSize: 4096, MaxSize: 8192}},
		{p: Params{MinSize: 1024, TargetSize: 4096, MaxSize: 2048}},
	}
	for i, c := range cases {
		err := c.p.Validate()
		if (err == nil) != c.ok {
			t.Errorf("case %d: got error %v, want ok=%v", i, err, c.ok)
		}
	}
}

type mapGetter map[phoenix.Hash][]byte

func (m mapGetter) Has(_ context.Context, h phoenix.Hash) (bool, error) {
	_, ok := m[h]
	return ok, nil
}

func (m mapGetter) Get(_ context.Context, h phoenix.Hash) ([]byte, error) {
	if b, ok := m[h]; ok {
		return b, nil
	}
	return nil, phoenix.ErrNotFound
}

func (m mapGetter) ListChunks(context.Context, phoenix.Hash, func(phoenix.Hash) error) error {
	return nil
}

var _ io.Writer = (*Writer)(nil)
