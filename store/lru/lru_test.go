package lru

import (
	"context"
	"testing"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/store"
	"github.com/cosmicboots/phoenix/store/mem"
	"github.com/cosmicboots/phoenix/testutil"
)

func TestStore(t *testing.T) {
	s, err := New(mem.New(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	testutil.ReadWrite(context.Background(), t, s, testutil.RandomData(1, 1<<20))
}

func TestChunks(t *testing.T) {
	s, err := New(mem.New(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	testutil.Chunks(context.Background(), t, s)
}

func TestEviction(t *testing.T) {
	var (
		ctx    = context.Background()
		nested = mem.New()
	)
	s, err := New(nested, 2)
	if err != nil {
		t.Fatal(err)
	}

	var hashes []phoenix.Hash
	for _, p := range []string{"one", "two", "three"} {
		h := phoenix.Sum([]byte(p))
		if _, err = s.Put(ctx, h, []byte(p)); err != nil {
			t.Fatal(err)
		}
		hashes = append(hashes, h)
	}
	if s.c.Len() != 2 {
		t.Errorf("got %d cached chunks, want 2", s.c.Len())
	}
	if s.c.Contains(hashes[0]) {
		t.Error("oldest chunk still cached")
	}

	got, err := s.Get(ctx, hashes[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "one" {
		t.Errorf("got %q, want %q", got, "one")
	}

	if err = s.Delete(ctx, hashes[0]); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Has(ctx, hashes[0]); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Error("deleted chunk still reported present")
	}
}

func TestRegistry(t *testing.T) {
	s, err := store.Create(context.Background(), "lru", map[string]interface{}{
		"size":   10,
		"nested": map[string]interface{}{"type": "mem"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Store); !ok {
		t.Errorf("got %T, want *Store", s)
	}
}
