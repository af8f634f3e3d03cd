package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cosmicboots/phoenix"
)

// Manifest produces a valid manifest for path whose chunks are the given payloads.
func Manifest(path string, rev uint64, payloads ...string) *phoenix.Manifest {
	m := &phoenix.Manifest{
		Path:     path,
		Revision: rev,
		Mode:     0644,
		MTime:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, p := range payloads {
		m.Chunks = append(m.Chunks, phoenix.ChunkRef{Hash: phoenix.Sum([]byte(p)), Offset: m.Size, Length: int64(len(p))})
		m.Size += int64(len(p))
	}
	return m
}

// Manifests exercises the ManifestStore contract on an empty store.
func Manifests(ctx context.Context, t *testing.T, store phoenix.ManifestStore) {
	if _, err := store.Get(ctx, "notes.txt"); !errors.Is(err, phoenix.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	m1 := Manifest("notes.txt", 1, "alpha", "beta")
	prior, err := store.Put(ctx, m1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if prior != nil {
		t.Errorf("got prior revision %d for a new path", prior.Revision)
	}

	_, err = store.Put(ctx, Manifest("notes.txt", 1, "gamma"), 0)
	if !errors.Is(err, phoenix.ErrConflict) {
		t.Errorf("got %v, want ErrConflict for a second first revision", err)
	}

	m2 := Manifest("notes.txt", 2, "alpha", "gamma", "beta")
	prior, err = store.Put(ctx, m2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if prior == nil || prior.Revision != 1 {
		t.Errorf("got prior %v, want revision 1", prior)
	}

	_, err = store.Put(ctx, Manifest("notes.txt", 2, "delta"), 1)
	var cerr *phoenix.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want ConflictError for stale expected revision", err)
	}
	if cerr.Current != 2 {
		t.Errorf("got current revision %d, want 2", cerr.Current)
	}

	got, err := store.Get(ctx, "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m2, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	tomb := &phoenix.Manifest{Path: "notes.txt", Revision: 3, Deleted: true, MTime: m2.MTime}
	if _, err = store.Put(ctx, tomb, 2); err != nil {
		t.Fatal(err)
	}
	got, err = store.Get(ctx, "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted || got.Revision != 3 {
		t.Errorf("got %+v, want tombstone at revision 3", got)
	}

	for _, p := range []string{"b/two", "a/one", "c"} {
		if _, err = store.Put(ctx, Manifest(p, 1, p), 0); err != nil {
			t.Fatal(err)
		}
	}
	var paths []string
	err = store.List(ctx, "", func(m *phoenix.Manifest) error {
		paths = append(paths, m.Path)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a/one", "b/two", "c", "notes.txt"}, paths); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	paths = nil
	err = store.List(ctx, "b/two", func(m *phoenix.Manifest) error {
		paths = append(paths, m.Path)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"c", "notes.txt"}, paths); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

// ConcurrentCommits races several writers proposing the same next revision of one path
// and checks that exactly one of them wins.
func ConcurrentCommits(ctx context.Context, t *testing.T, store phoenix.ManifestStore) {
	if _, err := store.Put(ctx, Manifest("race", 1, "base"), 0); err != nil {
		t.Fatal(err)
	}

	const writers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
		others    []error
	)
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Put(ctx, Manifest("race", 2, fmt.Sprintf("writer %d", i)), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, phoenix.ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	for _, err := range others {
		t.Error(err)
	}
	if wins != 1 || conflicts != writers-1 {
		t.Errorf("got %d wins and %d conflicts, want 1 and %d", wins, conflicts, writers-1)
	}
}
