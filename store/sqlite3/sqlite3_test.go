package sqlite3

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cosmicboots/phoenix/testutil"
)

func TestManifests(t *testing.T) {
	ctx := context.Background()
	err := withTestStore(ctx, func(s *Store) error {
		testutil.Manifests(ctx, t, s)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	err := withTestStore(ctx, func(s *Store) error {
		testutil.ConcurrentCommits(ctx, t, s)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReopen(t *testing.T) {
	var (
		ctx      = context.Background()
		filename = filepath.Join(t.TempDir(), "manifests.db")
		m        = testutil.Manifest("kept", 1, "across", "restarts")
	)

	s, err := Open(ctx, filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = s.Put(ctx, m, 0); err != nil {
		t.Fatal(err)
	}
	if err = s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(ctx, filename)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.Get(ctx, "kept")
	if err != nil {
		t.Fatal(err)
	}
	if got.Digest() != m.Digest() || got.Revision != 1 {
		t.Errorf("got revision %d digest %s, want revision 1 digest %s", got.Revision, got.Digest(), m.Digest())
	}
}

func withTestStore(ctx context.Context, fn func(*Store) error) error {
	f, err := os.CreateTemp("", "phoenixsqlite3test")
	if err != nil {
		return err
	}

	tmpfile := f.Name()
	f.Close()
	defer os.Remove(tmpfile)

	s, err := Open(ctx, tmpfile)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(s)
}
