// Package pg implements a manifest store in a Postgresql database.
package pg

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq" // register the postgres type for sql.Open
	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/store"
)

var _ phoenix.ManifestStore = &Store{}

// Store is a Postgresql-based manifest store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `manifests` table if it does not exist.
// (If it does exist, it must have the columns and constraints described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS manifests (
  path TEXT PRIMARY KEY NOT NULL,
  revision BIGINT NOT NULL,
  body BYTEA NOT NULL
);
`

// New produces a new Store using db for storage.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, errors.Wrap(err, "creating schema")
}

// Open connects to the database named by the connection string dsn and produces a Store on it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get gets the current manifest for path.
func (s *Store) Get(ctx context.Context, path string) (*phoenix.Manifest, error) {
	const q = `SELECT body FROM manifests WHERE path = $1`

	var body []byte
	err := s.db.QueryRowContext(ctx, q, path).Scan(&body)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, phoenix.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting manifest for %s", path)
	}
	return store.UnmarshalManifest(body)
}

// Put replaces the manifest for m.Path if its current revision is `expected`.
// Concurrent writers are arbitrated by the row update itself,
// so the default isolation level suffices.
func (s *Store) Put(ctx context.Context, m *phoenix.Manifest, expected uint64) (*phoenix.Manifest, error) {
	return store.PutSQL(ctx, s.db, m, expected)
}

// List produces the manifests for all paths after start, in lexicographic order.
func (s *Store) List(ctx context.Context, start string, f func(*phoenix.Manifest) error) error {
	const q = `SELECT body FROM manifests WHERE path > $1 ORDER BY path COLLATE "C"`

	var bodies [][]byte
	err := sqlutil.ForQueryRows(ctx, s.db, q, start, func(body []byte) {
		bodies = append(bodies, body)
	})
	if err != nil {
		return errors.Wrap(err, "listing manifests")
	}
	for _, body := range bodies {
		m, err := store.UnmarshalManifest(body)
		if err != nil {
			return err
		}
		if err = f(m); err != nil {
			return err
		}
	}
	return nil
}
