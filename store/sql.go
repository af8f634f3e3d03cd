package store

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
)

// PutSQL implements ManifestStore.Put for SQL backends
// holding a `manifests (path, revision, body)` table.
//
// The swap is a conditional INSERT (expected 0) or UPDATE (expected > 0)
// keyed on the expected revision,
// so of two concurrent writers proposing on the same revision exactly one changes a row.
func PutSQL(ctx context.Context, db *sql.DB, m *phoenix.Manifest, expected uint64) (*phoenix.Manifest, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	body, err := MarshalManifest(m)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	prior, err := getTx(ctx, tx, m.Path)
	if err != nil {
		return nil, err
	}
	var current uint64
	if prior != nil {
		current = prior.Revision
	}
	if err = phoenix.CheckRevision(m, current, expected); err != nil {
		return nil, err
	}

	var res sql.Result
	if expected == 0 {
		const q = `INSERT INTO manifests (path, revision, body) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
		res, err = tx.ExecContext(ctx, q, m.Path, int64(m.Revision), body)
	} else {
		const q = `UPDATE manifests SET revision = $1, body = $2 WHERE path = $3 AND revision = $4`
		res, err = tx.ExecContext(ctx, q, int64(m.Revision), body, m.Path, int64(expected))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "writing manifest for %s", m.Path)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "counting affected rows")
	}
	if aff != 1 {
		// Lost a race after the read above.
		latest, err := getTx(ctx, tx, m.Path)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			current = latest.Revision
		}
		return nil, &phoenix.ConflictError{Path: m.Path, Expected: expected, Current: current, Proposed: m.Revision}
	}

	if err = tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing transaction")
	}
	return prior, nil
}

func getTx(ctx context.Context, tx *sql.Tx, path string) (*phoenix.Manifest, error) {
	const q = `SELECT body FROM manifests WHERE path = $1`

	var body []byte
	err := tx.QueryRowContext(ctx, q, path).Scan(&body)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting manifest for %s", path)
	}
	return UnmarshalManifest(body)
}
