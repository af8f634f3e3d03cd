package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/config"
	"github.com/cosmicboots/phoenix/store"
	_ "github.com/cosmicboots/phoenix/store/file"
	"github.com/cosmicboots/phoenix/store/logging"
	"github.com/cosmicboots/phoenix/store/lru"
	"github.com/cosmicboots/phoenix/store/pg"
	"github.com/cosmicboots/phoenix/store/replica"
	"github.com/cosmicboots/phoenix/store/sqlite3"
)

type chunkStore interface {
	phoenix.ChunkStore
	io.Closer
}

type manifestStore interface {
	phoenix.ManifestStore
	io.Closer
}

// openChunks opens the file chunk store beneath dir,
// mirrored onto any configured backups,
// behind a read cache if one is configured
// and a logging layer when debug logging is on.
// With backfill set, chunks missing from the backups are copied in the background.
func openChunks(ctx context.Context, dir string, conf config.Storage, backfill bool, log *zap.SugaredLogger) (chunkStore, error) {
	fileStore := func(root string) map[string]interface{} {
		return map[string]interface{}{
			"type":        "file",
			"root":        root,
			"compression": conf.Compression,
		}
	}

	desc := fileStore(filepath.Join(dir, "chunks"))
	if len(conf.Backups) > 0 {
		backups := make([]interface{}, 0, len(conf.Backups))
		for _, b := range conf.Backups {
			backups = append(backups, fileStore(b))
		}
		desc = map[string]interface{}{
			"type":     "replica",
			"primary":  desc,
			"backups":  backups,
			"queuelen": 64,
		}
	}

	typ := desc["type"].(string)
	s, err := store.Create(ctx, typ, desc)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s chunk store", typ)
	}
	cs := s.(chunkStore)

	if r, ok := cs.(*replica.Store); ok && backfill {
		go func() {
			n, err := r.Backfill(ctx)
			if err != nil && ctx.Err() == nil {
				log.Errorw("backfilling chunk backups", "error", err)
				return
			}
			log.Infow("backfilled chunk backups", "copied", n)
		}()
	}

	if conf.CacheSize > 0 {
		if cs, err = lru.New(cs, conf.CacheSize); err != nil {
			return nil, errors.Wrap(err, "creating chunk cache")
		}
	}
	if log.Desugar().Core().Enabled(zap.DebugLevel) {
		cs = logging.New(cs, log.Named("chunks"))
	}
	return cs, nil
}

// openServerManifests opens the server's manifest store.
func openServerManifests(ctx context.Context, conf config.Server) (manifestStore, error) {
	if conf.DB == "postgres" {
		s, err := pg.Open(ctx, conf.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "opening postgres manifest store")
		}
		return s, nil
	}
	return openSqlite(ctx, conf.StoragePath, "manifests.db")
}

// openClientManifests opens the client's record of last-synced revisions.
func openClientManifests(ctx context.Context, conf config.Client) (manifestStore, error) {
	return openSqlite(ctx, conf.StoragePath, "synced.db")
}

func openSqlite(ctx context.Context, dir, name string) (manifestStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &phoenix.IOError{Op: "creating", Path: dir, Err: err}
	}
	s, err := sqlite3.Open(ctx, filepath.Join(dir, name))
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite manifest store")
	}
	return s, nil
}
