package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/chunker"
	"github.com/cosmicboots/phoenix/client"
	"github.com/cosmicboots/phoenix/gc"
	"github.com/cosmicboots/phoenix/protocol"
	"github.com/cosmicboots/phoenix/reconcile"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "sync a local directory with the server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "root",
			Usage: "directory to sync, overriding client.root",
		},
	},
	Action: run,
}

func run(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if root := c.String("root"); root != "" {
		conf.Client.Root = root
	}
	if err = conf.ValidateClient(); err != nil {
		return errors.Wrap(err, "validating config")
	}

	log, err := newLogger("phoenix", conf)
	if err != nil {
		return err
	}
	defer log.Sync()

	keypair, err := conf.Client.Keypair()
	if err != nil {
		return errors.Wrap(err, "client.private_key")
	}
	serverKey, err := conf.Client.ServerPublicKey()
	if err != nil {
		return errors.Wrap(err, "client.server_key")
	}
	chk, err := chunker.New(conf.Sync.Chunker)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(conf.Client.Root, 0755); err != nil {
		return &phoenix.IOError{Op: "creating", Path: conf.Client.Root, Err: err}
	}

	ctx := c.Context

	chunks, err := openChunks(ctx, conf.Client.StoragePath, conf.Storage, true, log)
	if err != nil {
		return err
	}
	defer chunks.Close()

	synced, err := openClientManifests(ctx, conf.Client)
	if err != nil {
		return err
	}
	defer synced.Close()

	var (
		pins   = gc.NewPins()
		status = protocol.NewStatus(nil)
	)
	r, err := reconcile.New(reconcile.Config{
		Root:      conf.Client.Root,
		Device:    conf.Client.DeviceName(),
		Chunker:   chk,
		Chunks:    chunks,
		Manifests: synced,
		Pins:      pins,
		Params:    conf.Sync.Protocol,
		Status:    status,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	w, err := reconcile.Watch(r.Root(), log.Named("watch"))
	if err != nil {
		return err
	}

	cl := client.New(client.Config{
		Addr:       conf.Client.ServerAddress,
		Keypair:    keypair,
		ServerKey:  serverKey,
		Session:    conf.Sync.Session(),
		Reconciler: r,
		Chunks:     chunks,
		Pins:       pins,
		Params:     conf.Sync.Protocol,
		Status:     status,
		Logger:     log,
	})

	log.Infow("syncing", "root", r.Root(), "server", conf.Client.ServerAddress, "key", keypair.Public)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return cl.Run(ctx, w.Events())
	})
	if conf.Storage.GCInterval > 0 {
		collector := &gc.Collector{
			Store:  chunks,
			Pins:   pins,
			Grace:  conf.Storage.GCGrace,
			Logger: log.Named("gc"),
		}
		g.Go(func() error {
			err := collector.Loop(ctx, conf.Storage.GCInterval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	err = g.Wait()

	if paths := status.OutOfSyncPaths(); len(paths) > 0 {
		log.Warnw("paths out of sync", "paths", paths)
	}
	return err
}
