package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cosmicboots/phoenix/gc"
	"github.com/cosmicboots/phoenix/server"
	"github.com/cosmicboots/phoenix/session"
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "listen address, overriding server.address",
		},
	},
	Action: serve,
}

func serve(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		conf.Server.Address = addr
	}
	if err = conf.ValidateServer(); err != nil {
		return errors.Wrap(err, "validating config")
	}

	log, err := newLogger("phoenix", conf)
	if err != nil {
		return err
	}
	defer log.Sync()

	keypair, err := conf.Server.Keypair()
	if err != nil {
		return errors.Wrap(err, "server.private_key")
	}
	allowed, err := conf.Server.Allowed()
	if err != nil {
		return errors.Wrap(err, "server.allowed_keys")
	}

	ctx := c.Context

	chunks, err := openChunks(ctx, conf.Server.StoragePath, conf.Storage, true, log)
	if err != nil {
		return err
	}
	defer chunks.Close()

	manifests, err := openServerManifests(ctx, conf.Server)
	if err != nil {
		return err
	}
	defer manifests.Close()

	pins := gc.NewPins()
	srv := server.New(server.Config{
		Chunks:    chunks,
		Manifests: manifests,
		Pins:      pins,
		Params:    conf.Sync.Protocol,
		Logger:    log,
	})

	ln, err := session.Listen(conf.Server.Address, keypair, allowed, conf.Sync.Session(), log)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", conf.Server.Address)
	}
	defer ln.Close()

	log.Infow("serving", "addr", ln.Addr(), "key", keypair.Public, "clients", len(allowed))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, ln)
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
	return g.Wait()
}
