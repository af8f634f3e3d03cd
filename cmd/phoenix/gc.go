package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/cosmicboots/phoenix/gc"
)

var gcCmd = &cli.Command{
	Name:  "gc",
	Usage: "collect unreferenced chunks in the server's store; the server must not be running",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "full",
			Usage: "sweep every chunk no manifest references, ignoring reference counts",
		},
	},
	Action: collect,
}

func collect(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err = conf.Validate(); err != nil {
		return err
	}
	log, err := newLogger("phoenix", conf)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := c.Context

	chunks, err := openChunks(ctx, conf.Server.StoragePath, conf.Storage, false, log)
	if err != nil {
		return err
	}
	defer chunks.Close()

	collector := &gc.Collector{
		Store:  chunks,
		Grace:  conf.Storage.GCGrace,
		Logger: log.Named("gc"),
	}

	var deleted int
	if c.Bool("full") {
		manifests, err := openServerManifests(ctx, conf.Server)
		if err != nil {
			return err
		}
		defer manifests.Close()

		keep := gc.NewSet()
		if err = gc.Mark(ctx, manifests, keep); err != nil {
			return errors.Wrap(err, "marking referenced chunks")
		}
		if deleted, err = collector.Sweep(ctx, keep); err != nil {
			return errors.Wrap(err, "sweeping")
		}
	} else {
		if deleted, err = collector.Run(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.App.Writer, "deleted %d chunks\n", deleted)
	return nil
}
