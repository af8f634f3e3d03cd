package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/cosmicboots/phoenix"
)

var dumpConfigCmd = &cli.Command{
	Name:  "dump-config",
	Usage: "print the effective configuration as YAML",
	Action: func(c *cli.Context) error {
		conf, err := loadConfig(c)
		if err != nil {
			return err
		}
		data, err := conf.Marshal()
		if err != nil {
			return err
		}
		_, err = c.App.Writer.Write(data)
		return err
	},
}

var dumpDBCmd = &cli.Command{
	Name:  "dump-db",
	Usage: "list the manifests in the server's store, or with -client the client's last-synced revisions",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "client",
			Usage: "read the client's store instead of the server's",
		},
		&cli.BoolFlag{
			Name:  "chunks",
			Usage: "list each manifest's chunks too",
		},
	},
	Action: dumpDB,
}

func dumpDB(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err = conf.Validate(); err != nil {
		return err
	}

	ctx := c.Context

	var ms manifestStore
	if c.Bool("client") {
		ms, err = openClientManifests(ctx, conf.Client)
	} else {
		ms, err = openServerManifests(ctx, conf.Server)
	}
	if err != nil {
		return err
	}
	defer ms.Close()

	var (
		w       = c.App.Writer
		path    = color.New(color.Bold)
		deleted = color.New(color.FgRed)
		faint   = color.New(color.Faint)
		n       int
	)
	err = ms.List(ctx, "", func(m *phoenix.Manifest) error {
		n++
		if m.Deleted {
			fmt.Fprintf(w, "%s %s\n", path.Sprint(m.Path), deleted.Sprintf("rev %d deleted", m.Revision))
			return nil
		}
		fmt.Fprintf(w, "%s rev %d, %d bytes in %d chunks, mode %s, modified %s\n",
			path.Sprint(m.Path), m.Revision, m.Size, len(m.Chunks), m.Mode, m.MTime.Format("2006-01-02 15:04:05"))
		if c.Bool("chunks") {
			for _, ref := range m.Chunks {
				fmt.Fprintf(w, "  %s\n", faint.Sprintf("%s @%d +%d", ref.Hash, ref.Offset, ref.Length))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d manifests\n", n)
	return nil
}
