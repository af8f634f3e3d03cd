// Command phoenix synchronizes a directory tree between machines through a central server.
//
// Usage:
//
//	phoenix [-config FILE] serve
//	phoenix [-config FILE] run [-root DIR]
//	phoenix gen-key
//	phoenix [-config FILE] dump-config
//	phoenix [-config FILE] dump-db [-client]
//	phoenix [-config FILE] gc [-full]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/cosmicboots/phoenix/config"
	"github.com/cosmicboots/phoenix/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "phoenix: %s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "phoenix",
		Usage: "keep a directory in sync through a phoenix server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file (default: search the usual places)",
				EnvVars: []string{"PHOENIX_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			runCmd,
			genKeyCmd,
			dumpConfigCmd,
			dumpDBCmd,
			gcCmd,
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.String("config"))
}

func newLogger(name string, conf *config.Config) (*zap.SugaredLogger, error) {
	return logger.New(name, conf.Log)
}
