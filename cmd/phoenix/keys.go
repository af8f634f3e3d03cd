package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/cosmicboots/phoenix/session"
)

var genKeyCmd = &cli.Command{
	Name:  "gen-key",
	Usage: "generate a keypair for a server or client",
	Action: func(c *cli.Context) error {
		kp, err := session.GenerateKeypair()
		if err != nil {
			return err
		}
		w := c.App.Writer
		fmt.Fprintf(w, "private_key: %s\n", kp.Private)
		fmt.Fprintf(w, "# public key, for the other side's allowed_keys or server_key:\n")
		fmt.Fprintf(w, "# %s\n", kp.Public)
		return nil
	},
}
