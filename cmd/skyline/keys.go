package main

import (
	"encoding/json"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/skylinehq/skyline/oauth"
)

var runGenerateJwks = &cli.Command{
	Name:  "generate-jwks",
	Usage: "generate a private ES256 jwk for client registration",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name: "prefix",
		},
		&cli.StringFlag{
			Name:  "out",
			Value: "./jwks.json",
		},
	},
	Action: func(cmd *cli.Context) error {
		var prefix *string
		if cmd.String("prefix") != "" {
			inputPrefix := cmd.String("prefix")
			prefix = &inputPrefix
		}

		key, err := oauth.GenerateKey(prefix)
		if err != nil {
			return err
		}

		b, err := json.Marshal(key)
		if err != nil {
			return err
		}

		return os.WriteFile(cmd.String("out"), b, 0644)
	},
}
