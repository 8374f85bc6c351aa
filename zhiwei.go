package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/zhiwei/cmd"
	"github.com/zhiwei/internal/logging"
)

const (
	version = "0.1.0"
)

func main() {
	logging.Setup()

	app := &cli.App{
		Name:    "zhiwei",
		Usage:   "Branching multi-turn AI chat backend",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
		},
		Commands: []*cli.Command{
			cmd.APICommand(),
			cmd.ConfigCommand(),
			cmd.MigrateCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
