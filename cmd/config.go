package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/zhiwei/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a starter configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "zhiwei.toml",
					},
				},
				Action: func(c *cli.Context) error {
					path := c.String("output")
					if err := config.InitConfig(path); err != nil {
						return err
					}
					fmt.Printf("Wrote %s — fill in the database URL and model keys\n", path)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Check the configuration file",
				Action: func(c *cli.Context) error {
					cfg, err := config.LoadConfig(c.String("config"))
					if err != nil {
						return err
					}
					if err := config.Validate(cfg); err != nil {
						return fmt.Errorf("invalid configuration: %w", err)
					}
					fmt.Printf("Configuration OK (%d model families, port %d)\n",
						len(cfg.Models), cfg.Server.Port)
					return nil
				},
			},
		},
	}
}
