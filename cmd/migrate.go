package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/zhiwei/internal/config"
	"github.com/zhiwei/internal/database"
)

// MigrateCommand applies the database schema.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := database.NewPool(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := database.Migrate(ctx, pool); err != nil {
				return err
			}
			fmt.Println("Schema applied")
			return nil
		},
	}
}
