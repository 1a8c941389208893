package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/config"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/store"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the memory database schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-path",
				Sources: cli.EnvVars("NEODESKPET_DB_PATH"),
				Usage:   "SQLite database file path",
				Value:   "memory.db",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.FromEnv()
			cfg.DBPath = cmd.String("db-path")
			cfg.MigrateAtStart = false

			st, err := store.Open(&cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			log.Info("Running migrations...", "db", cfg.DBPath)
			if err := st.Migrate(); err != nil {
				return err
			}
			log.Info("Migration completed")
			return nil
		},
	}
}
