package main

import (
	"fmt"

	"github.com/fabrica/esb/libs/db"
	"github.com/spf13/cobra"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|status|version]",
		Short: "Run the embedded schema migrations",
		Long: `Commands:
  up           Apply all available migrations
  down         Roll back the last migration
  status       Show migration status
  version      Show current version`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) > 0 {
				action = args[0]
			}
			switch action {
			case "up", "down", "status", "version":
			default:
				return fmt.Errorf("unknown migrate command %q", action)
			}
			url, err := a.databaseURL()
			if err != nil {
				return err
			}
			return db.Migrate(cmd.Context(), url, action)
		},
	}
}
