package cmd

import (
	"fmt"
	"log"

	"github.com/grcommunity/grcbot/grcbot"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and run migrations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable GRC_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable GRC_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := grcbot.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			nil,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			log.Fatalf("Error getting database connection: %v", err)
		}
		defer func() {
			_ = sqlDB.Close()
		}()

		refs, err := grcbot.NewDatabase(db, nil, false).ListRulesMessageRefs(ctx)
		if err != nil {
			log.Fatalf("Error reading rules message IDs: %v", err)
		}

		out := cmd.OutOrStdout()
		if len(refs) == 0 {
			fmt.Fprintln(out, "No rules message IDs stored yet.")
		}
		for _, ref := range refs {
			fmt.Fprintf(
				out,
				"Stored rules message: channel=%s page=%d message=%s\n",
				ref.ChannelID,
				ref.Page,
				ref.MessageID,
			)
		}
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
