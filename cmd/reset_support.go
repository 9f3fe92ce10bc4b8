package cmd

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/grcommunity/grcbot/grcbot"
	"github.com/spf13/cobra"
)

var resetSupportCmd = &cobra.Command{
	Use:   "reset-support",
	Short: "Clear the support channel and post the daily message, then exit",
	Long: "Runs a single support channel reset over the REST API, without " +
		"connecting to the gateway. The result is printed as JSON.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid configuration: %s", err.Error())
		}

		bot, err := grcbot.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}

		result, err := bot.ResetSupportOnce(ctx)
		if err != nil {
			log.Fatalf("support reset failed: %s", err.Error())
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			log.Fatalf("error encoding result: %s", err.Error())
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	},
}

func init() {
	rootCmd.AddCommand(resetSupportCmd)
}
