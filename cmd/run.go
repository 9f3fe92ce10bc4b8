package cmd

import (
	"log"

	"github.com/grcommunity/grcbot/grcbot"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Connects the bot to discord, and serves the admin API if enabled",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			if err := cfg.Validate(); err != nil {
				log.Fatalf("invalid configuration: %s", err.Error())
			}

			bot, err := grcbot.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
