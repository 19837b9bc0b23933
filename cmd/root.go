/*
Copyright © 2024 Dean
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aftermeet/src/infrastructure/log"
)

var rootCmd = &cobra.Command{
	Use:   "aftermeet",
	Short: "Turn recorded meetings into social media posts",
	Long: `aftermeet sends recording bots to calendar meetings, stores their
transcripts, drafts social posts from them and publishes approved drafts.

Run "serve" for the HTTP API, "worker" to process jobs and "scheduler" to
enqueue work on fixed intervals.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := log.New(viper.GetBool("log.development"), viper.GetInt("log.level"))
		if err != nil {
			return err
		}
		log.SetLogger(logger)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	settingDefaultConfig()
}
