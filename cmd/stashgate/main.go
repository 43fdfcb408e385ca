package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/stashgate/stashgate/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Version: version,
	Use:     "stashgate",
	Short:   "Access broker for S3-compatible object storage",
	Long: `Stashgate brokers access to an S3-compatible object store. It plans
direct-to-store uploads with presigned URLs and gates downloads behind
rate limits and single-use tokens.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" {
			// init writes the config file; loading one would defeat it.
			return nil
		}

		var files []string
		if cf, _ := cmd.Flags().GetString("config"); cf != "" {
			files = append(files, cf)
		}

		cfg, err := config.Load(files, cmd.Flags())
		if err != nil {
			return err
		}

		setupLogging(cfg.Log)
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("db-type", "", "cell store backend: memory, sqlite, postgres (env: STASHGATE_DATABASE_TYPE)")
	rootCmd.PersistentFlags().String("db-dsn", "", "database connection string (env: STASHGATE_DATABASE_DSN)")
	rootCmd.PersistentFlags().String("bucket", "", "object store bucket (env: STASHGATE_DOWNLOAD_BUCKET)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
