package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/stashgate/stashgate"
	"github.com/stashgate/stashgate/config"
	"github.com/stashgate/stashgate/database"
	"github.com/stashgate/stashgate/metrics"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge expired cells once and exit",
	Long: `Remove rate-limit windows, download tokens and dedup markers whose
expiry has passed. The server runs this periodically on its own; the command
exists for cron-driven deployments and manual maintenance.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.FromContext(ctx)
	if err != nil {
		return err
	}

	repo, closeRepo, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer closeRepo()

	removed, err := repo.PurgeExpired(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("purge expired: %w", err)
	}

	slog.Info("cleanup complete", "removed", removed)
	return nil
}

// runCleanupLoop purges expired cells on a fixed interval until ctx ends.
func runCleanupLoop(ctx context.Context, repo stashgate.CellRepo, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := repo.PurgeExpired(ctx, time.Now())
			if err != nil {
				slog.Error("cleanup failed", "err", err)
				continue
			}
			m.CellsPurged.Add(float64(removed))
			if removed > 0 {
				slog.Info("purged expired cells", "removed", removed)
			}
		}
	}
}
