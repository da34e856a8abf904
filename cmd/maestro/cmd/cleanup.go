package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maestro-flow/maestro/internal/storage"
)

var cleanupOlderThan int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old completed workflows",
	Long: `Cleanup removes terminal workflows (completed, failed, or cancelled)
whose completion is older than the retention window, along with their
audit logs, agent metadata, and issue mappings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dir, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := storage.NewFileStore(cfg.StoreDir(dir))
		if err != nil {
			return err
		}
		removed, err := store.CleanupOldWorkflows(cmd.Context(), cleanupOlderThan)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d workflow(s)\n", removed)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupOlderThan, "older-than", 30, "retention window in days")
	rootCmd.AddCommand(cleanupCmd)
}
