package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/maestro-flow/maestro/internal/storage"
)

var auditSince string

var auditCmd = &cobra.Command{
	Use:   "audit <workflow-id>",
	Short: "Print a workflow's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dir, err := loadConfig()
		if err != nil {
			return err
		}

		var since *time.Time
		if auditSince != "" {
			t, err := time.Parse(time.RFC3339, auditSince)
			if err != nil {
				return fmt.Errorf("parsing --since: %w", err)
			}
			since = &t
		}

		store, err := storage.NewFileStore(cfg.StoreDir(dir))
		if err != nil {
			return err
		}
		events, err := store.AuditLog(cmd.Context(), args[0], since)
		if err != nil {
			return err
		}

		for _, ev := range events {
			line := fmt.Sprintf("%s  %-20s", ev.Timestamp.Format(time.RFC3339), ev.Type)
			if step, ok := ev.Data["step"].(string); ok {
				line += "  " + step
			}
			if ev.UserID != "" {
				line += "  by " + ev.UserID
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditSince, "since", "", "only events at or after this RFC3339 timestamp")
	rootCmd.AddCommand(auditCmd)
}
