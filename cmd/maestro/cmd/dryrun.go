package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maestro-flow/maestro/internal/definition"
)

var dryRunTier string

var dryRunCmd = &cobra.Command{
	Use:   "dry-run <definition.yaml>",
	Short: "Predict a definition's execution flow without running it",
	Long: `Dry-run validates the definition and prints the predicted flow. Steps
whose conditions reference runtime values are assumed to run; router
steps select dynamically and are omitted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, dir, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading definition: %w", err)
		}

		loadErrs, flow, err := definition.Simulate(data, definition.Options{
			Tier:          dryRunTier,
			WorkspaceRoot: dir,
		})
		if err != nil {
			return err
		}
		if len(loadErrs) > 0 {
			for _, e := range loadErrs {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
			}
			return fmt.Errorf("%d validation error(s)", len(loadErrs))
		}

		fmt.Fprint(cmd.OutOrStdout(), definition.RenderFlow(flow))
		return nil
	},
}

func init() {
	dryRunCmd.Flags().StringVar(&dryRunTier, "tier", "", "workflow tier to select from the definition")
	rootCmd.AddCommand(dryRunCmd)
}
