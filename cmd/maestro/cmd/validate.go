package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maestro-flow/maestro/internal/definition"
)

var (
	validateTier   string
	validateStrict bool
)

var validateCmd = &cobra.Command{
	Use:   "validate <definition.yaml>",
	Short: "Validate a workflow definition",
	Long: `Validate checks a workflow definition for structural errors: missing
agent types, malformed conditions and routes, unknown step references,
and invalid orchestration settings.

Warnings (unknown keys, parallel hints) are reported but do not fail
validation unless --strict is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, dir, err := loadConfig()
		if err != nil {
			return err
		}

		_, result, err := definition.LoadFile(args[0], definition.Options{
			Tier:          validateTier,
			Strict:        validateStrict,
			WorkspaceRoot: dir,
		})
		if err != nil {
			return err
		}

		for _, w := range result.Warnings {
			fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
		}
		if result.HasErrors() {
			for _, e := range result.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
			}
			return fmt.Errorf("%d validation error(s)", len(result.Errors))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", args[0])
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateTier, "tier", "", "workflow tier to select from the definition")
	validateCmd.Flags().BoolVar(&validateStrict, "strict", false, "treat warnings as errors")
	rootCmd.AddCommand(validateCmd)
}
