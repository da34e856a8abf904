package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maestro-flow/maestro/internal/storage"
	"github.com/maestro-flow/maestro/internal/viz"
)

var showMermaid bool

var showCmd = &cobra.Command{
	Use:   "show <workflow-id>",
	Short: "Show a workflow's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dir, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := storage.NewFileStore(cfg.StoreDir(dir))
		if err != nil {
			return err
		}
		wf, err := store.LoadWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if showMermaid {
			fmt.Fprint(cmd.OutOrStdout(), viz.Mermaid(wf))
			return nil
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Workflow: %s (%s)\n", wf.Name, wf.ID)
		fmt.Fprintf(out, "State:    %s\n", wf.State)
		if wf.CurrentStep > 0 {
			fmt.Fprintf(out, "Current:  step %d\n", wf.CurrentStep)
		}
		fmt.Fprintln(out, "Steps:")
		for _, s := range wf.Steps {
			marker := " "
			if s.Number == wf.CurrentStep {
				marker = ">"
			}
			label := s.DisplayName()
			if s.IsRouter() {
				fmt.Fprintf(out, " %s %d. %-24s (router) [%s]\n", marker, s.Number, label, s.Status)
				continue
			}
			fmt.Fprintf(out, " %s %d. %-24s agent=%s [%s]\n", marker, s.Number, label, s.Agent.Name, s.Status)
			if s.Error != "" {
				fmt.Fprintf(out, "      error: %s\n", s.Error)
			}
		}
		return nil
	},
}

func init() {
	showCmd.Flags().BoolVar(&showMermaid, "mermaid", false, "render as a Mermaid flowchart")
	rootCmd.AddCommand(showCmd)
}
