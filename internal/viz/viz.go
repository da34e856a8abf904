// Package viz renders workflows as Mermaid flowcharts for issue
// comments and terminal output.
package viz

import (
	"fmt"
	"strings"

	"github.com/maestro-flow/maestro/internal/types"
)

// Mermaid renders the workflow graph as a Mermaid flowchart. Each step
// becomes a node labeled with its number, name, and status; edges follow
// declaration order, on_success targets, and router routes.
func Mermaid(wf *types.Workflow) string {
	var sb strings.Builder
	sb.WriteString("flowchart TD\n")

	for _, s := range wf.Steps {
		sb.WriteString(fmt.Sprintf("    %s[\"%d. %s [%s]\"]\n",
			nodeID(s), s.Number, escape(s.DisplayName()), strings.ToUpper(string(s.Status))))
	}
	sb.WriteByte('\n')

	for _, s := range wf.Steps {
		if s.IsRouter() {
			for _, r := range s.Routes {
				target, ok := wf.StepByID(r.Goto)
				if !ok {
					continue
				}
				label := r.When
				if r.Default {
					label = "default"
				}
				if label == "" {
					sb.WriteString(fmt.Sprintf("    %s --> %s\n", nodeID(s), nodeID(target)))
					continue
				}
				sb.WriteString(fmt.Sprintf("    %s -->|%s| %s\n", nodeID(s), escape(label), nodeID(target)))
			}
			continue
		}
		if s.OnSuccess != "" {
			if target, ok := wf.StepByID(s.OnSuccess); ok {
				sb.WriteString(fmt.Sprintf("    %s --> %s\n", nodeID(s), nodeID(target)))
			}
			continue
		}
		if s.FinalStep {
			continue
		}
		if next, ok := wf.StepByNumber(s.Number + 1); ok {
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", nodeID(s), nodeID(next)))
		}
	}
	sb.WriteByte('\n')

	sb.WriteString("    classDef pending fill:#e0e0e0,stroke:#9e9e9e\n")
	sb.WriteString("    classDef running fill:#fff9c4,stroke:#fbc02d\n")
	sb.WriteString("    classDef completed fill:#c8e6c9,stroke:#388e3c\n")
	sb.WriteString("    classDef failed fill:#ffcdd2,stroke:#d32f2f\n")
	sb.WriteString("    classDef skipped fill:#f5f5f5,stroke:#bdbdbd,stroke-dasharray: 5 5\n")

	for _, s := range wf.Steps {
		sb.WriteString(fmt.Sprintf("    class %s %s\n", nodeID(s), string(s.Status)))
	}
	return sb.String()
}

func nodeID(s *types.Step) string {
	return fmt.Sprintf("S%d", s.Number)
}

// escape strips characters that break Mermaid node labels.
func escape(s string) string {
	r := strings.NewReplacer("\"", "'", "[", "(", "]", ")", "|", "/", "\n", " ")
	return r.Replace(s)
}
