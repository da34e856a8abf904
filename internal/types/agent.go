package types

import "fmt"

// Agent is the logical capability bound to a step. Its Name is the stable
// identifier used to match completion signals to RUNNING steps. Agents are
// immutable after workflow creation.
type Agent struct {
	Name           string `yaml:"name"`
	DisplayName    string `yaml:"display_name,omitempty"`
	Description    string `yaml:"description,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	MaxRetries     int    `yaml:"max_retries,omitempty"`
	Provider       string `yaml:"provider,omitempty"` // provider-preference hint, opaque to the core
}

// Validate checks the agent is well-formed.
func (a *Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if a.TimeoutSeconds < 0 {
		return fmt.Errorf("agent %s: timeout_seconds must be >= 0", a.Name)
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("agent %s: max_retries must be >= 0", a.Name)
	}
	return nil
}
