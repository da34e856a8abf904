package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestrationDefaultsValid(t *testing.T) {
	cfg := DefaultOrchestration()
	require.NoError(t, cfg.Validate())
}

func TestOrchestrationValidate(t *testing.T) {
	for name, mutate := range map[string]func(*OrchestrationConfig){
		"zero polling_interval":        func(c *OrchestrationConfig) { c.PollIntervalSeconds = 0 },
		"zero dedupe_cache_size":       func(c *OrchestrationConfig) { c.DedupeCacheSize = 0 },
		"zero default_agent_timeout":   func(c *OrchestrationConfig) { c.DefaultAgentTimeoutSeconds = 0 },
		"zero liveness_miss_threshold": func(c *OrchestrationConfig) { c.LivenessMissThreshold = 0 },
		"negative max_retries":         func(c *OrchestrationConfig) { c.MaxRetriesPerStep = -1 },
		"negative initial_delay":       func(c *OrchestrationConfig) { c.InitialDelaySeconds = -1 },
		"unknown timeout_action":       func(c *OrchestrationConfig) { c.TimeoutAction = "explode" },
		"unknown backoff":              func(c *OrchestrationConfig) { c.Backoff = "random" },
		"unknown stale_step_action":    func(c *OrchestrationConfig) { c.StaleRunningStepAction = "shrug" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultOrchestration()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// Zero is a meaningful retry budget and delay.
	cfg := DefaultOrchestration()
	cfg.MaxRetriesPerStep = 0
	cfg.InitialDelaySeconds = 0
	assert.NoError(t, cfg.Validate())
}
