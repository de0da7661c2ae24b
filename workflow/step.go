package workflow

import (
	"context"
	"fmt"
	"time"
)

// StepConfig is the per-step execution budget and cache policy.
type StepConfig struct {
	// Enabled controls whether the engine executes the step. Disabled
	// steps are skipped and do not count toward progress.
	Enabled bool `json:"enabled"`

	// Timeout bounds a single attempt. Zero means no per-step deadline.
	Timeout time.Duration `json:"timeout"`

	// RetryCount is the number of retries after the first failed
	// attempt.
	RetryCount int `json:"retry_count"`

	// CacheEnabled allows the step's output to be checkpointed and
	// reused on resume.
	CacheEnabled bool `json:"cache_enabled"`

	// CacheTTL bounds how long a checkpoint stays loadable. Zero means
	// the store's default.
	CacheTTL time.Duration `json:"cache_ttl"`

	// Options carries step-specific settings, opaque to the engine.
	Options map[string]any `json:"step_config,omitempty"`
}

// StepFunc is a step body. It reads prior outputs from the execution
// context and returns this step's output, which must be JSON-
// marshalable so it can be checkpointed.
type StepFunc func(ctx context.Context, ec *ExecutionContext) (any, error)

// Step is a named, independently configurable unit inside a workflow.
// Steps are stateless templates owned by their Definition and reused
// across job executions.
type Step struct {
	Name   string
	Config StepConfig
	Run    StepFunc
}

// validate checks the step is runnable.
func (s Step) validate() error {
	if s.Name == "" {
		return fmt.Errorf("workflow: step with empty name")
	}
	if s.Run == nil {
		return fmt.Errorf("workflow: step %q has no body", s.Name)
	}
	if s.Config.RetryCount < 0 {
		return fmt.Errorf("workflow: step %q has negative retry count", s.Name)
	}
	return nil
}
