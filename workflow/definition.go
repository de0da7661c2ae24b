package workflow

import (
	"fmt"
	"time"
)

// GlobalConfig holds workflow-wide toggles. Steps run sequentially per
// job in this design, so MaxConcurrentSteps is fixed at 1.
type GlobalConfig struct {
	MaxConcurrentSteps int  `json:"max_concurrent_steps"`
	EnableCaching      bool `json:"enable_caching"`
	EnableLogging      bool `json:"enable_logging"`
	EnableMetrics      bool `json:"enable_metrics"`
}

// DefaultGlobalConfig returns the standard workflow toggles.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		MaxConcurrentSteps: 1,
		EnableCaching:      true,
		EnableLogging:      true,
	}
}

// Definition is an ordered sequence of steps plus global toggles. It is
// a stateless template reused across job executions.
type Definition struct {
	Name    string
	Version string
	Global  GlobalConfig

	steps []Step
	index map[string]int
}

// NewDefinition creates a definition from steps in execution order.
// Step names must be unique.
func NewDefinition(name, version string, steps ...Step) (*Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("workflow: definition with empty name")
	}

	d := &Definition{
		Name:    name,
		Version: version,
		Global:  DefaultGlobalConfig(),
		steps:   steps,
		index:   make(map[string]int, len(steps)),
	}
	for i, s := range steps {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := d.index[s.Name]; dup {
			return nil, fmt.Errorf("workflow: duplicate step %q in %q", s.Name, name)
		}
		d.index[s.Name] = i
	}
	return d, nil
}

// MustDefinition is NewDefinition that panics on error. Use for
// definitions assembled from literals at startup.
func MustDefinition(name, version string, steps ...Step) *Definition {
	d, err := NewDefinition(name, version, steps...)
	if err != nil {
		panic(err)
	}
	return d
}

// Steps returns all steps in execution order.
func (d *Definition) Steps() []Step { return d.steps }

// EnabledSteps returns the steps the engine will execute, in order.
func (d *Definition) EnabledSteps() []Step {
	enabled := make([]Step, 0, len(d.steps))
	for _, s := range d.steps {
		if s.Config.Enabled {
			enabled = append(enabled, s)
		}
	}
	return enabled
}

// Step returns the named step.
func (d *Definition) Step(name string) (Step, bool) {
	i, ok := d.index[name]
	if !ok {
		return Step{}, false
	}
	return d.steps[i], true
}

// Config is the externally supplied workflow configuration schema.
// Durations are JSON numbers in seconds. Absent fields leave the
// code-defined defaults untouched.
type Config struct {
	WorkflowName string                  `json:"workflow_name"`
	Version      string                  `json:"version,omitempty"`
	Steps        map[string]StepOverride `json:"steps,omitempty"`
	GlobalConfig *GlobalConfig           `json:"global_config,omitempty"`
}

// StepOverride is the per-step slice of Config.
type StepOverride struct {
	Enabled      *bool          `json:"enabled,omitempty"`
	Timeout      *int           `json:"timeout,omitempty"`
	RetryCount   *int           `json:"retry_count,omitempty"`
	CacheEnabled *bool          `json:"cache_enabled,omitempty"`
	CacheTTL     *int           `json:"cache_ttl,omitempty"`
	Options      map[string]any `json:"step_config,omitempty"`
}

// ApplyConfig overlays an external configuration onto a copy of the
// definition. The original is untouched; configured jobs run on the
// returned copy. A config naming an unknown step or the wrong workflow
// is rejected.
func (d *Definition) ApplyConfig(cfg Config) (*Definition, error) {
	if cfg.WorkflowName != "" && cfg.WorkflowName != d.Name {
		return nil, fmt.Errorf("workflow: config for %q applied to %q", cfg.WorkflowName, d.Name)
	}
	for name := range cfg.Steps {
		if _, ok := d.index[name]; !ok {
			return nil, fmt.Errorf("workflow: config references unknown step %q", name)
		}
	}

	steps := make([]Step, len(d.steps))
	copy(steps, d.steps)
	for i := range steps {
		ov, ok := cfg.Steps[steps[i].Name]
		if !ok {
			continue
		}
		c := &steps[i].Config
		if ov.Enabled != nil {
			c.Enabled = *ov.Enabled
		}
		if ov.Timeout != nil {
			c.Timeout = time.Duration(*ov.Timeout) * time.Second
		}
		if ov.RetryCount != nil {
			c.RetryCount = *ov.RetryCount
		}
		if ov.CacheEnabled != nil {
			c.CacheEnabled = *ov.CacheEnabled
		}
		if ov.CacheTTL != nil {
			c.CacheTTL = time.Duration(*ov.CacheTTL) * time.Second
		}
		if ov.Options != nil {
			c.Options = ov.Options
		}
	}

	out, err := NewDefinition(d.Name, d.Version, steps...)
	if err != nil {
		return nil, err
	}
	if cfg.Version != "" {
		out.Version = cfg.Version
	} else {
		out.Version = d.Version
	}
	if cfg.GlobalConfig != nil {
		out.Global = *cfg.GlobalConfig
		if out.Global.MaxConcurrentSteps == 0 {
			out.Global.MaxConcurrentSteps = 1
		}
	} else {
		out.Global = d.Global
	}
	return out, nil
}
