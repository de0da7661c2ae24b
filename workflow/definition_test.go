package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func noopStep(name string) Step {
	return Step{
		Name:   name,
		Config: StepConfig{Enabled: true, Timeout: time.Minute, RetryCount: 1},
		Run:    func(context.Context, *ExecutionContext) (any, error) { return nil, nil },
	}
}

func TestNewDefinition_Validation(t *testing.T) {
	if _, err := NewDefinition("", "1", noopStep("a")); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := NewDefinition("wf", "1", noopStep("a"), noopStep("a")); err == nil {
		t.Fatal("expected error for duplicate step name")
	}
	if _, err := NewDefinition("wf", "1", Step{Name: "a"}); err == nil {
		t.Fatal("expected error for step without body")
	}
	if _, err := NewDefinition("wf", "1", Step{Run: noopStep("x").Run}); err == nil {
		t.Fatal("expected error for unnamed step")
	}
}

func TestEnabledSteps_PreservesOrder(t *testing.T) {
	b := noopStep("b")
	b.Config.Enabled = false
	def := MustDefinition("wf", "1", noopStep("a"), b, noopStep("c"))

	enabled := def.EnabledSteps()
	if len(enabled) != 2 || enabled[0].Name != "a" || enabled[1].Name != "c" {
		t.Fatalf("unexpected enabled steps %v", enabled)
	}
}

func TestApplyConfig_Overlay(t *testing.T) {
	def := MustDefinition("ingest", "1", noopStep("parse"), noopStep("index"))

	raw := `{
		"workflow_name": "ingest",
		"version": "2",
		"steps": {
			"parse": {"enabled": false},
			"index": {"timeout": 120, "retry_count": 5, "cache_enabled": true, "cache_ttl": 3600}
		},
		"global_config": {"enable_caching": true, "enable_logging": false}
	}`

	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	applied, err := def.ApplyConfig(cfg)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if applied.Version != "2" {
		t.Fatalf("expected version 2, got %q", applied.Version)
	}

	parse, _ := applied.Step("parse")
	if parse.Config.Enabled {
		t.Fatal("parse should be disabled by overlay")
	}

	index, _ := applied.Step("index")
	if index.Config.Timeout != 2*time.Minute {
		t.Fatalf("expected 2m timeout, got %v", index.Config.Timeout)
	}
	if index.Config.RetryCount != 5 {
		t.Fatalf("expected retry count 5, got %d", index.Config.RetryCount)
	}
	if !index.Config.CacheEnabled || index.Config.CacheTTL != time.Hour {
		t.Fatalf("unexpected cache config %+v", index.Config)
	}

	if applied.Global.EnableLogging {
		t.Fatal("logging should be disabled by overlay")
	}
	if applied.Global.MaxConcurrentSteps != 1 {
		t.Fatalf("max concurrent steps must normalize to 1, got %d", applied.Global.MaxConcurrentSteps)
	}

	// Original untouched.
	origParse, _ := def.Step("parse")
	if !origParse.Config.Enabled {
		t.Fatal("overlay must not mutate the original definition")
	}
}

func TestApplyConfig_Rejections(t *testing.T) {
	def := MustDefinition("ingest", "1", noopStep("parse"))

	if _, err := def.ApplyConfig(Config{WorkflowName: "other"}); err == nil {
		t.Fatal("expected error for wrong workflow name")
	}
	if _, err := def.ApplyConfig(Config{Steps: map[string]StepOverride{"ghost": {}}}); err == nil {
		t.Fatal("expected error for unknown step")
	}
}
