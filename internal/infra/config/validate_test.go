package config

import (
	"strings"
	"testing"
	"time"
)

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.MaxIterations = 0
	cfg.Retry.MaxAttempts = 0
	cfg.Logger.Level = "loud"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(ve.Errors), ve.Errors)
	}
	assertContains(t, err.Error(), "agent.max_iterations must be > 0")
	assertContains(t, err.Error(), "retry.max_attempts must be > 0")
	assertContains(t, err.Error(), `logger.level "loud" is invalid`)
}

func TestValidateLLM(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Provider.Type = "openai"
	assertContains(t, Validate(cfg).Error(), `llm.provider.type "openai" is invalid`)

	cfg = Defaults()
	cfg.LLM.Provider.Type = "bedrock"
	assertContains(t, Validate(cfg).Error(), "region is required for bedrock")

	cfg.LLM.Provider.Region = "us-east-1"
	if err := Validate(cfg); err != nil {
		t.Errorf("bedrock with region should pass: %v", err)
	}
}

func TestValidateCredentials(t *testing.T) {
	cfg := Defaults()
	if err := ValidateCredentials(cfg); err == nil {
		t.Error("expected missing api key error")
	}
	cfg.LLM.Provider.APIKey = "sk"
	if err := ValidateCredentials(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	cfg = Defaults()
	cfg.LLM.Provider.Type = "bedrock"
	if err := ValidateCredentials(cfg); err != nil {
		t.Errorf("bedrock uses the AWS credential chain: %v", err)
	}
}

func TestValidateRouter(t *testing.T) {
	cfg := Defaults()
	cfg.Router.ClassifierTimeout = 0
	cfg.Router.Models.Reasoning = ""
	cfg.Router.Pricing = map[string]PriceConfig{"turbo": {Input: 1, Output: 2}, "fast": {Input: -1}}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "router.classifier_timeout must be > 0")
	assertContains(t, err.Error(), "router.models must name a model")
	assertContains(t, err.Error(), `unknown tier "turbo"`)
	assertContains(t, err.Error(), "router.pricing.fast: prices must not be negative")
}

func TestValidateRetryDelays(t *testing.T) {
	cfg := Defaults()
	cfg.Retry.BaseDelay = time.Minute
	assertContains(t, Validate(cfg).Error(), "retry.base_delay must not exceed retry.max_delay")
}

func TestValidateAgent(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.Temperature = 1.5
	cfg.Agent.ParallelTools = true
	cfg.Agent.MaxParallel = 0
	err := Validate(cfg)
	assertContains(t, err.Error(), "agent.temperature must be between 0 and 1")
	assertContains(t, err.Error(), "agent.max_parallel must be > 0")
}

func TestValidateServerAddr(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Addr = "not-an-addr"
	assertContains(t, Validate(cfg).Error(), `server.addr "not-an-addr" is invalid`)
}

func TestValidateMCPServers(t *testing.T) {
	cfg := Defaults()
	cfg.Tools.MCPServers = []MCPServer{
		{Name: "a", Transport: "stdio"},
		{Name: "a", Transport: "http", URL: "http://localhost:9000/mcp"},
		{Name: "", Transport: "stdio"},
		{Name: "c", Transport: "grpc"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "command is required for stdio transport")
	assertContains(t, err.Error(), `duplicate server name "a"`)
	assertContains(t, err.Error(), "tools.mcp_servers[2].name must not be empty")
	assertContains(t, err.Error(), `transport "grpc" is invalid`)
}
