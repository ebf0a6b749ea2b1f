package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateRouter(cfg, ve)
	validateRetry(cfg, ve)
	validateAgent(cfg, ve)
	validateServer(cfg, ve)
	validateTools(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validProviderTypes = map[string]bool{
	"anthropic": true,
	"bedrock":   true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	p := cfg.LLM.Provider
	if !validProviderTypes[p.Type] {
		ve.Add("llm.provider.type %q is invalid (want: anthropic, bedrock)", p.Type)
	}
	if p.Type == "bedrock" && p.Region == "" {
		ve.Add("llm.provider.region is required for bedrock provider")
	}
	if p.ConnTimeout < 0 || p.RespTimeout < 0 {
		ve.Add("llm.provider timeouts must not be negative")
	}
	if cfg.LLM.CircuitBreaker.Enabled && cfg.LLM.CircuitBreaker.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

// ValidateCredentials reports a missing API key for providers that need one.
// It is separate from Validate so that commands which never call the
// provider can run without credentials.
func ValidateCredentials(cfg *Config) error {
	if cfg.LLM.Provider.Type == "anthropic" && cfg.LLM.Provider.APIKey == "" {
		return fmt.Errorf("llm.provider.api_key is empty (set via CARELOOP_LLM_API_KEY)")
	}
	return nil
}

var validTiers = map[string]bool{
	"fast":      true,
	"balanced":  true,
	"reasoning": true,
}

func validateRouter(cfg *Config, ve *ValidationError) {
	if cfg.Router.ClassifierTimeout <= 0 {
		ve.Add("router.classifier_timeout must be > 0")
	}
	m := cfg.Router.Models
	if m.Fast == "" || m.Balanced == "" || m.Reasoning == "" {
		ve.Add("router.models must name a model for fast, balanced and reasoning")
	}
	for tier, price := range cfg.Router.Pricing {
		if !validTiers[tier] {
			ve.Add("router.pricing: unknown tier %q (want: fast, balanced, reasoning)", tier)
		}
		if price.Input < 0 || price.Output < 0 {
			ve.Add("router.pricing.%s: prices must not be negative", tier)
		}
	}
}

func validateRetry(cfg *Config, ve *ValidationError) {
	if cfg.Retry.MaxAttempts <= 0 {
		ve.Add("retry.max_attempts must be > 0")
	}
	if cfg.Retry.BaseDelay < 0 || cfg.Retry.MaxDelay < 0 {
		ve.Add("retry delays must not be negative")
	}
	if cfg.Retry.MaxDelay > 0 && cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
		ve.Add("retry.base_delay must not exceed retry.max_delay")
	}
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if cfg.Agent.MaxIterations <= 0 {
		ve.Add("agent.max_iterations must be > 0")
	}
	if cfg.Agent.MaxTokens <= 0 {
		ve.Add("agent.max_tokens must be > 0")
	}
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 1 {
		ve.Add("agent.temperature must be between 0 and 1")
	}
	if cfg.Agent.ParallelTools && cfg.Agent.MaxParallel <= 0 {
		ve.Add("agent.max_parallel must be > 0 when parallel_tools is enabled")
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is invalid: %v", cfg.Server.Addr, err)
	}
	if cfg.Server.RateLimitPerMin < 0 || cfg.Server.RateLimitBurst < 0 {
		ve.Add("server rate limits must not be negative")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, s := range cfg.Tools.MCPServers {
		if s.Name == "" {
			ve.Add("tools.mcp_servers[%d].name must not be empty", i)
			continue
		}
		if seen[s.Name] {
			ve.Add("tools.mcp_servers[%d]: duplicate server name %q", i, s.Name)
		}
		seen[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				ve.Add("tools.mcp_servers[%d] (%s): command is required for stdio transport", i, s.Name)
			}
		case "http":
			if s.URL == "" {
				ve.Add("tools.mcp_servers[%d] (%s): url is required for http transport", i, s.Name)
			}
		default:
			ve.Add("tools.mcp_servers[%d] (%s): transport %q is invalid (want: stdio, http)", i, s.Name, s.Transport)
		}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "text" && cfg.Logger.Format != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}
