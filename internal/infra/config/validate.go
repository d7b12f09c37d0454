package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
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
	validatePaths(cfg, ve)
	validateLimits(cfg, ve)
	validateOrchestrator(cfg, ve)
	validatePlanner(cfg, ve)
	validateLLM(cfg, ve)
	validateScheduler(cfg, ve)
	validateSecurity(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validatePaths(cfg *Config, ve *ValidationError) {
	if cfg.Paths.AgentsFile == "" {
		ve.Add("paths.agents_file must not be empty")
	}
	if cfg.Paths.ToolsFile == "" {
		ve.Add("paths.tools_file must not be empty")
	}
	if cfg.Paths.AgentsFile != "" && cfg.Paths.AgentsFile == cfg.Paths.ToolsFile {
		ve.Add("paths.agents_file and paths.tools_file must differ")
	}
	if cfg.Paths.BackupDir == "" {
		ve.Add("paths.backup_dir must not be empty")
	}
}

func validateLimits(cfg *Config, ve *ValidationError) {
	l := cfg.Limits
	if l.MinAgentLines <= 0 || l.MaxAgentLines < l.MinAgentLines {
		ve.Add("limits: agent line range [%d, %d] is invalid", l.MinAgentLines, l.MaxAgentLines)
	}
	if l.MinToolLines <= 0 || l.MaxToolLines < l.MinToolLines {
		ve.Add("limits: tool line range [%d, %d] is invalid", l.MinToolLines, l.MaxToolLines)
	}
	if l.AgentTimeout <= 0 {
		ve.Add("limits.agent_timeout must be > 0")
	}
	if l.WorkflowTimeout < l.AgentTimeout {
		ve.Add("limits.workflow_timeout (%s) must be >= agent_timeout (%s)", l.WorkflowTimeout, l.AgentTimeout)
	}
	if l.MaxWorkflowSteps <= 0 {
		ve.Add("limits.max_workflow_steps must be > 0")
	}
	if l.MaxParallel <= 0 {
		ve.Add("limits.max_parallel_agents must be > 0")
	}
	if l.MaxRetries < 0 {
		ve.Add("limits.agent_max_retries must be >= 0")
	}
	if l.ReloadDebounce < 0 {
		ve.Add("limits.reload_debounce must be >= 0")
	}
}

func validatePlanner(cfg *Config, ve *ValidationError) {
	if cfg.Planner.CatalogTokenBudget < 0 {
		ve.Add("planner.catalog_token_budget must be >= 0")
	}
	if cfg.Planner.Temperature < 0 || cfg.Planner.Temperature > 2 {
		ve.Add("planner.temperature must be within [0, 2]")
	}
}

var validProviderTypes = map[string]bool{
	"openai":     true,
	"anthropic":  true,
	"openrouter": true,
	"ollama":     true,
	"bedrock":    true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.PlannerProvider == "" {
		ve.Add("llm.planner_provider must not be empty")
	}
	if cfg.LLM.GeneratorProvider == "" {
		ve.Add("llm.generator_provider must not be empty")
	}

	if cfg.LLM.RateLimit.Enabled && cfg.LLM.RateLimit.RequestsPerMinute <= 0 {
		ve.Add("llm.rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
	}
	if cfg.LLM.Cache.Enabled && cfg.LLM.Cache.MaxBytes <= 0 {
		ve.Add("llm.cache.max_bytes must be > 0 when the cache is enabled")
	}

	// Providers may be absent: the runtime still serves registry commands.
	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, anthropic, openrouter, ollama, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" && p.Type != "ollama" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via FABRIC_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
	}

	for _, ref := range []struct{ field, name string }{
		{"llm.planner_provider", cfg.LLM.PlannerProvider},
		{"llm.generator_provider", cfg.LLM.GeneratorProvider},
	} {
		if ref.name != "" && !seen[ref.name] {
			ve.Add("%s %q does not match any configured provider", ref.field, ref.name)
		}
	}
	for _, fb := range cfg.LLM.Failover.Fallbacks {
		if !seen[fb] {
			ve.Add("llm.failover.fallbacks: unknown provider %q", fb)
		}
	}
}

var validScheduledActions = map[string]bool{
	"backup":       true,
	"health_check": true,
	"optimize":     true,
	"cleanup":      true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	names := make(map[string]bool)
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name must not be empty", i)
		} else if names[t.Name] {
			ve.Add("scheduler.tasks[%d]: duplicate task name %q", i, t.Name)
		}
		names[t.Name] = true

		if !validScheduledActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is invalid (want: backup, health_check, optimize, cleanup)", i, t.Action)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule must not be empty", i)
			continue
		}
		if _, err := parser.Parse(t.Schedule); err != nil {
			if _, derr := time.ParseDuration(t.Schedule); derr != nil {
				ve.Add("scheduler.tasks[%d].schedule %q is neither a cron expression nor a duration", i, t.Schedule)
			}
		}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.MaxTokens < 0 {
		ve.Add("orchestrator.max_tokens must be >= 0")
	}
	if o.MaxFileBytes < 0 {
		ve.Add("orchestrator.max_file_bytes must be >= 0")
	}
}

func validateSecurity(cfg *Config, ve *ValidationError) {
	a := cfg.Security.Audit
	if !a.Enabled {
		return
	}
	if a.Path == "" {
		ve.Add("security.audit.path must not be empty when audit is enabled")
	}
	if a.MaxAge < 0 {
		ve.Add("security.audit.max_age must be >= 0")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
}
