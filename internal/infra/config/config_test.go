package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaultsAreValid(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestDefaultLimits(t *testing.T) {
	l := Defaults().Limits
	if l.MinAgentLines != 50 || l.MaxAgentLines != 300 {
		t.Errorf("agent lines = [%d,%d], want [50,300]", l.MinAgentLines, l.MaxAgentLines)
	}
	if l.MinToolLines != 15 || l.MaxToolLines != 100 {
		t.Errorf("tool lines = [%d,%d], want [15,100]", l.MinToolLines, l.MaxToolLines)
	}
	if l.AgentTimeout != 10*time.Second || l.WorkflowTimeout != 60*time.Second {
		t.Errorf("timeouts = %s/%s", l.AgentTimeout, l.WorkflowTimeout)
	}
	if l.MaxRetries != 2 {
		t.Errorf("max retries = %d, want 2", l.MaxRetries)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("FABRIC_LOGGER_LEVEL", "debug")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want debug", cfg.Logger.Level)
	}
	if cfg.Paths.AgentsFile != "agents.json" {
		t.Errorf("AgentsFile = %q", cfg.Paths.AgentsFile)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.yaml", `
paths:
  root: /srv/fabric
limits:
  agent_timeout: 5s
  max_parallel_agents: 2
llm:
  planner_provider: claude
  generator_provider: claude
  providers:
    - name: claude
      type: anthropic
      api_key: sk-test
      model: claude-test
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.Root != "/srv/fabric" {
		t.Errorf("Root = %q", cfg.Paths.Root)
	}
	if cfg.Limits.AgentTimeout != 5*time.Second {
		t.Errorf("AgentTimeout = %s", cfg.Limits.AgentTimeout)
	}
	if cfg.Limits.MaxParallel != 2 {
		t.Errorf("MaxParallel = %d", cfg.Limits.MaxParallel)
	}
	// Untouched sections keep defaults.
	if cfg.Limits.MaxAgentLines != 300 {
		t.Errorf("MaxAgentLines = %d", cfg.Limits.MaxAgentLines)
	}
	if got := cfg.Paths.Resolve("agents.json"); got != "/srv/fabric/agents.json" {
		t.Errorf("Resolve = %q", got)
	}
}

func TestLoadRejectsWorldWritable(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.yaml", "logger:\n  level: info\n")
	if err := os.Chmod(p, 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Errorf("expected permission error, got %v", err)
	}
}

func TestEnvOverridesProviderKey(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Name: "my-openai", Type: "openai"}}
	t.Setenv("FABRIC_LLM_PROVIDER_MY_OPENAI_API_KEY", "from-env")
	t.Setenv("FABRIC_ALLOWED_IMPORTS", "re, json ,")
	ApplyEnvOverrides(cfg)
	if cfg.LLM.Providers[0].APIKey != "from-env" {
		t.Errorf("APIKey = %q", cfg.LLM.Providers[0].APIKey)
	}
	if len(cfg.Factory.AllowedImports) != 2 || cfg.Factory.AllowedImports[1] != "json" {
		t.Errorf("AllowedImports = %v", cfg.Factory.AllowedImports)
	}
}

func TestEnvOverridesAutoCreate(t *testing.T) {
	cfg := Defaults()
	if !cfg.Orchestrator.AutoCreate {
		t.Fatal("auto_create should default to true")
	}
	t.Setenv("FABRIC_AUTO_CREATE", "false")
	ApplyEnvOverrides(cfg)
	if cfg.Orchestrator.AutoCreate {
		t.Error("FABRIC_AUTO_CREATE=false not applied")
	}
}

func TestEncryptDecryptSecret(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "pass")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	got, err := DecryptValue(enc, "pass")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if got != "sk-secret" {
		t.Errorf("got %q", got)
	}
	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestLoadDecryptsProviderKey(t *testing.T) {
	enc, err := EncryptValue("sk-real", "k3y")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.yaml", `
llm:
  planner_provider: main
  generator_provider: main
  providers:
    - name: main
      type: openai
      api_key: "enc:`+enc+`"
`)
	t.Setenv("FABRIC_CONFIG_KEY", "k3y")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Providers[0].APIKey != "sk-real" {
		t.Errorf("APIKey = %q", cfg.LLM.Providers[0].APIKey)
	}
}

func TestIncludesMainFileWins(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "limits.yaml", "limits:\n  max_workflow_steps: 3\n  max_parallel_agents: 8\n")
	p := writeConfig(t, dir, "config.yaml", "includes: [limits.yaml]\nlimits:\n  max_parallel_agents: 1\n")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.MaxWorkflowSteps != 3 {
		t.Errorf("MaxWorkflowSteps = %d, want 3 from include", cfg.Limits.MaxWorkflowSteps)
	}
	if cfg.Limits.MaxParallel != 1 {
		t.Errorf("MaxParallel = %d, want 1 from main file", cfg.Limits.MaxParallel)
	}
}

func TestIncludesCircular(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "includes: [b.yaml]\n")
	writeConfig(t, dir, "b.yaml", "includes: [a.yaml]\n")
	p := writeConfig(t, dir, "config.yaml", "includes: [a.yaml]\n")

	_, err := Load(p)
	if err == nil || !strings.Contains(err.Error(), "circular") {
		t.Errorf("expected circular include error, got %v", err)
	}
}

func TestIncludesEscape(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "config.yaml", "includes: [../outside.yaml]\n")
	_, err := Load(p)
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Errorf("expected escape error, got %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Limits.MaxAgentLines = 10
	cfg.Limits.MaxParallel = 0
	cfg.LLM.Providers = []ProviderConfig{{Name: "x", Type: "gemini"}}
	cfg.Scheduler.Tasks = []ScheduledTaskConfig{{Name: "t", Schedule: "whenever", Action: "dance"}}

	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}

	want := []string{
		"agent line range",
		"max_parallel_agents",
		`type "gemini" is invalid`,
		"api_key is empty",
		`planner_provider "openai" does not match`,
		`action "dance" is invalid`,
		"neither a cron expression nor a duration",
	}
	msg := ve.Error()
	for _, w := range want {
		if !strings.Contains(msg, w) {
			t.Errorf("missing %q in:\n%s", w, msg)
		}
	}
}

func TestValidateAcceptsDurationSchedule(t *testing.T) {
	cfg := Defaults()
	cfg.Scheduler.Tasks = []ScheduledTaskConfig{
		{Name: "a", Schedule: "15m", Action: "health_check"},
		{Name: "b", Schedule: "0 3 * * *", Action: "backup"},
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSecurityDefaultsAndOverrides(t *testing.T) {
	cfg := Defaults()
	if !cfg.Security.Audit.Enabled || cfg.Security.Audit.Path != "audit.jsonl" {
		t.Errorf("audit defaults = %+v", cfg.Security.Audit)
	}
	if cfg.Security.FileRoot != "" {
		t.Errorf("file root should be unset by default, got %q", cfg.Security.FileRoot)
	}

	t.Setenv("FABRIC_FILE_ROOT", "/data/in")
	t.Setenv("FABRIC_AUDIT_ENABLED", "false")
	ApplyEnvOverrides(cfg)
	if cfg.Security.FileRoot != "/data/in" || cfg.Security.Audit.Enabled {
		t.Errorf("overrides not applied: %+v", cfg.Security)
	}
}

func TestValidateAuditPath(t *testing.T) {
	cfg := Defaults()
	cfg.Security.Audit.Path = ""
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "security.audit.path") {
		t.Errorf("expected audit path error, got %v", err)
	}

	cfg.Security.Audit.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled audit should not need a path: %v", err)
	}
}
