package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/security"
	"agentfabric/internal/usecase/registry"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var errNoConfig = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Python interpreter", Fn: checkPython},
		{Name: "Catalogs", Fn: checkCatalogs},
		{Name: "History database", Fn: checkHistory},
		{Name: "Input file root", Fn: checkFileRoot},
	}

	fmt.Println("fabric doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before running requests.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nfabric should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loaded. A
// missing file is only a warning because defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check " + cfgPath + " syntax and the FABRIC_* environment variables",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create config.yaml or pass --config PATH",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// keyless lists provider types that authenticate without an API key.
var keyless = map[string]bool{"ollama": true, "bedrock": true}

// checkLLMAPIKey verifies the configured providers have credentials.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add at least one provider under llm.providers",
		}
	}

	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		if p.APIKey != "" || keyless[p.Type] {
			withKey = append(withKey, p.Name)
		} else {
			withoutKey = append(withoutKey, p.Name)
		}
	}

	if len(withKey) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys found for providers: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set API keys via environment variables (e.g., FABRIC_LLM_PROVIDER_OPENAI_API_KEY)",
		}
	}
	if len(withoutKey) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("keys configured for [%s]; missing for [%s]", strings.Join(withKey, ", "), strings.Join(withoutKey, ", ")),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("credentials configured for: %s", strings.Join(withKey, ", ")),
	}
}

// checkLLMConnectivity tests whether the planner provider is reachable.
func checkLLMConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}

	var provider *config.ProviderConfig
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == cfg.LLM.PlannerProvider {
			provider = &cfg.LLM.Providers[i]
			break
		}
	}
	if provider == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("planner provider %q not found in config", cfg.LLM.PlannerProvider),
		}
	}
	if provider.APIKey == "" && !keyless[provider.Type] {
		return CheckResult{
			Status:  StatusWarn,
			Message: "skipped, no API key for the planner provider",
		}
	}

	endpoint := providerEndpoint(provider)
	if endpoint == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no known endpoint for provider type %q, skipping connectivity test", provider.Type),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("failed to create request: %v", err),
		}
	}
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check your internet connection and the provider base_url",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, latency.Milliseconds()),
	}
}

// providerEndpoint returns a health/ping URL for the given provider.
func providerEndpoint(p *config.ProviderConfig) string {
	if p.Type == "ollama" {
		baseURL := "http://localhost:11434"
		if p.BaseURL != "" {
			baseURL = strings.TrimRight(p.BaseURL, "/")
		}
		return baseURL + "/api/tags"
	}
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	switch p.Type {
	case "openai", "":
		return "https://api.openai.com/v1/models"
	case "anthropic":
		return "https://api.anthropic.com/"
	case "openrouter":
		return "https://openrouter.ai/api/v1/models"
	default:
		return ""
	}
}

// checkPython verifies the interpreter generated components run under.
func checkPython(cfg *config.Config) CheckResult {
	python := "python3"
	if cfg != nil && cfg.Runner.Python != "" {
		python = cfg.Runner.Python
	}

	path, err := exec.LookPath(python)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found in PATH", python),
			Fix:     "Install Python 3 or set runner.python in config",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s --version failed: %v", path, err),
		}
	}
	version := strings.TrimSpace(string(out))
	if !strings.HasPrefix(version, "Python 3") {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s reports %q, generated code targets Python 3", path, version),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s (%s)", version, path),
	}
}

// checkCatalogs loads both catalogs and reports registry health.
func checkCatalogs(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}

	coord, err := registry.NewCoordinator(registry.Options{
		Root:       cfg.Paths.Root,
		AgentsFile: cfg.Paths.AgentsFile,
		ToolsFile:  cfg.Paths.ToolsFile,
		BackupDir:  cfg.Paths.BackupDir,
		Limits: registry.Limits{
			MinAgentLines: cfg.Limits.MinAgentLines,
			MaxAgentLines: cfg.Limits.MaxAgentLines,
			MinToolLines:  cfg.Limits.MinToolLines,
			MaxToolLines:  cfg.Limits.MaxToolLines,
		},
	}, nil, logger.Discard())
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Check paths.root exists and is writable",
		}
	}

	reg, err := coord.Registry(context.Background())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	h := reg.HealthCheck()
	msg := fmt.Sprintf("%d/%d components valid, score %.0f%% (%s)",
		h.ValidComponents, h.TotalComponents, h.Score, h.Status)

	switch {
	case h.TotalComponents == 0:
		return CheckResult{
			Status:  StatusWarn,
			Message: "catalogs are empty",
			Fix:     "Run 'fabric registry seed' to register the prebuilt components",
		}
	case h.Status == registry.HealthHealthy:
		return CheckResult{Status: StatusPass, Message: msg}
	case h.Status == registry.HealthDegraded:
		return CheckResult{
			Status:  StatusWarn,
			Message: msg,
			Fix:     "Run 'fabric registry validate' to list the invalid components",
		}
	default:
		return CheckResult{
			Status:  StatusFail,
			Message: msg,
			Fix:     "Run 'fabric registry optimize --apply' or restore a backup",
		}
	}
}

// checkHistory verifies the history database directory is writable.
func checkHistory(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if !cfg.History.Enabled {
		return CheckResult{Status: StatusPass, Message: "history disabled"}
	}

	dbPath, _ := filepath.Abs(cfg.Paths.Resolve(cfg.History.Path))
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
		}
	}

	testFile := filepath.Join(dir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0644); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 755 %s", dir),
		}
	}
	os.Remove(testFile)

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("history at %s", dbPath),
	}
}

// checkFileRoot verifies security.file_root names a usable directory.
func checkFileRoot(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if cfg.Security.FileRoot == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "unrestricted, request files may come from anywhere",
			Fix:     "Set security.file_root to confine --file paths",
		}
	}
	sandbox, err := security.NewSandbox(cfg.Security.FileRoot)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", cfg.Security.FileRoot),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("confined to %s", sandbox.Root())}
}
