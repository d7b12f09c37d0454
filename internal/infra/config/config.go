package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the fabric runtime.
type Config struct {
	Includes     []string           `yaml:"includes,omitempty"`
	Paths        PathsConfig        `yaml:"paths"`
	Limits       LimitsConfig       `yaml:"limits"`
	Factory      FactoryConfig      `yaml:"factory"`
	Planner      PlannerConfig      `yaml:"planner"`
	Runner       RunnerConfig       `yaml:"runner"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	LLM          LLMConfig          `yaml:"llm"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	History      HistoryConfig      `yaml:"history"`
	Security     SecurityConfig     `yaml:"security"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
}

// PathsConfig locates the catalogs and component sources on disk.
type PathsConfig struct {
	Root       string `yaml:"root"`
	AgentsFile string `yaml:"agents_file"`
	ToolsFile  string `yaml:"tools_file"`
	BackupDir  string `yaml:"backup_dir"`
}

// LimitsConfig holds the structural and execution limits.
type LimitsConfig struct {
	MinAgentLines    int           `yaml:"min_agent_lines"`
	MaxAgentLines    int           `yaml:"max_agent_lines"`
	MinToolLines     int           `yaml:"min_tool_lines"`
	MaxToolLines     int           `yaml:"max_tool_lines"`
	AgentTimeout     time.Duration `yaml:"agent_timeout"`
	WorkflowTimeout  time.Duration `yaml:"workflow_timeout"`
	MaxWorkflowSteps int           `yaml:"max_workflow_steps"`
	MaxParallel      int           `yaml:"max_parallel_agents"`
	MaxRetries       int           `yaml:"agent_max_retries"`
	ReloadDebounce   time.Duration `yaml:"reload_debounce"`
	SlowStep         time.Duration `yaml:"slow_step"`
}

// FactoryConfig controls code generation.
type FactoryConfig struct {
	GeneratorTemperature float64  `yaml:"generator_temperature"`
	MaxTokens            int      `yaml:"max_tokens"`
	SmokeTest            bool     `yaml:"smoke_test"`
	AllowedImports       []string `yaml:"allowed_imports"`
}

// PlannerConfig controls request decomposition.
type PlannerConfig struct {
	Temperature        float64 `yaml:"temperature"`
	MaxTokens          int     `yaml:"max_tokens"`
	CatalogTokenBudget int     `yaml:"catalog_token_budget"`
	Encoding           string  `yaml:"encoding"`
}

// OrchestratorConfig controls end-to-end request processing.
type OrchestratorConfig struct {
	// AutoCreate builds missing agents and tools instead of refusing.
	AutoCreate   bool  `yaml:"auto_create"`
	MaxTokens    int   `yaml:"max_tokens"`
	ResultChars  int   `yaml:"result_chars"`
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

// RunnerConfig configures how component code is executed.
type RunnerConfig struct {
	Python    string `yaml:"python"`
	WASMCache string `yaml:"wasm_cache,omitempty"`
}

// FailoverConfig holds model failover settings.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMConfig holds model provider settings. The planner and the generator may
// be served by different providers.
type LLMConfig struct {
	PlannerProvider   string               `yaml:"planner_provider"`
	GeneratorProvider string               `yaml:"generator_provider"`
	Providers         []ProviderConfig     `yaml:"providers"`
	Failover          FailoverConfig       `yaml:"failover"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit         RateLimitConfig      `yaml:"rate_limit"`
	Cache             CacheConfig          `yaml:"cache"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig throttles outgoing model calls per provider.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// CacheConfig caches deterministic planner replies.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MaxBytes int64         `yaml:"max_bytes"`
	TTL      time.Duration `yaml:"ttl"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// SchedulerConfig holds cron/scheduler settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled maintenance task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`
	Tag      string `yaml:"tag,omitempty"`
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// HistoryConfig configures the execution history store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SecurityConfig confines input files and configures the audit trail.
type SecurityConfig struct {
	// FileRoot, when set, is the only directory request files may come from.
	FileRoot string      `yaml:"file_root"`
	Audit    AuditConfig `yaml:"audit"`
}

// AuditConfig configures the append-only audit log of generated code and
// adaptations.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"`
	MaxSize string        `yaml:"max_size"` // e.g. "50MB"
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// DefaultAllowedImports lists the modules generated code may import.
var DefaultAllowedImports = []string{
	"re", "json", "datetime", "time", "typing", "math", "statistics",
	"pandas", "numpy", "PyPDF2", "pdfplumber", "csv", "openpyxl",
	"base64", "hashlib", "collections", "itertools", "functools",
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Paths: PathsConfig{
			Root:       ".",
			AgentsFile: "agents.json",
			ToolsFile:  "tools.json",
			BackupDir:  "backups",
		},
		Limits: LimitsConfig{
			MinAgentLines:    50,
			MaxAgentLines:    300,
			MinToolLines:     15,
			MaxToolLines:     100,
			AgentTimeout:     10 * time.Second,
			WorkflowTimeout:  60 * time.Second,
			MaxWorkflowSteps: 10,
			MaxParallel:      4,
			MaxRetries:       2,
			ReloadDebounce:   500 * time.Millisecond,
			SlowStep:         30 * time.Second,
		},
		Factory: FactoryConfig{
			GeneratorTemperature: 0.2,
			MaxTokens:            4096,
			SmokeTest:            true,
			AllowedImports:       append([]string(nil), DefaultAllowedImports...),
		},
		Planner: PlannerConfig{
			Temperature:        0,
			MaxTokens:          2048,
			CatalogTokenBudget: 3000,
			Encoding:           "cl100k_base",
		},
		Runner: RunnerConfig{
			Python: "python3",
		},
		Orchestrator: OrchestratorConfig{
			AutoCreate:   true,
			MaxTokens:    1024,
			ResultChars:  500,
			MaxFileBytes: 10 << 20,
		},
		LLM: LLMConfig{
			PlannerProvider:   "openai",
			GeneratorProvider: "openai",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				Burst:             5,
			},
			Cache: CacheConfig{
				Enabled:  true,
				MaxBytes: 16 << 20,
				TTL:      10 * time.Minute,
			},
		},
		Scheduler: SchedulerConfig{
			Tasks: []ScheduledTaskConfig{
				{Name: "nightly-backup", Schedule: "@daily", Action: "backup", Tag: "scheduled"},
				{Name: "health", Schedule: "1h", Action: "health_check"},
			},
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "fabric.db",
		},
		Security: SecurityConfig{
			Audit: AuditConfig{
				Enabled: true,
				Path:    "audit.jsonl",
				MaxAge:  30 * 24 * time.Hour,
				MaxSize: "50MB",
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Resolve joins p with the configured root unless it is already absolute.
func (p PathsConfig) Resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(p.Root, name)
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Main file wins over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("FABRIC_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps FABRIC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FABRIC_ROOT"); v != "" {
		cfg.Paths.Root = v
	}
	if v := os.Getenv("FABRIC_PLANNER_PROVIDER"); v != "" {
		cfg.LLM.PlannerProvider = v
	}
	if v := os.Getenv("FABRIC_GENERATOR_PROVIDER"); v != "" {
		cfg.LLM.GeneratorProvider = v
	}
	if v := os.Getenv("FABRIC_PYTHON"); v != "" {
		cfg.Runner.Python = v
	}
	if v := os.Getenv("FABRIC_AUTO_CREATE"); v != "" {
		cfg.Orchestrator.AutoCreate = v == "true"
	}
	if v := os.Getenv("FABRIC_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("FABRIC_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("FABRIC_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("FABRIC_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("FABRIC_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("FABRIC_FILE_ROOT"); v != "" {
		cfg.Security.FileRoot = v
	}
	if v := os.Getenv("FABRIC_AUDIT_ENABLED"); v != "" {
		cfg.Security.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("FABRIC_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true"
	}
	if v := os.Getenv("FABRIC_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.AgentTimeout = d
		}
	}
	if v := os.Getenv("FABRIC_WORKFLOW_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.WorkflowTimeout = d
		}
	}
	if v := os.Getenv("FABRIC_MAX_PARALLEL_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxParallel = n
		}
	}
	if v := os.Getenv("FABRIC_ALLOWED_IMPORTS"); v != "" {
		cfg.Factory.AllowedImports = splitAndTrim(v, ",")
	}

	// Per-provider API keys: FABRIC_LLM_PROVIDER_<NAME>_API_KEY.
	for i := range cfg.LLM.Providers {
		name := strings.ToUpper(strings.ReplaceAll(cfg.LLM.Providers[i].Name, "-", "_"))
		if v := os.Getenv("FABRIC_LLM_PROVIDER_" + name + "_API_KEY"); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
		if v := os.Getenv("FABRIC_LLM_PROVIDER_" + name + "_MODEL"); v != "" {
			cfg.LLM.Providers[i].Model = v
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in provider API keys and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if !strings.HasPrefix(key, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
		}
		cfg.LLM.Providers[i].APIKey = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result has the form hex(salt) ":" hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
