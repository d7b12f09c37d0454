package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentfabric/internal/adapter/filereader"
	"agentfabric/internal/adapter/history"
	"agentfabric/internal/adapter/llm"
	"agentfabric/internal/adapter/pycheck"
	"agentfabric/internal/adapter/runner"
	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/prebuilt"
	"agentfabric/internal/security"
	"agentfabric/internal/usecase/eventbus"
	"agentfabric/internal/usecase/executor"
	"agentfabric/internal/usecase/factory"
	"agentfabric/internal/usecase/intelligence"
	"agentfabric/internal/usecase/orchestrator"
	"agentfabric/internal/usecase/planner"
	"agentfabric/internal/usecase/registry"
	"agentfabric/internal/usecase/resolver"
	"agentfabric/internal/usecase/scheduling"
)

// needs says how much of the runtime a command uses.
type needs int

const (
	// needsCatalog builds the LLM stack only when providers are configured.
	needsCatalog needs = iota
	// needsModels fails without a provider.
	needsModels
)

// app is the wired runtime. Fields that depend on the LLM stack are nil
// when no provider is configured or the command did not ask for them.
type app struct {
	cfg *config.Config
	log *slog.Logger
	bus *eventbus.Bus

	models *llm.Models

	coord    *registry.Coordinator
	runner   *runner.Dispatcher
	python   *runner.PythonRunner
	wasm     *runner.WASMRunner
	tools    *factory.ToolFactory
	agents   *factory.AgentFactory
	resolver *resolver.Resolver
	planner  *planner.Planner
	exec     *executor.Executor
	intel    *intelligence.Engine
	orch     *orchestrator.Orchestrator
	sched    *scheduling.Scheduler
	history  *history.Store
	audit    *security.AuditLog

	cleanups []func()
}

// loadConfig reads the config file at path.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}
	return cfg, nil
}

// newApp runs the startup sequence. Call close when done, even on error.
func newApp(ctx context.Context, n needs) (*app, error) {
	a := &app{}

	// 1. Config
	cfg, err := loadConfig(configPath())
	if err != nil {
		return a, err
	}
	a.cfg = cfg

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return a, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.onClose(func() { logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return a, fmt.Errorf("tracer: %w", err)
	}
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracerShutdown(shutdownCtx)
	})

	// 3. LLM providers
	if n >= needsModels && len(cfg.LLM.Providers) == 0 {
		return a, domain.NewDomainError("llm.Build", domain.ErrProviderNotFound,
			"no providers configured under llm.providers")
	}
	if len(cfg.LLM.Providers) > 0 {
		models, err := llm.Build(cfg.LLM, logger.Component(log, "llm"))
		if err != nil {
			return a, fmt.Errorf("llm: %w", err)
		}
		a.models = models
		a.onClose(models.Close)
	}

	// 4. Event bus & audit trail. The log is closed after the bus so
	// in-flight handlers can still write.
	if cfg.Security.Audit.Enabled {
		if err := a.openAudit(ctx); err != nil {
			return a, fmt.Errorf("audit: %w", err)
		}
	}
	a.bus = eventbus.New(log)
	a.onClose(a.bus.Close)
	if a.audit != nil {
		a.onClose(a.audit.Attach(a.bus, logger.Component(log, "audit")))
	}

	// 5. Registry
	a.coord, err = registry.NewCoordinator(registry.Options{
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
		Debounce: cfg.Limits.ReloadDebounce,
	}, a.bus, logger.Component(log, "registry"))
	if err != nil {
		return a, fmt.Errorf("registry: %w", err)
	}

	// 6. Runners
	if err := a.initRunners(ctx); err != nil {
		return a, fmt.Errorf("runners: %w", err)
	}

	// 7. History, opened before the executor that records into it
	if cfg.History.Enabled {
		a.history, err = history.Open(ctx, cfg.Paths.Resolve(cfg.History.Path))
		if err != nil {
			return a, fmt.Errorf("history: %w", err)
		}
		a.onClose(func() { a.history.Close() })
	}

	if a.models != nil {
		// 8. Factories
		a.initFactories()

		// 9. Planner, executor, intelligence
		a.initPipeline()

		// 10. Orchestrator
		if err := a.initOrchestrator(); err != nil {
			return a, fmt.Errorf("orchestrator: %w", err)
		}
	}
	a.initResolver()

	// 11. Scheduler
	a.sched = scheduling.NewScheduler(logger.Component(log, "scheduler"))
	if cfg.Scheduler.Enabled {
		scheduling.RegisterMaintenance(a.sched, a.coord, log)
		for _, task := range scheduling.TasksFromConfig(cfg.Scheduler) {
			if err := a.sched.AddTask(task); err != nil {
				return a, err
			}
		}
	}
	a.onClose(func() { a.sched.Stop() })

	return a, nil
}

func (a *app) initRunners(ctx context.Context) error {
	native := runner.NewNativeRunner()
	prebuilt.Bind(native)

	python, err := runner.NewPythonRunner(a.cfg.Runner.Python, a.cfg.Paths.Root, logger.Component(a.log, "python"))
	if err != nil {
		return err
	}
	if err := python.Available(); err != nil {
		a.log.Warn("python interpreter not found, generated components cannot run",
			"python", a.cfg.Runner.Python, "error", err)
	}
	a.python = python

	a.wasm, err = runner.NewWASMRunner(ctx, a.cfg.Paths.Root, a.cfg.Runner.WASMCache, 0, logger.Component(a.log, "wasm"))
	if err != nil {
		return err
	}
	a.onClose(func() { a.wasm.Close(context.Background()) })

	a.runner = runner.NewDispatcher(native, python, a.wasm)
	return nil
}

// openAudit opens the audit log and trims it to the retention policy.
func (a *app) openAudit(ctx context.Context) error {
	ac := a.cfg.Security.Audit
	maxSize, err := security.ParseRetentionMaxSize(ac.MaxSize)
	if err != nil {
		return domain.NewDomainError("config.Load", domain.ErrConfigLoad, "security.audit.max_size: "+err.Error())
	}
	a.audit, err = security.NewAuditLog(a.cfg.Paths.Resolve(ac.Path))
	if err != nil {
		return err
	}
	a.onClose(func() { a.audit.Close() })

	a.audit.SetRetention(security.RetentionPolicy{MaxAge: ac.MaxAge, MaxSize: maxSize})
	if removed, err := a.audit.EnforceRetention(ctx); err != nil {
		a.log.Warn("audit retention failed", "error", err)
	} else if removed > 0 {
		a.log.Info("audit log trimmed", "removed", removed)
	}
	return nil
}

func (a *app) initFactories() {
	cfg := a.cfg
	fc := factory.Config{
		Model:       providerModel(cfg.LLM, cfg.LLM.GeneratorProvider),
		Temperature: cfg.Factory.GeneratorTemperature,
		MaxTokens:   cfg.Factory.MaxTokens,
		ToolLines:   pycheck.LineRange{Min: cfg.Limits.MinToolLines, Max: cfg.Limits.MaxToolLines},
		AgentLines:  pycheck.LineRange{Min: cfg.Limits.MinAgentLines, Max: cfg.Limits.MaxAgentLines},

		AllowedImports: cfg.Factory.AllowedImports,
		SmokeTest:      cfg.Factory.SmokeTest,
	}
	flog := logger.Component(a.log, "factory")
	a.tools = factory.NewToolFactory(a.coord, a.models.Generator, a.runner, a.bus, fc, flog)
	a.agents = factory.NewAgentFactory(a.coord, a.models.Generator, a.tools, a.bus, fc, flog)
}

func (a *app) initPipeline() {
	cfg := a.cfg
	model := providerModel(cfg.LLM, cfg.LLM.PlannerProvider)

	counter := planner.NewTokenCounter(cfg.Planner.Encoding, a.log)
	a.planner = planner.New(a.coord, a.models.Planner,
		planner.NewCatalogFormatter(counter, cfg.Planner.CatalogTokenBudget),
		planner.Config{
			Model:       model,
			Temperature: cfg.Planner.Temperature,
			MaxTokens:   cfg.Planner.MaxTokens,
			MaxSteps:    cfg.Limits.MaxWorkflowSteps,
		}, logger.Component(a.log, "planner"))

	a.exec = executor.New(a.coord, a.runner, a.bus, executor.Config{
		AgentTimeout:    cfg.Limits.AgentTimeout,
		WorkflowTimeout: cfg.Limits.WorkflowTimeout,
		MaxParallel:     cfg.Limits.MaxParallel,
		MaxRetries:      cfg.Limits.MaxRetries,
	}, logger.Component(a.log, "executor"))
	if a.history != nil {
		a.exec.SetHistoryStore(a.history)
	}

	a.intel = intelligence.New(a.coord, a.agents, a.models.Planner, a.bus, intelligence.Config{
		Model:          model,
		Temperature:    cfg.Planner.Temperature,
		MaxTokens:      cfg.Planner.MaxTokens,
		SlowStep:       cfg.Limits.SlowStep,
		RetryTransient: true,
	}, logger.Component(a.log, "intelligence"))
	a.exec.SetMonitor(a.intel)
}

// initResolver works without models: capabilities then come from keywords.
func (a *app) initResolver() {
	var model domain.LLMProvider
	if a.models != nil {
		model = a.models.Planner
	}
	a.resolver = resolver.New(a.coord, model, resolver.Config{
		Model:       providerModel(a.cfg.LLM, a.cfg.LLM.PlannerProvider),
		Temperature: a.cfg.Planner.Temperature,
		MaxTokens:   a.cfg.Planner.MaxTokens,
	}, logger.Component(a.log, "resolver"))
}

func (a *app) initOrchestrator() error {
	cfg := a.cfg
	a.orch = orchestrator.New(a.planner, a.exec, a.tools, a.agents, a.models.Planner, orchestrator.Config{
		AutoCreate:  cfg.Orchestrator.AutoCreate,
		Model:       providerModel(cfg.LLM, cfg.LLM.PlannerProvider),
		Temperature: cfg.Planner.Temperature,
		MaxTokens:   cfg.Orchestrator.MaxTokens,
		ResultChars: cfg.Orchestrator.ResultChars,
	}, logger.Component(a.log, "orchestrator"))
	reader := filereader.New(cfg.Orchestrator.MaxFileBytes)
	if cfg.Security.FileRoot != "" {
		sandbox, err := security.NewSandbox(cfg.Security.FileRoot)
		if err != nil {
			return err
		}
		reader.SetGuard(sandbox)
	}
	a.orch.SetFileReader(reader)
	return nil
}

// startBackground starts the scheduler and the catalog watcher for
// long-running commands.
func (a *app) startBackground(ctx context.Context) {
	if err := a.coord.Watch(ctx); err != nil {
		a.log.Warn("catalog watcher unavailable, relying on mtime checks", "error", err)
	}
	if a.cfg.Scheduler.Enabled {
		a.sched.Start(ctx)
	}
}

func (a *app) onClose(fn func()) { a.cleanups = append(a.cleanups, fn) }

// close runs cleanups in reverse order.
func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

// providerModel returns the model configured for the named provider.
func providerModel(cfg config.LLMConfig, name string) string {
	for _, p := range cfg.Providers {
		if p.Name == name {
			return p.Model
		}
	}
	return ""
}
