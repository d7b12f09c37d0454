// Package scheduling runs periodic registry maintenance: backups, health
// checks, optimization and cleanup of deprecated components.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentfabric/internal/infra/config"
	"agentfabric/internal/usecase/registry"
)

// Action identifies a maintenance job.
type Action string

const (
	ActionBackup      Action = "backup"
	ActionHealthCheck Action = "health_check"
	ActionOptimize    Action = "optimize"
	ActionCleanup     Action = "cleanup"
)

const taskTimeout = 5 * time.Minute

// Task is one scheduled maintenance job.
type Task struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   Action
	Tag      string // backup tag
	OneShot  bool
}

// ActionFunc performs an action for the task that fired.
type ActionFunc func(ctx context.Context, task Task) error

// Scheduler runs tasks on cron expressions or fixed intervals.
type Scheduler struct {
	cron    *cron.Cron
	actions map[Action]ActionFunc
	entries map[string]cron.EntryID
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		actions: make(map[Action]ActionFunc),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
	}
}

// TasksFromConfig converts the configured task list.
func TasksFromConfig(cfg config.SchedulerConfig) []Task {
	tasks := make([]Task, 0, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		tasks = append(tasks, Task{
			Name:     t.Name,
			Schedule: t.Schedule,
			Action:   Action(t.Action),
			Tag:      t.Tag,
			OneShot:  t.OneShot,
		})
	}
	return tasks
}

// RegisterAction registers the handler for an action.
func (s *Scheduler) RegisterAction(action Action, fn ActionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask schedules a task. Names are unique.
func (s *Scheduler) AddTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}
	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	schedule, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.run(task, fn)
		if task.OneShot {
			s.cron.Remove(entryID)
			s.mu.Lock()
			delete(s.entries, task.Name)
			s.mu.Unlock()
		}
	}))
	s.entries[task.Name] = entryID

	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

func (s *Scheduler) run(task Task, fn ActionFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", task.Name)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(taskCtx, task); err != nil {
		s.logger.Warn("scheduled task failed",
			"task", task.Name,
			"action", string(task.Action),
			"error", err,
			"duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled task completed",
		"task", task.Name,
		"action", string(task.Action),
		"duration", time.Since(start))
}

// RemoveTask unschedules a task.
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	s.cron.Remove(entryID)
	delete(s.entries, name)
	return nil
}

// NextRun returns when the named task fires next, or nil if it is unknown
// or the scheduler has not started.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	// Running jobs take the lock to read ctx, so wait without holding it.
	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule parses a cron expression (five fields or a descriptor such as
// "@daily") and falls back to a positive duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// Catalog yields the current component registry.
type Catalog interface {
	Registry(ctx context.Context) (*registry.Registry, error)
}

// RegisterMaintenance binds the four maintenance actions to catalog. The
// optimize action applies its changes.
func RegisterMaintenance(s *Scheduler, catalog Catalog, logger *slog.Logger) {
	withRegistry := func(fn func(ctx context.Context, reg *registry.Registry, task Task) error) ActionFunc {
		return func(ctx context.Context, task Task) error {
			reg, err := catalog.Registry(ctx)
			if err != nil {
				return err
			}
			return fn(ctx, reg, task)
		}
	}

	s.RegisterAction(ActionBackup, withRegistry(func(ctx context.Context, reg *registry.Registry, task Task) error {
		info, err := reg.BackupRegistries(ctx, task.Tag)
		if err == nil {
			logger.Info("registry backed up", "backup", info.Name)
		}
		return err
	}))
	s.RegisterAction(ActionHealthCheck, withRegistry(func(ctx context.Context, reg *registry.Registry, _ Task) error {
		h := reg.HealthCheck()
		level := slog.LevelInfo
		if h.Status != registry.HealthHealthy {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "registry health",
			"score", h.Score,
			"status", h.Status,
			"valid", h.ValidComponents,
			"total", h.TotalComponents)
		return nil
	}))
	s.RegisterAction(ActionOptimize, withRegistry(func(ctx context.Context, reg *registry.Registry, _ Task) error {
		_, err := reg.OptimizeRegistry(ctx, false)
		return err
	}))
	s.RegisterAction(ActionCleanup, withRegistry(func(ctx context.Context, reg *registry.Registry, _ Task) error {
		rep, err := reg.CleanupDeprecated(ctx)
		if err == nil && len(rep.RemovedAgents)+len(rep.RemovedTools) > 0 {
			logger.Info("deprecated components removed",
				"agents", len(rep.RemovedAgents),
				"tools", len(rep.RemovedTools))
		}
		return err
	}))
}
