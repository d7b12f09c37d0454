package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentfabric/internal/domain"
)

// Limits bounds component sizes in lines.
type Limits struct {
	MinAgentLines int
	MaxAgentLines int
	MinToolLines  int
	MaxToolLines  int
}

// Options locates the catalogs and tunes reload behavior.
type Options struct {
	Root       string
	AgentsFile string
	ToolsFile  string
	BackupDir  string
	Limits     Limits
	Debounce   time.Duration
}

func (o Options) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(o.Root, name)
}

// Coordinator is the single holder of the process's Registry. It reloads
// the catalogs when they change on disk and owns the atomic write helper.
type Coordinator struct {
	opts   Options
	logger *slog.Logger
	bus    domain.EventBus

	mu       sync.Mutex
	reg      *Registry
	lastLoad time.Time
	seen     map[string]time.Time
	stale    atomic.Bool
}

// NewCoordinator loads both catalogs and returns the coordinator.
func NewCoordinator(opts Options, bus domain.EventBus, logger *slog.Logger) (*Coordinator, error) {
	if opts.Root == "" {
		opts.Root = "."
	}
	if opts.AgentsFile == "" {
		opts.AgentsFile = "agents.json"
	}
	if opts.ToolsFile == "" {
		opts.ToolsFile = "tools.json"
	}
	if opts.BackupDir == "" {
		opts.BackupDir = "backups"
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("create registry root: %w", err)
	}

	c := &Coordinator{
		opts:   opts,
		logger: logger,
		bus:    bus,
		seen:   make(map[string]time.Time),
	}
	c.reg = newRegistry(c)
	c.reloadLocked()
	return c, nil
}

// AgentsPath returns the absolute-or-root-relative agents catalog path.
func (c *Coordinator) AgentsPath() string { return c.opts.resolve(c.opts.AgentsFile) }

// ToolsPath returns the tools catalog path.
func (c *Coordinator) ToolsPath() string { return c.opts.resolve(c.opts.ToolsFile) }

// Root returns the project root that relative component locations resolve
// against.
func (c *Coordinator) Root() string { return c.opts.Root }

// Registry returns the shared instance, reloading the catalogs first when
// a reload was forced or either file changed on disk.
func (c *Coordinator) Registry(ctx context.Context) (*Registry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stale.Swap(false) || c.changedOnDisk() {
		c.reloadLocked()
	}
	return c.reg, nil
}

// ForceReload marks the instance stale so the next Registry call reloads.
func (c *Coordinator) ForceReload() {
	c.stale.Store(true)
}

func (c *Coordinator) changedOnDisk() bool {
	for _, p := range []string{c.AgentsPath(), c.ToolsPath()} {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		mt := info.ModTime()
		if mt.After(c.lastLoad.Add(c.opts.Debounce)) {
			return true
		}
		// Catch writes that landed inside the debounce window once it has elapsed.
		if !mt.Equal(c.seen[p]) && time.Since(c.lastLoad) > c.opts.Debounce {
			return true
		}
	}
	return false
}

func (c *Coordinator) reloadLocked() {
	c.reg.load()
	c.lastLoad = time.Now()
	for _, p := range []string{c.AgentsPath(), c.ToolsPath()} {
		if info, err := os.Stat(p); err == nil {
			c.seen[p] = info.ModTime()
		} else {
			delete(c.seen, p)
		}
	}
	if c.bus != nil {
		agents, tools := c.reg.counts()
		c.bus.Publish(context.Background(), domain.NewEvent(domain.EventRegistryReloaded, "",
			map[string]int{"agents": agents, "tools": tools}))
	}
}

// AtomicWriteJSON writes v to path so that readers observe either the old
// or the new content: the bytes go to <path>.tmp, are fsynced, and renamed
// over path while an exclusive lock on <path>.lock is held.
func (c *Coordinator) AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	return atomicWrite(path, append(data, '\n'))
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: mkdir: %v", domain.ErrIO, err)
	}

	unlock, err := lockFile(path + ".lock")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	defer unlock()

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: open temp: %v", domain.ErrIO, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: write temp: %v", domain.ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: fsync: %v", domain.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close temp: %v", domain.ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename: %v", domain.ErrIO, err)
	}
	return nil
}

// Watch marks the registry stale as soon as another writer replaces either
// catalog. It returns once the watcher is installed; watching stops when
// ctx is done.
func (c *Coordinator) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dirs := map[string]bool{
		filepath.Dir(c.AgentsPath()): true,
		filepath.Dir(c.ToolsPath()):  true,
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}

	targets := map[string]bool{
		filepath.Clean(c.AgentsPath()): true,
		filepath.Clean(c.ToolsPath()):  true,
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if targets[filepath.Clean(ev.Name)] && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)) {
					c.logger.Debug("catalog changed on disk", "file", ev.Name, "op", ev.Op.String())
					c.ForceReload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn("catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}
