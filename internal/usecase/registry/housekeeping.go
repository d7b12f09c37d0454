package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"agentfabric/internal/domain"
)

const backupTimeLayout = "20060102_150405"

// BackupMetadata is written next to the catalog copies.
type BackupMetadata struct {
	Timestamp time.Time  `json:"timestamp"`
	Tag       string     `json:"tag,omitempty"`
	Stats     Statistics `json:"stats"`
}

// BackupInfo identifies one backup directory.
type BackupInfo struct {
	Name     string         `json:"name"`
	Path     string         `json:"path"`
	Metadata BackupMetadata `json:"metadata"`
}

func (r *Registry) backupRoot() string {
	return r.coord.opts.resolve(r.coord.opts.BackupDir)
}

// BackupRegistries copies both catalogs byte-for-byte into
// backups/backup_<YYYYMMDD_HHMMSS>[_<tag>].
func (r *Registry) BackupRegistries(ctx context.Context, tag string) (BackupInfo, error) {
	if err := ctx.Err(); err != nil {
		return BackupInfo{}, err
	}
	if tag != "" && !domain.ValidName(tag) {
		return BackupInfo{}, domain.NewSubSystemError("registry", "backup", domain.ErrInvalidInput, "tag "+tag)
	}

	now := time.Now()
	name := "backup_" + now.Format(backupTimeLayout)
	if tag != "" {
		name += "_" + tag
	}
	dir := filepath.Join(r.backupRoot(), name)
	for i := 2; ; i++ {
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			break
		}
		dir = filepath.Join(r.backupRoot(), fmt.Sprintf("%s_%d", name, i))
	}
	name = filepath.Base(dir)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return BackupInfo{}, fmt.Errorf("%w: create backup dir: %v", domain.ErrIO, err)
	}

	if err := r.copyCatalog(r.coord.AgentsPath(), filepath.Join(dir, "agents.json"), func() any {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return agentCatalog{Agents: r.agents}
	}); err != nil {
		return BackupInfo{}, err
	}
	if err := r.copyCatalog(r.coord.ToolsPath(), filepath.Join(dir, "tools.json"), func() any {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return toolCatalog{Tools: r.tools}
	}); err != nil {
		return BackupInfo{}, err
	}

	meta := BackupMetadata{Timestamp: now.UTC(), Tag: tag, Stats: r.Statistics()}
	if err := r.coord.AtomicWriteJSON(filepath.Join(dir, "metadata.json"), meta); err != nil {
		return BackupInfo{}, err
	}

	if r.coord.bus != nil {
		r.coord.bus.Publish(ctx, domain.NewEvent(domain.EventRegistryBackup, "", map[string]string{"name": name, "tag": tag}))
	}
	r.logger.Info("registry backup created", "name", name)
	return BackupInfo{Name: name, Path: dir, Metadata: meta}, nil
}

// copyCatalog copies src to dst, or writes the in-memory skeleton when src
// has never been written.
func (r *Registry) copyCatalog(src, dst string, skeleton func() any) error {
	data, err := os.ReadFile(src)
	if errors.Is(err, os.ErrNotExist) {
		return r.coord.AtomicWriteJSON(dst, skeleton())
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", domain.ErrIO, src, err)
	}
	return atomicWrite(dst, data)
}

// RestoreRegistries replaces both catalogs with the named backup and
// reloads them.
func (r *Registry) RestoreRegistries(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return domain.NewSubSystemError("registry", "restore", domain.ErrInvalidInput, "backup name "+name)
	}

	dir := filepath.Join(r.backupRoot(), name)
	agents, err := os.ReadFile(filepath.Join(dir, "agents.json"))
	if err != nil {
		return domain.NewSubSystemError("registry", "restore", domain.ErrNotFound, name)
	}
	tools, err := os.ReadFile(filepath.Join(dir, "tools.json"))
	if err != nil {
		return domain.NewSubSystemError("registry", "restore", domain.ErrNotFound, name)
	}

	if err := atomicWrite(r.coord.AgentsPath(), agents); err != nil {
		return err
	}
	if err := atomicWrite(r.coord.ToolsPath(), tools); err != nil {
		return err
	}

	r.load()
	r.coord.ForceReload()
	r.logger.Info("registry restored", "backup", name)
	return nil
}

// ListBackups returns available backups, newest first.
func (r *Registry) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(r.backupRoot())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list backups: %v", domain.ErrIO, err)
	}

	var out []BackupInfo
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "backup_") {
			continue
		}
		info := BackupInfo{Name: e.Name(), Path: filepath.Join(r.backupRoot(), e.Name())}
		if data, err := os.ReadFile(filepath.Join(info.Path, "metadata.json")); err == nil {
			_ = json.Unmarshal(data, &info.Metadata)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// OptimizeReport lists what OptimizeRegistry found and changed.
type OptimizeReport struct {
	UnusedTools      []string `json:"unused_tools"`
	BrokenAgents     []string `json:"broken_agents"`
	BrokenTools      []string `json:"broken_tools"`
	MissingFiles     []string `json:"missing_files"`
	DependencyIssues []string `json:"dependency_issues"`
	Status           string   `json:"status"`
}

// OptimizeRegistry deprecates unused tools and marks components broken when
// their file is gone or, for agents, a tool dependency is not active. With
// dryRun nothing is written.
func (r *Registry) OptimizeRegistry(ctx context.Context, dryRun bool) (OptimizeReport, error) {
	if err := ctx.Err(); err != nil {
		return OptimizeReport{}, err
	}

	rep := OptimizeReport{
		UnusedTools:      []string{},
		BrokenAgents:     []string{},
		BrokenTools:      []string{},
		MissingFiles:     []string{},
		DependencyIssues: []string{},
		Status:           "dry_run",
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, name := range sortedKeys(r.tools) {
		t := r.tools[name]
		if t.Status == domain.StatusBroken {
			continue
		}
		if _, err := os.Stat(r.Path(t.Location)); err != nil {
			rep.BrokenTools = append(rep.BrokenTools, name)
			rep.MissingFiles = append(rep.MissingFiles, t.Location)
			t.Status = domain.StatusBroken
		} else if t.Active() && len(t.UsedByAgents) == 0 && !t.IsPrebuilt {
			rep.UnusedTools = append(rep.UnusedTools, name)
			t.Status = domain.StatusDeprecated
			t.DeprecatedAt = &now
		}
		if !dryRun {
			r.tools[name] = t
		}
	}

	for _, name := range sortedKeys(r.agents) {
		a := r.agents[name]
		if a.Status == domain.StatusBroken {
			continue
		}
		broken := false
		if _, err := os.Stat(r.Path(a.Location)); err != nil {
			rep.MissingFiles = append(rep.MissingFiles, a.Location)
			broken = true
		}
		for _, tn := range a.UsesTools {
			t, ok := r.tools[tn]
			if !ok || t.Status == domain.StatusBroken || slices.Contains(rep.BrokenTools, tn) {
				rep.DependencyIssues = append(rep.DependencyIssues,
					fmt.Sprintf("agent %s depends on unavailable tool %s", name, tn))
				broken = true
			}
		}
		if broken {
			rep.BrokenAgents = append(rep.BrokenAgents, name)
			if !dryRun {
				a.Status = domain.StatusBroken
				r.agents[name] = a
			}
		}
	}

	if dryRun {
		return rep, nil
	}
	if err := r.saveToolsLocked(); err != nil {
		return rep, err
	}
	if err := r.saveAgentsLocked(); err != nil {
		return rep, err
	}
	r.coord.ForceReload()
	rep.Status = "optimized"
	r.logger.Info("registry optimized",
		"deprecated_tools", len(rep.UnusedTools),
		"broken_agents", len(rep.BrokenAgents),
		"broken_tools", len(rep.BrokenTools))
	return rep, nil
}

// CleanupReport lists purged components.
type CleanupReport struct {
	RemovedAgents []string `json:"removed_agents"`
	RemovedTools  []string `json:"removed_tools"`
	// Retained lists deprecated tools kept because an active agent uses them.
	Retained []string `json:"retained"`
}

// CleanupDeprecated removes deprecated and broken components along with
// their source files. A tool still referenced by an active agent is kept.
func (r *Registry) CleanupDeprecated(ctx context.Context) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}

	rep := CleanupReport{RemovedAgents: []string{}, RemovedTools: []string{}, Retained: []string{}}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range sortedKeys(r.agents) {
		a := r.agents[name]
		if a.Active() {
			continue
		}
		r.removeFile(a.Location)
		delete(r.agents, name)
		rep.RemovedAgents = append(rep.RemovedAgents, name)
		for _, tn := range a.UsesTools {
			if t, ok := r.tools[tn]; ok {
				t.UsedByAgents = slices.DeleteFunc(t.UsedByAgents, func(n string) bool { return n == name })
				r.tools[tn] = t
			}
		}
	}

	inUse := make(map[string]bool)
	for _, a := range r.agents {
		if a.Active() {
			for _, tn := range a.UsesTools {
				inUse[tn] = true
			}
		}
	}
	for _, name := range sortedKeys(r.tools) {
		t := r.tools[name]
		if t.Active() {
			continue
		}
		if inUse[name] {
			rep.Retained = append(rep.Retained, name)
			continue
		}
		r.removeFile(t.Location)
		delete(r.tools, name)
		rep.RemovedTools = append(rep.RemovedTools, name)
	}

	if err := r.saveAgentsLocked(); err != nil {
		return rep, err
	}
	if err := r.saveToolsLocked(); err != nil {
		return rep, err
	}
	r.coord.ForceReload()
	r.logger.Info("deprecated components purged", "agents", len(rep.RemovedAgents), "tools", len(rep.RemovedTools))
	return rep, nil
}

func (r *Registry) removeFile(location string) {
	if location == "" {
		return
	}
	if err := os.Remove(r.Path(location)); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("remove component file failed", "location", location, "error", err)
	}
}
