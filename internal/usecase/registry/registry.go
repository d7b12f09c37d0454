// Package registry holds the agent and tool catalogs.
package registry

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"agentfabric/internal/domain"
)

type agentCatalog struct {
	Agents map[string]domain.AgentEntry `json:"agents"`
}

type toolCatalog struct {
	Tools map[string]domain.ToolEntry `json:"tools"`
}

// Registry is the in-memory view of agents.json and tools.json. Obtain it
// through Coordinator.Registry.
type Registry struct {
	coord  *Coordinator
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]domain.AgentEntry
	tools  map[string]domain.ToolEntry
}

func newRegistry(c *Coordinator) *Registry {
	return &Registry{
		coord:  c,
		logger: c.logger,
		agents: make(map[string]domain.AgentEntry),
		tools:  make(map[string]domain.ToolEntry),
	}
}

// load replaces both maps with the on-disk catalogs. A missing file is an
// empty catalog; a corrupt one is logged and treated as empty.
func (r *Registry) load() {
	var ac agentCatalog
	r.readCatalog(r.coord.AgentsPath(), &ac)
	var tc toolCatalog
	r.readCatalog(r.coord.ToolsPath(), &tc)

	if ac.Agents == nil {
		ac.Agents = make(map[string]domain.AgentEntry)
	}
	if tc.Tools == nil {
		tc.Tools = make(map[string]domain.ToolEntry)
	}
	for name, a := range ac.Agents {
		if a.Name == "" {
			a.Name = name
		}
		if a.UsesTools == nil {
			a.UsesTools = []string{}
		}
		ac.Agents[name] = a
	}
	for name, t := range tc.Tools {
		if t.Name == "" {
			t.Name = name
		}
		if t.UsedByAgents == nil {
			t.UsedByAgents = []string{}
		}
		tc.Tools[name] = t
	}

	r.mu.Lock()
	r.agents = ac.Agents
	r.tools = tc.Tools
	r.mu.Unlock()
}

func (r *Registry) readCatalog(path string, v any) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("catalog unreadable, using empty skeleton", "path", path, "error", err)
		}
		return
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		r.logger.Error("catalog corrupt, using empty skeleton", "path", path, "error", err)
	}
}

func (r *Registry) counts() (agents, tools int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents), len(r.tools)
}

func (r *Registry) saveAgentsLocked() error {
	return r.coord.AtomicWriteJSON(r.coord.AgentsPath(), agentCatalog{Agents: r.agents})
}

func (r *Registry) saveToolsLocked() error {
	return r.coord.AtomicWriteJSON(r.coord.ToolsPath(), toolCatalog{Tools: r.tools})
}

// CountLines returns the number of lines in code after trimming surrounding
// whitespace. Empty code has zero lines.
func CountLines(code string) int {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, "\n") + 1
}

// CodeVersion derives a short version string from the code's blake2b hash.
func CodeVersion(code string) string {
	sum := blake2b.Sum256([]byte(code))
	return "1.0." + hex.EncodeToString(sum[:])[:8]
}

// ToolLocation is the root-relative path of a tool's source file.
func ToolLocation(name string, prebuilt bool) string {
	return filepath.ToSlash(filepath.Join(originDir(prebuilt), "tools", name+".py"))
}

// AgentLocation is the root-relative path of an agent's source file.
func AgentLocation(name string, prebuilt bool) string {
	return filepath.ToSlash(filepath.Join(originDir(prebuilt), "agents", name+"_agent.py"))
}

// ModuleLocation is the root-relative path of a component compiled to a
// WASI module.
func ModuleLocation(kind domain.ComponentKind, name string, prebuilt bool) string {
	if kind == domain.KindAgent {
		return filepath.ToSlash(filepath.Join(originDir(prebuilt), "agents", name+"_agent.wasm"))
	}
	return filepath.ToSlash(filepath.Join(originDir(prebuilt), "tools", name+".wasm"))
}

// IsModule reports whether location holds a WASI module rather than source.
func IsModule(location string) bool {
	return strings.EqualFold(filepath.Ext(location), ".wasm")
}

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// payload picks what gets written for a component: its module when one is
// given, else its source, which must fit the line range.
func payload(kind domain.ComponentKind, name, code string, module []byte, lo, hi int) (content []byte, lines int, res *domain.RegistrationResult) {
	if len(module) > 0 {
		if !bytes.HasPrefix(module, wasmMagic) {
			f := failure(name, domain.CodeValidation, "%s %s: module is not a WebAssembly binary", kind, name)
			return nil, 0, &f
		}
		return module, 0, nil
	}
	lines = CountLines(code)
	if lines < lo || lines > hi {
		f := failure(name, domain.CodeInvalidSize, "%s %s has %d lines, expected %d-%d", kind, name, lines, lo, hi)
		return nil, lines, &f
	}
	return []byte(code), lines, nil
}

func originDir(prebuilt bool) string {
	if prebuilt {
		return "prebuilt"
	}
	return "generated"
}

func signatureOf(code string) string {
	for _, line := range strings.Split(code, "\n") {
		if strings.HasPrefix(line, "def ") {
			return strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, "def ")), ":")
		}
	}
	return ""
}

func failure(name string, code domain.ErrorCode, format string, args ...any) domain.RegistrationResult {
	return domain.RegistrationResult{
		Status:  "error",
		Name:    name,
		Error:   code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Path resolves a stored location against the project root.
func (r *Registry) Path(location string) string {
	return r.coord.opts.resolve(filepath.FromSlash(location))
}

// Source reads the code stored at location.
func (r *Registry) Source(location string) (string, error) {
	data, err := os.ReadFile(r.Path(location))
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", domain.ErrIO, location, err)
	}
	return string(data), nil
}

// RegisterTool validates the line range, writes the code file and adds the
// catalog entry. An active tool with the same name is never overwritten.
func (r *Registry) RegisterTool(ctx context.Context, spec domain.ToolSpec) domain.RegistrationResult {
	if err := ctx.Err(); err != nil {
		return failure(spec.Name, domain.CodeTimeout, "%v", err)
	}
	if !domain.ValidName(spec.Name) {
		return failure(spec.Name, domain.CodeValidation, "invalid tool name %q", spec.Name)
	}

	lim := r.coord.opts.Limits
	content, lines, bad := payload(domain.KindTool, spec.Name, spec.Code, spec.Module, lim.MinToolLines, lim.MaxToolLines)
	if bad != nil {
		return *bad
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[spec.Name]; ok && existing.Active() {
		return failure(spec.Name, domain.CodeDuplicate, "tool %s already registered", spec.Name)
	}

	loc := ToolLocation(spec.Name, spec.Prebuilt)
	if len(spec.Module) > 0 {
		loc = ModuleLocation(domain.KindTool, spec.Name, spec.Prebuilt)
	}
	if err := atomicWrite(r.Path(loc), content); err != nil {
		return failure(spec.Name, domain.CodeIO, "%v", err)
	}

	sig := spec.Signature
	switch {
	case sig != "":
	case len(spec.Module) > 0:
		sig = spec.Name + "(input)"
	default:
		sig = signatureOf(spec.Code)
	}
	tags := spec.Tags
	if tags == nil {
		tags = []string{}
	}
	createdBy := "tool_factory"
	switch {
	case spec.Prebuilt:
		createdBy = "system"
	case len(spec.Module) > 0:
		createdBy = "import"
	}

	var usedBy []string
	if prev, ok := r.tools[spec.Name]; ok {
		usedBy = prev.UsedByAgents
	}
	if usedBy == nil {
		usedBy = []string{}
	}

	entry := domain.ToolEntry{
		Name:         spec.Name,
		Description:  spec.Description,
		Signature:    sig,
		Location:     loc,
		Version:      CodeVersion(string(content)),
		Status:       domain.StatusActive,
		IsPure:       spec.IsPure,
		UsedByAgents: usedBy,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    createdBy,
		Tags:         tags,
		LineCount:    lines,
		IsPrebuilt:   spec.Prebuilt,
	}
	r.tools[spec.Name] = entry
	if err := r.saveToolsLocked(); err != nil {
		return failure(spec.Name, domain.CodeIO, "%v", err)
	}
	r.coord.ForceReload()

	r.logger.Info("tool registered", "tool", spec.Name, "lines", lines, "location", loc)
	return domain.RegistrationResult{
		Status:    "success",
		Name:      spec.Name,
		Location:  loc,
		LineCount: lines,
		Version:   entry.Version,
	}
}

// RegisterAgent validates the line range, writes the code file, adds the
// catalog entry and records the agent on every tool it uses.
func (r *Registry) RegisterAgent(ctx context.Context, spec domain.AgentSpec) domain.RegistrationResult {
	if err := ctx.Err(); err != nil {
		return failure(spec.Name, domain.CodeTimeout, "%v", err)
	}
	if !domain.ValidName(spec.Name) {
		return failure(spec.Name, domain.CodeValidation, "invalid agent name %q", spec.Name)
	}

	lim := r.coord.opts.Limits
	content, lines, bad := payload(domain.KindAgent, spec.Name, spec.Code, spec.Module, lim.MinAgentLines, lim.MaxAgentLines)
	if bad != nil {
		return *bad
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[spec.Name]; ok && existing.Active() {
		return failure(spec.Name, domain.CodeDuplicate, "agent %s already registered", spec.Name)
	}

	loc := AgentLocation(spec.Name, spec.Prebuilt)
	if len(spec.Module) > 0 {
		loc = ModuleLocation(domain.KindAgent, spec.Name, spec.Prebuilt)
	}
	if err := atomicWrite(r.Path(loc), content); err != nil {
		return failure(spec.Name, domain.CodeIO, "%v", err)
	}

	uses := slices.Clone(spec.UsesTools)
	if uses == nil {
		uses = []string{}
	}
	tags := spec.Tags
	if tags == nil {
		tags = []string{}
	}
	in, out := spec.InputSchema, spec.OutputSchema
	if in == nil {
		in = map[string]any{}
	}
	if out == nil {
		out = map[string]any{}
	}
	createdBy := "agent_factory"
	switch {
	case spec.Prebuilt:
		createdBy = "system"
	case len(spec.Module) > 0:
		createdBy = "import"
	}

	entry := domain.AgentEntry{
		Name:            spec.Name,
		Description:     spec.Description,
		UsesTools:       uses,
		InputSchema:     in,
		OutputSchema:    out,
		Location:        loc,
		Version:         CodeVersion(string(content)),
		Status:          domain.StatusActive,
		CreatedAt:       time.Now().UTC(),
		CreatedBy:       createdBy,
		Tags:            tags,
		LineCount:       lines,
		IsPrebuilt:      spec.Prebuilt,
		PipelineContext: spec.PipelineContext,
	}
	r.agents[spec.Name] = entry

	toolsChanged := false
	for _, tn := range uses {
		t, ok := r.tools[tn]
		if !ok {
			r.logger.Warn("agent uses unregistered tool", "agent", spec.Name, "tool", tn)
			continue
		}
		if !slices.Contains(t.UsedByAgents, spec.Name) {
			t.UsedByAgents = append(t.UsedByAgents, spec.Name)
			r.tools[tn] = t
			toolsChanged = true
		}
	}

	if err := r.saveAgentsLocked(); err != nil {
		return failure(spec.Name, domain.CodeIO, "%v", err)
	}
	if toolsChanged {
		if err := r.saveToolsLocked(); err != nil {
			return failure(spec.Name, domain.CodeIO, "%v", err)
		}
	}
	r.coord.ForceReload()

	r.logger.Info("agent registered", "agent", spec.Name, "lines", lines, "tools", len(uses))
	return domain.RegistrationResult{
		Status:    "success",
		Name:      spec.Name,
		Location:  loc,
		LineCount: lines,
		Version:   entry.Version,
	}
}

// GetAgent returns the agent entry regardless of status.
func (r *Registry) GetAgent(name string) (domain.AgentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// GetTool returns the tool entry regardless of status.
func (r *Registry) GetTool(name string) (domain.ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// AgentExists reports whether name is present and active.
func (r *Registry) AgentExists(name string) bool {
	a, ok := r.GetAgent(name)
	return ok && a.Active()
}

// ToolExists reports whether name is present and active.
func (r *Registry) ToolExists(name string) bool {
	t, ok := r.GetTool(name)
	return ok && t.Active()
}

// AgentFilter narrows ListAgents. Tags match when any tag is shared.
type AgentFilter struct {
	Tags       []string
	ActiveOnly bool
}

// ToolFilter narrows ListTools.
type ToolFilter struct {
	Tags     []string
	PureOnly bool
}

func anyTag(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}

// ListAgents returns matching agents sorted by name.
func (r *Registry) ListAgents(f AgentFilter) []domain.AgentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AgentEntry, 0, len(r.agents))
	for _, a := range r.agents {
		if f.ActiveOnly && !a.Active() {
			continue
		}
		if !anyTag(a.Tags, f.Tags) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListTools returns matching tools sorted by name.
func (r *Registry) ListTools(f ToolFilter) []domain.ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ToolEntry, 0, len(r.tools))
	for _, t := range r.tools {
		if f.PureOnly && !t.IsPure {
			continue
		}
		if !anyTag(t.Tags, f.Tags) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot is a read-only copy of both catalogs.
type Snapshot struct {
	Agents map[string]domain.AgentEntry
	Tools  map[string]domain.ToolEntry
}

// Snapshot copies both catalogs so callers can iterate without holding the
// registry lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		Agents: make(map[string]domain.AgentEntry, len(r.agents)),
		Tools:  make(map[string]domain.ToolEntry, len(r.tools)),
	}
	for k, v := range r.agents {
		v.UsesTools = slices.Clone(v.UsesTools)
		v.Tags = slices.Clone(v.Tags)
		s.Agents[k] = v
	}
	for k, v := range r.tools {
		v.UsedByAgents = slices.Clone(v.UsedByAgents)
		v.Tags = slices.Clone(v.Tags)
		s.Tools[k] = v
	}
	return s
}

// UpdateAgentMetrics folds one execution of seconds into the agent's
// running average.
func (r *Registry) UpdateAgentMetrics(name string, seconds float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[name]
	if !ok {
		return domain.NewSubSystemError("registry", "update_agent_metrics", domain.ErrNotFound, name)
	}
	total := a.AvgExecutionTime*float64(a.ExecutionCount) + seconds
	a.ExecutionCount++
	a.AvgExecutionTime = math.Round(total/float64(a.ExecutionCount)*1000) / 1000
	now := time.Now().UTC()
	a.LastExecuted = &now
	r.agents[name] = a

	return r.saveAgentsLocked()
}

// SetAgentStatus changes an agent's lifecycle status.
func (r *Registry) SetAgentStatus(name string, status domain.ComponentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[name]
	if !ok {
		return domain.NewSubSystemError("registry", "set_agent_status", domain.ErrNotFound, name)
	}
	a.Status = status
	r.agents[name] = a
	if err := r.saveAgentsLocked(); err != nil {
		return err
	}
	r.coord.ForceReload()
	return nil
}

// SetToolStatus changes a tool's lifecycle status.
func (r *Registry) SetToolStatus(name string, status domain.ComponentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tools[name]
	if !ok {
		return domain.NewSubSystemError("registry", "set_tool_status", domain.ErrNotFound, name)
	}
	t.Status = status
	if status == domain.StatusDeprecated {
		now := time.Now().UTC()
		t.DeprecatedAt = &now
	}
	r.tools[name] = t
	if err := r.saveToolsLocked(); err != nil {
		return err
	}
	r.coord.ForceReload()
	return nil
}
