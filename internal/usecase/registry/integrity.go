package registry

import (
	"math"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"agentfabric/internal/domain"
)

// DependencyGraph describes how agents and tools reference each other.
type DependencyGraph struct {
	AgentsToTools map[string][]string `json:"agents_to_tools"`
	ToolsToAgents map[string][]string `json:"tools_to_agents"`
	// MissingDependencies maps an agent to the tools it names that are not
	// registered and active.
	MissingDependencies map[string][]string `json:"missing_dependencies"`
	UnusedTools         []string            `json:"unused_tools"`
	// AgentChains maps an agent to the agents that could consume its output.
	AgentChains map[string][]string `json:"agent_chains"`
}

// DependencyGraph builds the current graph.
func (r *Registry) DependencyGraph() DependencyGraph {
	s := r.Snapshot()

	g := DependencyGraph{
		AgentsToTools:       make(map[string][]string, len(s.Agents)),
		ToolsToAgents:       make(map[string][]string, len(s.Tools)),
		MissingDependencies: make(map[string][]string),
		UnusedTools:         []string{},
		AgentChains:         make(map[string][]string),
	}

	for name, a := range s.Agents {
		g.AgentsToTools[name] = a.UsesTools
		for _, tn := range a.UsesTools {
			if t, ok := s.Tools[tn]; !ok || !t.Active() {
				g.MissingDependencies[name] = append(g.MissingDependencies[name], tn)
			}
		}
	}
	for name, t := range s.Tools {
		g.ToolsToAgents[name] = t.UsedByAgents
		if len(t.UsedByAgents) == 0 {
			g.UnusedTools = append(g.UnusedTools, name)
		}
	}
	sort.Strings(g.UnusedTools)

	for name, a := range s.Agents {
		var next []string
		for other, b := range s.Agents {
			if other != name && schemasCompatible(a.OutputSchema, b.InputSchema) {
				next = append(next, other)
			}
		}
		if len(next) > 0 {
			sort.Strings(next)
			g.AgentChains[name] = next
		}
	}
	return g
}

// schemasCompatible reports whether output shares a key with input, or input
// accepts anything.
func schemasCompatible(output, input map[string]any) bool {
	for k := range output {
		if _, ok := input[k]; ok {
			return true
		}
	}
	for _, v := range input {
		if s, ok := v.(string); ok && s == "any" {
			return true
		}
	}
	return false
}

// AgentDependencies lists an agent's tools and which of them are missing.
type AgentDependencies struct {
	Tools        []string `json:"tools"`
	MissingTools []string `json:"missing_tools"`
}

// GetAgentDependencies returns the agent's tool dependencies, or false when
// the agent is unknown.
func (r *Registry) GetAgentDependencies(name string) (AgentDependencies, bool) {
	a, ok := r.GetAgent(name)
	if !ok {
		return AgentDependencies{}, false
	}
	deps := AgentDependencies{Tools: slices.Clone(a.UsesTools), MissingTools: []string{}}
	for _, tn := range a.UsesTools {
		if !r.ToolExists(tn) {
			deps.MissingTools = append(deps.MissingTools, tn)
		}
	}
	return deps, true
}

// CanDeleteTool reports whether no agent references the tool.
func (r *Registry) CanDeleteTool(name string) bool {
	t, ok := r.GetTool(name)
	return !ok || len(t.UsedByAgents) == 0
}

// SearchAgents matches query case-insensitively against names and
// descriptions.
func (r *Registry) SearchAgents(query string) []domain.AgentEntry {
	q := strings.ToLower(query)
	var out []domain.AgentEntry
	for _, a := range r.ListAgents(AgentFilter{}) {
		if strings.Contains(strings.ToLower(a.Name), q) || strings.Contains(strings.ToLower(a.Description), q) {
			out = append(out, a)
		}
	}
	return out
}

// SearchTools matches query case-insensitively against names and
// descriptions.
func (r *Registry) SearchTools(query string) []domain.ToolEntry {
	q := strings.ToLower(query)
	var out []domain.ToolEntry
	for _, t := range r.ListTools(ToolFilter{}) {
		if strings.Contains(strings.ToLower(t.Name), q) || strings.Contains(strings.ToLower(t.Description), q) {
			out = append(out, t)
		}
	}
	return out
}

// ValidationReport is the outcome of ValidateAll.
type ValidationReport struct {
	ValidAgents      []string `json:"valid_agents"`
	InvalidAgents    []string `json:"invalid_agents"`
	ValidTools       []string `json:"valid_tools"`
	InvalidTools     []string `json:"invalid_tools"`
	MissingFiles     []string `json:"missing_files"`
	SizeViolations   []string `json:"size_violations"`
	DependencyIssues []string `json:"dependency_issues"`
}

// ValidateAll checks every component's source file, line range and (for
// agents) dependency closure.
func (r *Registry) ValidateAll() ValidationReport {
	s := r.Snapshot()
	lim := r.coord.opts.Limits

	rep := ValidationReport{
		ValidAgents:      []string{},
		InvalidAgents:    []string{},
		ValidTools:       []string{},
		InvalidTools:     []string{},
		MissingFiles:     []string{},
		SizeViolations:   []string{},
		DependencyIssues: []string{},
	}

	for _, name := range sortedKeys(s.Agents) {
		a := s.Agents[name]
		ok := true
		if _, err := os.Stat(r.Path(a.Location)); err != nil {
			rep.MissingFiles = append(rep.MissingFiles, "Agent: "+name+" - "+a.Location)
			ok = false
		}
		if !IsModule(a.Location) && (a.LineCount < lim.MinAgentLines || a.LineCount > lim.MaxAgentLines) {
			rep.SizeViolations = append(rep.SizeViolations, "Agent: "+name)
			ok = false
		}
		var missing []string
		for _, tn := range a.UsesTools {
			if t, found := s.Tools[tn]; !found || !t.Active() {
				missing = append(missing, tn)
			}
		}
		if len(missing) > 0 {
			rep.DependencyIssues = append(rep.DependencyIssues,
				"Agent '"+name+"' missing tools: "+strings.Join(missing, ", "))
			ok = false
		}
		if ok {
			rep.ValidAgents = append(rep.ValidAgents, name)
		} else {
			rep.InvalidAgents = append(rep.InvalidAgents, name)
		}
	}

	for _, name := range sortedKeys(s.Tools) {
		t := s.Tools[name]
		ok := true
		if _, err := os.Stat(r.Path(t.Location)); err != nil {
			rep.MissingFiles = append(rep.MissingFiles, "Tool: "+name+" - "+t.Location)
			ok = false
		}
		if !IsModule(t.Location) && (t.LineCount < lim.MinToolLines || t.LineCount > lim.MaxToolLines) {
			rep.SizeViolations = append(rep.SizeViolations, "Tool: "+name)
			ok = false
		}
		if ok {
			rep.ValidTools = append(rep.ValidTools, name)
		} else {
			rep.InvalidTools = append(rep.InvalidTools, name)
		}
	}
	return rep
}

// Health statuses.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthReport summarizes registry health.
type HealthReport struct {
	Score           float64          `json:"health_score"`
	Status          string           `json:"status"`
	TotalComponents int              `json:"total_components"`
	ValidComponents int              `json:"valid_components"`
	Issues          map[string]int   `json:"issues"`
	Statistics      Statistics       `json:"statistics"`
	Validation      ValidationReport `json:"validation_details"`
}

// HealthCheck scores the registry: half the score is the valid share of
// agents, half the valid share of tools.
func (r *Registry) HealthCheck() HealthReport {
	v := r.ValidateAll()
	totalAgents := len(v.ValidAgents) + len(v.InvalidAgents)
	totalTools := len(v.ValidTools) + len(v.InvalidTools)

	var score float64
	if totalAgents > 0 {
		score += float64(len(v.ValidAgents)) / float64(totalAgents) * 50
	}
	if totalTools > 0 {
		score += float64(len(v.ValidTools)) / float64(totalTools) * 50
	}
	score = round1(score)

	status := HealthUnhealthy
	switch {
	case score >= 80:
		status = HealthHealthy
	case score >= 50:
		status = HealthDegraded
	}

	return HealthReport{
		Score:           score,
		Status:          status,
		TotalComponents: totalAgents + totalTools,
		ValidComponents: len(v.ValidAgents) + len(v.ValidTools),
		Issues: map[string]int{
			"missing_files":     len(v.MissingFiles),
			"size_violations":   len(v.SizeViolations),
			"dependency_issues": len(v.DependencyIssues),
			"invalid_agents":    len(v.InvalidAgents),
			"invalid_tools":     len(v.InvalidTools),
		},
		Statistics: r.Statistics(),
		Validation: v,
	}
}

// Statistics aggregates catalog counters.
type Statistics struct {
	TotalAgents     int     `json:"total_agents"`
	TotalTools      int     `json:"total_tools"`
	ActiveAgents    int     `json:"active_agents"`
	ActiveTools     int     `json:"active_tools"`
	TotalExecutions int     `json:"total_executions"`
	AvgAgentLines   float64 `json:"avg_agent_lines"`
	AvgToolLines    float64 `json:"avg_tool_lines"`
	ToolReuseCount  int     `json:"tool_reuse_count"`
	MostUsedAgent   string  `json:"most_used_agent,omitempty"`
	NewestAgent     string  `json:"newest_agent,omitempty"`
}

// Statistics computes catalog counters.
func (r *Registry) Statistics() Statistics {
	s := r.Snapshot()
	st := Statistics{TotalAgents: len(s.Agents), TotalTools: len(s.Tools)}

	var agentLines, toolLines int
	var newest time.Time
	mostUsed := -1
	for _, name := range sortedKeys(s.Agents) {
		a := s.Agents[name]
		if a.Active() {
			st.ActiveAgents++
		}
		st.TotalExecutions += a.ExecutionCount
		agentLines += a.LineCount
		if a.ExecutionCount > mostUsed {
			mostUsed = a.ExecutionCount
			st.MostUsedAgent = name
		}
		if a.CreatedAt.After(newest) {
			newest = a.CreatedAt
			st.NewestAgent = name
		}
	}
	for _, t := range s.Tools {
		if t.Active() {
			st.ActiveTools++
		}
		toolLines += t.LineCount
		st.ToolReuseCount += len(t.UsedByAgents)
	}
	st.AvgAgentLines = round1(float64(agentLines) / float64(max(len(s.Agents), 1)))
	st.AvgToolLines = round1(float64(toolLines) / float64(max(len(s.Tools), 1)))
	return st
}

// UsageEntry pairs a component with a usage count.
type UsageEntry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// UsageAnalytics reports the most used components and size metrics.
type UsageAnalytics struct {
	TotalAgents          int          `json:"total_agents"`
	MostUsedAgents       []UsageEntry `json:"most_used_agents"`
	TotalExecutions      int          `json:"total_executions"`
	AverageExecutionTime float64      `json:"average_execution_time"`
	TotalTools           int          `json:"total_tools"`
	MostReusedTools      []UsageEntry `json:"most_reused_tools"`
	UnusedTools          []string     `json:"unused_tools"`
	AvgAgentSize         float64      `json:"avg_agent_size"`
	AvgToolSize          float64      `json:"avg_tool_size"`
	AvgToolsPerAgent     float64      `json:"avg_tools_per_agent"`
}

const topN = 5

// UsageAnalytics computes usage analytics.
func (r *Registry) UsageAnalytics() UsageAnalytics {
	s := r.Snapshot()
	u := UsageAnalytics{
		TotalAgents:     len(s.Agents),
		TotalTools:      len(s.Tools),
		MostUsedAgents:  []UsageEntry{},
		MostReusedTools: []UsageEntry{},
		UnusedTools:     []string{},
	}

	var sumTime float64
	var agentLines, toolsPerAgent int
	for _, name := range sortedKeys(s.Agents) {
		a := s.Agents[name]
		u.MostUsedAgents = append(u.MostUsedAgents, UsageEntry{Name: name, Count: a.ExecutionCount})
		u.TotalExecutions += a.ExecutionCount
		sumTime += a.AvgExecutionTime
		agentLines += a.LineCount
		toolsPerAgent += len(a.UsesTools)
	}
	var toolLines int
	for _, name := range sortedKeys(s.Tools) {
		t := s.Tools[name]
		u.MostReusedTools = append(u.MostReusedTools, UsageEntry{Name: name, Count: len(t.UsedByAgents)})
		if len(t.UsedByAgents) == 0 {
			u.UnusedTools = append(u.UnusedTools, name)
		}
		toolLines += t.LineCount
	}

	byCount := func(list []UsageEntry) []UsageEntry {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Count > list[j].Count })
		if len(list) > topN {
			list = list[:topN]
		}
		return list
	}
	u.MostUsedAgents = byCount(u.MostUsedAgents)
	u.MostReusedTools = byCount(u.MostReusedTools)

	na := float64(max(len(s.Agents), 1))
	u.AverageExecutionTime = math.Round(sumTime/na*100) / 100
	u.AvgAgentSize = round1(float64(agentLines) / na)
	u.AvgToolSize = round1(float64(toolLines) / float64(max(len(s.Tools), 1)))
	u.AvgToolsPerAgent = round1(float64(toolsPerAgent) / na)
	return u
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
