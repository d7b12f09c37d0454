package registry

import (
	"fmt"
	"strings"
	"time"
)

// ExportMarkdown renders a registry report as markdown.
func (r *Registry) ExportMarkdown() string {
	health := r.HealthCheck()
	analytics := r.UsageAnalytics()
	s := r.Snapshot()

	var b strings.Builder
	b.WriteString("# Agent Fabric Registry Report\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	b.WriteString("## System Health\n\n")
	fmt.Fprintf(&b, "- **Health Score**: %.1f/100\n", health.Score)
	fmt.Fprintf(&b, "- **Status**: %s\n", strings.ToUpper(health.Status))
	fmt.Fprintf(&b, "- **Total Components**: %d\n", health.TotalComponents)
	fmt.Fprintf(&b, "- **Valid Components**: %d\n\n", health.ValidComponents)

	b.WriteString("## Registered Agents\n\n")
	for _, name := range sortedKeys(s.Agents) {
		a := s.Agents[name]
		fmt.Fprintf(&b, "### %s\n\n", name)
		fmt.Fprintf(&b, "- **Description**: %s\n", orNA(a.Description))
		fmt.Fprintf(&b, "- **Status**: %s\n", a.Status)
		fmt.Fprintf(&b, "- **Tools Used**: %s\n", orNone(strings.Join(a.UsesTools, ", ")))
		fmt.Fprintf(&b, "- **Executions**: %d\n", a.ExecutionCount)
		fmt.Fprintf(&b, "- **Lines**: %d\n\n", a.LineCount)
	}

	b.WriteString("## Registered Tools\n\n")
	for _, name := range sortedKeys(s.Tools) {
		t := s.Tools[name]
		fmt.Fprintf(&b, "### %s\n\n", name)
		fmt.Fprintf(&b, "- **Description**: %s\n", orNA(t.Description))
		fmt.Fprintf(&b, "- **Status**: %s\n", t.Status)
		fmt.Fprintf(&b, "- **Used By**: %s\n", orNone(strings.Join(t.UsedByAgents, ", ")))
		fmt.Fprintf(&b, "- **Lines**: %d\n\n", t.LineCount)
	}

	b.WriteString("## Usage Analytics\n\n")
	fmt.Fprintf(&b, "- **Total Executions**: %d\n", analytics.TotalExecutions)
	fmt.Fprintf(&b, "- **Average Agent Size**: %.1f lines\n", analytics.AvgAgentSize)
	fmt.Fprintf(&b, "- **Average Tool Size**: %.1f lines\n", analytics.AvgToolSize)
	if len(analytics.UnusedTools) > 0 {
		fmt.Fprintf(&b, "- **Unused Tools**: %s\n", strings.Join(analytics.UnusedTools, ", "))
	}
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
