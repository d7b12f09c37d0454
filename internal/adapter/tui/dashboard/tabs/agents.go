package tabs

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"agentfabric/internal/adapter/tui/theme"
	"agentfabric/internal/domain"
)

// AgentsModel lists registered agents with their execution statistics.
type AgentsModel struct {
	pane
	Agents []domain.AgentEntry
	width  int
}

// NewAgents creates an agents tab.
func NewAgents() AgentsModel {
	return AgentsModel{}
}

// SetSize sets dimensions.
func (m *AgentsModel) SetSize(w, h int) {
	m.width = w
	m.setSize(w, h)
	m.setContent(m.render())
}

// SetAgents replaces the listed agents.
func (m *AgentsModel) SetAgents(agents []domain.AgentEntry) {
	m.Agents = agents
	m.setContent(m.render())
}

// Update handles scrolling.
func (m AgentsModel) Update(msg tea.Msg) (AgentsModel, tea.Cmd) {
	var cmd tea.Cmd
	m.pane, cmd = m.update(msg)
	return m, cmd
}

// View renders the agents tab.
func (m AgentsModel) View() string {
	return m.view()
}

func (m AgentsModel) render() string {
	var sb strings.Builder
	sb.WriteString(theme.Bold.Render(fmt.Sprintf("  Agents (%d)", len(m.Agents))) + "\n")
	if len(m.Agents) == 0 {
		sb.WriteString(theme.TextMuted.Render("  No agents registered") + "\n")
		return sb.String()
	}

	sb.WriteString(fmt.Sprintf("  %-24s %-14s %-6s %-8s %-30s %s\n",
		theme.Dim.Render("Name"),
		theme.Dim.Render("Status"),
		theme.Dim.Render("Runs"),
		theme.Dim.Render("Avg(s)"),
		theme.Dim.Render("Tools"),
		theme.Dim.Render("Source"),
	))
	if m.width > 6 {
		sb.WriteString("  " + strings.Repeat("─", m.width-6) + "\n")
	}

	for _, a := range m.Agents {
		source := "generated"
		if a.IsPrebuilt {
			source = "prebuilt"
		}
		sb.WriteString(fmt.Sprintf("  %-24s %-14s %-6d %-8.2f %-30s %s\n",
			truncate(a.Name, 24),
			theme.Status(string(a.Status)),
			a.ExecutionCount,
			a.AvgExecutionTime,
			truncate(strings.Join(a.UsesTools, ", "), 30),
			theme.TextMuted.Render(source),
		))
		if a.Description != "" {
			sb.WriteString("    " + theme.TextMuted.Render(truncate(a.Description, max(m.width-6, 20))) + "\n")
		}
	}
	return sb.String()
}
