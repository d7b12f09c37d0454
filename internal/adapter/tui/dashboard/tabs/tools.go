package tabs

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"agentfabric/internal/adapter/tui/theme"
	"agentfabric/internal/domain"
)

// ToolsModel lists registered tools and the agents that use them.
type ToolsModel struct {
	pane
	Tools []domain.ToolEntry
	width int
}

// NewTools creates a tools tab.
func NewTools() ToolsModel {
	return ToolsModel{}
}

// SetSize sets dimensions.
func (m *ToolsModel) SetSize(w, h int) {
	m.width = w
	m.setSize(w, h)
	m.setContent(m.render())
}

// SetTools replaces the listed tools.
func (m *ToolsModel) SetTools(tools []domain.ToolEntry) {
	m.Tools = tools
	m.setContent(m.render())
}

// Update handles scrolling.
func (m ToolsModel) Update(msg tea.Msg) (ToolsModel, tea.Cmd) {
	var cmd tea.Cmd
	m.pane, cmd = m.update(msg)
	return m, cmd
}

// View renders the tools tab.
func (m ToolsModel) View() string {
	return m.view()
}

func (m ToolsModel) render() string {
	var sb strings.Builder
	sb.WriteString(theme.Bold.Render(fmt.Sprintf("  Tools (%d)", len(m.Tools))) + "\n")
	if len(m.Tools) == 0 {
		sb.WriteString(theme.TextMuted.Render("  No tools registered") + "\n")
		return sb.String()
	}

	sb.WriteString(fmt.Sprintf("  %-24s %-14s %-5s %-6s %s\n",
		theme.Dim.Render("Name"),
		theme.Dim.Render("Status"),
		theme.Dim.Render("Pure"),
		theme.Dim.Render("Lines"),
		theme.Dim.Render("Used by"),
	))
	if m.width > 6 {
		sb.WriteString("  " + strings.Repeat("─", m.width-6) + "\n")
	}

	for _, t := range m.Tools {
		pure := theme.TextMuted.Render("no")
		if t.IsPure {
			pure = theme.TextSuccess.Render("yes")
		}
		usedBy := theme.TextWarning.Render("unused")
		if len(t.UsedByAgents) > 0 {
			usedBy = truncate(strings.Join(t.UsedByAgents, ", "), 40)
		}
		sb.WriteString(fmt.Sprintf("  %-24s %-14s %-5s %-6d %s\n",
			truncate(t.Name, 24),
			theme.Status(string(t.Status)),
			pure,
			t.LineCount,
			usedBy,
		))
	}
	return sb.String()
}
