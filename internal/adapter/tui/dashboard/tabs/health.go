package tabs

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"agentfabric/internal/adapter/tui/theme"
	"agentfabric/internal/usecase/registry"
)

// HealthModel shows the registry health score, issue counts and statistics.
type HealthModel struct {
	pane
	Report registry.HealthReport
	loaded bool
}

// NewHealth creates a health tab.
func NewHealth() HealthModel {
	return HealthModel{}
}

// SetSize sets dimensions.
func (m *HealthModel) SetSize(w, h int) {
	m.setSize(w, h)
	m.setContent(m.render())
}

// SetReport replaces the displayed health report.
func (m *HealthModel) SetReport(r registry.HealthReport) {
	m.Report = r
	m.loaded = true
	m.setContent(m.render())
}

// Update handles scrolling.
func (m HealthModel) Update(msg tea.Msg) (HealthModel, tea.Cmd) {
	var cmd tea.Cmd
	m.pane, cmd = m.update(msg)
	return m, cmd
}

// View renders the health tab.
func (m HealthModel) View() string {
	return m.view()
}

func (m HealthModel) render() string {
	if !m.loaded {
		return theme.TextMuted.Render("  Loading registry...")
	}
	r := m.Report
	var sb strings.Builder

	sb.WriteString(theme.Bold.Render("  Health") + "\n")
	sb.WriteString(fmt.Sprintf("  %s  %s  %s\n\n",
		theme.StatValue.Render(fmt.Sprintf("%.1f%%", r.Score)),
		theme.Status(r.Status),
		theme.TextMuted.Render(fmt.Sprintf("%d/%d components valid", r.ValidComponents, r.TotalComponents)),
	))

	sb.WriteString(theme.Bold.Render("  Issues") + "\n")
	keys := make([]string, 0, len(r.Issues))
	for k := range r.Issues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		n := r.Issues[k]
		count := theme.TextSuccess.Render("0")
		if n > 0 {
			count = theme.TextError.Render(fmt.Sprintf("%d", n))
		}
		sb.WriteString(fmt.Sprintf("  %-20s %s\n", strings.ReplaceAll(k, "_", " "), count))
	}
	for _, issue := range r.Validation.DependencyIssues {
		sb.WriteString("    " + theme.TextWarning.Render(theme.Glyphs.Warning+" "+issue) + "\n")
	}
	sb.WriteString("\n")

	st := r.Statistics
	sb.WriteString(theme.Bold.Render("  Statistics") + "\n")
	stats := []struct {
		label string
		value string
	}{
		{"Agents", fmt.Sprintf("%d/%d", st.ActiveAgents, st.TotalAgents)},
		{"Tools", fmt.Sprintf("%d/%d", st.ActiveTools, st.TotalTools)},
		{"Executions", fmt.Sprintf("%d", st.TotalExecutions)},
		{"Tool reuse", fmt.Sprintf("%d", st.ToolReuseCount)},
		{"Avg agent lines", fmt.Sprintf("%.0f", st.AvgAgentLines)},
	}
	var statParts []string
	for _, s := range stats {
		statParts = append(statParts, fmt.Sprintf("%s: %s",
			theme.TextMuted.Render(s.label),
			theme.StatValue.Render(s.value),
		))
	}
	sb.WriteString("  " + strings.Join(statParts, "  "+lipgloss.NewStyle().Foreground(theme.ColorBorder).Render("|")+"  ") + "\n")
	if st.MostUsedAgent != "" {
		sb.WriteString(fmt.Sprintf("  %s %s\n", theme.TextMuted.Render("Most used agent:"), st.MostUsedAgent))
	}
	return sb.String()
}
