package tabs

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"agentfabric/internal/adapter/tui/theme"
	"agentfabric/internal/domain"
)

// RunsModel lists recent pipeline runs from the history store.
type RunsModel struct {
	pane
	Runs  []domain.RunRecord
	width int
}

// NewRuns creates a runs tab.
func NewRuns() RunsModel {
	return RunsModel{}
}

// SetSize sets dimensions.
func (m *RunsModel) SetSize(w, h int) {
	m.width = w
	m.setSize(w, h)
	m.setContent(m.render())
}

// SetRuns replaces the listed runs, newest first.
func (m *RunsModel) SetRuns(runs []domain.RunRecord) {
	m.Runs = runs
	m.setContent(m.render())
}

// Update handles scrolling.
func (m RunsModel) Update(msg tea.Msg) (RunsModel, tea.Cmd) {
	var cmd tea.Cmd
	m.pane, cmd = m.update(msg)
	return m, cmd
}

// View renders the runs tab.
func (m RunsModel) View() string {
	return m.view()
}

func (m RunsModel) render() string {
	var sb strings.Builder
	sb.WriteString(theme.Bold.Render("  Recent runs") + "\n")
	if len(m.Runs) == 0 {
		sb.WriteString(theme.TextMuted.Render("  No runs recorded") + "\n")
		return sb.String()
	}

	for _, r := range m.Runs {
		failed := 0
		for _, s := range r.Steps {
			if s.Status != domain.EnvelopeSuccess {
				failed++
			}
		}
		sb.WriteString(fmt.Sprintf("  %s  %-12s %-11s %6.2fs  %d steps",
			theme.Dim.Render(r.StartedAt.Local().Format("01-02 15:04:05")),
			theme.Status(r.Status),
			string(r.Strategy),
			r.Duration,
			len(r.Steps),
		))
		if failed > 0 {
			sb.WriteString(theme.TextError.Render(fmt.Sprintf(" (%d failed)", failed)))
		}
		if n := len(r.Adaptations); n > 0 {
			sb.WriteString(theme.TextAccent.Render(fmt.Sprintf(" %d adaptations", n)))
		}
		sb.WriteString("\n")
		sb.WriteString("    " + theme.TextMuted.Render(truncate(r.Request, max(m.width-6, 20))) + "\n")
	}
	return sb.String()
}
