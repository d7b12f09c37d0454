package tabs

import (
	"github.com/charmbracelet/glamour"
	tea "github.com/charmbracelet/bubbletea"

	"agentfabric/internal/adapter/tui/theme"
)

// ReportModel renders the markdown registry report.
type ReportModel struct {
	pane
	markdown string
	width    int
	md       *markdownRenderer
}

// NewReport creates a report tab.
func NewReport() ReportModel {
	return ReportModel{md: &markdownRenderer{}}
}

// SetSize sets dimensions.
func (m *ReportModel) SetSize(w, h int) {
	m.width = w
	m.setSize(w, h)
	m.setContent(m.render())
}

// SetMarkdown replaces the report source.
func (m *ReportModel) SetMarkdown(md string) {
	m.markdown = md
	m.setContent(m.render())
}

// Update handles scrolling.
func (m ReportModel) Update(msg tea.Msg) (ReportModel, tea.Cmd) {
	var cmd tea.Cmd
	m.pane, cmd = m.update(msg)
	return m, cmd
}

// View renders the report tab.
func (m ReportModel) View() string {
	return m.view()
}

func (m *ReportModel) render() string {
	if m.markdown == "" {
		return theme.TextMuted.Render("  No report yet")
	}
	return m.md.render(m.markdown, m.width)
}

// RenderMarkdown renders md for a terminal of the given width.
func RenderMarkdown(md string, width int) string {
	var r markdownRenderer
	return r.render(md, width)
}

// markdownRenderer reuses a glamour renderer while the wrap width holds.
type markdownRenderer struct {
	r    *glamour.TermRenderer
	wrap int
}

// render falls back to the raw markdown when glamour fails.
func (mr *markdownRenderer) render(md string, width int) string {
	wrap := theme.Clamp(width-4, 40, theme.MaxContentWidth)
	if mr.r == nil || mr.wrap != wrap {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(wrap),
		)
		if err != nil {
			return md
		}
		mr.r = r
		mr.wrap = wrap
	}
	out, err := mr.r.Render(md)
	if err != nil {
		return md
	}
	return out
}
