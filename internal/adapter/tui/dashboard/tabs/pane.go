// Package tabs provides individual tab models for the dashboard.
package tabs

import (
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"agentfabric/internal/adapter/tui/theme"
)

// pane is a scrollable viewport that keeps its content across resizes.
type pane struct {
	Viewport viewport.Model
	content  string
	ready    bool
}

func (p *pane) setSize(w, h int) {
	if h < 3 {
		h = 3
	}
	if !p.ready {
		p.Viewport = viewport.New(w, h)
		p.Viewport.MouseWheelEnabled = true
		p.ready = true
	} else {
		p.Viewport.Width = w
		p.Viewport.Height = h
	}
	p.Viewport.SetContent(p.content)
}

func (p *pane) setContent(s string) {
	p.content = s
	if p.ready {
		p.Viewport.SetContent(s)
	}
}

func (p pane) update(msg tea.Msg) (pane, tea.Cmd) {
	if !p.ready {
		return p, nil
	}
	var cmd tea.Cmd
	p.Viewport, cmd = p.Viewport.Update(msg)
	return p, cmd
}

func (p pane) view() string {
	if !p.ready {
		return ""
	}
	return p.Viewport.View()
}

// truncate shortens s to n display columns.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + theme.Glyphs.Ellipsis
}
