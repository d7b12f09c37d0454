// Package components provides Bubble Tea building blocks for the registry
// dashboard.
package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"agentfabric/internal/adapter/tui/theme"
)

// TabBar is a row of labelled tabs. Each tab can carry a badge counting
// something the user has not looked at yet.
type TabBar struct {
	labels []string
	badges []int
	active int
	width  int
}

// NewTabBar creates a tab bar with the first label active.
func NewTabBar(labels ...string) TabBar {
	return TabBar{labels: labels, badges: make([]int, len(labels))}
}

// Len returns the number of tabs.
func (b TabBar) Len() int { return len(b.labels) }

// Active returns the index of the active tab.
func (b TabBar) Active() int { return b.active }

// Select activates tab i. Out-of-range indexes are ignored.
func (b *TabBar) Select(i int) bool {
	if i < 0 || i >= len(b.labels) {
		return false
	}
	b.active = i
	return true
}

// Next activates the following tab, wrapping around.
func (b *TabBar) Next() {
	if n := len(b.labels); n > 0 {
		b.active = (b.active + 1) % n
	}
}

// Prev activates the preceding tab, wrapping around.
func (b *TabBar) Prev() {
	if n := len(b.labels); n > 0 {
		b.active = (b.active - 1 + n) % n
	}
}

// Badge returns the badge of tab i.
func (b TabBar) Badge(i int) int {
	if i < 0 || i >= len(b.badges) {
		return 0
	}
	return b.badges[i]
}

// SetBadge sets the badge of tab i; zero hides it.
func (b *TabBar) SetBadge(i, n int) {
	if i >= 0 && i < len(b.badges) {
		b.badges[i] = max(n, 0)
	}
}

// Bump increments the badge of tab i.
func (b *TabBar) Bump(i int) { b.SetBadge(i, b.Badge(i)+1) }

// SetWidth sets the terminal width the bar fills.
func (b *TabBar) SetWidth(w int) { b.width = w }

// View renders the bar. Narrow terminals get only the active label and its
// position.
func (b TabBar) View() string {
	if len(b.labels) == 0 {
		return ""
	}
	if b.width > 0 && b.width < theme.MinTabWidth {
		pos := theme.Dim.Render(fmt.Sprintf("[%d/%d]", b.active+1, len(b.labels)))
		return lipgloss.JoinHorizontal(lipgloss.Center, theme.TabActive.Render(b.labels[b.active]), " ", pos)
	}

	cells := make([]string, len(b.labels))
	for i, label := range b.labels {
		label = fmt.Sprintf("%d %s", i+1, label)
		if n := b.badges[i]; n > 0 {
			label += " " + theme.TextWarning.Render(fmt.Sprint(n))
		}
		style := theme.TabNormal
		if i == b.active {
			style = theme.TabActive
		}
		cells[i] = style.Render(label)
	}
	bar := lipgloss.JoinHorizontal(lipgloss.Center, cells...)
	if fill := b.width - lipgloss.Width(bar); fill > 0 {
		bar += theme.TabNormal.UnsetPadding().Render(strings.Repeat(" ", fill))
	}
	return bar
}
