package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"agentfabric/internal/adapter/tui/theme"
)

// KeyHint is one key binding shown in the footer.
type KeyHint struct {
	Key  string
	Desc string
}

// Footer is the dashboard's bottom line: key hints on the left, the catalog
// size and planner model on the right. A refresh error replaces the model.
type Footer struct {
	Hints  []KeyHint
	Model  string // "provider/model"
	Agents int
	Tools  int
	Err    string
}

// View renders the footer to exactly width columns.
func (f Footer) View(width int) string {
	hints := make([]string, len(f.Hints))
	for i, h := range f.Hints {
		hints[i] = theme.StatusKey.Render(h.Key) + " " + h.Desc
	}
	left := strings.Join(hints, "  ")

	right := theme.TextMuted.Render(fmt.Sprintf("%d agents %s %d tools", f.Agents, theme.Glyphs.Bullet, f.Tools))
	switch {
	case f.Err != "":
		right += "  " + theme.TextError.Render(f.Err)
	case f.Model != "":
		right += "  " + theme.TextMuted.Render(f.Model)
	}

	gap := max(width-lipgloss.Width(left)-lipgloss.Width(right)-2, 1)
	return theme.StatusBar.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}
