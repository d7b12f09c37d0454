package tabs

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"agentfabric/internal/adapter/tui/components"
	"agentfabric/internal/adapter/tui/theme"
	"agentfabric/internal/domain"
)

// EventsModel shows live bus events with one line of per-category counts
// that doubles as the filter legend.
type EventsModel struct {
	Log components.EventLog
}

// NewEvents creates an events tab.
func NewEvents() EventsModel {
	return EventsModel{Log: components.NewEventLog()}
}

// SetSize sets dimensions, keeping a line for the legend.
func (m *EventsModel) SetSize(w, h int) {
	m.Log.SetSize(w, max(h-1, 1))
}

// AddEvent appends a bus event.
func (m *EventsModel) AddEvent(event domain.Event) {
	m.Log.Add(event)
}

// Update toggles category filters by shortcut ("a" clears) and scrolls.
func (m EventsModel) Update(msg tea.Msg) (EventsModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.Type == tea.KeyRunes {
		k := string(key.Runes)
		if k == "a" {
			m.Log.SetFilter(-1)
			return m, nil
		}
		for i, c := range components.Categories {
			if c.Key == k {
				m.Log.SetFilter(i)
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.Log, cmd = m.Log.Update(msg)
	return m, cmd
}

// View renders the legend and the log.
func (m EventsModel) View() string {
	return m.legend() + "\n" + m.Log.View()
}

func (m EventsModel) legend() string {
	parts := []string{pick(m.Log.Filter() < 0, fmt.Sprintf("[a] all %d", m.Log.Len()))}
	for i, c := range components.Categories {
		parts = append(parts, pick(m.Log.Filter() == i, fmt.Sprintf("[%s] %s %d", c.Key, c.Label, m.Log.Count(i))))
	}
	return "  " + strings.Join(parts, "  ")
}

func pick(on bool, label string) string {
	if on {
		return theme.TextInfo.Render(label)
	}
	return theme.TextMuted.Render(label)
}
