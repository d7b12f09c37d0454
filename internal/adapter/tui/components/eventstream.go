package components

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"agentfabric/internal/adapter/tui/theme"
	"agentfabric/internal/domain"
)

const eventLogCap = 500

// Category is a family of bus events sharing a type prefix.
type Category struct {
	Key    string // shortcut
	Prefix string // e.g. "step."
	Label  string
	style  lipgloss.Style
}

// Categories are the event families the fabric publishes, in display order.
var Categories = []Category{
	{Key: "w", Prefix: "workflow.", Label: "workflow", style: theme.TextSuccess},
	{Key: "s", Prefix: "step.", Label: "step", style: theme.TextInfo},
	{Key: "c", Prefix: "component.", Label: "component", style: theme.TextWarning},
	{Key: "d", Prefix: "adaptation.", Label: "adaptation", style: theme.TextAccent},
	{Key: "g", Prefix: "registry.", Label: "registry", style: theme.TextMuted},
	{Key: "l", Prefix: "llm.", Label: "llm", style: theme.TextMuted},
}

// CategoryOf returns the index in Categories for t, or -1.
func CategoryOf(t domain.EventType) int {
	for i, c := range Categories {
		if strings.HasPrefix(string(t), c.Prefix) {
			return i
		}
	}
	return -1
}

// EventLog is a scrollable, bounded list of bus events that can be narrowed
// to one category. It follows the tail until the user scrolls up.
type EventLog struct {
	Viewport viewport.Model
	events   []domain.Event
	counts   []int
	filter   int // index into Categories, -1 for all
	ready    bool
	follow   bool
}

// NewEventLog creates an empty log showing every category.
func NewEventLog() EventLog {
	return EventLog{counts: make([]int, len(Categories)), filter: -1, follow: true}
}

// SetSize sizes the viewport.
func (l *EventLog) SetSize(w, h int) {
	if !l.ready {
		l.Viewport = viewport.New(w, h)
		l.Viewport.MouseWheelEnabled = true
		l.ready = true
	} else {
		l.Viewport.Width, l.Viewport.Height = w, h
	}
	l.render()
}

// Add appends ev, dropping the oldest entry past the cap.
func (l *EventLog) Add(ev domain.Event) {
	l.events = append(l.events, ev)
	if c := CategoryOf(ev.Type); c >= 0 {
		l.counts[c]++
	}
	if len(l.events) > eventLogCap {
		if c := CategoryOf(l.events[0].Type); c >= 0 {
			l.counts[c]--
		}
		l.events = l.events[1:]
	}
	l.render()
	if l.follow {
		l.Viewport.GotoBottom()
	}
}

// Filter returns the active category index, -1 for all.
func (l EventLog) Filter() int { return l.filter }

// SetFilter narrows the log to category c; -1 or the active category
// shows everything again.
func (l *EventLog) SetFilter(c int) {
	if c == l.filter || c >= len(Categories) {
		c = -1
	}
	l.filter = c
	l.render()
}

// Len returns the number of buffered events.
func (l EventLog) Len() int { return len(l.events) }

// Visible returns how many events the current filter shows.
func (l EventLog) Visible() int {
	if l.filter < 0 {
		return len(l.events)
	}
	return l.counts[l.filter]
}

// Count returns the buffered events in category c.
func (l EventLog) Count(c int) int { return l.counts[c] }

// Update scrolls the viewport.
func (l EventLog) Update(msg tea.Msg) (EventLog, tea.Cmd) {
	if !l.ready {
		return l, nil
	}
	var cmd tea.Cmd
	l.Viewport, cmd = l.Viewport.Update(msg)
	l.follow = l.Viewport.AtBottom()
	return l, cmd
}

// View renders the visible events.
func (l EventLog) View() string {
	if !l.ready {
		return ""
	}
	return l.Viewport.View()
}

func (l *EventLog) render() {
	if !l.ready {
		return
	}
	if len(l.events) == 0 {
		l.Viewport.SetContent(theme.TextMuted.Render("  Waiting for events..."))
		return
	}

	var sb strings.Builder
	for _, ev := range l.events {
		c := CategoryOf(ev.Type)
		if l.filter >= 0 && c != l.filter {
			continue
		}
		style := theme.TextMuted
		switch {
		case strings.HasSuffix(string(ev.Type), ".failed"):
			style = theme.TextError
		case c >= 0:
			style = Categories[c].style
		}
		detail := payloadSubject(ev.Payload)
		if ev.WorkflowID != "" {
			detail = "wf=" + shortID(ev.WorkflowID) + " " + detail
		}
		fmt.Fprintf(&sb, "  %s  %s %s\n",
			theme.Dim.Render(ev.Timestamp.Format("15:04:05")),
			style.Render(fmt.Sprintf("%-22s", ev.Type)),
			theme.TextMuted.Render(strings.TrimSpace(detail)))
	}
	l.Viewport.SetContent(sb.String())
}

// shortID keeps the last 8 characters of a ULID, which carry its randomness.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

// payloadSubject picks the most telling fields out of an event payload.
func payloadSubject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	var parts []string
	for _, key := range []string{"agent", "name", "step", "strategy", "status", "error"} {
		if v, ok := fields[key]; ok && v != nil && v != "" {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	return strings.Join(parts, " ")
}
