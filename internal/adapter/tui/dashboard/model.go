package dashboard

import (
	"context"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"agentfabric/internal/adapter/tui/components"
	"agentfabric/internal/adapter/tui/dashboard/tabs"
	"agentfabric/internal/domain"
	"agentfabric/internal/usecase/registry"
)

// Ensure *DashboardModel satisfies tea.Model.
var _ tea.Model = (*DashboardModel)(nil)

// Catalog yields the current component registry.
type Catalog interface {
	Registry(ctx context.Context) (*registry.Registry, error)
}

// RunHistory lists past pipeline runs. *history.Store satisfies it.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]domain.RunRecord, error)
}

// DashboardTab identifies which tab is active.
type DashboardTab int

const (
	TabAgents DashboardTab = iota
	TabTools
	TabHealth
	TabRuns
	TabEvents
	TabReport
)

// DashboardDeps are dependencies for the dashboard.
type DashboardDeps struct {
	Bus     domain.EventBus
	Catalog Catalog
	// History is optional; the Runs tab stays empty without it.
	History      RunHistory
	ProviderName string
	ModelName    string
}

// DashboardModel is the root Bubble Tea model for the registry dashboard.
type DashboardModel struct {
	deps DashboardDeps

	// Tab management.
	activeTab DashboardTab
	tabBar    components.TabBar

	// Tab sub-models.
	agents tabs.AgentsModel
	tools  tabs.ToolsModel
	health tabs.HealthModel
	runs   tabs.RunsModel
	events tabs.EventsModel
	report tabs.ReportModel

	lastErr string

	// Layout.
	width  int
	height int

	// Event bus unsubscribe.
	programSend func(tea.Msg)
	unsubscribe func()
}

// NewDashboardModel creates the dashboard model.
func NewDashboardModel(deps DashboardDeps) *DashboardModel {
	return &DashboardModel{
		deps:   deps,
		tabBar: components.NewTabBar("Agents", "Tools", "Health", "Runs", "Events", "Report"),
		agents: tabs.NewAgents(),
		tools:  tabs.NewTools(),
		health: tabs.NewHealth(),
		runs:   tabs.NewRuns(),
		events: tabs.NewEvents(),
		report: tabs.NewReport(),
	}
}

// SetProgramSender sets the function used to inject messages from the EventBus.
// Must be called before Run().
func (m *DashboardModel) SetProgramSender(send func(tea.Msg)) {
	m.programSend = send
}

// Init subscribes to the EventBus and loads the first snapshot.
func (m *DashboardModel) Init() tea.Cmd {
	if m.deps.Bus != nil && m.programSend != nil {
		m.unsubscribe = m.deps.Bus.SubscribeAll(func(_ context.Context, event domain.Event) {
			m.programSend(EventBusMsg{Event: event})
		})
	}
	return m.refresh()
}

func (m *DashboardModel) refresh() tea.Cmd {
	if m.deps.Catalog == nil {
		return nil
	}
	return loadSnapshotCmd(m.deps.Catalog, m.deps.History)
}

func (m *DashboardModel) quit() (tea.Model, tea.Cmd) {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	return m, tea.Quit
}

// Update handles messages.
func (m *DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m.quit()
		case tea.KeyTab:
			m.tabBar.Next()
			m.setTab(DashboardTab(m.tabBar.Active()))
			return m, nil
		case tea.KeyShiftTab:
			m.tabBar.Prev()
			m.setTab(DashboardTab(m.tabBar.Active()))
			return m, nil
		}

		if msg.Type == tea.KeyRunes {
			switch key := string(msg.Runes); key {
			case "1", "2", "3", "4", "5", "6":
				m.setTab(DashboardTab(key[0] - '1'))
				return m, nil
			case "r":
				return m, m.refresh()
			case "q":
				return m.quit()
			}
		}

	case EventBusMsg:
		return m.handleEvent(msg.Event)

	case SnapshotMsg:
		m.applySnapshot(msg)
		return m, nil
	}

	// Delegate to active tab.
	var cmd tea.Cmd
	switch m.activeTab {
	case TabAgents:
		m.agents, cmd = m.agents.Update(msg)
	case TabTools:
		m.tools, cmd = m.tools.Update(msg)
	case TabHealth:
		m.health, cmd = m.health.Update(msg)
	case TabRuns:
		m.runs, cmd = m.runs.Update(msg)
	case TabEvents:
		m.events, cmd = m.events.Update(msg)
	case TabReport:
		m.report, cmd = m.report.Update(msg)
	}
	return m, cmd
}

// View renders the dashboard.
func (m *DashboardModel) View() string {
	if m.width == 0 {
		return "  Initializing..."
	}

	var content string
	switch m.activeTab {
	case TabAgents:
		content = m.agents.View()
	case TabTools:
		content = m.tools.View()
	case TabHealth:
		content = m.health.View()
	case TabRuns:
		content = m.runs.View()
	case TabEvents:
		content = m.events.View()
	case TabReport:
		content = m.report.View()
	}

	footer := components.Footer{
		Hints:  footerHints,
		Model:  m.modelLabel(),
		Agents: len(m.agents.Agents),
		Tools:  len(m.tools.Tools),
		Err:    m.lastErr,
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.tabBar.View(), content, footer.View(m.width))
}

var footerHints = []components.KeyHint{
	{Key: "tab", Desc: "switch"},
	{Key: "1-6", Desc: "jump"},
	{Key: "r", Desc: "refresh"},
	{Key: "q", Desc: "quit"},
}

func (m *DashboardModel) modelLabel() string {
	switch {
	case m.deps.ProviderName != "" && m.deps.ModelName != "":
		return m.deps.ProviderName + "/" + m.deps.ModelName
	case m.deps.ProviderName != "":
		return m.deps.ProviderName
	}
	return m.deps.ModelName
}

func (m *DashboardModel) layout() {
	tabH := 1
	footerH := 1
	contentH := m.height - tabH - footerH
	if contentH < 5 {
		contentH = 5
	}

	m.tabBar.SetWidth(m.width)
	m.agents.SetSize(m.width, contentH)
	m.tools.SetSize(m.width, contentH)
	m.health.SetSize(m.width, contentH)
	m.runs.SetSize(m.width, contentH)
	m.events.SetSize(m.width, contentH)
	m.report.SetSize(m.width, contentH)
}

func (m *DashboardModel) setTab(tab DashboardTab) {
	if !m.tabBar.Select(int(tab)) {
		return
	}
	m.activeTab = tab
	if tab == TabEvents {
		m.tabBar.SetBadge(int(TabEvents), 0)
	}
}

func (m *DashboardModel) applySnapshot(msg SnapshotMsg) {
	if msg.Err != nil {
		m.lastErr = msg.Err.Error()
	} else {
		m.lastErr = ""
	}
	if msg.Agents == nil && msg.Tools == nil && msg.Err != nil {
		return
	}
	m.agents.SetAgents(msg.Agents)
	m.tools.SetTools(msg.Tools)
	m.health.SetReport(msg.Health)
	m.runs.SetRuns(msg.Runs)
	m.report.SetMarkdown(msg.Report)

	m.tabBar.SetBadge(int(TabHealth), msg.Health.TotalComponents-msg.Health.ValidComponents)
}

// handleEvent feeds the event stream and re-reads the registry when the
// event means the catalog or the history changed.
func (m *DashboardModel) handleEvent(event domain.Event) (tea.Model, tea.Cmd) {
	m.events.AddEvent(event)
	if m.activeTab != TabEvents {
		m.tabBar.Bump(int(TabEvents))
	}
	if needsRefresh(event.Type) {
		return m, m.refresh()
	}
	return m, nil
}

func needsRefresh(t domain.EventType) bool {
	switch t {
	case domain.EventWorkflowCompleted, domain.EventWorkflowFailed,
		domain.EventRegistryReloaded:
		return true
	}
	return strings.HasPrefix(string(t), "component.")
}
