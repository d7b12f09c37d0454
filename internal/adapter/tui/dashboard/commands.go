package dashboard

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"agentfabric/internal/usecase/registry"
)

const (
	snapshotTimeout = 5 * time.Second
	recentRuns      = 50
)

// loadSnapshotCmd reads the registry and the run history asynchronously.
func loadSnapshotCmd(catalog Catalog, history RunHistory) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()

		reg, err := catalog.Registry(ctx)
		if err != nil {
			return SnapshotMsg{Err: err}
		}
		msg := SnapshotMsg{
			Agents: reg.ListAgents(registry.AgentFilter{}),
			Tools:  reg.ListTools(registry.ToolFilter{}),
			Health: reg.HealthCheck(),
			Report: reg.ExportMarkdown(),
		}
		if history != nil {
			msg.Runs, msg.Err = history.RecentRuns(ctx, recentRuns)
		}
		return msg
	}
}
