// Package dashboard implements a Bubble Tea TUI for watching the component
// registry and the pipelines that run against it.
package dashboard

import (
	"agentfabric/internal/domain"
	"agentfabric/internal/usecase/registry"
)

// EventBusMsg wraps a domain.Event from the EventBus subscription.
type EventBusMsg struct {
	Event domain.Event
}

// SnapshotMsg carries a fresh read of the registry and run history.
type SnapshotMsg struct {
	Agents []domain.AgentEntry
	Tools  []domain.ToolEntry
	Health registry.HealthReport
	Report string
	Runs   []domain.RunRecord
	Err    error
}
