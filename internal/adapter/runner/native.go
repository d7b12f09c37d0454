package runner

import (
	"context"
	"fmt"
	"sync"

	"agentfabric/internal/domain"
)

// AgentFunc is a Go implementation of an agent. It receives the state in its
// JSON shape and returns the (usually mutated) state.
type AgentFunc func(ctx context.Context, state map[string]any) (any, error)

// ToolFunc is a Go implementation of a tool.
type ToolFunc func(ctx context.Context, input any) (any, error)

// NativeRunner dispatches to Go callables registered by name.
type NativeRunner struct {
	mu     sync.RWMutex
	agents map[string]AgentFunc
	tools  map[string]ToolFunc
}

// NewNativeRunner returns an empty native runner.
func NewNativeRunner() *NativeRunner {
	return &NativeRunner{
		agents: make(map[string]AgentFunc),
		tools:  make(map[string]ToolFunc),
	}
}

// RegisterAgent binds name to fn, replacing any previous binding.
func (n *NativeRunner) RegisterAgent(name string, fn AgentFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.agents[name] = fn
}

// RegisterTool binds name to fn, replacing any previous binding.
func (n *NativeRunner) RegisterTool(name string, fn ToolFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tools[name] = fn
}

// HasAgent reports whether a native agent is bound to name.
func (n *NativeRunner) HasAgent(name string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.agents[name]
	return ok
}

// HasTool reports whether a native tool is bound to name.
func (n *NativeRunner) HasTool(name string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.tools[name]
	return ok
}

// RunAgent calls the bound agent. A panic is returned as an error.
func (n *NativeRunner) RunAgent(ctx context.Context, agent domain.AgentEntry, state map[string]any) (out any, err error) {
	n.mu.RLock()
	fn, ok := n.agents[agent.Name]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no native agent %s", domain.ErrRunnerUnavailable, agent.Name)
	}
	defer recoverPanic(agent.Name, &err)
	return fn(ctx, state)
}

// RunTool calls the bound tool. A panic is returned as an error.
func (n *NativeRunner) RunTool(ctx context.Context, tool domain.ToolEntry, input any) (out any, err error) {
	n.mu.RLock()
	fn, ok := n.tools[tool.Name]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no native tool %s", domain.ErrRunnerUnavailable, tool.Name)
	}
	defer recoverPanic(tool.Name, &err)
	return fn(ctx, input)
}

func recoverPanic(name string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %s panicked: %v", domain.ErrExecution, name, r)
	}
}
