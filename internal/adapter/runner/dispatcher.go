package runner

import (
	"context"
	"fmt"
	"path"
	"strings"

	"agentfabric/internal/domain"
)

// Dispatcher picks a runner per component: a native binding by name first,
// then by the location's extension.
type Dispatcher struct {
	native *NativeRunner
	python *PythonRunner
	wasm   *WASMRunner
}

// Compile-time checks.
var (
	_ domain.Runner       = (*Dispatcher)(nil)
	_ domain.Runner       = (*NativeRunner)(nil)
	_ domain.Runner       = (*PythonRunner)(nil)
	_ domain.Runner       = (*WASMRunner)(nil)
	_ domain.SourceProber = (*Dispatcher)(nil)
	_ domain.SourceProber = (*PythonRunner)(nil)
)

// NewDispatcher wires the available runners. Any of them may be nil.
func NewDispatcher(native *NativeRunner, python *PythonRunner, wasm *WASMRunner) *Dispatcher {
	if native == nil {
		native = NewNativeRunner()
	}
	return &Dispatcher{native: native, python: python, wasm: wasm}
}

// Native returns the native runner so callers can bind Go callables.
func (d *Dispatcher) Native() *NativeRunner { return d.native }

func (d *Dispatcher) byLocation(name, location string) (domain.Runner, error) {
	switch strings.ToLower(path.Ext(location)) {
	case ".py":
		if d.python != nil {
			return d.python, nil
		}
	case ".wasm":
		if d.wasm != nil {
			return d.wasm, nil
		}
	}
	return nil, fmt.Errorf("%w: %s at %q", domain.ErrRunnerUnavailable, name, location)
}

// RunAgent routes the agent to its runner.
func (d *Dispatcher) RunAgent(ctx context.Context, agent domain.AgentEntry, state map[string]any) (any, error) {
	if d.native.HasAgent(agent.Name) {
		return d.native.RunAgent(ctx, agent, state)
	}
	r, err := d.byLocation(agent.Name, agent.Location)
	if err != nil {
		return nil, err
	}
	return r.RunAgent(ctx, agent, state)
}

// RunTool routes the tool to its runner.
func (d *Dispatcher) RunTool(ctx context.Context, tool domain.ToolEntry, input any) (any, error) {
	if d.native.HasTool(tool.Name) {
		return d.native.RunTool(ctx, tool, input)
	}
	r, err := d.byLocation(tool.Name, tool.Location)
	if err != nil {
		return nil, err
	}
	return r.RunTool(ctx, tool, input)
}

// ProbeTool smoke-tests tool source through the Python runner.
func (d *Dispatcher) ProbeTool(ctx context.Context, name, code string, inputs []any) ([]domain.ProbeResult, error) {
	if d.python == nil {
		return nil, fmt.Errorf("%w: no python interpreter for probing %s", domain.ErrRunnerUnavailable, name)
	}
	return d.python.ProbeTool(ctx, name, code, inputs)
}
