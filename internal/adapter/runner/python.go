// Package runner executes registered agents and tools: native Go callables,
// Python sources in a child interpreter and WASI modules under wazero.
package runner

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"agentfabric/internal/domain"
)

//go:embed harness.py
var harness string

const stderrTail = 4096

// PythonRunner runs Python components in a fresh interpreter per call. The
// request and the result cross stdin/stdout as JSON; anything the component
// prints goes to stderr.
type PythonRunner struct {
	python string
	root   string
	logger *slog.Logger
}

// NewPythonRunner returns a runner that resolves locations against root.
func NewPythonRunner(python, root string, logger *slog.Logger) (*PythonRunner, error) {
	if python == "" {
		python = "python3"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	return &PythonRunner{python: python, root: abs, logger: logger}, nil
}

// Available reports whether the interpreter can be found.
func (r *PythonRunner) Available() error {
	_, err := exec.LookPath(r.python)
	return err
}

type harnessRequest struct {
	Mode   string   `json:"mode"`
	Root   string   `json:"root"`
	Path   string   `json:"path,omitempty"`
	Module string   `json:"module,omitempty"`
	Entry  []string `json:"entry,omitempty"`
	Input  any      `json:"input,omitempty"`
	Name   string   `json:"name,omitempty"`
	Code   string   `json:"code,omitempty"`
	Inputs []any    `json:"inputs,omitempty"`
}

type harnessReply struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Trace  string          `json:"trace"`
}

// RunAgent calls <name>_agent(state), falling back to <name>(state).
func (r *PythonRunner) RunAgent(ctx context.Context, agent domain.AgentEntry, state map[string]any) (any, error) {
	req := harnessRequest{
		Mode:   "agent",
		Root:   r.root,
		Path:   r.resolve(agent.Location),
		Module: "fabric_agent_" + agent.Name,
		Entry:  []string{agent.Name + "_agent", agent.Name},
		Input:  state,
	}
	var out any
	if err := r.invoke(ctx, agent.Name, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunTool calls the tool function with input.
func (r *PythonRunner) RunTool(ctx context.Context, tool domain.ToolEntry, input any) (any, error) {
	req := harnessRequest{
		Mode:   "tool",
		Root:   r.root,
		Path:   r.resolve(tool.Location),
		Module: "fabric_tool_" + tool.Name,
		Entry:  []string{tool.Name},
		Input:  input,
	}
	var out any
	if err := r.invoke(ctx, tool.Name, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProbeTool loads unregistered tool source in an isolated namespace and
// calls it once per input. A probe that raises is reported in its result
// rather than as an error.
func (r *PythonRunner) ProbeTool(ctx context.Context, name, code string, inputs []any) ([]domain.ProbeResult, error) {
	req := harnessRequest{Mode: "probe", Root: r.root, Name: name, Code: code, Inputs: inputs}
	var out []domain.ProbeResult
	if err := r.invoke(ctx, name, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PythonRunner) resolve(location string) string {
	if filepath.IsAbs(location) {
		return location
	}
	return filepath.Join(r.root, filepath.FromSlash(location))
}

func (r *PythonRunner) invoke(ctx context.Context, name string, req harnessRequest, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encode request for %s: %v", domain.ErrExecution, name, err)
	}

	cmd := exec.CommandContext(ctx, r.python, "-I", "-c", harness)
	cmd.Dir = r.root
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	stderr := newTailBuffer(stderrTail)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", domain.ErrTimeout, name, elapsed.Round(time.Millisecond))
		}
		return ctxErr
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return fmt.Errorf("%w: start %s: %v", domain.ErrRunnerUnavailable, r.python, runErr)
		}
		if stdout.Len() == 0 {
			return fmt.Errorf("%w: %s exited with code %d: %s",
				domain.ErrExecution, name, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
	}

	var reply harnessReply
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return fmt.Errorf("%w: %s produced unreadable output: %v", domain.ErrExecution, name, err)
	}
	if !reply.OK {
		r.logger.Debug("python component failed", "component", name, "trace", reply.Trace)
		return fmt.Errorf("%w: %s", domain.ErrExecution, reply.Error)
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		return fmt.Errorf("%w: %s result: %v", domain.ErrInvalidResult, name, err)
	}

	r.logger.Debug("python component finished", "component", name, "mode", req.Mode, "duration", elapsed)
	return nil
}
