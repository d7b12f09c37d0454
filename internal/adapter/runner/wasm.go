package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"agentfabric/internal/domain"
)

// WASMRunner runs components compiled to WASI modules. The module reads
// {"mode","name","input"} as JSON on stdin and writes its result as JSON on
// stdout; argv is [name, mode].
type WASMRunner struct {
	rt     wazero.Runtime
	root   string
	logger *slog.Logger

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewWASMRunner creates a wazero runtime with WASI preview1 installed.
// maxMemoryPages bounds each instance in 64KiB pages; zero means 1024.
// cacheDir, when set, persists compiled modules across processes.
func NewWASMRunner(ctx context.Context, root, cacheDir string, maxMemoryPages uint32, logger *slog.Logger) (*WASMRunner, error) {
	if maxMemoryPages == 0 {
		maxMemoryPages = 1024
	}
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(maxMemoryPages)
	if cacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("wasm compilation cache: %w", err)
		}
		cfg = cfg.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	abs, err := filepath.Abs(root)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	return &WASMRunner{
		rt:       rt,
		root:     abs,
		logger:   logger,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

// Close releases the runtime and every compiled module.
func (w *WASMRunner) Close(ctx context.Context) error {
	return w.rt.Close(ctx)
}

// RunAgent runs the agent module with mode "agent".
func (w *WASMRunner) RunAgent(ctx context.Context, agent domain.AgentEntry, state map[string]any) (any, error) {
	return w.run(ctx, agent.Name, agent.Location, "agent", state)
}

// RunTool runs the tool module with mode "tool".
func (w *WASMRunner) RunTool(ctx context.Context, tool domain.ToolEntry, input any) (any, error) {
	return w.run(ctx, tool.Name, tool.Location, "tool", input)
}

func (w *WASMRunner) module(ctx context.Context, location string) (wazero.CompiledModule, error) {
	path := location
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, filepath.FromSlash(location))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.compiled[path]; ok {
		return m, nil
	}
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrIO, location, err)
	}
	m, err := w.rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %v", domain.ErrExecution, location, err)
	}
	w.compiled[path] = m
	return m, nil
}

func (w *WASMRunner) run(ctx context.Context, name, location, mode string, input any) (any, error) {
	compiled, err := w.module(ctx, location)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{"mode": mode, "name": name, "input": input})
	if err != nil {
		return nil, fmt.Errorf("%w: encode input for %s: %v", domain.ErrExecution, name, err)
	}

	var stdout bytes.Buffer
	stderr := newTailBuffer(stderrTail)
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(name, mode).
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(stderr)

	mod, err := w.rt.InstantiateModule(ctx, compiled, cfg)
	if mod != nil {
		defer closeModule(ctx, mod)
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
		case ctx.Err() != nil:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", domain.ErrTimeout, name)
			}
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("%w: %s: %v: %s", domain.ErrExecution, name, err, strings.TrimSpace(stderr.String()))
		}
	}

	var out any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("%w: %s wrote unreadable output: %v", domain.ErrInvalidResult, name, err)
	}
	w.logger.Debug("wasm component finished", "component", name, "mode", mode)
	return out, nil
}

func closeModule(ctx context.Context, mod api.Module) {
	_ = mod.Close(context.WithoutCancel(ctx))
}
