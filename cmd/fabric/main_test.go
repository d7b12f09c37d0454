package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"agentfabric/internal/adapter/runner"
	"agentfabric/internal/domain"
	"agentfabric/internal/fabrictest"
	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/logger"
)

func TestParseRunArgs(t *testing.T) {
	ra, err := parseRunArgs([]string{"Summarize", "the", "sales", "--file", "a.csv", "--file=b.json", "--config", "x.yaml", "--no-create"})
	if err != nil {
		t.Fatalf("parseRunArgs: %v", err)
	}
	if ra.Request != "Summarize the sales" {
		t.Errorf("Request = %q", ra.Request)
	}
	if len(ra.Files) != 2 || ra.Files[0] != "a.csv" || ra.Files[1] != "b.json" {
		t.Errorf("Files = %v", ra.Files)
	}
	if !ra.NoCreate {
		t.Error("NoCreate should be set")
	}
}

func TestParseRunArgsErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"--file"},
		{"do it", "--bogus"},
		{"--debug"},
	} {
		if _, err := parseRunArgs(args); err == nil {
			t.Errorf("parseRunArgs(%q) should fail", args)
		}
	}
}

func TestPositionalDropsGlobalFlags(t *testing.T) {
	got := positional([]string{"backup", "--config", "c.yaml", "--debug", "nightly", "--config=d.yaml"})
	if strings.Join(got, " ") != "backup nightly" {
		t.Errorf("positional = %v", got)
	}
}

func TestConfigPath(t *testing.T) {
	saved := os.Args
	t.Cleanup(func() { os.Args = saved })

	os.Args = []string{"fabric", "run", "--config=/etc/fabric.yaml"}
	if got := configPath(); got != "/etc/fabric.yaml" {
		t.Errorf("configPath() = %q", got)
	}

	os.Args = []string{"fabric", "run"}
	t.Setenv("FABRIC_CONFIG", "/tmp/alt.yaml")
	if got := configPath(); got != "/tmp/alt.yaml" {
		t.Errorf("configPath() from env = %q", got)
	}

	t.Setenv("FABRIC_CONFIG", "")
	if got := configPath(); got != "config.yaml" {
		t.Errorf("default configPath() = %q", got)
	}
}

func TestProviderModel(t *testing.T) {
	cfg := config.LLMConfig{Providers: []config.ProviderConfig{
		{Name: "openai", Model: "gpt-4o-mini"},
		{Name: "claude", Model: "claude-sonnet"},
	}}
	if got := providerModel(cfg, "claude"); got != "claude-sonnet" {
		t.Errorf("providerModel = %q", got)
	}
	if got := providerModel(cfg, "nope"); got != "" {
		t.Errorf("unknown provider should yield empty model, got %q", got)
	}
}

func TestPrintCatalog(t *testing.T) {
	coord := fabrictest.NewCoordinator(t)
	reg := fabrictest.Registry(t, coord)
	fabrictest.RegisterTool(t, reg, "word_count", "Count words in text")
	fabrictest.RegisterAgent(t, reg, "text_analyzer", "Analyzes text statistics", "word_count")

	var buf bytes.Buffer
	printCatalog(&buf, reg)
	out := buf.String()
	for _, want := range []string{"1 agents", "1 tools", "text_analyzer", "word_count", "AGENT", "TOOL"} {
		if !strings.Contains(out, want) {
			t.Errorf("catalog output missing %q:\n%s", want, out)
		}
	}
}

func TestParseImportArgs(t *testing.T) {
	ia, err := parseImportArgs([]string{"agent", "summer", "sum.wasm", "-d", "Sums numbers", "--uses=fast_sum, mean", "--tags", "math"})
	if err != nil {
		t.Fatalf("parseImportArgs: %v", err)
	}
	want := importArgs{Kind: domain.KindAgent, Name: "summer", File: "sum.wasm", Description: "Sums numbers",
		Uses: []string{"fast_sum", "mean"}, Tags: []string{"math"}}
	if !reflect.DeepEqual(ia, want) {
		t.Errorf("parseImportArgs = %+v, want %+v", ia, want)
	}

	for _, args := range [][]string{
		{"tool", "x"},
		{"widget", "x", "x.wasm"},
		{"tool", "x", "x.wasm", "--uses", "y"},
		{"tool", "x", "x.wasm", "--tags"},
		{"tool", "x", "x.wasm", "--bogus"},
	} {
		if _, err := parseImportArgs(args); err == nil {
			t.Errorf("parseImportArgs(%q) should fail", args)
		}
	}
}

func TestCallInput(t *testing.T) {
	if got := callInput([]string{"[1,", "2]"}); !reflect.DeepEqual(got, []any{1.0, 2.0}) {
		t.Errorf("callInput JSON = %#v", got)
	}
	if got := callInput([]string{"hello", "world"}); got != "hello world" {
		t.Errorf("callInput text = %#v", got)
	}
	if got := callInput(nil); got != nil {
		t.Errorf("callInput empty = %#v", got)
	}
}

func TestImportAndCallModule(t *testing.T) {
	ctx := context.Background()
	coord := fabrictest.NewCoordinator(t)
	reg := fabrictest.Registry(t, coord)

	file := filepath.Join(t.TempDir(), "echo.wasm")
	if err := os.WriteFile(file, fabrictest.EchoModule(), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := importModule(ctx, reg, importArgs{Kind: domain.KindTool, Name: "echo", File: file}); err != nil {
		t.Fatalf("import tool: %v", err)
	}
	if err := importModule(ctx, reg, importArgs{Kind: domain.KindAgent, Name: "echoer", File: file, Uses: []string{"echo"}}); err != nil {
		t.Fatalf("import agent: %v", err)
	}

	wasm, err := runner.NewWASMRunner(ctx, reg.Path("."), "", 0, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer wasm.Close(ctx)
	run := runner.NewDispatcher(nil, nil, wasm)

	out, err := callComponent(ctx, reg, run, "echo", []any{1.0, 2.0})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if got := out.(map[string]any); got["mode"] != "tool" || !reflect.DeepEqual(got["input"], []any{1.0, 2.0}) {
		t.Errorf("tool output = %v", got)
	}

	out, err = callComponent(ctx, reg, run, "echoer", "text")
	if err != nil {
		t.Fatalf("call agent: %v", err)
	}
	if got := out.(map[string]any); got["mode"] != "agent" || !reflect.DeepEqual(got["input"], map[string]any{"current_data": "text"}) {
		t.Errorf("agent output = %v", got)
	}

	if _, err := callComponent(ctx, reg, run, "missing", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing component error = %v", err)
	}
}

func TestImportRejectsNonModule(t *testing.T) {
	reg := fabrictest.Registry(t, fabrictest.NewCoordinator(t))
	file := filepath.Join(t.TempDir(), "script.wasm")
	if err := os.WriteFile(file, []byte("print('hi')"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := importModule(context.Background(), reg, importArgs{Kind: domain.KindTool, Name: "script", File: file})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("import error = %v, want validation", err)
	}
}
