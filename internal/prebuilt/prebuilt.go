// Package prebuilt ships the components every fabric installation starts
// with. Each one exists twice: as Python source registered in the catalog
// and as a native Go callable bound on the runner.
package prebuilt

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"agentfabric/internal/adapter/runner"
	"agentfabric/internal/domain"
)

//go:embed python
var sources embed.FS

// Registrar is the subset of the registry Seed needs.
type Registrar interface {
	ToolExists(name string) bool
	AgentExists(name string) bool
	RegisterTool(ctx context.Context, spec domain.ToolSpec) domain.RegistrationResult
	RegisterAgent(ctx context.Context, spec domain.AgentSpec) domain.RegistrationResult
}

type toolDef struct {
	name, description string
	tags              []string
	native            runner.ToolFunc
}

type agentDef struct {
	name, description string
	tools             []string
	tags              []string
	input, output     map[string]any
	native            runner.AgentFunc
}

var tools = []toolDef{
	{
		name:        "extract_urls",
		description: "Extract unique URLs from text or any structure containing text",
		tags:        []string{"extraction", "text", "url"},
		native:      func(_ context.Context, in any) (any, error) { return toAny(ExtractURLs(in)), nil },
	},
}

var agents = []agentDef{
	{
		name:        "url_extractor",
		description: "Extracts URLs from text and counts them per domain",
		tools:       []string{"extract_urls"},
		tags:        []string{"extraction", "url", "text"},
		input:       map[string]any{"text": "string"},
		output:      map[string]any{"urls": "array", "count": "integer", "domains": "object"},
		native:      URLExtractorAgent,
	},
}

// SeedReport lists what Seed did.
type SeedReport struct {
	Registered []string `json:"registered"`
	Existing   []string `json:"existing"`
}

// Bind registers the native implementations on n.
func Bind(n *runner.NativeRunner) {
	for _, t := range tools {
		n.RegisterTool(t.name, t.native)
	}
	for _, a := range agents {
		n.RegisterAgent(a.name, a.native)
	}
}

// Source returns the embedded Python source of a prebuilt component.
func Source(kind domain.ComponentKind, name string) (string, error) {
	path := "python/tools/" + name + ".py"
	if kind == domain.KindAgent {
		path = "python/agents/" + name + "_agent.py"
	}
	data, err := sources.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: prebuilt %s %s", domain.ErrNotFound, kind, name)
	}
	return string(data), nil
}

// Seed registers every prebuilt tool and agent missing from reg. Tools go
// first so agent back-references resolve.
func Seed(ctx context.Context, reg Registrar, logger *slog.Logger) (SeedReport, error) {
	report := SeedReport{Registered: []string{}, Existing: []string{}}

	for _, t := range tools {
		if reg.ToolExists(t.name) {
			report.Existing = append(report.Existing, t.name)
			continue
		}
		code, err := Source(domain.KindTool, t.name)
		if err != nil {
			return report, err
		}
		res := reg.RegisterTool(ctx, domain.ToolSpec{
			Name:        t.name,
			Description: t.description,
			Code:        code,
			Tags:        t.tags,
			IsPure:      true,
			Prebuilt:    true,
		})
		if !res.OK() {
			return report, fmt.Errorf("seed tool %s: %s", t.name, res.Message)
		}
		report.Registered = append(report.Registered, t.name)
	}

	for _, a := range agents {
		if reg.AgentExists(a.name) {
			report.Existing = append(report.Existing, a.name)
			continue
		}
		code, err := Source(domain.KindAgent, a.name)
		if err != nil {
			return report, err
		}
		res := reg.RegisterAgent(ctx, domain.AgentSpec{
			Name:         a.name,
			Description:  a.description,
			Code:         code,
			UsesTools:    a.tools,
			InputSchema:  a.input,
			OutputSchema: a.output,
			Tags:         a.tags,
			Prebuilt:     true,
		})
		if !res.OK() {
			return report, fmt.Errorf("seed agent %s: %s", a.name, res.Message)
		}
		report.Registered = append(report.Registered, a.name)
	}

	if len(report.Registered) > 0 {
		logger.Info("prebuilt components seeded", "registered", report.Registered)
	}
	return report, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
