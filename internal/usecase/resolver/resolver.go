// Package resolver turns a request and the catalog into the ordered list
// of tools and agents that must be created to serve it.
package resolver

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"text/template"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/usecase/llmjson"
	"agentfabric/internal/usecase/registry"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.New("prompts").Funcs(template.FuncMap{
	"join": strings.Join,
}).ParseFS(promptFS, "prompts/*.tmpl"))

var capabilitySchema = llmjson.MustCompile(`{
	"type": "object",
	"required": ["capabilities"],
	"properties": {
		"capabilities": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "agent"],
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"},
					"agent": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
					"tools": {"type": "array", "items": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"}}
				}
			}
		}
	}
}`)

// maxListed bounds the catalog entries shown to the planner model.
const maxListed = 80

// Capability is one unit of work and the components that serve it.
type Capability struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Agent       string   `json:"agent"`
	Tools       []string `json:"tools"`
}

// Missing lists the components a resolution still needs.
type Missing struct {
	Agents []string `json:"agents"`
	Tools  []string `json:"tools"`
}

// Empty reports whether nothing is missing.
func (m Missing) Empty() bool { return len(m.Agents) == 0 && len(m.Tools) == 0 }

// Resolution is the outcome of Resolve.
type Resolution struct {
	Capabilities  []Capability          `json:"capabilities"`
	Graph         *Graph                `json:"graph"`
	CreationOrder []domain.CreationSpec `json:"creation_order"`
	Missing       Missing               `json:"missing"`
	Visualization string                `json:"visualization"`
	// Source is "planner" or "keywords".
	Source string `json:"source"`
}

// Catalogs provides the current registry.
type Catalogs interface {
	Registry(ctx context.Context) (*registry.Registry, error)
}

// Config tunes the planner call.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Resolver infers capabilities and orders their creation.
type Resolver struct {
	catalogs Catalogs
	planner  domain.LLMProvider
	cfg      Config
	logger   *slog.Logger
}

// New creates a Resolver. planner may be nil, in which case capabilities
// come from the keyword map.
func New(catalogs Catalogs, planner domain.LLMProvider, cfg Config, log *slog.Logger) *Resolver {
	if log == nil {
		log = logger.Discard()
	}
	return &Resolver{catalogs: catalogs, planner: planner, cfg: cfg, logger: log}
}

// Resolve infers the capabilities of request and orders the creation of
// whatever the catalog lacks.
func (r *Resolver) Resolve(ctx context.Context, request string) (*Resolution, error) {
	ctx, span := tracer.StartSpan(ctx, "resolver.resolve")
	defer span.End()

	reg, err := r.catalogs.Registry(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	source := "planner"
	caps, err := r.askCapabilities(ctx, request, reg)
	if err != nil || len(caps) == 0 {
		r.logger.Warn("capability inference fell back to keywords", "error", err)
		caps = KeywordCapabilities(request)
		source = "keywords"
	}

	res, err := Analyze(caps, reg)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	res.Source = source
	span.SetAttributes(
		tracer.IntAttr("capabilities", len(caps)),
		tracer.IntAttr("to_create", len(res.CreationOrder)),
		tracer.StringAttr("source", source),
	)
	tracer.SetOK(span)
	r.logger.Debug("request resolved", "capabilities", len(caps), "to_create", len(res.CreationOrder), "source", source)
	return res, nil
}

type capabilityPrompt struct {
	Request   string
	Agents    []domain.AgentEntry
	Tools     []domain.ToolEntry
	Truncated int
}

func (r *Resolver) askCapabilities(ctx context.Context, request string, reg *registry.Registry) ([]Capability, error) {
	if r.planner == nil {
		return nil, fmt.Errorf("%w: no planner model", domain.ErrProviderNotFound)
	}
	data := capabilityPrompt{
		Request: request,
		Agents:  reg.ListAgents(registry.AgentFilter{ActiveOnly: true}),
		Tools:   reg.ListTools(registry.ToolFilter{}),
	}
	if n := len(data.Agents) + len(data.Tools); n > maxListed {
		data.Truncated = n - maxListed
		if len(data.Agents) > maxListed {
			data.Agents = data.Agents[:maxListed]
		}
		data.Tools = data.Tools[:max(0, min(len(data.Tools), maxListed-len(data.Agents)))]
	}

	var sys, usr bytes.Buffer
	if err := prompts.ExecuteTemplate(&sys, "capabilities_system", data); err != nil {
		return nil, err
	}
	if err := prompts.ExecuteTemplate(&usr, "capabilities_user", data); err != nil {
		return nil, err
	}
	req := domain.NewPrompt(sys.String(), usr.String())
	req.Model = r.cfg.Model
	req.Temperature = r.cfg.Temperature
	req.MaxTokens = r.cfg.MaxTokens
	req.Purpose = "capabilities"

	var reply struct {
		Capabilities []Capability `json:"capabilities"`
	}
	if err := llmjson.Ask(ctx, r.planner, req, capabilitySchema, domain.ErrPlanning, &reply); err != nil {
		return nil, err
	}
	return reply.Capabilities, nil
}

// Analyze builds the dependency graph of caps against the catalog and the
// creation order of whatever is missing.
func Analyze(caps []Capability, reg *registry.Registry) (*Resolution, error) {
	g := NewGraph()
	for _, c := range caps {
		agentID := g.AddNode(domain.KindAgent, c.Agent, reg.AgentExists(c.Agent))
		if n := g.node(agentID); n.Description == "" {
			n.Description = c.Description
		}
		for _, t := range c.Tools {
			toolID := g.AddNode(domain.KindTool, t, reg.ToolExists(t))
			g.AddEdge(toolID, agentID)
		}
	}
	// Existing agents keep their own tool edges so a missing tool they
	// import shows up too.
	for _, c := range caps {
		a, ok := reg.GetAgent(c.Agent)
		if !ok || a.Status != domain.StatusActive {
			continue
		}
		agentID := NodeID(domain.KindAgent, a.Name)
		for _, t := range a.UsesTools {
			g.AddEdge(g.AddNode(domain.KindTool, t, reg.ToolExists(t)), agentID)
		}
	}

	order, err := g.TopoSort(true)
	if err != nil {
		return nil, err
	}

	res := &Resolution{Capabilities: caps, Graph: g}
	for _, id := range order {
		n := g.node(id)
		spec := domain.CreationSpec{Kind: n.Kind, Name: n.Name, Description: n.Description}
		switch n.Kind {
		case domain.KindTool:
			spec.UsedBy = g.names(g.Successors(id))
			res.Missing.Tools = append(res.Missing.Tools, n.Name)
		case domain.KindAgent:
			spec.RequiredTools = g.names(g.Predecessors(id))
			res.Missing.Agents = append(res.Missing.Agents, n.Name)
		}
		res.CreationOrder = append(res.CreationOrder, spec)
	}
	res.Visualization = Visualize(g, order)
	return res, nil
}

// OrderSpecs sorts creation specs so every tool precedes the agents that
// require it. Specs already satisfied by the catalog are dropped.
func OrderSpecs(specs []domain.CreationSpec, reg *registry.Registry) ([]domain.CreationSpec, error) {
	g := NewGraph()
	byID := map[string]domain.CreationSpec{}
	for _, s := range specs {
		exists := reg.AgentExists(s.Name)
		if s.Kind == domain.KindTool {
			exists = reg.ToolExists(s.Name)
		}
		id := g.AddNode(s.Kind, s.Name, exists)
		if prev, ok := byID[id]; ok {
			s = mergeSpec(prev, s)
		}
		byID[id] = s
		if s.Kind == domain.KindAgent {
			for _, t := range s.RequiredTools {
				g.AddEdge(g.AddNode(domain.KindTool, t, reg.ToolExists(t)), id)
			}
		}
		for _, a := range s.UsedBy {
			if s.Kind == domain.KindTool {
				g.AddEdge(id, g.AddNode(domain.KindAgent, a, reg.AgentExists(a)))
			}
		}
	}
	order, err := g.TopoSort(true)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CreationSpec, 0, len(order))
	for _, id := range order {
		s, ok := byID[id]
		if !ok {
			n := g.node(id)
			s = domain.CreationSpec{Kind: n.Kind, Name: n.Name}
		}
		if s.Kind == domain.KindTool {
			s.UsedBy = mergeNames(s.UsedBy, g.names(g.Successors(id)))
		} else {
			s.RequiredTools = mergeNames(s.RequiredTools, g.names(g.Predecessors(id)))
		}
		out = append(out, s)
	}
	return out, nil
}

func mergeSpec(a, b domain.CreationSpec) domain.CreationSpec {
	if a.Description == "" {
		a.Description = b.Description
	}
	a.RequiredTools = mergeNames(a.RequiredTools, b.RequiredTools)
	a.UsedBy = mergeNames(a.UsedBy, b.UsedBy)
	return a
}

func mergeNames(a, b []string) []string {
	out := slices.Clone(a)
	for _, n := range b {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
