package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"agentfabric/internal/adapter/pycheck"
	"agentfabric/internal/domain"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/usecase/registry"
)

// AgentRequest describes an agent to ensure.
type AgentRequest struct {
	Name              string
	Description       string
	RequiredTools     []string
	ToolPurposes      map[string]string
	InputDescription  string
	OutputDescription string
	WorkflowSteps     []string
	InputSchema       map[string]any
	OutputSchema      map[string]any
	Tags              []string
	// AutoCreateTools generates missing required tools first.
	AutoCreateTools bool
	// Hints are extra implementation guidance appended to the prompt, used
	// when building replacement or modified agents.
	Hints           string
	PipelineContext *domain.PipelineBinding
}

// AgentResult is the outcome of EnsureAgent.
type AgentResult struct {
	Status       string            `json:"status"`
	Name         string            `json:"name"`
	Location     string            `json:"location,omitempty"`
	LineCount    int               `json:"line_count,omitempty"`
	Code         string            `json:"code,omitempty"`
	Repaired     bool              `json:"repaired,omitempty"`
	Issues       []string          `json:"issues,omitempty"`
	ToolsCreated []string          `json:"tools_created,omitempty"`
	ToolFailures map[string]string `json:"tool_failures,omitempty"`
	Error        domain.ErrorCode  `json:"error,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// OK reports whether the agent is available after the call.
func (r AgentResult) OK() bool { return r.Status == StatusSuccess || r.Status == StatusExists }

// AgentFactory creates agents, creating their tools first.
type AgentFactory struct {
	catalogs  Catalogs
	generator domain.LLMProvider
	tools     *ToolFactory
	checker   *pycheck.Checker
	bus       domain.EventBus
	cfg       Config
	logger    *slog.Logger
}

// NewAgentFactory wires an agent factory on top of a tool factory.
func NewAgentFactory(catalogs Catalogs, generator domain.LLMProvider, tools *ToolFactory, bus domain.EventBus, cfg Config, logger *slog.Logger) *AgentFactory {
	cfg = cfg.withDefaults()
	return &AgentFactory{
		catalogs:  catalogs,
		generator: generator,
		tools:     tools,
		checker:   pycheck.New(cfg.AllowedImports),
		bus:       bus,
		cfg:       cfg,
		logger:    discardIfNil(logger),
	}
}

// Tools returns the underlying tool factory.
func (f *AgentFactory) Tools() *ToolFactory { return f.tools }

// EnsureAgent returns the existing active agent or creates it. Tool
// creation failures are not fatal: the agent is generated with a stub
// import for the missing tool.
func (f *AgentFactory) EnsureAgent(ctx context.Context, req AgentRequest) (res AgentResult) {
	ctx, span := tracer.StartSpan(ctx, "factory.create_agent")
	span.SetAttributes(tracer.StringAttr("agent", req.Name))
	defer func() {
		span.SetAttributes(tracer.StringAttr("status", res.Status))
		if res.OK() {
			tracer.SetOK(span)
		} else {
			tracer.RecordError(span, errors.New(res.Message))
		}
		span.End()
	}()

	if !domain.ValidName(req.Name) {
		return AgentResult{Status: StatusError, Name: req.Name, Error: domain.CodeValidation,
			Message: fmt.Sprintf("Invalid agent name: %s. Use lowercase with underscores only.", req.Name)}
	}

	reg, err := f.catalogs.Registry(ctx)
	if err != nil {
		return AgentResult{Status: StatusError, Name: req.Name, Error: domain.ErrorCodeOf(err), Message: err.Error()}
	}
	if reg.AgentExists(req.Name) {
		a, _ := reg.GetAgent(req.Name)
		return AgentResult{Status: StatusExists, Name: req.Name, Location: a.Location, LineCount: a.LineCount,
			Message: fmt.Sprintf("Agent '%s' already exists in registry", req.Name)}
	}

	res = AgentResult{Name: req.Name, ToolFailures: map[string]string{}}
	var missing, modules []string
	for _, t := range req.RequiredTools {
		if reg.ToolExists(t) {
			// Python agents import their tools; a WASI module has nothing to import.
			if e, _ := reg.GetTool(t); registry.IsModule(e.Location) {
				modules = append(modules, t)
			}
			continue
		}
		if !req.AutoCreateTools || f.tools == nil {
			missing = append(missing, t)
			continue
		}
		desc := req.ToolPurposes[t]
		if desc == "" {
			desc = InferToolDescription(t, req.Description)
		}
		tr := f.tools.EnsureTool(ctx, ToolRequest{Name: t, Description: desc, InputDescription: req.InputDescription})
		switch {
		case tr.Status == StatusSuccess:
			res.ToolsCreated = append(res.ToolsCreated, t)
		case !tr.OK():
			f.logger.Warn("tool creation failed, agent gets a stub", "agent", req.Name, "tool", t, "reason", tr.Message)
			res.ToolFailures[t] = tr.Message
		}
	}
	if len(modules) > 0 {
		res.Status = StatusError
		res.Error = domain.CodeValidation
		res.Message = "Tools compiled to WASI modules cannot be imported by agents: " + strings.Join(modules, ", ")
		return res
	}
	if len(missing) > 0 {
		res.Status = StatusError
		res.Error = domain.CodeMissingCapabilities
		res.Message = "Missing required tools: " + strings.Join(missing, ", ")
		return res
	}

	reg, err = f.catalogs.Registry(ctx)
	if err != nil {
		return AgentResult{Status: StatusError, Name: req.Name, Error: domain.ErrorCodeOf(err), Message: err.Error()}
	}
	tools, uses := f.promptTools(reg, req)

	code, err := f.generate(ctx, req, tools)
	if err != nil {
		res.Status, res.Error, res.Message = StatusError, domain.ErrorCodeOf(err), err.Error()
		return res
	}
	code = ensureToolImports(code, tools)

	report := f.checker.CheckAgent(code, req.Name, f.cfg.AgentLines, pycheck.AgentOptions{})
	if !report.Valid() {
		if fixed, ok := repairAgent(code, report); ok {
			f.logger.Debug("agent repaired", "agent", req.Name, "issues", report.Messages())
			code = fixed
			res.Repaired = true
			report = f.checker.CheckAgent(code, req.Name, f.cfg.AgentLines, pycheck.AgentOptions{})
		}
	}
	res.Code = code
	res.LineCount = report.LineCount
	if !report.Valid() {
		emit(ctx, f.bus, domain.EventComponentFailed, map[string]any{"kind": domain.KindAgent, "name": req.Name, "issues": report.Messages()})
		f.logger.Warn("agent rejected", "agent", req.Name, "issues", report.Messages())
		res.Status = StatusValidation
		res.Issues = report.Messages()
		res.Error = sizeOrValidation(report)
		res.Message = "Generated agent failed validation: " + strings.Join(report.Messages(), "; ")
		return res
	}

	in, out := req.InputSchema, req.OutputSchema
	if in == nil {
		in = map[string]any{"data": "any"}
	}
	if out == nil {
		out = map[string]any{"data": "any"}
	}
	tags := req.Tags
	if len(tags) == 0 {
		tags = AgentTags(req.Description)
	}

	reg, err = f.catalogs.Registry(ctx)
	if err != nil {
		return AgentResult{Status: StatusError, Name: req.Name, Error: domain.ErrorCodeOf(err), Message: err.Error()}
	}
	regRes := reg.RegisterAgent(ctx, domain.AgentSpec{
		Name:            req.Name,
		Description:     req.Description,
		Code:            code,
		UsesTools:       uses,
		InputSchema:     in,
		OutputSchema:    out,
		Tags:            tags,
		PipelineContext: req.PipelineContext,
	})
	if !regRes.OK() {
		res.Status, res.Error, res.Message = StatusError, regRes.Error, regRes.Message
		return res
	}
	f.catalogs.ForceReload()

	res.Status = StatusSuccess
	res.Location = regRes.Location
	res.LineCount = regRes.LineCount
	res.Message = fmt.Sprintf("Agent '%s' created successfully", req.Name)
	emit(ctx, f.bus, domain.EventComponentCreated, map[string]any{
		"kind": domain.KindAgent, "name": req.Name, "lines": regRes.LineCount, "tools_created": res.ToolsCreated,
	})
	f.logger.Info("agent created", "agent", req.Name, "lines", regRes.LineCount, "tools", uses, "repaired", res.Repaired)
	return res
}

// promptTools resolves the import module of every required tool. Tools that
// are still missing keep a generated-module import and are left out of
// uses.
func (f *AgentFactory) promptTools(reg *registry.Registry, req AgentRequest) ([]promptTool, []string) {
	var tools []promptTool
	uses := []string{}
	for _, name := range req.RequiredTools {
		pt := promptTool{Name: name, Module: "generated.tools." + name, Description: req.ToolPurposes[name]}
		if t, ok := reg.GetTool(name); ok && t.Active() {
			if t.IsPrebuilt {
				pt.Module = "prebuilt.tools." + name
			}
			if pt.Description == "" {
				pt.Description = t.Description
			}
			uses = append(uses, name)
		}
		if pt.Description == "" {
			pt.Description = InferToolDescription(name, "")
		}
		tools = append(tools, pt)
	}
	return tools, uses
}

func (f *AgentFactory) generate(ctx context.Context, req AgentRequest, tools []promptTool) (string, error) {
	if f.generator == nil {
		return "", domain.NewSubSystemError("factory", "generate_agent", domain.ErrProviderNotFound, "no generator model configured")
	}
	chat, err := render("agent_system", "agent_user", agentPromptData{
		Name:              req.Name,
		Entry:             pycheck.EntryPoint(req.Name),
		Description:       req.Description,
		InputDescription:  req.InputDescription,
		OutputDescription: req.OutputDescription,
		Tools:             tools,
		WorkflowSteps:     req.WorkflowSteps,
		AllowedImports:    f.cfg.AllowedImports,
		MinLines:          f.cfg.AgentLines.Min,
		MaxLines:          f.cfg.AgentLines.Max,
	})
	if err != nil {
		return "", err
	}
	if req.Hints != "" {
		last := len(chat.Messages) - 1
		chat.Messages[last].Content += "\n\nImplementation hints:\n" + req.Hints
	}
	chat.Model = f.cfg.Model
	chat.Temperature = f.cfg.Temperature
	chat.MaxTokens = f.cfg.MaxTokens
	chat.Purpose = "generate_agent"

	resp, err := f.generator.Chat(ctx, chat)
	if err != nil {
		return "", domain.WrapOp("generate_agent", err)
	}
	code := ExtractCode(resp.Message.Content)
	if code == "" {
		return "", domain.NewSubSystemError("factory", "generate_agent", domain.ErrValidation, "no Python code found in generator reply")
	}
	return code, nil
}
