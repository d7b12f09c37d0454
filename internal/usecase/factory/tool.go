package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"agentfabric/internal/adapter/pycheck"
	"agentfabric/internal/domain"
	"agentfabric/internal/infra/tracer"
)

// ToolRequest describes a tool to ensure.
type ToolRequest struct {
	Name              string
	Description       string
	InputDescription  string
	OutputDescription string
	Examples          []Example
	// DefaultReturn is returned by the tool on bad input. Nil means infer
	// it from OutputDescription.
	DefaultReturn any
	Tags          []string
	Impure        bool
	Prebuilt      bool
}

// ExampleResult is the outcome of replaying one example.
type ExampleResult struct {
	Example  int    `json:"example"`
	Status   string `json:"status"` // passed, failed or error
	Input    any    `json:"input"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ToolResult is the outcome of EnsureTool.
type ToolResult struct {
	Status         string               `json:"status"`
	Name           string               `json:"name"`
	Location       string               `json:"location,omitempty"`
	Signature      string               `json:"signature,omitempty"`
	LineCount      int                  `json:"line_count,omitempty"`
	Code           string               `json:"code,omitempty"`
	Repaired       bool                 `json:"repaired,omitempty"`
	Issues         []string             `json:"issues,omitempty"`
	Probes         []domain.ProbeResult `json:"probes,omitempty"`
	ExampleResults []ExampleResult      `json:"example_results,omitempty"`
	Error          domain.ErrorCode     `json:"error,omitempty"`
	Message        string               `json:"message,omitempty"`
	Tool           *domain.ToolEntry    `json:"tool,omitempty"`
}

// OK reports whether the tool is available after the call.
func (r ToolResult) OK() bool { return r.Status == StatusSuccess || r.Status == StatusExists }

// GenerationRecord is one entry of the factory's generation history.
type GenerationRecord struct {
	Tool      string    `json:"tool_name"`
	Timestamp time.Time `json:"timestamp"`
	LineCount int       `json:"line_count"`
	IsPure    bool      `json:"is_pure"`
	Repaired  bool      `json:"repaired"`
}

// ToolFactory creates pure-function tools.
type ToolFactory struct {
	catalogs  Catalogs
	generator domain.LLMProvider
	prober    domain.SourceProber
	checker   *pycheck.Checker
	bus       domain.EventBus
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	history []GenerationRecord
}

// NewToolFactory wires a tool factory. prober may be nil, which disables
// the smoke test.
func NewToolFactory(catalogs Catalogs, generator domain.LLMProvider, prober domain.SourceProber, bus domain.EventBus, cfg Config, logger *slog.Logger) *ToolFactory {
	cfg = cfg.withDefaults()
	return &ToolFactory{
		catalogs:  catalogs,
		generator: generator,
		prober:    prober,
		checker:   pycheck.New(cfg.AllowedImports),
		bus:       bus,
		cfg:       cfg,
		logger:    discardIfNil(logger),
	}
}

// History returns the tools generated so far, oldest first.
func (f *ToolFactory) History() []GenerationRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.history)
}

func toolFailure(name string, status string, code domain.ErrorCode, format string, args ...any) ToolResult {
	return ToolResult{Status: status, Name: name, Error: code, Message: fmt.Sprintf(format, args...)}
}

// EnsureTool returns the existing active tool or generates, validates,
// smoke-tests and registers a new one.
func (f *ToolFactory) EnsureTool(ctx context.Context, req ToolRequest) (res ToolResult) {
	ctx, span := tracer.StartSpan(ctx, "factory.create_tool")
	span.SetAttributes(tracer.StringAttr("tool", req.Name))
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
		return toolFailure(req.Name, StatusError, domain.CodeValidation,
			"Invalid tool name: %s. Use lowercase with underscores only.", req.Name)
	}

	reg, err := f.catalogs.Registry(ctx)
	if err != nil {
		return toolFailure(req.Name, StatusError, domain.ErrorCodeOf(err), "%v", err)
	}
	if reg.ToolExists(req.Name) {
		tool, _ := reg.GetTool(req.Name)
		if _, err := os.Stat(reg.Path(tool.Location)); err == nil {
			f.logger.Debug("tool exists", "tool", req.Name)
			return ToolResult{Status: StatusExists, Name: req.Name, Location: tool.Location,
				LineCount: tool.LineCount, Signature: tool.Signature, Tool: &tool,
				Message: fmt.Sprintf("Tool '%s' already exists and is active", req.Name)}
		}
		f.logger.Warn("tool registered but source missing, regenerating", "tool", req.Name, "location", tool.Location)
		if err := reg.SetToolStatus(req.Name, domain.StatusBroken); err != nil {
			return toolFailure(req.Name, StatusError, domain.ErrorCodeOf(err), "%v", err)
		}
	}

	def := req.DefaultReturn
	if def == nil {
		def = InferDefaultReturn(req.OutputDescription)
	}
	defLit := pyLiteral(def)

	code, err := f.generate(ctx, req, defLit)
	if err != nil {
		return toolFailure(req.Name, StatusError, domain.ErrorCodeOf(err), "%v", err)
	}

	code, report, repaired := f.validate(code, req.Name, defLit)
	if !report.Valid() {
		return f.rejected(ctx, req.Name, code, report, repaired, nil)
	}

	probes, failed := f.smoke(ctx, req.Name, code)
	if failed != "" && !repaired {
		if fixed, ok := repairTool(code, report, defLit, true); ok {
			repaired = true
			code = fixed
			report = f.checker.CheckTool(code, req.Name, f.cfg.ToolLines)
			if !report.Valid() {
				return f.rejected(ctx, req.Name, code, report, repaired, probes)
			}
			probes, failed = f.smoke(ctx, req.Name, code)
		}
	}
	if failed != "" {
		emit(ctx, f.bus, domain.EventComponentFailed, map[string]any{"kind": domain.KindTool, "name": req.Name, "reason": failed})
		return ToolResult{Status: StatusValidation, Name: req.Name, Code: code, Repaired: repaired,
			Probes: probes, Issues: []string{failed}, Error: domain.CodeValidation,
			Message: "Generated code failed the smoke test"}
	}

	tags := req.Tags
	if len(tags) == 0 {
		tags = ToolTags(req.Description)
	}
	reg, err = f.catalogs.Registry(ctx)
	if err != nil {
		return toolFailure(req.Name, StatusError, domain.ErrorCodeOf(err), "%v", err)
	}
	regRes := reg.RegisterTool(ctx, domain.ToolSpec{
		Name:        req.Name,
		Description: req.Description,
		Code:        code,
		Signature:   signature(code),
		Tags:        tags,
		IsPure:      !req.Impure,
		Prebuilt:    req.Prebuilt,
	})
	if !regRes.OK() {
		return ToolResult{Status: StatusError, Name: req.Name, Code: code, Error: regRes.Error, Message: regRes.Message}
	}
	f.catalogs.ForceReload()

	f.mu.Lock()
	f.history = append(f.history, GenerationRecord{
		Tool:      req.Name,
		Timestamp: time.Now().UTC(),
		LineCount: regRes.LineCount,
		IsPure:    !req.Impure,
		Repaired:  repaired,
	})
	f.mu.Unlock()

	res = ToolResult{
		Status:    StatusSuccess,
		Name:      req.Name,
		Location:  regRes.Location,
		Signature: signature(code),
		LineCount: regRes.LineCount,
		Code:      code,
		Repaired:  repaired,
		Probes:    probes,
		Message:   fmt.Sprintf("Tool '%s' created successfully", req.Name),
	}
	if len(req.Examples) > 0 {
		res.ExampleResults = f.replayExamples(ctx, req.Name, code, req.Examples)
	}

	emit(ctx, f.bus, domain.EventComponentCreated, map[string]any{"kind": domain.KindTool, "name": req.Name, "lines": regRes.LineCount})
	f.logger.Info("tool created", "tool", req.Name, "lines", regRes.LineCount, "repaired", repaired)
	return res
}

func (f *ToolFactory) generate(ctx context.Context, req ToolRequest, defLit string) (string, error) {
	if f.generator == nil {
		return "", domain.NewSubSystemError("factory", "generate_tool", domain.ErrProviderNotFound, "no generator model configured")
	}
	chat, err := render("tool_system", "tool_user", toolPromptData{
		Name:              req.Name,
		Description:       req.Description,
		InputDescription:  req.InputDescription,
		OutputDescription: req.OutputDescription,
		DefaultReturn:     defLit,
		Imports:           importsFor(req.Description + " " + req.InputDescription + " " + req.OutputDescription),
		Hints:             logicHints(req.Description, len(req.Examples) > 0),
		AllowedImports:    f.cfg.AllowedImports,
		Examples:          req.Examples,
		MinLines:          f.cfg.ToolLines.Min,
		MaxLines:          f.cfg.ToolLines.Max,
	})
	if err != nil {
		return "", err
	}
	chat.Model = f.cfg.Model
	chat.Temperature = f.cfg.Temperature
	chat.MaxTokens = f.cfg.MaxTokens
	chat.Purpose = "generate_tool"

	resp, err := f.generator.Chat(ctx, chat)
	if err != nil {
		return "", domain.WrapOp("generate_tool", err)
	}
	code := ExtractCode(resp.Message.Content)
	if code == "" {
		return "", domain.NewSubSystemError("factory", "generate_tool", domain.ErrValidation, "no Python code found in generator reply")
	}
	return code, nil
}

// validate runs the static checks, with one repair attempt.
func (f *ToolFactory) validate(code, name, defLit string) (string, pycheck.Report, bool) {
	report := f.checker.CheckTool(code, name, f.cfg.ToolLines)
	if report.Valid() {
		return code, report, false
	}
	fixed, ok := repairTool(code, report, defLit, false)
	if !ok {
		return code, report, false
	}
	f.logger.Debug("tool repaired", "tool", name, "issues", report.Messages())
	return fixed, f.checker.CheckTool(fixed, name, f.cfg.ToolLines), true
}

func (f *ToolFactory) rejected(ctx context.Context, name, code string, report pycheck.Report, repaired bool, probes []domain.ProbeResult) ToolResult {
	msg := "Generated code failed validation"
	if repaired {
		msg += " after fixes"
	}
	emit(ctx, f.bus, domain.EventComponentFailed, map[string]any{"kind": domain.KindTool, "name": name, "issues": report.Messages()})
	f.logger.Warn("tool rejected", "tool", name, "issues", report.Messages())
	return ToolResult{
		Status:    StatusValidation,
		Name:      name,
		Code:      code,
		LineCount: report.LineCount,
		Repaired:  repaired,
		Issues:    report.Messages(),
		Probes:    probes,
		Error:     sizeOrValidation(report),
		Message:   msg,
	}
}

// smoke runs the probe set. It returns the first failure, or "" when every
// probe returned. A missing interpreter skips the test.
func (f *ToolFactory) smoke(ctx context.Context, name, code string) ([]domain.ProbeResult, string) {
	if !f.cfg.SmokeTest || f.prober == nil {
		return nil, ""
	}
	results, err := f.prober.ProbeTool(ctx, name, code, SmokeProbes())
	if errors.Is(err, domain.ErrRunnerUnavailable) {
		f.logger.Warn("smoke test skipped", "tool", name, "error", err)
		return nil, ""
	}
	if err != nil {
		return nil, fmt.Sprintf("smoke test could not load the function: %v", err)
	}
	for _, r := range results {
		if r.Error != "" {
			return results, fmt.Sprintf("smoke test failed for input %s: %s", describeProbe(r.Input), r.Error)
		}
	}
	return results, ""
}

func describeProbe(v any) string {
	if v == nil {
		return "None"
	}
	return strings.TrimSpace(fmt.Sprintf("%#v", v))
}

func (f *ToolFactory) replayExamples(ctx context.Context, name, code string, examples []Example) []ExampleResult {
	if f.prober == nil {
		return nil
	}
	inputs := make([]any, len(examples))
	for i, ex := range examples {
		inputs[i] = ex.Input
	}
	probes, err := f.prober.ProbeTool(ctx, name, code, inputs)
	if err != nil {
		f.logger.Warn("example replay failed", "tool", name, "error", err)
		return []ExampleResult{{Status: StatusError, Error: err.Error()}}
	}

	out := make([]ExampleResult, 0, len(examples))
	for i, ex := range examples {
		r := ExampleResult{Example: i + 1, Input: ex.Input}
		switch {
		case i >= len(probes):
			r.Status, r.Error = "error", "no result"
		case probes[i].Error != "":
			r.Status, r.Error = "error", probes[i].Error
		case reflect.DeepEqual(normalize(probes[i].Output), normalize(ex.Output)):
			r.Status, r.Actual = "passed", probes[i].Output
		default:
			r.Status, r.Expected, r.Actual = "failed", ex.Output, probes[i].Output
		}
		out = append(out, r)
	}
	return out
}

func signature(code string) string {
	for _, line := range strings.Split(code, "\n") {
		if t := strings.TrimSpace(line); strings.HasPrefix(t, "def ") {
			return strings.TrimSuffix(t, ":")
		}
	}
	return ""
}
