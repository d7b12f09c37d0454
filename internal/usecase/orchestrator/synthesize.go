package orchestrator

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"text/template"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/usecase/llmjson"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.New("").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(promptFS, "prompts/*.tmpl"))

type synthesisPrompt struct {
	Request     string
	Strategy    domain.WorkflowType
	Steps       []string
	Results     string
	Errors      []domain.StateError
	Adaptations []domain.Adaptation
}

// synthesize asks the model for a natural-language answer and falls back
// to a plain summary when that is not possible.
func (o *Orchestrator) synthesize(ctx context.Context, request string, plan *domain.PipelinePlan, state *domain.WorkflowState, errs []domain.StateError) string {
	if o.model == nil {
		return BasicSummary(state, errs, len(plan.Steps))
	}
	ctx, span := tracer.StartSpan(ctx, "orchestrator.synthesize")
	defer span.End()

	data := synthesisPrompt{
		Request:     request,
		Strategy:    plan.ExecutionStrategy,
		Steps:       plan.AgentNames(),
		Results:     FormatResults(state, o.cfg.ResultChars),
		Errors:      errs,
		Adaptations: state.Adaptations,
	}
	var sys, usr bytes.Buffer
	if err := prompts.ExecuteTemplate(&sys, "synthesize_system", data); err != nil {
		return BasicSummary(state, errs, len(plan.Steps))
	}
	if err := prompts.ExecuteTemplate(&usr, "synthesize_user", data); err != nil {
		return BasicSummary(state, errs, len(plan.Steps))
	}
	req := domain.NewPrompt(sys.String(), usr.String())
	req.Model, req.Temperature, req.MaxTokens, req.Purpose = o.cfg.Model, o.cfg.Temperature, o.cfg.MaxTokens, "synthesize"

	resp, err := o.model.Chat(ctx, req)
	if err != nil || strings.TrimSpace(resp.Message.Content) == "" {
		if err != nil {
			tracer.RecordError(span, err)
		}
		o.logger.Warn("synthesis failed, using summary", "workflow_id", state.WorkflowID, "error", err)
		return BasicSummary(state, errs, len(plan.Steps))
	}
	return strings.TrimSpace(resp.Message.Content)
}

// resultOrder lists result keys in execution order, then any others sorted.
func resultOrder(state *domain.WorkflowState) []string {
	var names []string
	for _, n := range state.ExecutionPath {
		if _, ok := state.Results[n]; ok {
			names = append(names, n)
		}
	}
	var rest []string
	for n := range state.Results {
		if !slices.Contains(names, n) {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// FormatResults lays out every agent's outcome for the synthesis prompt.
// Each agent's data is cut to limit bytes.
func FormatResults(state *domain.WorkflowState, limit int) string {
	if len(state.Results) == 0 {
		return "No agent results available."
	}
	var b strings.Builder
	b.WriteString("AGENT EXECUTION RESULTS:\n")
	names := resultOrder(state)
	var total float64
	for _, name := range names {
		env := state.Results[name]
		fmt.Fprintf(&b, "\nAgent: %s\nStatus: %s\n", name, env.Status)
		switch {
		case env.IsError():
			fmt.Fprintf(&b, "Error: %s\n", env.ErrorMessage())
		case env.Data == nil:
			b.WriteString("Returned data: None\n")
		default:
			fmt.Fprintf(&b, "Returned data: %s\n", llmjson.Truncate(compact(env.Data), limit))
		}
		if tools := toolsUsed(env); len(tools) > 0 {
			fmt.Fprintf(&b, "Tools used: %s\n", strings.Join(tools, ", "))
		}
		if fb, _ := env.Metadata["fallback"].(bool); fb {
			b.WriteString("Note: step skipped, fallback data used\n")
		}
		total += env.ExecutionTime()
	}
	fmt.Fprintf(&b, "\nSUMMARY FOR RESPONSE:\nAgents executed: %s\nTotal execution time: %.1fs\n", strings.Join(names, ", "), total)
	return b.String()
}

func toolsUsed(env domain.Envelope) []string {
	var out []string
	switch v := env.Metadata["tools_used"].(type) {
	case []string:
		out = v
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// BasicSummary describes the results without a model.
func BasicSummary(state *domain.WorkflowState, errs []domain.StateError, steps int) string {
	if len(state.Results) == 0 {
		return "I was unable to process your request successfully."
	}
	lines := []string{"I processed your request with the following results:"}
	if steps > 1 {
		done := 0
		for _, env := range state.Results {
			if env.IsSuccess() {
				done++
			}
		}
		if done == steps {
			lines[0] = fmt.Sprintf("I completed all %d steps of your request with the following results:", steps)
		} else {
			lines[0] = fmt.Sprintf("I completed %d of %d steps of your request. Partial results:", done, steps)
		}
	}
	for _, name := range resultOrder(state) {
		env := state.Results[name]
		if !env.IsSuccess() {
			continue
		}
		m, ok := env.Data.(map[string]any)
		if !ok {
			if env.Data != nil {
				lines = append(lines, fmt.Sprintf("- %s: %s", name, llmjson.Truncate(fmt.Sprint(env.Data), 100)))
			}
			continue
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch v := m[k].(type) {
			case []any:
				lines = append(lines, fmt.Sprintf("- %s: %d items", k, len(v)))
			case []string:
				lines = append(lines, fmt.Sprintf("- %s: %d items", k, len(v)))
			case int, int64, float64:
				lines = append(lines, fmt.Sprintf("- %s: %v", k, v))
			default:
				lines = append(lines, fmt.Sprintf("- %s: %s", k, llmjson.Truncate(fmt.Sprint(v), 100)))
			}
		}
	}
	if len(errs) > 0 {
		lines = append(lines, fmt.Sprintf("\nNote: %d errors occurred during processing.", len(errs)))
	}
	return strings.Join(lines, "\n")
}

func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
