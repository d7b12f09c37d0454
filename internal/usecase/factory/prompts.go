package factory

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"agentfabric/internal/domain"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.New("prompts").Funcs(template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}).ParseFS(promptFS, "prompts/*.tmpl"))

// Example is an input/output pair shown to the generator and replayed
// against the registered tool.
type Example struct {
	Input  any `json:"input"`
	Output any `json:"output"`
}

type toolPromptData struct {
	Name              string
	Description       string
	InputDescription  string
	OutputDescription string
	DefaultReturn     string
	Imports           []string
	Hints             []string
	AllowedImports    []string
	Examples          []Example
	MinLines          int
	MaxLines          int
}

type promptTool struct {
	Name        string
	Module      string
	Description string
}

type agentPromptData struct {
	Name              string
	Entry             string
	Description       string
	InputDescription  string
	OutputDescription string
	Tools             []promptTool
	WorkflowSteps     []string
	AllowedImports    []string
	MinLines          int
	MaxLines          int
}

func render(system, user string, data any) (domain.ChatRequest, error) {
	var sys, usr bytes.Buffer
	if err := prompts.ExecuteTemplate(&sys, system, data); err != nil {
		return domain.ChatRequest{}, fmt.Errorf("render %s: %w", system, err)
	}
	if err := prompts.ExecuteTemplate(&usr, user, data); err != nil {
		return domain.ChatRequest{}, fmt.Errorf("render %s: %w", user, err)
	}
	return domain.NewPrompt(sys.String(), usr.String()), nil
}
