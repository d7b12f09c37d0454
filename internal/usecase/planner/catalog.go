package planner

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"agentfabric/internal/domain"
)

// TokenCounter counts the tokens of a prompt fragment.
type TokenCounter interface {
	Count(text string) int
}

type approxCounter struct{}

func (approxCounter) Count(text string) int { return (len(text) + 3) / 4 }

// ApproxCounter estimates four bytes per token.
func ApproxCounter() TokenCounter { return approxCounter{} }

type bpeCounter struct{ enc *tiktoken.Tiktoken }

func (b bpeCounter) Count(text string) int { return len(b.enc.Encode(text, nil, nil)) }

// NewTokenCounter loads the named BPE encoding. When the encoding cannot be
// loaded (it is fetched on first use) the byte estimate is used instead.
func NewTokenCounter(encoding string, logger *slog.Logger) TokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		if logger != nil {
			logger.Warn("token encoding unavailable, estimating", "encoding", encoding, "error", err)
		}
		return approxCounter{}
	}
	return bpeCounter{enc: enc}
}

// Listing is a catalog rendered for a prompt.
type Listing struct {
	Agents  string
	Tools   string
	Omitted int
	Tokens  int
}

// CatalogFormatter renders agents and tools for the planner model, keeping
// the listing within a token budget. Agents are listed before tools and
// frequently executed agents before the rest.
type CatalogFormatter struct {
	counter TokenCounter
	budget  int
}

// NewCatalogFormatter returns a formatter. A budget of zero means 2000.
func NewCatalogFormatter(counter TokenCounter, budget int) *CatalogFormatter {
	if counter == nil {
		counter = approxCounter{}
	}
	if budget <= 0 {
		budget = 2000
	}
	return &CatalogFormatter{counter: counter, budget: budget}
}

// Format renders the active entries of agents and tools.
func (f *CatalogFormatter) Format(agents []domain.AgentEntry, tools []domain.ToolEntry) Listing {
	agents = slices.Clone(agents)
	slices.SortStableFunc(agents, func(a, b domain.AgentEntry) int {
		return cmp.Compare(b.ExecutionCount, a.ExecutionCount)
	})

	var out Listing
	var ab, tb strings.Builder
	for _, a := range agents {
		if !a.Active() {
			continue
		}
		line := agentLine(a)
		n := f.counter.Count(line)
		if out.Tokens+n > f.budget {
			out.Omitted++
			continue
		}
		out.Tokens += n
		ab.WriteString(line)
	}
	for _, t := range tools {
		if !t.Active() {
			continue
		}
		line := toolLine(t)
		n := f.counter.Count(line)
		if out.Tokens+n > f.budget {
			out.Omitted++
			continue
		}
		out.Tokens += n
		tb.WriteString(line)
	}

	out.Agents = orNone(ab.String())
	out.Tools = orNone(tb.String())
	if out.Omitted > 0 {
		out.Tools += fmt.Sprintf("(%d more components omitted)\n", out.Omitted)
	}
	return out
}

func agentLine(a domain.AgentEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s: %s", a.Name, a.Description)
	fmt.Fprintf(&b, " | in: %s | out: %s", schemaKeys(a.InputSchema), schemaKeys(a.OutputSchema))
	if len(a.UsesTools) > 0 {
		fmt.Fprintf(&b, " | tools: %s", strings.Join(a.UsesTools, ", "))
	}
	if len(a.Tags) > 0 {
		fmt.Fprintf(&b, " | tags: %s", strings.Join(a.Tags, ", "))
	}
	fmt.Fprintf(&b, " | runs: %d\n", a.ExecutionCount)
	return b.String()
}

func toolLine(t domain.ToolEntry) string {
	line := fmt.Sprintf("- %s: %s", t.Name, t.Description)
	if len(t.Tags) > 0 {
		line += " | tags: " + strings.Join(t.Tags, ", ")
	}
	return line + "\n"
}

func schemaKeys(s map[string]any) string {
	if len(s) == 0 {
		return "{}"
	}
	keys := slices.Sorted(maps.Keys(s))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%v", k, s[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func orNone(s string) string {
	if s == "" {
		return "(none)\n"
	}
	return s
}
