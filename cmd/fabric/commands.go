package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"agentfabric/internal/adapter/mcpserver"
	"agentfabric/internal/adapter/tui/dashboard"
	"agentfabric/internal/adapter/tui/dashboard/tabs"
	"agentfabric/internal/domain"
	"agentfabric/internal/prebuilt"
	"agentfabric/internal/usecase/orchestrator"
	"agentfabric/internal/usecase/registry"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRequest(args []string) error {
	ra, err := parseRunArgs(args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, needsModels)
	defer a.close()
	if err != nil {
		return err
	}

	req := orchestrator.Request{Text: ra.Request, Paths: ra.Files}
	if ra.NoCreate {
		off := false
		req.AutoCreate = &off
	}
	return printJSON(os.Stdout, a.orch.Process(ctx, req))
}

func runResolve(args []string) error {
	request := strings.TrimSpace(strings.Join(positional(args), " "))
	if request == "" {
		return fmt.Errorf("usage: fabric resolve \"<request>\"")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, needsCatalog)
	defer a.close()
	if err != nil {
		return err
	}

	res, err := a.resolver.Resolve(ctx, request)
	if err != nil {
		return err
	}
	fmt.Println(res.Visualization)
	fmt.Printf("\ncapabilities from %s\n", res.Source)
	if res.Missing.Empty() {
		fmt.Println("all required components are registered")
		return nil
	}
	if len(res.Missing.Tools) > 0 {
		fmt.Printf("missing tools:  %s\n", strings.Join(res.Missing.Tools, ", "))
	}
	if len(res.Missing.Agents) > 0 {
		fmt.Printf("missing agents: %s\n", strings.Join(res.Missing.Agents, ", "))
	}
	return nil
}

func runRegistry(args []string) error {
	args = positional(args)
	if len(args) == 0 {
		return fmt.Errorf("usage: fabric registry <list|health|validate|graph|backup [tag]|backups|restore NAME|optimize [--apply]|cleanup|report|seed|import|call>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, needsCatalog)
	defer a.close()
	if err != nil {
		return err
	}
	reg, err := a.coord.Registry(ctx)
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		printCatalog(os.Stdout, reg)
		return nil
	case "health":
		return printJSON(os.Stdout, reg.HealthCheck())
	case "validate":
		rep := reg.ValidateAll()
		if err := printJSON(os.Stdout, rep); err != nil {
			return err
		}
		if n := len(rep.InvalidAgents) + len(rep.InvalidTools); n > 0 {
			return domain.NewDomainError("registry.ValidateAll", domain.ErrValidation,
				strconv.Itoa(n)+" invalid component(s)")
		}
		return nil
	case "graph":
		return printJSON(os.Stdout, reg.DependencyGraph())
	case "backup":
		tag := ""
		if len(args) > 1 {
			tag = args[1]
		}
		info, err := reg.BackupRegistries(ctx, tag)
		if err != nil {
			return err
		}
		fmt.Printf("backup created: %s\n", info.Path)
		return nil
	case "backups":
		backups, err := reg.ListBackups()
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, backups)
	case "restore":
		if len(args) < 2 {
			return fmt.Errorf("usage: fabric registry restore NAME (see 'fabric registry backups')")
		}
		if err := reg.RestoreRegistries(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("restored %s\n", args[1])
		return nil
	case "optimize":
		apply := len(args) > 1 && args[1] == "--apply"
		rep, err := reg.OptimizeRegistry(ctx, !apply)
		if err != nil {
			return err
		}
		if err := printJSON(os.Stdout, rep); err != nil {
			return err
		}
		if !apply {
			fmt.Fprintln(os.Stderr, "dry run; pass --apply to write the changes")
		}
		return nil
	case "cleanup":
		rep, err := reg.CleanupDeprecated(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, rep)
	case "report":
		fmt.Print(tabs.RenderMarkdown(reg.ExportMarkdown(), terminalWidth()))
		return nil
	case "seed":
		rep, err := prebuilt.Seed(ctx, reg, a.log)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, rep)
	case "import":
		ia, err := parseImportArgs(args[1:])
		if err != nil {
			return err
		}
		return importModule(ctx, reg, ia)
	case "call":
		if len(args) < 2 {
			return fmt.Errorf("usage: fabric registry call NAME [JSON]")
		}
		out, err := callComponent(ctx, reg, a.runner, args[1], callInput(args[2:]))
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, out)
	default:
		return fmt.Errorf("unknown registry command: %s", args[0])
	}
}

// importModule registers a compiled WASI module as a tool or agent.
func importModule(ctx context.Context, reg *registry.Registry, ia importArgs) error {
	module, err := os.ReadFile(ia.File)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	var res domain.RegistrationResult
	if ia.Kind == domain.KindAgent {
		res = reg.RegisterAgent(ctx, domain.AgentSpec{
			Name: ia.Name, Description: ia.Description, Module: module, UsesTools: ia.Uses, Tags: ia.Tags,
		})
	} else {
		res = reg.RegisterTool(ctx, domain.ToolSpec{
			Name: ia.Name, Description: ia.Description, Module: module, Tags: ia.Tags, IsPure: true,
		})
	}
	if !res.OK() {
		return domain.NewDomainError("registry.Import", domain.ErrValidation, res.Message)
	}
	fmt.Printf("%s %s registered at %s (%s)\n", ia.Kind, res.Name, res.Location, res.Version)
	return nil
}

// callComponent runs one registered tool, or failing that one agent, on
// input. Agents get input as their state when it is an object, otherwise
// as current_data.
func callComponent(ctx context.Context, reg *registry.Registry, run domain.Runner, name string, input any) (any, error) {
	if t, ok := reg.GetTool(name); ok && t.Active() {
		return run.RunTool(ctx, t, input)
	}
	if ag, ok := reg.GetAgent(name); ok && ag.Active() {
		state, isMap := input.(map[string]any)
		if !isMap {
			state = map[string]any{"current_data": input}
		}
		return run.RunAgent(ctx, ag, state)
	}
	return nil, domain.NewDomainError("registry.Call", domain.ErrNotFound, "no active tool or agent named "+name)
}

func runMCP() error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, needsModels)
	defer a.close()
	if err != nil {
		return err
	}
	a.startBackground(ctx)

	s := mcpserver.New(a.orch, a.coord, version, a.log)
	a.log.Info("mcp server listening on stdio")
	return mcpserver.Serve(s)
}

func runDashboard() error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, needsCatalog)
	defer a.close()
	if err != nil {
		return err
	}
	a.startBackground(ctx)

	deps := dashboard.DashboardDeps{
		Bus:          a.bus,
		Catalog:      a.coord,
		ProviderName: a.cfg.LLM.PlannerProvider,
		ModelName:    providerModel(a.cfg.LLM, a.cfg.LLM.PlannerProvider),
	}
	// A nil *history.Store must not become a non-nil interface.
	if a.history != nil {
		deps.History = a.history
	}

	model := dashboard.NewDashboardModel(deps)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	model.SetProgramSender(func(msg tea.Msg) { p.Send(msg) })

	_, err = p.Run()
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var tableHeader = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var tableCell = lipgloss.NewStyle().Padding(0, 1)

func styledTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeader
			}
			return tableCell
		})
}

// printCatalog writes the agent and tool catalogs as two tables.
func printCatalog(w io.Writer, reg *registry.Registry) {
	agents := reg.ListAgents(registry.AgentFilter{})
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	at := styledTable("AGENT", "STATUS", "RUNS", "TOOLS", "DESCRIPTION")
	for _, ag := range agents {
		at.Row(ag.Name, string(ag.Status), strconv.Itoa(ag.ExecutionCount),
			strings.Join(ag.UsesTools, ", "), ag.Description)
	}

	tools := reg.ListTools(registry.ToolFilter{})
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	tt := styledTable("TOOL", "STATUS", "PURE", "USED BY", "DESCRIPTION")
	for _, tl := range tools {
		tt.Row(tl.Name, string(tl.Status), strconv.FormatBool(tl.IsPure),
			strings.Join(tl.UsedByAgents, ", "), tl.Description)
	}

	fmt.Fprintf(w, "%d agents\n%s\n\n%d tools\n%s\n", len(agents), at.String(), len(tools), tt.String())
}

// terminalWidth reads COLUMNS and defaults to 100.
func terminalWidth() int {
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 0 {
		return n
	}
	return 100
}
