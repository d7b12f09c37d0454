package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"agentfabric/internal/adapter/tui/uxerror"
	"agentfabric/internal/domain"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "--version", "version":
		fmt.Println("fabric", version)
		return
	case "run":
		err = runRequest(os.Args[2:])
	case "registry":
		err = runRegistry(os.Args[2:])
	case "resolve":
		err = runResolve(os.Args[2:])
	case "mcp":
		err = runMCP()
	case "dashboard":
		err = runDashboard()
	case "doctor":
		err = runDoctor()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'fabric --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, uxerror.Humanize(err).Render())
		if debugEnabled() {
			fmt.Fprintf(os.Stderr, "\n%s: %v\n", os.Args[1], err)
		}
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`fabric - self-extending agent pipelines

USAGE:
    fabric <COMMAND> [ARGS] [FLAGS]

COMMANDS:
    run "<request>"   Plan and run a pipeline, print the result as JSON
                      Flags: --file PATH (repeatable), --no-create
    registry <cmd>    Inspect and maintain the catalogs
                      Subcommands: list, health, validate, graph,
                      backup [tag], backups, restore NAME,
                      optimize [--apply], cleanup, report, seed,
                      import tool|agent NAME FILE.wasm, call NAME [JSON]
    resolve "<req>"   Show which agents and tools a request needs
    mcp               Serve the fabric over MCP on stdin/stdout
    dashboard         Launch the registry dashboard
    doctor            Check config, interpreter, catalogs and providers

FLAGS:
    -h, --help        Show this help message
    --config PATH     Config file path (default: ./config.yaml)
    --debug           Print the raw error after the friendly one

CONFIGURATION:
    Config file: ./config.yaml
    Environment: FABRIC_* variables override config

EXAMPLES:
    fabric registry seed
    fabric run "Extract all URLs from this text: see https://go.dev"
    fabric run "Summarize the sales figures" --file sales.csv
    fabric registry backup before-upgrade
    fabric registry import tool fast_sum sum.wasm -d "Sum a list of numbers"
    fabric registry call fast_sum '[1, 2, 3]'
    fabric resolve "Calculate the median of [10, 30, 50]"`)
}

// configPath reads --config from os.Args, then FABRIC_CONFIG.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("FABRIC_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func debugEnabled() bool {
	for _, arg := range os.Args {
		if arg == "--debug" {
			return true
		}
	}
	return os.Getenv("FABRIC_DEBUG") != ""
}

// positional strips global flags (and their values) from args.
func positional(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			i++
		case strings.HasPrefix(args[i], "--config="), args[i] == "--debug":
		default:
			out = append(out, args[i])
		}
	}
	return out
}

// runArgs is the parsed form of 'fabric run'.
type runArgs struct {
	Request  string
	Files    []string
	NoCreate bool
}

func parseRunArgs(args []string) (runArgs, error) {
	var ra runArgs
	var words []string
	args = positional(args)
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--file" || args[i] == "-f":
			if i+1 >= len(args) {
				return ra, fmt.Errorf("%s needs a path", args[i])
			}
			ra.Files = append(ra.Files, args[i+1])
			i++
		case strings.HasPrefix(args[i], "--file="):
			ra.Files = append(ra.Files, strings.TrimPrefix(args[i], "--file="))
		case args[i] == "--no-create":
			ra.NoCreate = true
		case strings.HasPrefix(args[i], "--"):
			return ra, fmt.Errorf("unknown flag %s", args[i])
		default:
			words = append(words, args[i])
		}
	}
	ra.Request = strings.TrimSpace(strings.Join(words, " "))
	if ra.Request == "" {
		return ra, fmt.Errorf("usage: fabric run \"<request>\" [--file PATH]...")
	}
	return ra, nil
}

// importArgs is the parsed form of 'fabric registry import'.
type importArgs struct {
	Kind        domain.ComponentKind
	Name        string
	File        string
	Description string
	Uses        []string
	Tags        []string
}

const importUsage = "usage: fabric registry import tool|agent NAME FILE.wasm [--description TEXT] [--uses a,b] [--tags a,b]"

func parseImportArgs(args []string) (importArgs, error) {
	var ia importArgs
	var words []string
	for i := 0; i < len(args); i++ {
		flag, value, inline := strings.Cut(args[i], "=")
		switch flag {
		case "--description", "-d", "--uses", "--tags":
			if !inline {
				if i+1 >= len(args) {
					return ia, fmt.Errorf("%s needs a value", flag)
				}
				value = args[i+1]
				i++
			}
			switch flag {
			case "--uses":
				ia.Uses = splitList(value)
			case "--tags":
				ia.Tags = splitList(value)
			default:
				ia.Description = value
			}
		default:
			if strings.HasPrefix(args[i], "--") {
				return ia, fmt.Errorf("unknown flag %s", args[i])
			}
			words = append(words, args[i])
		}
	}
	if len(words) != 3 {
		return ia, errors.New(importUsage)
	}
	ia.Kind, ia.Name, ia.File = domain.ComponentKind(words[0]), words[1], words[2]
	if ia.Kind != domain.KindTool && ia.Kind != domain.KindAgent {
		return ia, fmt.Errorf("unknown component kind %q; %s", words[0], importUsage)
	}
	if ia.Kind == domain.KindTool && len(ia.Uses) > 0 {
		return ia, fmt.Errorf("--uses applies to agents only")
	}
	return ia, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// callInput decodes a 'fabric registry call' argument as JSON, falling back
// to the raw text.
func callInput(args []string) any {
	raw := strings.TrimSpace(strings.Join(args, " "))
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
