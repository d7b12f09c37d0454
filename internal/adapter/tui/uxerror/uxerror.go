// Package uxerror translates raw errors into user-facing messages with
// recovery hints for the CLI and dashboard.
package uxerror

import (
	"errors"
	"fmt"
	"strings"

	"agentfabric/internal/adapter/tui/theme"
	"agentfabric/internal/domain"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string   // short heading, e.g. "Rate Limited"
	Message string   // one-liner explanation
	Hints   []string // actionable recovery suggestions
	Raw     string   // original error text (for debug)
}

// Render formats the FriendlyError for terminal display.
func (fe FriendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(theme.TextError.Render(theme.Glyphs.Cross + " " + fe.Title))
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	if len(fe.Hints) > 0 {
		sb.WriteString("\n  Suggestions:")
		for _, h := range fe.Hints {
			sb.WriteString(fmt.Sprintf("\n    %s %s", theme.Glyphs.Bullet, h))
		}
	}
	return sb.String()
}

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) FriendlyError
}

var patterns = []errorPattern{
	// Domain sentinels first so errors.Is works through wrapping.
	{
		match: is(domain.ErrAuthInvalid),
		produce: constantError("Authentication Failed", "The LLM provider rejected the API key.",
			[]string{"Check the api_key of the provider in config", "Verify the key has not expired"}),
	},
	{
		match: is(domain.ErrRateLimit),
		produce: constantError("Rate Limited", "Too many requests were sent to the LLM provider.",
			[]string{"Wait a moment before retrying", "Lower llm.rate_limit.requests_per_minute", "Enable llm.failover with a second provider"}),
	},
	{
		match: is(domain.ErrContextOverflow),
		produce: constantError("Prompt Too Large", "The request and attached files exceed the model's context window.",
			[]string{"Attach fewer or smaller files", "Use a model with a larger context window"}),
	},
	{
		match: is(domain.ErrProviderNotFound),
		produce: constantError("Unknown LLM Provider", "A configured provider name does not match any entry in llm.providers.",
			[]string{"Check llm.planner_provider and llm.generator_provider", "Run 'fabric doctor' to list providers"}),
	},
	{
		match: is(domain.ErrTimeout),
		produce: constantError("Request Timed Out", "A step or an LLM call took too long to complete.",
			[]string{"Try a simpler request", "Increase limits.agent_timeout or the provider resp_timeout"}),
	},
	{
		match: is(domain.ErrConfigLoad),
		produce: constantError("Configuration Error", "The configuration file could not be loaded.",
			[]string{"Check the YAML syntax", "Run 'fabric doctor' to validate the setup"}),
	},
	{
		match: is(domain.ErrCorruptCatalog),
		produce: constantError("Registry Corrupt", "agents.json or tools.json could not be parsed.",
			[]string{"Restore a backup with 'fabric registry restore NAME'", "List backups with 'fabric registry backup'"}),
	},
	{
		match: is(domain.ErrNoAgents),
		produce: constantError("No Agents Available", "The registry has no active agents to plan with.",
			[]string{"Seed the prebuilt components with 'fabric registry seed'", "Enable orchestrator.auto_create"}),
	},
	{
		match: is(domain.ErrMissingCapabilities),
		produce: constantError("Missing Capabilities", "The request needs agents that do not exist yet.",
			[]string{"Enable orchestrator.auto_create", "Describe the task in smaller steps"}),
	},

	// Network patterns for errors from outside the domain.
	{
		match: containsAny("connection refused", "dial tcp", "no such host"),
		produce: constantError("Connection Failed", "Could not reach the LLM provider.",
			[]string{"Check your internet connection", "Verify the provider base_url in config"}),
	},
	{
		match: containsAny("python3", "executable file not found"),
		produce: constantError("Python Not Found", "Generated components need a Python interpreter.",
			[]string{"Install python3", "Set runner.python in config"}),
	},
}

// Humanize converts a raw error into a FriendlyError with recovery hints.
func Humanize(err error) FriendlyError {
	if err == nil {
		return FriendlyError{Title: "Unknown Error", Raw: "nil"}
	}

	for _, p := range patterns {
		if p.match(err) {
			return p.produce(err)
		}
	}

	return FriendlyError{
		Title:   "Unexpected Error",
		Message: err.Error(),
		Hints:   []string{"Try again", "Run with --debug for more details"},
		Raw:     err.Error(),
	}
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// containsAny returns a match func that checks if the error string contains
// any of the given substrings (case-insensitive).
func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

func constantError(title, message string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		return FriendlyError{
			Title:   title,
			Message: message,
			Hints:   hints,
			Raw:     err.Error(),
		}
	}
}
