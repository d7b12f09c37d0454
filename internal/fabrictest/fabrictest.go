// Package fabrictest holds fakes and fixtures shared by package tests.
package fabrictest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/usecase/registry"
)

// Limits are the default catalog line ranges.
var Limits = registry.Limits{MinAgentLines: 50, MaxAgentLines: 300, MinToolLines: 15, MaxToolLines: 100}

// ScriptedLLM answers each request purpose from a queue of canned replies.
// When a purpose's queue is empty it falls back to Respond, then fails.
type ScriptedLLM struct {
	// Respond, when set, answers requests with no queued reply.
	Respond func(req domain.ChatRequest) (string, error)

	mu      sync.Mutex
	replies map[string][]string
	calls   []domain.ChatRequest
}

// NewScriptedLLM returns an empty script.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{replies: make(map[string][]string)}
}

// Add queues reply for purpose.
func (s *ScriptedLLM) Add(purpose string, replies ...string) *ScriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[purpose] = append(s.replies[purpose], replies...)
	return s
}

// Chat implements domain.LLMProvider.
func (s *ScriptedLLM) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	queue := s.replies[req.Purpose]
	var reply string
	ok := len(queue) > 0
	if ok {
		reply = queue[0]
		s.replies[req.Purpose] = queue[1:]
	}
	respond := s.Respond
	s.mu.Unlock()

	if !ok {
		if respond == nil {
			return nil, fmt.Errorf("%w: no scripted reply for %q", domain.ErrProviderError, req.Purpose)
		}
		var err error
		if reply, err = respond(req); err != nil {
			return nil, err
		}
	}
	return &domain.ChatResponse{
		Model:     "scripted",
		Message:   domain.Message{Role: domain.RoleAssistant, Content: reply},
		CreatedAt: time.Now(),
	}, nil
}

// Name implements domain.LLMProvider.
func (s *ScriptedLLM) Name() string { return "scripted" }

// Calls returns every request received so far.
func (s *ScriptedLLM) Calls() []domain.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatRequest(nil), s.calls...)
}

// Count returns how many requests carried purpose.
func (s *ScriptedLLM) Count(purpose string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Purpose == purpose {
			n++
		}
	}
	return n
}

// Fence wraps code in a python fence with some chatter around it.
func Fence(code string) string { return "Here you go:\n```python\n" + code + "```\nDone." }

// NewCoordinator returns a coordinator rooted in a fresh temp dir.
func NewCoordinator(t testing.TB) *registry.Coordinator {
	t.Helper()
	c, err := registry.NewCoordinator(registry.Options{
		Root:     t.TempDir(),
		Limits:   Limits,
		Debounce: 500 * time.Millisecond,
	}, nil, logger.Discard())
	require.NoError(t, err)
	return c
}

// Registry returns the coordinator's current registry.
func Registry(t testing.TB, c *registry.Coordinator) *registry.Registry {
	t.Helper()
	r, err := c.Registry(context.Background())
	require.NoError(t, err)
	return r
}

// ToolCode returns a tool definition padded to n lines.
func ToolCode(name string, n int) string {
	lines := []string{fmt.Sprintf("def %s(input_data=None):", name)}
	for len(lines) < n-1 {
		lines = append(lines, fmt.Sprintf("    x%d = %d", len(lines), len(lines)))
	}
	lines = append(lines, "    return input_data")
	return strings.Join(lines, "\n") + "\n"
}

// AgentCode returns an agent definition padded to n lines.
func AgentCode(name string, n int) string {
	lines := []string{fmt.Sprintf("def %s_agent(state):", name)}
	for len(lines) < n-1 {
		lines = append(lines, fmt.Sprintf("    x%d = %d", len(lines), len(lines)))
	}
	lines = append(lines, "    return state")
	return strings.Join(lines, "\n") + "\n"
}

// RegisterTool registers a padded tool and fails the test on error.
func RegisterTool(t testing.TB, r *registry.Registry, name, description string) {
	t.Helper()
	res := r.RegisterTool(context.Background(), domain.ToolSpec{
		Name: name, Description: description, Code: ToolCode(name, 20), IsPure: true,
	})
	require.True(t, res.OK(), res.Message)
}

// RegisterAgent registers a padded agent using tools and fails the test on
// error.
func RegisterAgent(t testing.TB, r *registry.Registry, name, description string, tools ...string) {
	t.Helper()
	res := r.RegisterAgent(context.Background(), domain.AgentSpec{
		Name:         name,
		Description:  description,
		Code:         AgentCode(name, 60),
		UsesTools:    tools,
		InputSchema:  map[string]any{"data": "any"},
		OutputSchema: map[string]any{"data": "any"},
	})
	require.True(t, res.OK(), res.Message)
}
