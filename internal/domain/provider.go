package domain

import "context"

// LLMProvider is the interface for any model backend. The planner and the
// generator are both reached through it.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "claude").
	Name() string
}

// FileReader extracts typed content from an input file.
type FileReader interface {
	Read(ctx context.Context, path string) (*FileRecord, error)
}

// FileRecord is the typed result of reading an input file.
type FileRecord struct {
	Name    string `json:"name"`
	Path    string `json:"path,omitempty"`
	Type    string `json:"type"`
	Content any    `json:"content"`
	Summary string `json:"summary,omitempty"`
	Size    int64  `json:"size"`
	Error   string `json:"error,omitempty"`
}
