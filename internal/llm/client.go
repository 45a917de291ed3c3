package llm

import "context"

// Client is the interface the orchestrator drives. Implementations
// convert between the provider wire format and the neutral types in
// this package.
type Client interface {
	// Chat sends a chat completion request and returns the complete response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// tokens and tool-call events are streamed to it as they arrive.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
