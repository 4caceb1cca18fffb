// Package provider defines the contract for conversational-model and
// embedding-model backends.
package provider

import "context"

// Message is one turn in a conversation handed to the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes one callable tool advertised to the model.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ChatResult is either a final answer or a set of tool-call requests.
type ChatResult struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider is the remote model backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// ChatCompletion sends the running history plus tool schemas and
	// returns the model's reply.
	ChatCompletion(ctx context.Context, messages []Message, tools []Tool) (ChatResult, error)

	// CreateEmbedding returns one fixed-length vector per input text,
	// preserving input order.
	CreateEmbedding(ctx context.Context, texts []string, dimensions int) ([][]float32, error)

	// CreateImageEmbedding returns a vector for a binary/URI reference.
	CreateImageEmbedding(ctx context.Context, imageURI string, dimensions int) ([]float32, error)
}
