package domain

import "context"

// ChatMessage is a single turn in a model conversation.
type ChatMessage struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// ChatRequest is a plain chat completion request.
type ChatRequest struct {
	Messages    []ChatMessage
	Model       string
	MaxTokens   int
	Temperature float64
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	TokensIn  int
	TokensOut int
}

// ChatResponse is the model's reply.
type ChatResponse struct {
	Content   string
	Usage     Usage
	LatencyMs int64
}

// Provider is the interface all LLM backends implement. Both collaborator
// contracts (Decider, Generator) are built on top of it.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	Healthy(ctx context.Context) error
}
