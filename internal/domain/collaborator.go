package domain

import "context"

// DecisionRequest carries everything the decision oracle needs to judge
// whether an agent should respond to a trigger message.
type DecisionRequest struct {
	Profile         AgentProfile
	RecentContext   []Message // the agent's personal history, capped
	OwnRecentOutput []Message // the agent's own latest messages, for self-repetition detection
	Trigger         Message
}

// Verdict is the oracle's answer. The engine treats it as untrusted: a
// missing, slow, or malformed verdict degrades to "do not respond".
type Verdict struct {
	ShouldRespond bool
	Reasoning     string
}

// Decider is the external decision collaborator. Implementations may be
// unavailable at any time; callers must tolerate errors.
type Decider interface {
	Decide(ctx context.Context, req DecisionRequest) (*Verdict, error)
	Healthy(ctx context.Context) error
}

// GenerationRequest asks the generation collaborator for an agent's turn,
// built from the log snapshot captured when the agent decided to speak.
type GenerationRequest struct {
	Profile  AgentProfile
	Snapshot []Message // immutable context snapshot, not the live log
	Trigger  Message
}

// GenerationResult is a produced turn plus the agent's declared state.
type GenerationResult struct {
	Content    string
	Action     Action
	Involve    []AgentID
	WaitingFor []AgentID
	Metadata   map[string]any
}

// Generator is the external generation collaborator.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
	Healthy(ctx context.Context) error
}
