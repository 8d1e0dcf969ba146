package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"roundtable/internal/config"
	"roundtable/internal/domain"
)

const turnContract = `You are speaking in a group chat with a human user and other AI personas.
Stay in character and keep replies conversational. Mention a teammate with @their-id when you hand work to them.
End your reply with a single JSON line declaring your state:
{"action": "<planning|open|implementing|needs_review|reviewing|waiting|done|user_input>", "involve": ["agent-id"], "waiting_for": ["agent-id"]}
Use "done" only when your part of the task is genuinely finished, and "user_input" when you need the human to answer.`

// TurnGenerator implements domain.Generator: it renders the snapshot into a
// chat transcript, asks the model for the agent's turn, and peels off the
// trailing state directive.
type TurnGenerator struct {
	provider    domain.Provider
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

func NewTurnGenerator(p domain.Provider, cfg config.GenerationConfig, logger *slog.Logger) *TurnGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &TurnGenerator{
		provider:    p,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

func (g *TurnGenerator) Healthy(ctx context.Context) error {
	return g.provider.Healthy(ctx)
}

func (g *TurnGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	resp, err := g.provider.Chat(ctx, domain.ChatRequest{
		Messages:    buildTurnMessages(req),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("generate turn for %s: %w", req.Profile.ID, err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, fmt.Errorf("generate turn for %s: empty reply", req.Profile.ID)
	}

	result := &domain.GenerationResult{
		Content: content,
		Action:  domain.ActionOpen,
		Metadata: map[string]any{
			"provider":  g.provider.Name(),
			"tokensIn":  resp.Usage.TokensIn,
			"tokensOut": resp.Usage.TokensOut,
			"latencyMs": resp.LatencyMs,
		},
	}
	cleaned, directive, ok := parseTurnDirective(content)
	if !ok {
		return result, nil
	}
	if cleaned == "" {
		// A directive with no prose is a malformed turn; keep the raw
		// content so the conversation shows something.
		g.logger.Warn("turn was only a directive", "agent", req.Profile.ID)
		return result, nil
	}
	result.Content = cleaned
	result.Action = domain.Action(directive.Action)
	result.Involve = toAgentIDs(directive.Involve)
	result.WaitingFor = toAgentIDs(directive.WaitingFor)
	return result, nil
}

func toAgentIDs(ids []string) []domain.AgentID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]domain.AgentID, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, domain.AgentID(id))
		}
	}
	return out
}

// buildTurnMessages renders the snapshot into chat messages from the
// agent's point of view: its own past turns become assistant messages,
// everything else user messages tagged with the author.
func buildTurnMessages(req domain.GenerationRequest) []domain.ChatMessage {
	system := req.Profile.SystemPrompt
	if system == "" {
		system = fmt.Sprintf("You are %s, a %s.", req.Profile.Name, req.Profile.Role)
	}
	msgs := []domain.ChatMessage{
		{Role: "system", Content: system + "\n\n" + turnContract},
	}
	for _, m := range req.Snapshot {
		if m.AuthorAgent() == req.Profile.ID {
			msgs = append(msgs, domain.ChatMessage{Role: "assistant", Content: m.Content})
			continue
		}
		msgs = append(msgs, domain.ChatMessage{
			Role:    "user",
			Content: fmt.Sprintf("[%s] %s", m.Author, m.Content),
		})
	}
	return msgs
}
