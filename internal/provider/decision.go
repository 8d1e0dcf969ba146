package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"roundtable/internal/config"
	"roundtable/internal/domain"
)

const decisionSystemPrompt = `You are a turn-taking referee for a group chat between a user and several AI personas.
Given an agent's profile, its recent context, and the newest message, decide whether this agent should speak now.
Say no when the agent has nothing new to add, would repeat itself, or the message is clearly meant for someone else.
Answer with a single JSON object: {"respond": true|false, "reasoning": "<one short sentence>"}`

// DecisionOracle implements domain.Decider by asking a model whether an
// agent should take the floor.
type DecisionOracle struct {
	provider    domain.Provider
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

func NewDecisionOracle(p domain.Provider, cfg config.DecisionConfig, logger *slog.Logger) *DecisionOracle {
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 200
	}
	return &DecisionOracle{
		provider:    p,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

func (o *DecisionOracle) Healthy(ctx context.Context) error {
	return o.provider.Healthy(ctx)
}

func (o *DecisionOracle) Decide(ctx context.Context, req domain.DecisionRequest) (*domain.Verdict, error) {
	resp, err := o.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: "system", Content: decisionSystemPrompt},
			{Role: "user", Content: buildDecisionPrompt(req)},
		},
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("decision oracle: %w", err)
	}
	verdict, err := parseVerdict(resp.Content)
	if err != nil {
		o.logger.Warn("unparseable oracle verdict", "content", resp.Content, "error", err)
		return nil, err
	}
	return verdict, nil
}

func buildDecisionPrompt(req domain.DecisionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s (%s)\nRole: %s\n", req.Profile.Name, req.Profile.ID, req.Profile.Role)
	if req.Profile.Description != "" {
		fmt.Fprintf(&b, "About: %s\n", req.Profile.Description)
	}

	if len(req.RecentContext) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, m := range req.RecentContext {
			fmt.Fprintf(&b, "[%s] %s\n", m.Author, m.Content)
		}
	}
	if len(req.OwnRecentOutput) > 0 {
		b.WriteString("\nThis agent's own recent messages:\n")
		for _, m := range req.OwnRecentOutput {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}
	fmt.Fprintf(&b, "\nNewest message from %s:\n%s\n", req.Trigger.Author, req.Trigger.Content)
	b.WriteString("\nShould this agent respond now?")
	return b.String()
}

// parseVerdict reads the oracle's JSON answer, tolerating code fences and
// surrounding prose. A plain yes/no answer is accepted as a last resort.
func parseVerdict(content string) (*domain.Verdict, error) {
	stripped := stripCodeFence(content)
	if start, end := findJSONBounds(stripped); start >= 0 {
		var parsed struct {
			Respond       *bool  `json:"respond"`
			ShouldRespond *bool  `json:"should_respond"`
			Reasoning     string `json:"reasoning"`
		}
		if err := json.Unmarshal([]byte(stripped[start:end]), &parsed); err == nil {
			answer := parsed.Respond
			if answer == nil {
				answer = parsed.ShouldRespond
			}
			if answer != nil {
				return &domain.Verdict{ShouldRespond: *answer, Reasoning: parsed.Reasoning}, nil
			}
		}
	}

	switch word := strings.ToLower(strings.Trim(strings.TrimSpace(stripped), ".!")); word {
	case "yes", "true":
		return &domain.Verdict{ShouldRespond: true, Reasoning: "bare affirmative"}, nil
	case "no", "false":
		return &domain.Verdict{ShouldRespond: false, Reasoning: "bare negative"}, nil
	}
	return nil, fmt.Errorf("no verdict found in %q", content)
}
