package domain

import "time"

// AgentID identifies a single persona in the conversation.
type AgentID string

// Reserved authors. Any other author value is an AgentID.
const (
	AuthorUser   = "user"
	AuthorSystem = "system"
)

// MessageKind classifies who produced a message.
type MessageKind string

const (
	KindUser   MessageKind = "user"
	KindAgent  MessageKind = "agent"
	KindSystem MessageKind = "system"
)

// Action is an agent-declared state used to gate future responses.
// Transitions are declared by the generation backend, not computed by the
// engine, with two exceptions: wait_for_user is forced when an agent declares
// intent to address the human, and done is forced on the coordinator during
// goal-completion wrap-up.
type Action string

const (
	ActionPlanning     Action = "planning"
	ActionOpen         Action = "open"
	ActionImplementing Action = "implementing"
	ActionNeedsReview  Action = "needs_review"
	ActionReviewing    Action = "reviewing"
	ActionWaiting      Action = "waiting"
	ActionDone         Action = "done"
	ActionUserInput    Action = "user_input"
	ActionWaitForUser  Action = "wait_for_user"
)

// Valid reports whether a is a known action value.
func (a Action) Valid() bool {
	switch a {
	case ActionPlanning, ActionOpen, ActionImplementing, ActionNeedsReview,
		ActionReviewing, ActionWaiting, ActionDone, ActionUserInput, ActionWaitForUser:
		return true
	}
	return false
}

// Message is a single published conversation entry. Once appended to the log
// it is never mutated; corrections are new messages.
type Message struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Author    string         `json:"author"` // AuthorUser, AuthorSystem, or an AgentID
	Kind      MessageKind    `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Mentions  []AgentID      `json:"mentions,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Action    Action         `json:"action,omitempty"`
	Involve   []AgentID      `json:"involve,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AuthorAgent returns the author as an AgentID, or "" for user/system messages.
func (m Message) AuthorAgent() AgentID {
	if m.Kind != KindAgent {
		return ""
	}
	return AgentID(m.Author)
}

// MentionsAgent reports whether id appears in the message's mention or
// involve lists.
func (m Message) MentionsAgent(id AgentID) bool {
	for _, a := range m.Mentions {
		if a == id {
			return true
		}
	}
	for _, a := range m.Involve {
		if a == id {
			return true
		}
	}
	return false
}

// CopyMessages returns an independent copy of msgs. Snapshots taken from the
// live log must be value copies, never aliases into it.
func CopyMessages(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
