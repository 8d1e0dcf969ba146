package engine

import (
	"strings"
	"time"

	"roundtable/internal/domain"
)

type gateVerdict int

const (
	gateReject gateVerdict = iota
	gateAllow
	gateAsk
)

// gateInput carries everything the hard rules need to run without touching
// shared state, so they stay cheap and testable.
type gateInput struct {
	Agent        *AgentContext
	Trigger      domain.Message
	Log          []domain.Message
	ActiveAgents int
	FirstMessage bool
	Now          time.Time
}

// helpPhrases are user-frustration signals that let a done agent re-enter
// the conversation.
var helpPhrases = []string{
	"can anyone help",
	"is anyone there",
	"anyone?",
	"hello?",
	"are you there",
	"i'm stuck",
	"im stuck",
	"help me",
	"nothing is happening",
	"why is nothing happening",
	"this isn't working",
}

func userNeedsHelp(content string) bool {
	lower := strings.ToLower(content)
	for _, p := range helpPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// importantTrigger reports whether a message is urgent enough to pierce the
// cooldown: it asks a question, carries code, or names the agent.
func importantTrigger(msg domain.Message, id domain.AgentID) bool {
	if strings.Contains(msg.Content, "?") || strings.Contains(msg.Content, "```") {
		return true
	}
	return msg.MentionsAgent(id)
}

// evaluateHardRules runs the ordered short-circuit rules that precede the
// oracle call. Mentioned agents never reach this point; they are enqueued
// unconditionally.
func evaluateHardRules(tn Tuning, in gateInput) (gateVerdict, string) {
	agent := in.Agent
	id := agent.Profile.ID

	if in.Trigger.AuthorAgent() == id {
		return gateReject, "own message"
	}

	if in.ActiveAgents == 1 && in.Trigger.Kind == domain.KindUser {
		return gateAllow, "two-party conversation"
	}

	if in.FirstMessage && !agent.Profile.IsCoordinator() {
		return gateReject, "first message is the coordinator's"
	}

	// No speaking twice in immediate succession.
	for i := len(in.Log) - 1; i >= 0 && i >= len(in.Log)-2; i-- {
		if in.Log[i].AuthorAgent() == id {
			return gateReject, "spoke in the last two entries"
		}
	}

	if agent.CurrentAction == domain.ActionDone {
		if !userNeedsHelp(in.Trigger.Content) {
			return gateReject, "already done"
		}
	}

	if agent.CurrentAction == domain.ActionWaiting && len(agent.WaitingFor) > 0 {
		awaited := false
		author := in.Trigger.AuthorAgent()
		for _, w := range agent.WaitingFor {
			if w == author {
				awaited = true
				break
			}
		}
		if !awaited {
			return gateReject, "waiting on another agent"
		}
	}

	if !agent.LastResponse.IsZero() && in.Now.Sub(agent.LastResponse) < tn.Cooldown {
		if !importantTrigger(in.Trigger, id) {
			return gateReject, "cooldown"
		}
	}

	if dominates(in.Log, id, tn.DominanceWindow, tn.DominanceShare) {
		return gateReject, "dominance throttle"
	}

	return gateAsk, ""
}

// dominates reports whether the agent authored at least share of the last
// window entries. Short logs never trigger the throttle.
func dominates(log []domain.Message, id domain.AgentID, window int, share float64) bool {
	if len(log) < window || window <= 0 {
		return false
	}
	count := 0
	for _, msg := range log[len(log)-window:] {
		if msg.AuthorAgent() == id {
			count++
		}
	}
	return float64(count)/float64(window) >= share
}

// ownRecentOutput collects the agent's last n messages from the log, oldest
// first, for the oracle's self-repetition check.
func ownRecentOutput(log []domain.Message, id domain.AgentID, n int) []domain.Message {
	var out []domain.Message
	for i := len(log) - 1; i >= 0 && len(out) < n; i-- {
		if log[i].AuthorAgent() == id {
			out = append(out, log[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
