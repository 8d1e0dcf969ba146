package engine

import (
	"regexp"
	"strings"

	"roundtable/internal/domain"
)

// CompletionEvaluator decides whether the conversation's goals appear
// satisfied. It is pluggable so the keyword heuristics can be swapped for
// something smarter without touching the engine.
type CompletionEvaluator interface {
	Complete(goals []string, log []domain.Message, profile func(domain.AgentID) (domain.AgentProfile, bool)) bool
}

var (
	goalStatementPattern = regexp.MustCompile(`(?i)(?:the user wants|user wants|the goal is|the objective is|we need to)\s+(.{5,200})`)
	goalListPattern      = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)$`)
)

// technicalMarkers flag goal candidates that describe implementation
// mechanics rather than a user-facing outcome.
var technicalMarkers = []string{
	"refactor", "endpoint", "database", "schema", "unit test",
	"function", "variable", "dependency", "import", "compile",
	"merge", "branch", "stack trace",
}

// goalTracker accumulates the user's objectives from the coordinator's own
// messages. Not safe for concurrent use; the engine mutex guards it.
type goalTracker struct {
	goals []string
	seen  map[string]bool
}

func newGoalTracker() *goalTracker {
	return &goalTracker{seen: make(map[string]bool)}
}

// observe scans a coordinator message for goal statements.
func (g *goalTracker) observe(msg domain.Message, coordinator domain.AgentID) {
	if msg.AuthorAgent() != coordinator {
		return
	}
	for _, m := range goalStatementPattern.FindAllStringSubmatch(msg.Content, -1) {
		g.add(m[1])
	}
	for _, m := range goalListPattern.FindAllStringSubmatch(msg.Content, -1) {
		g.add(m[1])
	}
}

func (g *goalTracker) add(candidate string) {
	goal := strings.TrimSpace(strings.TrimRight(candidate, ".!"))
	if goal == "" || looksTechnical(goal) {
		return
	}
	key := strings.ToLower(goal)
	if g.seen[key] {
		return
	}
	g.seen[key] = true
	g.goals = append(g.goals, goal)
}

func (g *goalTracker) list() []string {
	out := make([]string, len(g.goals))
	copy(out, g.goals)
	return out
}

func (g *goalTracker) reset() {
	g.goals = nil
	g.seen = make(map[string]bool)
}

func looksTechnical(s string) bool {
	lower := strings.ToLower(s)
	if strings.Contains(lower, "```") {
		return true
	}
	for _, m := range technicalMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// HeuristicEvaluator is the default CompletionEvaluator: layered keyword
// and shape checks over the full history. Best effort, not ground truth.
type HeuristicEvaluator struct {
	MinIntroductions int
	InviteThreshold  int
	MinAnswerLength  int
	Similarity       float64
}

func NewHeuristicEvaluator(similarity float64) *HeuristicEvaluator {
	return &HeuristicEvaluator{
		MinIntroductions: 3,
		InviteThreshold:  4,
		MinAnswerLength:  120,
		Similarity:       similarity,
	}
}

var implementationKeywords = []string{
	"implement", "build", "write code", "create a", "fix the bug",
	"add a feature", "script", "program", "prototype",
}

var introductionKeywords = []string{
	"introduce", "who is here", "who's here", "meet the team",
	"say hello", "roll call",
}

var questionKeywords = []string{
	"what is", "what are", "how does", "how do", "why does",
	"explain", "tell me about",
}

func (h *HeuristicEvaluator) Complete(goals []string, log []domain.Message, profile func(domain.AgentID) (domain.AgentProfile, bool)) bool {
	request := firstUserRequest(log)
	if request == "" {
		return false
	}
	subject := strings.ToLower(request + " " + strings.Join(goals, " "))

	if isImplementationTask(subject, log) {
		if !developerDelivered(log, profile) {
			return false
		}
		if anyAgentDone(log) {
			return true
		}
	}

	if containsAny(subject, introductionKeywords) {
		need := h.MinIntroductions
		if strings.Contains(subject, "invite") {
			need = h.InviteThreshold
		}
		return distinctAgentSpeakers(log) >= need
	}

	if containsAny(subject, questionKeywords) || strings.Contains(request, "?") {
		if hasSubstantialReply(log, h.MinAnswerLength) {
			return true
		}
	}

	return coordinatorLooping(log, profile, h.Similarity)
}

func firstUserRequest(log []domain.Message) string {
	for _, msg := range log {
		if msg.Kind == domain.KindUser {
			return msg.Content
		}
	}
	return ""
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func isImplementationTask(subject string, log []domain.Message) bool {
	if containsAny(subject, implementationKeywords) {
		return true
	}
	for _, msg := range log {
		if msg.Kind == domain.KindUser && strings.Contains(msg.Content, "```") {
			return true
		}
	}
	return false
}

// developerDelivered reports whether any development-capable agent has
// produced a code artifact or declared done.
func developerDelivered(log []domain.Message, profile func(domain.AgentID) (domain.AgentProfile, bool)) bool {
	for _, msg := range log {
		id := msg.AuthorAgent()
		if id == "" {
			continue
		}
		p, ok := profile(id)
		if !ok || !p.Role.Traits().CountsAsDeveloper {
			continue
		}
		if strings.Contains(msg.Content, "```") || msg.Action == domain.ActionDone {
			return true
		}
	}
	return false
}

func anyAgentDone(log []domain.Message) bool {
	for _, msg := range log {
		if msg.Kind == domain.KindAgent && msg.Action == domain.ActionDone {
			return true
		}
	}
	return false
}

func distinctAgentSpeakers(log []domain.Message) int {
	seen := make(map[domain.AgentID]bool)
	for _, msg := range log {
		if id := msg.AuthorAgent(); id != "" {
			seen[id] = true
		}
	}
	return len(seen)
}

func hasSubstantialReply(log []domain.Message, minLen int) bool {
	for _, msg := range log {
		if msg.Kind == domain.KindAgent && len(msg.Content) >= minLen {
			return true
		}
	}
	return false
}

// coordinatorLooping reports whether the coordinator's recent output is
// dominated by stalling phrases or near-duplicate text, which means the
// team has nothing left to do but circle.
func coordinatorLooping(log []domain.Message, profile func(domain.AgentID) (domain.AgentProfile, bool), similarity float64) bool {
	var recent []string
	for i := len(log) - 1; i >= 0 && len(recent) < 5; i-- {
		id := log[i].AuthorAgent()
		if id == "" {
			continue
		}
		if p, ok := profile(id); ok && p.IsCoordinator() {
			recent = append(recent, normalizeContent(log[i].Content))
		}
	}
	if len(recent) < 2 {
		return false
	}
	stalling := 0
	for _, c := range recent {
		if isStallingPhrase(c) {
			stalling++
		}
	}
	if stalling*2 > len(recent) {
		return true
	}
	for i := 1; i < len(recent); i++ {
		if jaccard(tokenSet(recent[i-1]), tokenSet(recent[i])) >= similarity {
			return true
		}
	}
	return false
}
