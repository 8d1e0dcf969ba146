package engine

import (
	"regexp"

	"roundtable/internal/domain"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// resolveMentions scans content for @handles and returns the ones that
// match a registered agent ID, deduplicated, in order of first appearance.
func resolveMentions(content string, known func(domain.AgentID) bool) []domain.AgentID {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	var out []domain.AgentID
	seen := make(map[domain.AgentID]bool, len(matches))
	for _, m := range matches {
		id := domain.AgentID(m[1])
		if seen[id] || !known(id) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// mergeMentions folds explicit involve targets into the resolved mention
// list without duplicates.
func mergeMentions(mentions, involve []domain.AgentID) []domain.AgentID {
	if len(involve) == 0 {
		return mentions
	}
	seen := make(map[domain.AgentID]bool, len(mentions)+len(involve))
	out := make([]domain.AgentID, 0, len(mentions)+len(involve))
	for _, id := range mentions {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range involve {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
