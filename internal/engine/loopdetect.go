package engine

import (
	"fmt"
	"strings"
	"time"

	"roundtable/internal/domain"
)

type loopIntervention int

const (
	loopNone loopIntervention = iota
	loopSuppress
	loopRewrite
)

type loopRecord struct {
	tokens     map[string]struct{}
	normalized string
	repeats    int
	lastSeen   time.Time
}

// loopDetector tracks per-agent content repetition. When an agent keeps
// producing near-identical text it either suppresses the message or, for
// the coordinator, asks for a rewritten redirect instead.
type loopDetector struct {
	similarity   float64
	window       time.Duration
	defaultLimit int
	records      map[domain.AgentID]*loopRecord
	now          func() time.Time
}

func newLoopDetector(tn Tuning) *loopDetector {
	return &loopDetector{
		similarity:   tn.LoopSimilarity,
		window:       tn.LoopWindow,
		defaultLimit: tn.LoopRepeatLimit,
		records:      make(map[domain.AgentID]*loopRecord),
		now:          time.Now,
	}
}

// observe records one agent-authored message and reports whether the
// detector intervenes. The coordinator gets a tighter repeat limit and an
// extra check against stock stalling phrases.
func (d *loopDetector) observe(id domain.AgentID, content string, coordinator bool, limit int) loopIntervention {
	if limit <= 0 {
		limit = d.defaultLimit
	}
	now := d.now()
	norm := normalizeContent(content)
	toks := tokenSet(norm)

	rec := d.records[id]
	switch {
	case rec == nil || now.Sub(rec.lastSeen) > d.window || jaccard(rec.tokens, toks) < d.similarity:
		rec = &loopRecord{repeats: 1}
	default:
		rec.repeats++
	}
	rec.tokens = toks
	rec.normalized = norm
	rec.lastSeen = now
	d.records[id] = rec

	stalling := coordinator && isStallingPhrase(norm)
	if rec.repeats >= limit || (stalling && rec.repeats >= 2) {
		delete(d.records, id)
		if coordinator {
			return loopRewrite
		}
		return loopSuppress
	}
	return loopNone
}

func (d *loopDetector) reset() {
	d.records = make(map[domain.AgentID]*loopRecord)
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// coordinatorStallPhrases are stock fillers a looping coordinator falls
// back on when it has run out of concrete direction.
var coordinatorStallPhrases = []string{
	"what's next",
	"whats next",
	"what should we do next",
	"shall we continue",
	"let's keep going",
	"lets keep going",
	"anything else",
	"moving on",
	"let me know if",
	"waiting for updates",
}

func isStallingPhrase(normalized string) bool {
	for _, p := range coordinatorStallPhrases {
		if strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}

var keywordStopwords = map[string]bool{
	"about": true, "after": true, "again": true, "could": true,
	"every": true, "first": true, "going": true, "just": true,
	"like": true, "need": true, "please": true, "really": true,
	"should": true, "something": true, "that": true, "their": true,
	"them": true, "then": true, "there": true, "these": true,
	"they": true, "thing": true, "this": true, "want": true,
	"wants": true, "what": true, "when": true, "where": true,
	"which": true, "will": true, "with": true, "would": true,
	"your": true,
}

// topicalKeywords pulls up to max distinctive words out of the original
// request to anchor a redirect back onto the actual topic.
func topicalKeywords(request string, max int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(request)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]{}")
		if len(tok) < 4 || keywordStopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if len(out) >= max {
			break
		}
	}
	return out
}

// redirectMessage synthesizes the corrective text that replaces a looping
// coordinator message: restate the topic and delegate a concrete next step.
func redirectMessage(originalRequest string, roster []domain.AgentProfile) string {
	var b strings.Builder
	b.WriteString("We're going in circles.")
	if kws := topicalKeywords(originalRequest, 5); len(kws) > 0 {
		fmt.Fprintf(&b, " The request is about: %s.", strings.Join(kws, ", "))
	}
	target := domain.AgentID("")
	for _, p := range roster {
		if p.Role.Traits().CountsAsDeveloper {
			target = p.ID
			break
		}
	}
	if target != "" {
		fmt.Fprintf(&b, " @%s, pick the next concrete piece and start on it.", target)
		b.WriteString(" Everyone else hold until there is output to review.")
	} else {
		b.WriteString(" Let's pick one concrete next step and do it now.")
	}
	return b.String()
}
