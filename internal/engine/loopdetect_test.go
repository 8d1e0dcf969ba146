package engine

import (
	"strings"
	"testing"
	"time"

	"roundtable/internal/domain"
)

func testDetector() *loopDetector {
	return newLoopDetector(testTuning())
}

func TestJaccard(t *testing.T) {
	a := tokenSet("the quick brown fox")
	b := tokenSet("the quick brown dog")
	got := jaccard(a, b)
	if got < 0.59 || got > 0.61 {
		t.Fatalf("expected 3/5 overlap, got %f", got)
	}
	if jaccard(a, a) != 1 {
		t.Fatal("identical sets should score 1")
	}
	if jaccard(nil, nil) != 1 {
		t.Fatal("two empty sets are identical")
	}
}

func TestNormalizeContent(t *testing.T) {
	got := normalizeContent("  Hello   WORLD \n\t again ")
	if got != "hello world again" {
		t.Fatalf("unexpected normalization %q", got)
	}
}

func TestLoopDetectorSuppressesThirdRepeat(t *testing.T) {
	d := testDetector()
	content := "let me summarize where we are once more"
	for i := 0; i < 2; i++ {
		if got := d.observe("sage", content, false, 0); got != loopNone {
			t.Fatalf("repeat %d should pass, got %v", i+1, got)
		}
	}
	if got := d.observe("sage", content, false, 0); got != loopSuppress {
		t.Fatalf("third repeat should suppress, got %v", got)
	}
}

func TestLoopDetectorCoordinatorRewritesAtTwo(t *testing.T) {
	d := testDetector()
	content := "great progress everyone, what's next on our list"
	limit := domain.RoleCoordinator.Traits().RepeatLimit
	if got := d.observe("lead", content, true, limit); got != loopNone {
		t.Fatalf("first occurrence should pass, got %v", got)
	}
	if got := d.observe("lead", content, true, limit); got != loopRewrite {
		t.Fatalf("second coordinator repeat should rewrite, got %v", got)
	}
}

func TestLoopDetectorDivergentContentResets(t *testing.T) {
	d := testDetector()
	if got := d.observe("sage", "first idea about caching", false, 0); got != loopNone {
		t.Fatalf("got %v", got)
	}
	if got := d.observe("sage", "completely different thought on database sharding strategy", false, 0); got != loopNone {
		t.Fatalf("divergent content must reset the counter, got %v", got)
	}
	if got := d.observe("sage", "completely different thought on database sharding strategy", false, 0); got != loopNone {
		t.Fatalf("second repeat is still under the limit, got %v", got)
	}
}

func TestLoopDetectorWindowExpiry(t *testing.T) {
	d := testDetector()
	now := time.Now()
	d.now = func() time.Time { return now }
	content := "same old message again"

	d.observe("sage", content, false, 0)
	d.observe("sage", content, false, 0)
	// Step past the recency window; the counter starts over.
	now = now.Add(3 * time.Minute)
	if got := d.observe("sage", content, false, 0); got != loopNone {
		t.Fatalf("repeat outside the window should reset, got %v", got)
	}
}

func TestRedirectMessage(t *testing.T) {
	roster := testRoster()
	got := redirectMessage("please build a websocket chat server with history", roster)
	if !strings.Contains(got, "going in circles") {
		t.Fatalf("redirect %q missing preamble", got)
	}
	if !strings.Contains(got, "websocket") {
		t.Fatalf("redirect %q should carry topical keywords", got)
	}
	if !strings.Contains(got, "@dev") {
		t.Fatalf("redirect %q should delegate to a developer", got)
	}
}

func TestTopicalKeywordsFiltersStopwords(t *testing.T) {
	got := topicalKeywords("I want something that would really just work with databases", 5)
	for _, kw := range got {
		if keywordStopwords[kw] {
			t.Fatalf("stopword %q leaked into keywords %v", kw, got)
		}
	}
	found := false
	for _, kw := range got {
		if kw == "databases" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected topical word in %v", got)
	}
}
