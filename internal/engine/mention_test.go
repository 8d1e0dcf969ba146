package engine

import (
	"testing"

	"roundtable/internal/domain"
)

func knownIn(ids ...domain.AgentID) func(domain.AgentID) bool {
	set := make(map[domain.AgentID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id domain.AgentID) bool { return set[id] }
}

func TestResolveMentions(t *testing.T) {
	known := knownIn("dev", "sage", "lead")

	got := resolveMentions("@dev please pair with @sage on this, @dev", known)
	if len(got) != 2 || got[0] != "dev" || got[1] != "sage" {
		t.Fatalf("expected [dev sage], got %v", got)
	}
}

func TestResolveMentionsIgnoresUnknownHandles(t *testing.T) {
	got := resolveMentions("cc @nobody and email me at a@b.example", knownIn("dev"))
	if len(got) != 0 {
		t.Fatalf("unknown handles must not resolve, got %v", got)
	}
}

func TestResolveMentionsNone(t *testing.T) {
	if got := resolveMentions("plain text without handles", knownIn("dev")); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestMergeMentions(t *testing.T) {
	got := mergeMentions([]domain.AgentID{"dev", "sage"}, []domain.AgentID{"sage", "lead"})
	if len(got) != 3 || got[0] != "dev" || got[1] != "sage" || got[2] != "lead" {
		t.Fatalf("expected [dev sage lead], got %v", got)
	}
}

func TestQueueDedupeAndOrder(t *testing.T) {
	var q responseQueue
	trigger := userMsg("go")

	if !q.enqueue(queueItem{AgentID: "dev", Trigger: trigger}) {
		t.Fatal("first enqueue should succeed")
	}
	if q.enqueue(queueItem{AgentID: "dev", Trigger: trigger}) {
		t.Fatal("duplicate enqueue should be rejected")
	}
	q.enqueue(queueItem{AgentID: "sage", Trigger: trigger})

	item, ok := q.pop()
	if !ok || item.AgentID != "dev" {
		t.Fatalf("expected dev first, got %v %v", item.AgentID, ok)
	}
	if !q.contains("sage") || q.contains("dev") {
		t.Fatal("queue membership wrong after pop")
	}
	q.clear()
	if q.len() != 0 {
		t.Fatal("clear should empty the queue")
	}
}

func TestRegistryActivation(t *testing.T) {
	r := newRegistry(testRoster(), 5)

	r.activateInitial()
	active := r.active()
	if len(active) != 3 {
		t.Fatalf("expected 3 initially active agents, got %d", len(active))
	}
	for _, actx := range active {
		if actx.Profile.ID == "scout" {
			t.Fatal("observer must not activate without an invitation")
		}
	}

	ctx := r.activate("scout")
	if ctx == nil || !ctx.Active {
		t.Fatal("observer should activate on invitation")
	}
	if ctx.SessionID == "" {
		t.Fatal("activation must assign a session")
	}
	session := ctx.SessionID
	if again := r.activate("scout"); again.SessionID != session {
		t.Fatal("re-activation must keep the session")
	}

	if r.activate("stranger") != nil {
		t.Fatal("unknown IDs must not activate")
	}

	for i := 0; i < 8; i++ {
		ctx.remember(userMsg("m"))
	}
	if len(ctx.History) != 5 {
		t.Fatalf("personal history should be bounded at 5, got %d", len(ctx.History))
	}
	if ctx.freshContext() {
		t.Fatal("context with 8 observed messages is not fresh")
	}
}
