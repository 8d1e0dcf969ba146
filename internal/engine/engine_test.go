package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roundtable/internal/bus"
	"roundtable/internal/domain"
)

type scriptedDecider struct {
	verdict bool
	err     error
	calls   atomic.Int32
}

func (d *scriptedDecider) Decide(ctx context.Context, req domain.DecisionRequest) (*domain.Verdict, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return &domain.Verdict{ShouldRespond: d.verdict, Reasoning: "scripted"}, nil
}

func (d *scriptedDecider) Healthy(ctx context.Context) error { return nil }

type scriptedGenerator struct {
	mu      sync.Mutex
	results map[domain.AgentID][]domain.GenerationResult
	errFor  map[domain.AgentID]error
	calls   []domain.GenerationRequest

	healthy error
	delay   time.Duration
	block   chan struct{}

	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (g *scriptedGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	cur := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		max := g.maxSeen.Load()
		if cur <= max || g.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	g.mu.Lock()
	g.calls = append(g.calls, req)
	n := len(g.calls)
	id := req.Profile.ID
	err := g.errFor[id]
	var res domain.GenerationResult
	if q := g.results[id]; len(q) > 0 {
		res = q[0]
		g.results[id] = q[1:]
	} else {
		res = domain.GenerationResult{
			Content: fmt.Sprintf("reply-%d from %s covering point-%d and point-%d", n, id, n, n+1),
			Action:  domain.ActionOpen,
		}
	}
	g.mu.Unlock()

	if g.block != nil {
		<-g.block
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (g *scriptedGenerator) Healthy(ctx context.Context) error { return g.healthy }

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptedGenerator) callsFor(id domain.AgentID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Profile.ID == id {
			n++
		}
	}
	return n
}

func (g *scriptedGenerator) call(i int) domain.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[i]
}

func testRoster() []domain.AgentProfile {
	return []domain.AgentProfile{
		{ID: "lead", Name: "Lead", Role: domain.RoleCoordinator},
		{ID: "dev", Name: "Dev", Role: domain.RoleDeveloper},
		{ID: "sage", Name: "Sage", Role: domain.RoleGeneralist},
		{ID: "scout", Name: "Scout", Role: domain.RoleObserver},
	}
}

func testTuning() Tuning {
	return Tuning{
		HistoryLimit:         100,
		PersonalHistoryLimit: 20,
		Cooldown:             time.Millisecond,
		DominanceWindow:      10,
		DominanceShare:       0.6,
		LoopSimilarity:       0.65,
		LoopWindow:           2 * time.Minute,
		LoopRepeatLimit:      3,
		StallTimeout:         80 * time.Millisecond,
		MinTurnDelay:         time.Millisecond,
		MaxTurnDelay:         2 * time.Millisecond,
		DoneAgentsToEnd:      2,
		GenerationTimeout:    time.Second,
	}
}

func newTestEngine(t *testing.T, gen *scriptedGenerator, dec *scriptedDecider) (*Engine, *bus.EventBus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eb := bus.New(logger)
	eng, err := New(Options{
		Roster:    testRoster(),
		Decider:   dec,
		Generator: gen,
		Events:    eb,
		Tuning:    testTuning(),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, eb
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresCoordinator(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(Options{
		Roster:    []domain.AgentProfile{{ID: "dev", Role: domain.RoleDeveloper}},
		Decider:   &scriptedDecider{},
		Generator: &scriptedGenerator{},
		Events:    bus.New(logger),
		Tuning:    testTuning(),
		Logger:    logger,
	})
	if !errors.Is(err, ErrNoCoordinator) {
		t.Fatalf("expected ErrNoCoordinator, got %v", err)
	}
}

func TestStartFailsWhenBackendDown(t *testing.T) {
	gen := &scriptedGenerator{healthy: errors.New("connection refused")}
	eng, _ := newTestEngine(t, gen, &scriptedDecider{})

	err := eng.Start(context.Background(), "hello")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if eng.Active() {
		t.Fatal("engine must not be active after failed start")
	}
	if len(eng.History()) != 0 {
		t.Fatal("no partial state expected after failed start")
	}
}

func TestPublishWithoutConversation(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedGenerator{}, &scriptedDecider{})
	err := eng.Publish(context.Background(), domain.Message{Content: "hi"})
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestNoSelfResponse(t *testing.T) {
	gen := &scriptedGenerator{}
	eng, _ := newTestEngine(t, gen, &scriptedDecider{verdict: true})

	if err := eng.Start(context.Background(), "hello team"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, "coordinator reply", func() bool { return gen.callCount() >= 1 })

	// The coordinator's own reply carries no mentions, so it must not
	// trigger another turn for anyone, least of all itself.
	time.Sleep(50 * time.Millisecond)
	if n := gen.callCount(); n != 1 {
		t.Fatalf("expected exactly 1 generation, got %d", n)
	}
	if gen.call(0).Profile.ID != "lead" {
		t.Fatalf("expected the coordinator to respond, got %s", gen.call(0).Profile.ID)
	}
}

func TestSingleFlight(t *testing.T) {
	gen := &scriptedGenerator{delay: 5 * time.Millisecond}
	eng, _ := newTestEngine(t, gen, &scriptedDecider{verdict: true})

	if err := eng.Start(context.Background(), "@dev and @sage, both of you weigh in"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "three turns", func() bool { return gen.callCount() >= 3 })

	if max := gen.maxSeen.Load(); max != 1 {
		t.Fatalf("expected at most 1 generation in flight, saw %d", max)
	}
}

func TestSnapshotStability(t *testing.T) {
	gen := &scriptedGenerator{block: make(chan struct{})}
	eng, _ := newTestEngine(t, gen, &scriptedDecider{verdict: true})

	if err := eng.Start(context.Background(), "first message"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, "generation to start", func() bool { return gen.callCount() == 1 })

	// The log grows while the first generation is still in flight.
	if err := eng.Publish(context.Background(), domain.Message{Content: "second message", Author: domain.AuthorUser, Kind: domain.KindUser}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	close(gen.block)

	first := gen.call(0)
	if len(first.Snapshot) != 1 {
		t.Fatalf("snapshot captured at enqueue must have 1 message, got %d", len(first.Snapshot))
	}
	if first.Snapshot[0].Content != "first message" {
		t.Fatalf("unexpected snapshot content %q", first.Snapshot[0].Content)
	}

	waitFor(t, time.Second, "second turn", func() bool { return gen.callCount() >= 2 })
	if got := len(gen.call(1).Snapshot); got != 2 {
		t.Fatalf("second snapshot should carry both user messages, got %d", got)
	}
}

func TestLoopConvergenceSuppression(t *testing.T) {
	gen := &scriptedGenerator{}
	eng, _ := newTestEngine(t, gen, &scriptedDecider{})

	if err := eng.Start(context.Background(), "@sage talk to us"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, "initial turns", func() bool { return gen.callCount() >= 2 })

	for i := 0; i < 3; i++ {
		err := eng.Publish(context.Background(), domain.Message{
			Content: "I think we should consider all the options carefully",
			Author:  "sage",
			Kind:    domain.KindAgent,
		})
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	count := 0
	for _, msg := range eng.History() {
		if msg.AuthorAgent() == "sage" && msg.Content == "I think we should consider all the options carefully" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("third repeat should be suppressed, found %d copies", count)
	}
}

func TestLoopConvergenceCoordinatorRewrite(t *testing.T) {
	gen := &scriptedGenerator{}
	eng, _ := newTestEngine(t, gen, &scriptedDecider{})

	if err := eng.Start(context.Background(), "build a parser for apache logs"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, "coordinator reply", func() bool { return gen.callCount() >= 1 })

	stall := "What's next? Let me know if anyone needs anything."
	for i := 0; i < 2; i++ {
		err := eng.Publish(context.Background(), domain.Message{
			Content: stall,
			Author:  "lead",
			Kind:    domain.KindAgent,
		})
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	var rewrite *domain.Message
	stallCopies := 0
	for _, msg := range eng.History() {
		if msg.AuthorAgent() != "lead" {
			continue
		}
		if msg.Content == stall {
			stallCopies++
		} else if strings.Contains(msg.Content, "going in circles") {
			m := msg
			rewrite = &m
		}
	}
	if stallCopies != 1 {
		t.Fatalf("expected only the first stalling message to survive, found %d copies", stallCopies)
	}
	if rewrite == nil {
		t.Fatal("second stalling message should have been rewritten into a redirect")
	}
	if !strings.Contains(rewrite.Content, "parser") {
		t.Fatalf("rewrite %q should reference the original topic keyword", rewrite.Content)
	}
}

func TestFirstMessageGating(t *testing.T) {
	gen := &scriptedGenerator{}
	eng, _ := newTestEngine(t, gen, &scriptedDecider{verdict: true})

	if err := eng.Start(context.Background(), "@dev please start on this"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, "mention and coordinator turns", func() bool { return gen.callCount() >= 2 })
	time.Sleep(50 * time.Millisecond)

	if n := gen.callsFor("dev"); n != 1 {
		t.Fatalf("mentioned agent should respond once, got %d", n)
	}
	if n := gen.callsFor("lead"); n != 1 {
		t.Fatalf("coordinator should respond once, got %d", n)
	}
	if n := gen.callsFor("sage"); n != 0 {
		t.Fatalf("unmentioned agent must not respond to the opening message, got %d turns", n)
	}
	if n := gen.callsFor("scout"); n != 0 {
		t.Fatalf("observer must not respond without invitation, got %d turns", n)
	}
}

func TestDistributionPredicate(t *testing.T) {
	gen := &scriptedGenerator{}
	eng, _ := newTestEngine(t, gen, &scriptedDecider{})

	if err := eng.Start(context.Background(), "hello team"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, "coordinator reply", func() bool { return gen.callCount() >= 1 })
	eng.Pause()

	publish := func(msg domain.Message) {
		t.Helper()
		if err := eng.Publish(context.Background(), msg); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	publish(domain.Message{Content: "I'll take stock of where we are", Author: "lead", Kind: domain.KindAgent})
	publish(domain.Message{Content: "housekeeping notice", Author: domain.AuthorSystem, Kind: domain.KindSystem})
	publish(domain.Message{Content: "@lead please wrap this up", Author: domain.AuthorSystem, Kind: domain.KindSystem})
	publish(domain.Message{Content: "starting on the first task", Author: "dev", Kind: domain.KindAgent})

	leadSees := func(content string) bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		for _, m := range eng.registry.context("lead").History {
			if m.Content == content {
				return true
			}
		}
		return false
	}

	if !leadSees("hello team") {
		t.Fatal("user messages must reach every active agent")
	}
	if leadSees("I'll take stock of where we are") {
		t.Fatal("an agent's own message must not enter its personal history")
	}
	if leadSees("housekeeping notice") {
		t.Fatal("an unaddressed system message must not enter personal histories")
	}
	if !leadSees("@lead please wrap this up") {
		t.Fatal("a system message mentioning the agent must be distributed to it")
	}
	if !leadSees("starting on the first task") {
		t.Fatal("peer agent messages must be distributed for peer awareness")
	}
}

func TestTermination(t *testing.T) {
	gen := &scriptedGenerator{
		results: map[domain.AgentID][]domain.GenerationResult{
			"dev":  {{Content: "implementation finished", Action: domain.ActionDone}},
			"lead": {{Content: "agreed, wrapping up", Action: domain.ActionDone}},
		},
	}
	eng, eb := newTestEngine(t, gen, &scriptedDecider{})

	var ended atomic.Int32
	eb.On(bus.EventConversationEnded, func(bus.Event) { ended.Add(1) })

	if err := eng.Start(context.Background(), "@dev finish the task"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "conversation end", func() bool { return ended.Load() == 1 })

	if eng.Active() {
		t.Fatal("engine should not be active after termination")
	}
	calls := gen.callCount()
	err := eng.Publish(context.Background(), domain.Message{Content: "anyone?"})
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("publish after end should fail with ErrNotActive, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if gen.callCount() != calls {
		t.Fatal("no further draining expected after conversation end")
	}
}

func TestStallRecovery(t *testing.T) {
	gen := &scriptedGenerator{}
	eng, _ := newTestEngine(t, gen, &scriptedDecider{})

	if err := eng.Start(context.Background(), "@dev say hello to everyone"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Two distinct agents must speak before the monitor treats silence
	// as a stall.
	waitFor(t, time.Second, "multi-party turns", func() bool { return gen.callCount() >= 2 })

	systemMessages := func() int {
		n := 0
		for _, msg := range eng.History() {
			if msg.Kind == domain.KindSystem {
				n++
			}
		}
		return n
	}
	waitFor(t, time.Second, "stall nudge", func() bool { return systemMessages() >= 1 })
	if n := systemMessages(); n != 1 {
		t.Fatalf("expected exactly one stall message, got %d", n)
	}

	history := eng.History()
	var nudge domain.Message
	for _, msg := range history {
		if msg.Kind == domain.KindSystem {
			nudge = msg
		}
	}
	if !nudge.MentionsAgent("lead") {
		t.Fatalf("stall message should be routed to the coordinator, got %q", nudge.Content)
	}
	waitFor(t, time.Second, "coordinator reaction to nudge", func() bool { return gen.callsFor("lead") >= 2 })
	eng.Pause()
}

func TestPauseSuppressesStall(t *testing.T) {
	gen := &scriptedGenerator{}
	eng, _ := newTestEngine(t, gen, &scriptedDecider{})

	if err := eng.Start(context.Background(), "@dev say hello to everyone"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, "multi-party turns", func() bool { return gen.callCount() >= 2 })

	eng.Pause()
	time.Sleep(200 * time.Millisecond) // more than two stall timeouts

	for _, msg := range eng.History() {
		if msg.Kind == domain.KindSystem {
			t.Fatalf("no stall message expected while paused, got %q", msg.Content)
		}
	}
}

func TestIdempotentPause(t *testing.T) {
	gen := &scriptedGenerator{}
	eng, eb := newTestEngine(t, gen, &scriptedDecider{})

	var paused, resumed atomic.Int32
	eb.On(bus.EventBusPaused, func(bus.Event) { paused.Add(1) })
	eb.On(bus.EventBusResumed, func(bus.Event) { resumed.Add(1) })

	if err := eng.Start(context.Background(), "hello"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, "first turn", func() bool { return gen.callCount() >= 1 })

	eng.Pause()
	eng.Pause()
	if got := paused.Load(); got != 2 {
		t.Fatalf("expected one bus-paused per call, got %d", got)
	}

	// A user message while paused auto-resumes.
	if err := eng.Publish(context.Background(), domain.Message{Content: "are you still there?", Author: domain.AuthorUser, Kind: domain.KindUser}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, time.Second, "auto-resume", func() bool { return resumed.Load() >= 1 })
}

func TestGenerationFailureSidelinesAgent(t *testing.T) {
	gen := &scriptedGenerator{
		errFor: map[domain.AgentID]error{"dev": errors.New("model overloaded")},
	}
	eng, _ := newTestEngine(t, gen, &scriptedDecider{})

	if err := eng.Start(context.Background(), "@dev implement the thing"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	notice := func() *domain.Message {
		for _, msg := range eng.History() {
			if msg.Kind == domain.KindSystem {
				return &msg
			}
		}
		return nil
	}
	waitFor(t, time.Second, "failure notice", func() bool { return notice() != nil })

	if !notice().MentionsAgent("lead") {
		t.Fatalf("failure notice should address the coordinator, got %q", notice().Content)
	}

	// The failed agent stays sidelined: further mentions do not reach it.
	devCalls := gen.callsFor("dev")
	if err := eng.Publish(context.Background(), domain.Message{Content: "@dev try again", Author: domain.AuthorUser, Kind: domain.KindUser}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if gen.callsFor("dev") != devCalls {
		t.Fatal("sidelined agent must not generate again")
	}
}

func TestResetDiscardsState(t *testing.T) {
	gen := &scriptedGenerator{}
	eng, eb := newTestEngine(t, gen, &scriptedDecider{})

	var resets atomic.Int32
	eb.On(bus.EventBusReset, func(bus.Event) { resets.Add(1) })

	if err := eng.Start(context.Background(), "hello"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, "first turn", func() bool { return gen.callCount() >= 1 })

	eng.Reset()
	if eng.Active() {
		t.Fatal("engine active after reset")
	}
	if len(eng.History()) != 0 {
		t.Fatal("history should be cleared by reset")
	}
	if resets.Load() != 1 {
		t.Fatalf("expected one bus-reset event, got %d", resets.Load())
	}
}
