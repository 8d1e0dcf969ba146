// Package engine implements the conversation turn-taking controller: a
// bounded message log, per-agent contexts, a rule-plus-oracle decision gate,
// a single-flight response queue, loop detection, and a stall monitor.
//
// The engine is event-driven around a single mutex. All state mutation
// happens under the lock; the only suspension points are the external
// decision and generation collaborators, which are called with the lock
// released so a slow backend never blocks publishes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"roundtable/internal/bus"
	"roundtable/internal/domain"
	"roundtable/internal/metrics"
)

var (
	// ErrBackendUnavailable means the generation collaborator failed its
	// readiness check at conversation start.
	ErrBackendUnavailable = errors.New("generation backend unavailable")
	// ErrNotActive means publish was called with no running conversation.
	ErrNotActive = errors.New("no active conversation")
	// ErrNoCoordinator means the roster has no coordinating agent.
	ErrNoCoordinator = errors.New("roster has no coordinator")
)

// Options configures a new Engine. Roster, Decider, Generator, and Events
// are required.
type Options struct {
	Roster    []domain.AgentProfile
	Decider   domain.Decider
	Generator domain.Generator
	Events    *bus.EventBus
	Tuning    Tuning
	Logger    *slog.Logger
	Evaluator CompletionEvaluator // defaults to the heuristic evaluator
}

// Engine orchestrates one conversation between the user and the roster.
type Engine struct {
	tuning    Tuning
	decider   domain.Decider
	generator domain.Generator
	events    *bus.EventBus
	evaluator CompletionEvaluator
	logger    *slog.Logger

	mu             sync.Mutex
	log            []domain.Message
	registry       *registry
	queue          responseQueue
	loops          *loopDetector
	goals          *goalTracker
	failed         map[domain.AgentID]bool
	conversationID string
	active         bool
	agentsEnabled  bool
	draining       bool

	stall *stallMonitor
}

// New builds an Engine from opts. The roster must contain a coordinator.
func New(opts Options) (*Engine, error) {
	if len(opts.Roster) == 0 {
		return nil, errors.New("empty roster")
	}
	if opts.Decider == nil || opts.Generator == nil {
		return nil, errors.New("decider and generator are required")
	}
	if opts.Events == nil {
		return nil, errors.New("event bus is required")
	}
	tn := opts.Tuning
	if tn == (Tuning{}) {
		tn = DefaultTuning()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = NewHeuristicEvaluator(tn.LoopSimilarity)
	}
	e := &Engine{
		tuning:    tn,
		decider:   opts.Decider,
		generator: opts.Generator,
		events:    opts.Events,
		evaluator: evaluator,
		logger:    logger,
		registry:  newRegistry(opts.Roster, tn.PersonalHistoryLimit),
		loops:     newLoopDetector(tn),
		goals:     newGoalTracker(),
		failed:    make(map[domain.AgentID]bool),
	}
	if e.registry.coordinatorID() == "" {
		return nil, ErrNoCoordinator
	}
	e.stall = newStallMonitor(tn.StallTimeout, e.onStall)
	return e, nil
}

// Start begins a fresh conversation with the user's opening message. Any
// previous conversation state is discarded. Fails fast if the generation
// backend is not ready, leaving no partial state behind.
func (e *Engine) Start(ctx context.Context, content string) error {
	if err := e.generator.Healthy(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.mu.Lock()
	e.clearLocked()
	e.conversationID = uuid.NewString()
	e.active = true
	e.agentsEnabled = true
	e.registry.activateInitial()
	e.mu.Unlock()

	return e.Publish(ctx, domain.Message{
		Content: content,
		Author:  domain.AuthorUser,
		Kind:    domain.KindUser,
	})
}

// Publish appends a message to the log and runs the full pipeline: loop
// detection, distribution, termination check, and the reaction pipeline.
// A user message arriving while paused auto-resumes the conversation.
func (e *Engine) Publish(ctx context.Context, msg domain.Message) error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return ErrNotActive
	}
	e.normalizeLocked(&msg)

	var resumed bool
	if !e.agentsEnabled && msg.Kind == domain.KindUser {
		e.agentsEnabled = true
		resumed = true
	}

	if id := msg.AuthorAgent(); id != "" {
		profile, _ := e.registry.profile(id)
		traits := profile.Role.Traits()
		switch e.loops.observe(id, msg.Content, profile.IsCoordinator(), traits.RepeatLimit) {
		case loopSuppress:
			e.mu.Unlock()
			metrics.MessagesSuppressed.Inc()
			e.logger.Info("looping message suppressed", "agent", id)
			return nil
		case loopRewrite:
			msg.Content = redirectMessage(firstUserRequest(e.log), e.rosterLocked())
			msg.Mentions = mergeMentions(msg.Mentions, resolveMentions(msg.Content, e.registry.known))
			metrics.LoopRewrites.Inc()
			e.logger.Info("looping coordinator message rewritten", "agent", id)
		}
	}

	e.log = append(e.log, msg)
	if len(e.log) > e.tuning.HistoryLimit {
		e.log = e.log[len(e.log)-e.tuning.HistoryLimit:]
	}
	e.goals.observe(msg, e.registry.coordinatorID())

	if id := msg.AuthorAgent(); id != "" {
		if actx := e.registry.context(id); actx != nil {
			actx.LastResponse = msg.Timestamp
			if msg.Action.Valid() {
				actx.CurrentAction = msg.Action
				if msg.Action != domain.ActionWaiting {
					actx.WaitingFor = nil
				}
			}
		}
	}

	// Distribution. Queued agents are skipped: their reply is already
	// bound to an earlier snapshot.
	for _, actx := range e.registry.active() {
		id := actx.Profile.ID
		if e.queue.contains(id) || !distributesTo(msg, id) {
			continue
		}
		actx.remember(msg)
	}

	cid := e.conversationID
	events := make([]bus.Event, 0, 3)
	if resumed {
		events = append(events, bus.Event{Type: bus.EventBusResumed, ConversationID: cid})
	}
	events = append(events, bus.Event{Type: bus.EventMessage, ConversationID: cid, Message: &msg})

	ended := false
	if coord := e.registry.context(e.registry.coordinatorID()); coord != nil &&
		coord.CurrentAction == domain.ActionDone &&
		e.registry.doneCount() >= e.tuning.DoneAgentsToEnd {
		ended = true
		e.active = false
		e.queue.clear()
		metrics.QueueDepth.Set(0)
		events = append(events, bus.Event{Type: bus.EventConversationEnded, ConversationID: cid})
	}

	var candidates []oracleCandidate
	if !ended && e.agentsEnabled {
		e.stall.Reset()
		if msg.Kind == domain.KindUser || len(msg.Mentions) > 0 || len(msg.Involve) > 0 {
			candidates = e.reactLocked(msg)
		}
	}
	e.mu.Unlock()

	if ended {
		e.stall.Stop()
	}
	metrics.MessagesPublished.Inc()
	for _, ev := range events {
		e.events.Emit(ev)
	}

	if len(candidates) > 0 {
		e.consultOracle(ctx, candidates)
	}
	e.kickDrain()
	return nil
}

// Pause disables agent turns without clearing state. Idempotent; each call
// emits exactly one bus-paused event.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.agentsEnabled = false
	cid := e.conversationID
	e.mu.Unlock()
	e.stall.Stop()
	e.events.Emit(bus.Event{Type: bus.EventBusPaused, ConversationID: cid})
}

// Resume re-enables agent turns and restarts queue draining.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.agentsEnabled = true
	cid := e.conversationID
	active := e.active
	e.mu.Unlock()
	if active {
		e.stall.Reset()
	}
	e.events.Emit(bus.Event{Type: bus.EventBusResumed, ConversationID: cid})
	e.kickDrain()
}

// Reset discards all conversation state. Unlike Pause it does not preserve
// history.
func (e *Engine) Reset() {
	e.mu.Lock()
	cid := e.conversationID
	e.active = false
	e.agentsEnabled = false
	e.clearLocked()
	e.mu.Unlock()
	e.stall.Stop()
	e.events.Emit(bus.Event{Type: bus.EventBusReset, ConversationID: cid})
}

// Active reports whether a conversation is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// ConversationID returns the current conversation's ID, or "" if none.
func (e *Engine) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

// History returns a copy of the message log.
func (e *Engine) History() []domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.CopyMessages(e.log)
}

// Goals returns the accumulated goal statements.
func (e *Engine) Goals() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.goals.list()
}

// Roster returns the registered agent profiles in roster order.
func (e *Engine) Roster() []domain.AgentProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rosterLocked()
}

func (e *Engine) rosterLocked() []domain.AgentProfile {
	out := make([]domain.AgentProfile, 0, len(e.registry.order))
	for _, id := range e.registry.order {
		out = append(out, e.registry.profiles[id])
	}
	return out
}

func (e *Engine) clearLocked() {
	e.log = nil
	e.queue.clear()
	e.registry.reset()
	e.loops.reset()
	e.goals.reset()
	e.failed = make(map[domain.AgentID]bool)
	e.conversationID = ""
	metrics.QueueDepth.Set(0)
}

// normalizeLocked backfills identity fields and resolves @mentions.
func (e *Engine) normalizeLocked(msg *domain.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Author == "" {
		msg.Author = domain.AuthorUser
	}
	if msg.Kind == "" {
		switch msg.Author {
		case domain.AuthorUser:
			msg.Kind = domain.KindUser
		case domain.AuthorSystem:
			msg.Kind = domain.KindSystem
		default:
			msg.Kind = domain.KindAgent
		}
	}
	msg.Mentions = mergeMentions(msg.Mentions, resolveMentions(msg.Content, e.registry.known))
}

// distributesTo reports whether msg belongs in the personal history of id:
// user messages go to everyone, mentions go to their targets, and agent
// messages go to every agent except their own author. Unaddressed system
// messages stay out of personal histories.
func distributesTo(msg domain.Message, id domain.AgentID) bool {
	if msg.Kind == domain.KindUser || msg.MentionsAgent(id) {
		return true
	}
	return msg.Kind == domain.KindAgent && msg.AuthorAgent() != id
}

type oracleCandidate struct {
	id  domain.AgentID
	req domain.DecisionRequest
}

// reactLocked runs the reaction pipeline: mentioned agents are activated
// and enqueued unconditionally; the remaining active agents go through the
// hard rules, with survivors returned for the oracle round. System-authored
// messages (stall nudges, failure notices) reach only their mention targets.
func (e *Engine) reactLocked(trigger domain.Message) []oracleCandidate {
	author := trigger.AuthorAgent()
	for _, id := range mergeMentions(trigger.Mentions, trigger.Involve) {
		if id == author || e.failed[id] {
			continue
		}
		if e.registry.activate(id) != nil {
			e.enqueueLocked(id, trigger)
		}
	}
	if trigger.Kind == domain.KindSystem {
		return nil
	}

	isFirst := len(e.log) == 1
	activeCount := len(e.registry.active())
	now := time.Now()
	var out []oracleCandidate
	for _, actx := range e.registry.active() {
		id := actx.Profile.ID
		if id == author || e.failed[id] || e.queue.contains(id) || trigger.MentionsAgent(id) {
			continue
		}
		in := gateInput{
			Agent:        actx,
			Trigger:      trigger,
			Log:          e.log,
			ActiveAgents: activeCount,
			FirstMessage: isFirst,
			Now:          now,
		}
		verdict, reason := evaluateHardRules(e.tuning, in)
		switch verdict {
		case gateReject:
			e.logger.Debug("gate rejected", "agent", id, "reason", reason)
		case gateAllow:
			e.enqueueLocked(id, trigger)
		case gateAsk:
			if actx.freshContext() {
				// Just joined: respond immediately instead of asking the
				// oracle about a context it has barely seen.
				e.enqueueLocked(id, trigger)
				continue
			}
			out = append(out, oracleCandidate{
				id: id,
				req: domain.DecisionRequest{
					Profile:         actx.Profile,
					RecentContext:   domain.CopyMessages(actx.History),
					OwnRecentOutput: ownRecentOutput(e.log, id, 3),
					Trigger:         trigger,
				},
			})
		}
	}
	return out
}

// consultOracle runs the deferred oracle calls sequentially with the engine
// lock released. Oracle failure is a conservative "no": the conversation
// degrades to fewer participants rather than halting or burning tokens.
func (e *Engine) consultOracle(ctx context.Context, candidates []oracleCandidate) {
	for _, c := range candidates {
		metrics.OracleDecisions.Inc()
		verdict, err := e.decider.Decide(ctx, c.req)
		if err != nil || verdict == nil {
			e.logger.Warn("decision oracle unavailable, declining turn", "agent", c.id, "error", err)
			continue
		}
		if !verdict.ShouldRespond {
			e.logger.Debug("oracle declined", "agent", c.id, "reasoning", verdict.Reasoning)
			continue
		}
		e.mu.Lock()
		if e.active && e.agentsEnabled && !e.failed[c.id] {
			e.enqueueLocked(c.id, c.req.Trigger)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) enqueueLocked(id domain.AgentID, trigger domain.Message) {
	ok := e.queue.enqueue(queueItem{
		AgentID:  id,
		Trigger:  trigger,
		Snapshot: domain.CopyMessages(e.log),
	})
	if ok {
		metrics.QueueDepth.Set(int64(e.queue.len()))
	}
}

// kickDrain starts the drain goroutine unless one is already running.
func (e *Engine) kickDrain() {
	e.mu.Lock()
	if e.draining || !e.active || !e.agentsEnabled || e.queue.len() == 0 {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()
	go e.drain()
}

// drain pops queue entries one at a time and generates each turn, keeping
// at most one generation call in flight. It stops between iterations when
// the conversation is paused, reset, or the queue empties.
func (e *Engine) drain() {
	for {
		e.mu.Lock()
		if !e.active || !e.agentsEnabled {
			e.draining = false
			e.mu.Unlock()
			return
		}
		item, ok := e.queue.pop()
		if !ok {
			e.draining = false
			e.mu.Unlock()
			return
		}
		metrics.QueueDepth.Set(int64(e.queue.len()))
		actx := e.registry.context(item.AgentID)
		if actx == nil {
			e.mu.Unlock()
			continue
		}
		profile := actx.Profile
		cid := e.conversationID
		e.mu.Unlock()

		e.events.Emit(bus.Event{Type: bus.EventAgentTyping, ConversationID: cid, AgentID: item.AgentID, IsTyping: true})
		gctx, cancel := context.WithTimeout(context.Background(), e.tuning.GenerationTimeout)
		start := time.Now()
		result, err := e.generator.Generate(gctx, domain.GenerationRequest{
			Profile:  profile,
			Snapshot: item.Snapshot,
			Trigger:  item.Trigger,
		})
		cancel()
		metrics.GenerationSeconds.Observe(time.Since(start).Seconds())
		e.events.Emit(bus.Event{Type: bus.EventAgentTyping, ConversationID: cid, AgentID: item.AgentID, IsTyping: false})

		if err == nil && result == nil {
			err = errors.New("empty generation result")
		}
		if err != nil {
			e.handleGenerationFailure(item, profile, err)
		} else {
			msg := e.finishTurn(item, profile, result)
			if perr := e.Publish(context.Background(), msg); perr != nil && !errors.Is(perr, ErrNotActive) {
				e.logger.Warn("publishing generated turn failed", "agent", item.AgentID, "error", perr)
			}
		}

		e.sleepJitter()
	}
}

// finishTurn converts a generation result into the agent's published
// message, applying the two engine-forced action transitions.
func (e *Engine) finishTurn(item queueItem, profile domain.AgentProfile, result *domain.GenerationResult) domain.Message {
	e.mu.Lock()
	var sessionID string
	if actx := e.registry.context(item.AgentID); actx != nil {
		sessionID = actx.SessionID
		actx.WaitingFor = append([]domain.AgentID(nil), result.WaitingFor...)
	}
	e.mu.Unlock()

	action := result.Action
	if !action.Valid() {
		action = domain.ActionOpen
	}
	if action == domain.ActionUserInput {
		action = domain.ActionWaitForUser
	}
	if profile.IsCoordinator() && metadataBool(item.Trigger.Metadata, "wrapup") {
		action = domain.ActionDone
	}

	return domain.Message{
		Content:   result.Content,
		Author:    string(item.AgentID),
		Kind:      domain.KindAgent,
		SessionID: sessionID,
		Action:    action,
		Involve:   result.Involve,
		Metadata:  result.Metadata,
	}
}

// handleGenerationFailure sidelines the agent for the rest of the
// conversation. If the agent was explicitly mentioned, the coordinator is
// told so it can redistribute the work.
func (e *Engine) handleGenerationFailure(item queueItem, profile domain.AgentProfile, err error) {
	metrics.GenerationFailures.Inc()
	e.logger.Error("generation failed, sidelining agent", "agent", item.AgentID, "error", err)

	e.mu.Lock()
	e.failed[item.AgentID] = true
	if actx := e.registry.context(item.AgentID); actx != nil {
		actx.Active = false
	}
	coord := e.registry.coordinatorID()
	e.mu.Unlock()

	if item.Trigger.MentionsAgent(item.AgentID) && coord != "" && coord != item.AgentID {
		notice := domain.Message{
			Content: fmt.Sprintf("@%s %s failed to respond and has been sidelined. Please redistribute its work.", coord, profile.Name),
			Author:  domain.AuthorSystem,
			Kind:    domain.KindSystem,
		}
		if perr := e.Publish(context.Background(), notice); perr != nil && !errors.Is(perr, ErrNotActive) {
			e.logger.Warn("failure notice not published", "error", perr)
		}
	}
}

// onStall fires after a period of silence. One-on-one chats never stall;
// otherwise the coordinator gets either a wrap-up order (goal looks done)
// or a delegation nudge.
func (e *Engine) onStall() {
	e.mu.Lock()
	if !e.active || !e.agentsEnabled || distinctAgentSpeakers(e.log) < 2 {
		e.mu.Unlock()
		return
	}
	coord := e.registry.coordinatorID()
	goals := e.goals.list()
	snapshot := domain.CopyMessages(e.log)
	e.mu.Unlock()

	complete := e.evaluator.Complete(goals, snapshot, e.registry.profile)

	var msg domain.Message
	if complete {
		msg = domain.Message{
			Content:  fmt.Sprintf("The objective looks satisfied. @%s, summarize the outcome and wrap up now.", coord),
			Author:   domain.AuthorSystem,
			Kind:     domain.KindSystem,
			Metadata: map[string]any{"wrapup": true},
		}
	} else {
		msg = domain.Message{
			Content: fmt.Sprintf("The conversation has gone quiet. @%s, decide who should act next and delegate.", coord),
			Author:  domain.AuthorSystem,
			Kind:    domain.KindSystem,
		}
	}
	metrics.StallNudges.Inc()
	e.logger.Info("stall detected", "wrapup", complete)
	if err := e.Publish(context.Background(), msg); err != nil && !errors.Is(err, ErrNotActive) {
		e.logger.Warn("stall message not published", "error", err)
	}
}

func (e *Engine) sleepJitter() {
	min, max := e.tuning.MinTurnDelay, e.tuning.MaxTurnDelay
	if max <= 0 {
		return
	}
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	time.Sleep(d)
}

func metadataBool(meta map[string]any, key string) bool {
	if meta == nil {
		return false
	}
	v, ok := meta[key].(bool)
	return ok && v
}
