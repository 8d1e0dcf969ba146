package engine

import (
	"time"

	"github.com/google/uuid"

	"roundtable/internal/domain"
)

// AgentContext is the per-agent conversational state. An agent without a
// context has never been activated in the current conversation.
type AgentContext struct {
	Profile       domain.AgentProfile
	SessionID     string
	Active        bool
	History       []domain.Message
	LastResponse  time.Time
	CurrentAction domain.Action
	WaitingFor    []domain.AgentID

	historyLimit int
	seen         int
}

func (c *AgentContext) remember(msg domain.Message) {
	c.History = append(c.History, msg)
	if len(c.History) > c.historyLimit {
		c.History = c.History[len(c.History)-c.historyLimit:]
	}
	c.seen++
}

// freshContext reports whether the agent has observed at most one message,
// i.e. it was just pulled into the conversation.
func (c *AgentContext) freshContext() bool {
	return c.seen <= 1
}

// registry tracks the roster and the lazily created contexts of activated
// agents. It is not safe for concurrent use; the engine mutex guards it.
type registry struct {
	order        []domain.AgentID
	profiles     map[domain.AgentID]domain.AgentProfile
	contexts     map[domain.AgentID]*AgentContext
	historyLimit int
}

func newRegistry(roster []domain.AgentProfile, historyLimit int) *registry {
	r := &registry{
		profiles:     make(map[domain.AgentID]domain.AgentProfile, len(roster)),
		contexts:     make(map[domain.AgentID]*AgentContext),
		historyLimit: historyLimit,
	}
	for _, p := range roster {
		r.order = append(r.order, p.ID)
		r.profiles[p.ID] = p
	}
	return r
}

func (r *registry) profile(id domain.AgentID) (domain.AgentProfile, bool) {
	p, ok := r.profiles[id]
	return p, ok
}

func (r *registry) known(id domain.AgentID) bool {
	_, ok := r.profiles[id]
	return ok
}

func (r *registry) context(id domain.AgentID) *AgentContext {
	return r.contexts[id]
}

// activate creates (or revives) the context for id, assigning a fresh
// session on first activation. Unknown IDs are ignored.
func (r *registry) activate(id domain.AgentID) *AgentContext {
	p, ok := r.profiles[id]
	if !ok {
		return nil
	}
	ctx := r.contexts[id]
	if ctx == nil {
		ctx = &AgentContext{
			Profile:      p,
			SessionID:    uuid.NewString(),
			historyLimit: r.historyLimit,
		}
		r.contexts[id] = ctx
	}
	ctx.Active = true
	return ctx
}

// activateInitial brings up every agent whose role does not demand an
// explicit invitation. Observers stay out until mentioned or involved.
func (r *registry) activateInitial() {
	for _, id := range r.order {
		if !r.profiles[id].Role.Traits().RequiresInvitation {
			r.activate(id)
		}
	}
}

// active returns activated contexts in roster order.
func (r *registry) active() []*AgentContext {
	var out []*AgentContext
	for _, id := range r.order {
		if ctx := r.contexts[id]; ctx != nil && ctx.Active {
			out = append(out, ctx)
		}
	}
	return out
}

func (r *registry) coordinatorID() domain.AgentID {
	for _, id := range r.order {
		if r.profiles[id].IsCoordinator() {
			return id
		}
	}
	return ""
}

func (r *registry) doneCount() int {
	n := 0
	for _, ctx := range r.contexts {
		if ctx.CurrentAction == domain.ActionDone {
			n++
		}
	}
	return n
}

func (r *registry) reset() {
	r.contexts = make(map[domain.AgentID]*AgentContext)
}
