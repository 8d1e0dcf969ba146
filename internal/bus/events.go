package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"roundtable/internal/domain"
)

// Well-known event topics produced by the conversation engine. Consumers
// must not assume delivery on any particular goroutine: events are emitted
// synchronously inside the publish/drain call chain.
const (
	EventMessage           = "message"
	EventAgentTyping       = "agent-typing"
	EventBusPaused         = "bus-paused"
	EventBusResumed        = "bus-resumed"
	EventBusReset          = "bus-reset"
	EventConversationEnded = "conversation-ended"
)

// Event is a single entry on the event stream.
type Event struct {
	Type           string
	ConversationID string
	Message        *domain.Message // set for EventMessage
	AgentID        domain.AgentID  // set for EventAgentTyping
	IsTyping       bool            // set for EventAgentTyping
	Timestamp      time.Time
}

// Handler is a callback for events.
type Handler func(Event)

// EventBus is a topic-based publish/subscribe stream with a bounded history
// buffer. Handlers run synchronously in registration order; a panicking
// handler is recovered and logged so one bad consumer cannot take down the
// publish pipeline.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

// namedHandler pairs a handler with an ID for unsubscription.
type namedHandler struct {
	ID      string
	Handler Handler
}

// New creates an EventBus with a replayable history buffer.
func New(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler for the given topic. Use "*" to listen to all
// events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(topic string, handler Handler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := topic + "-" + strconv.Itoa(len(eb.handlers[topic]))
	eb.handlers[topic] = append(eb.handlers[topic], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(topic, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[topic]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[topic] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers, synchronously.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	eb.mu.Unlock()

	eb.mu.RLock()
	handlers := make([]namedHandler, 0)
	if h, ok := eb.handlers[event.Type]; ok {
		handlers = append(handlers, h...)
	}
	if h, ok := eb.handlers["*"]; ok {
		handlers = append(handlers, h...)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns historical events of the given topic since the given time.
// Use "*" for all topics.
func (eb *EventBus) Replay(topic string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if topic == "*" || e.Type == topic {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}
