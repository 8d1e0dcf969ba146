// Package observer contains event-stream consumers that surface the
// conversation to humans: a terminal renderer and a Telegram mirror.
package observer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"roundtable/internal/bus"
	"roundtable/internal/domain"
)

// Console renders the conversation event stream to a terminal.
type Console struct {
	out    io.Writer
	logger *slog.Logger
	names  map[domain.AgentID]string

	spinMu   sync.Mutex
	spinning bool
	spinStop chan struct{}
	typing   map[domain.AgentID]bool
}

type ConsoleConfig struct {
	Out    io.Writer
	Roster []domain.AgentProfile
	Logger *slog.Logger
}

func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	names := make(map[domain.AgentID]string, len(cfg.Roster))
	for _, p := range cfg.Roster {
		names[p.ID] = p.Name
	}
	return &Console{
		out:    cfg.Out,
		logger: cfg.Logger,
		names:  names,
		typing: make(map[domain.AgentID]bool),
	}
}

// Attach subscribes the console to the event bus.
func (c *Console) Attach(eb *bus.EventBus) {
	eb.On(bus.EventMessage, func(ev bus.Event) {
		if ev.Message != nil {
			c.render(*ev.Message)
		}
	})
	eb.On(bus.EventAgentTyping, func(ev bus.Event) {
		c.setTyping(ev.AgentID, ev.IsTyping)
	})
	eb.On(bus.EventBusPaused, func(ev bus.Event) {
		c.notice("conversation paused")
	})
	eb.On(bus.EventBusResumed, func(ev bus.Event) {
		c.notice("conversation resumed")
	})
	eb.On(bus.EventConversationEnded, func(ev bus.Event) {
		c.stopSpinner()
		c.notice("conversation ended")
	})
}

func (c *Console) render(msg domain.Message) {
	c.stopSpinner()
	switch msg.Kind {
	case domain.KindUser:
		// The user typed this themselves; no echo needed.
		return
	case domain.KindSystem:
		c.notice(msg.Content)
	default:
		_, _ = fmt.Fprintf(c.out, "\r\033[K\n[%s] %s\n", c.displayName(msg.AuthorAgent()), msg.Content)
		_, _ = fmt.Fprint(c.out, "You> ")
	}
}

func (c *Console) notice(text string) {
	_, _ = fmt.Fprintf(c.out, "\r\033[K* %s\n", text)
	_, _ = fmt.Fprint(c.out, "You> ")
}

func (c *Console) displayName(id domain.AgentID) string {
	if name, ok := c.names[id]; ok && name != "" {
		return name
	}
	return string(id)
}

func (c *Console) setTyping(id domain.AgentID, typing bool) {
	c.spinMu.Lock()
	defer c.spinMu.Unlock()
	if typing {
		c.typing[id] = true
	} else {
		delete(c.typing, id)
	}
	if len(c.typing) > 0 && !c.spinning {
		c.spinning = true
		c.spinStop = make(chan struct{})
		go c.spin(c.spinStop)
	}
	if len(c.typing) == 0 && c.spinning {
		c.spinning = false
		close(c.spinStop)
	}
}

func (c *Console) stopSpinner() {
	c.spinMu.Lock()
	defer c.spinMu.Unlock()
	if !c.spinning {
		return
	}
	c.spinning = false
	c.typing = make(map[domain.AgentID]bool)
	close(c.spinStop)
}

func (c *Console) spin(stop chan struct{}) {
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	i := 0
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(c.out, "\r\033[K%s %s typing...", frames[i%len(frames)], c.typingNames())
			i++
		}
	}
}

func (c *Console) typingNames() string {
	c.spinMu.Lock()
	ids := make([]string, 0, len(c.typing))
	for id := range c.typing {
		ids = append(ids, c.displayName(id))
	}
	c.spinMu.Unlock()
	sort.Strings(ids)
	return strings.Join(ids, ", ")
}
