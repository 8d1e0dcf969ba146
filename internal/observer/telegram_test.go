package observer

import (
	"sync"
	"testing"

	"roundtable/internal/domain"
)

func TestTelegramChatBinding(t *testing.T) {
	tg := NewTelegram(TelegramConfig{
		Token:  "test-token",
		ChatID: "12345",
	})
	if got := tg.chatID.Load(); got != 12345 {
		t.Fatalf("expected pre-bound chat id 12345, got %d", got)
	}

	tg = NewTelegram(TelegramConfig{Token: "test-token"})
	if got := tg.chatID.Load(); got != 0 {
		t.Fatalf("expected unbound chat id, got %d", got)
	}

	// Concurrent bind and read, the way the polling goroutine and the bus
	// handlers touch it.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tg.chatID.Store(777)
		}()
		go func() {
			defer wg.Done()
			_ = tg.chatID.Load()
		}()
	}
	wg.Wait()
	if got := tg.chatID.Load(); got != 777 {
		t.Fatalf("expected chat id 777 after binding, got %d", got)
	}
}

func TestTelegramAllowList(t *testing.T) {
	tg := NewTelegram(TelegramConfig{
		Token:     "test-token",
		AllowFrom: []string{"100", " 200 ", "bogus"},
	})
	if !tg.isAllowed(100) || !tg.isAllowed(200) {
		t.Fatal("listed user IDs must be allowed")
	}
	if tg.isAllowed(300) {
		t.Fatal("unlisted user ID must be rejected")
	}

	open := NewTelegram(TelegramConfig{Token: "test-token"})
	if !open.isAllowed(42) {
		t.Fatal("empty allow list must admit everyone")
	}
}

func TestTelegramFormat(t *testing.T) {
	tg := NewTelegram(TelegramConfig{
		Token: "test-token",
		Roster: []domain.AgentProfile{
			{ID: "lead", Name: "Ada", Role: domain.RoleCoordinator},
		},
	})

	agent := domain.Message{
		Author:  "lead",
		Kind:    domain.KindAgent,
		Content: "on it",
	}
	if got := tg.format(agent); got != "*Ada*\non it" {
		t.Fatalf("unexpected agent formatting: %q", got)
	}

	unknown := domain.Message{
		Author:  "ghost",
		Kind:    domain.KindAgent,
		Content: "hi",
	}
	if got := tg.format(unknown); got != "*ghost*\nhi" {
		t.Fatalf("unknown agents fall back to their ID: %q", got)
	}

	system := domain.Message{Kind: domain.KindSystem, Content: "agents paused"}
	if got := tg.format(system); got != "• agents paused" {
		t.Fatalf("unexpected system formatting: %q", got)
	}
}
