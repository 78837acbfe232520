package memory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/types"
)

func testMemory(t *testing.T) *Memory {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil)
}

func TestGetOrCreateIsStablePerTriple(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "bot-1", "chan-1", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := m.GetOrCreate(ctx, "bot-1", "chan-1", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != again.ID {
		t.Fatalf("triple resolved to two conversations: %s vs %s", first.ID, again.ID)
	}

	other, err := m.GetOrCreate(ctx, "bot-1", "chan-1", "user-2")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Fatal("different users share a conversation")
	}
}

func TestHistoryWindowIsChronologicalSuffix(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	conv, err := m.GetOrCreate(ctx, "bot-1", "chan-1", "user-1")
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now().Add(-time.Hour)
	contents := []string{"one", "two", "three", "four"}
	for i, c := range contents {
		err := m.AddMessage(ctx, conv.ID, types.ChatMessage{
			Role:      types.RoleUser,
			Content:   c,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	history, err := m.GetHistory(ctx, conv.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length %d", len(history))
	}
	if history[0].Content != "three" || history[1].Content != "four" {
		t.Fatalf("window %q, %q", history[0].Content, history[1].Content)
	}
}

func TestGetHistoryDefaultsLimit(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	conv, err := m.GetOrCreate(ctx, "bot-1", "chan-1", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AddMessage(ctx, conv.ID, types.ChatMessage{Role: types.RoleUser, Content: "hi", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	history, err := m.GetHistory(ctx, conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history length %d", len(history))
	}
}

func TestClearHistoryKeepsConversation(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	conv, err := m.GetOrCreate(ctx, "bot-1", "chan-1", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AddMessage(ctx, conv.ID, types.ChatMessage{Role: types.RoleUser, Content: "hi", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := m.ClearHistory(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}

	history, err := m.GetHistory(ctx, conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Fatalf("history not cleared: %d messages", len(history))
	}

	again, err := m.GetOrCreate(ctx, "bot-1", "chan-1", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != conv.ID {
		t.Fatal("conversation record did not survive clear")
	}
}
