package agentsessions

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCreateSession(t *testing.T) {
	m := NewManager(0)
	s, err := m.CreateSession("gemini_1", "/work/project")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID != "gemini_1" || s.WorkingDirectory != "/work/project" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if len(s.Messages) != 0 {
		t.Fatalf("new session should have no messages, got %d", len(s.Messages))
	}
	if s.CreatedAt.IsZero() {
		t.Fatal("CreatedAt should be set")
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	m := NewManager(0)
	if _, err := m.CreateSession("s1", "/a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := m.CreateSession("s1", "/b")
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}

	s, _ := m.Get("s1")
	if s.WorkingDirectory != "/a" {
		t.Fatalf("duplicate create must not overwrite, got %q", s.WorkingDirectory)
	}
}

func TestCreateSessionRequiresID(t *testing.T) {
	m := NewManager(0)
	if _, err := m.CreateSession("", "/a"); err == nil {
		t.Fatal("expected error for empty session ID")
	}
}

func TestAddMessageUnknownSession(t *testing.T) {
	m := NewManager(0)
	err := m.AddMessage("missing", RoleUser, "hello")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if m.Count() != 0 {
		t.Fatal("AddMessage must not create sessions")
	}
}

func TestAddMessageAt(t *testing.T) {
	m := NewManager(0)
	_, _ = m.CreateSession("s1", "/a")
	_ = m.AddMessage("s1", RoleUser, "first")

	if err := m.AddMessageAt("s1", 1, RoleAssistant, "reply"); err != nil {
		t.Fatalf("append at current length: %v", err)
	}
	if err := m.AddMessageAt("s1", 1, RoleAssistant, "stale"); !errors.Is(err, ErrHistoryChanged) {
		t.Fatalf("expected ErrHistoryChanged, got %v", err)
	}
	if err := m.AddMessageAt("missing", 0, RoleUser, "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	msgs, _ := m.Messages("s1")
	if len(msgs) != 2 || msgs[1].Content != "reply" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
}

func TestAddMessageInvalidRole(t *testing.T) {
	m := NewManager(0)
	_, _ = m.CreateSession("s1", "/a")
	if err := m.AddMessage("s1", Role("system"), "x"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestBuildConversationContextEmpty(t *testing.T) {
	m := NewManager(0)
	if ctx, ok := m.BuildConversationContext("missing"); ok || ctx != "" {
		t.Fatalf("unknown session should have no context, got %q", ctx)
	}

	_, _ = m.CreateSession("s1", "/a")
	if ctx, ok := m.BuildConversationContext("s1"); ok || ctx != "" {
		t.Fatalf("session without turns should have no context, got %q", ctx)
	}
}

func TestBuildConversationContextOrderAndSegments(t *testing.T) {
	for n := 1; n <= 6; n++ {
		t.Run(fmt.Sprintf("%d messages", n), func(t *testing.T) {
			m := NewManager(0)
			_, _ = m.CreateSession("s1", "/a")
			for i := 0; i < n; i++ {
				role := RoleUser
				if i%2 == 1 {
					role = RoleAssistant
				}
				if err := m.AddMessage("s1", role, fmt.Sprintf("msg-%d", i)); err != nil {
					t.Fatalf("AddMessage: %v", err)
				}
			}

			ctx, ok := m.BuildConversationContext("s1")
			if !ok {
				t.Fatal("expected context")
			}

			segments := strings.Count(ctx, "User: ") + strings.Count(ctx, "Assistant: ")
			if segments != n {
				t.Fatalf("segments=%d, want %d\n%s", segments, n, ctx)
			}

			last := -1
			for i := 0; i < n; i++ {
				idx := strings.Index(ctx, fmt.Sprintf("msg-%d", i))
				if idx <= last {
					t.Fatalf("msg-%d out of order in %q", i, ctx)
				}
				last = idx
			}

			again, _ := m.BuildConversationContext("s1")
			if again != ctx {
				t.Fatal("context must be deterministic")
			}
		})
	}
}

func TestBuildConversationContextFormat(t *testing.T) {
	m := NewManager(0)
	_, _ = m.CreateSession("s1", "/a")
	_ = m.AddMessage("s1", RoleUser, "list files")
	_ = m.AddMessage("s1", RoleAssistant, "a.go\nb.go")

	ctx, _ := m.BuildConversationContext("s1")
	want := "Here is the conversation history so far:\n\n" +
		"User: list files\n\n" +
		"Assistant: a.go\nb.go\n\n" +
		"Based on the conversation above, respond to the following request:\n"
	if ctx != want {
		t.Fatalf("context mismatch\n got: %q\nwant: %q", ctx, want)
	}
}

func TestBuildConversationContextCapDropsOldest(t *testing.T) {
	m := NewManager(2)
	_, _ = m.CreateSession("s1", "/a")
	_ = m.AddMessage("s1", RoleUser, "first")
	_ = m.AddMessage("s1", RoleAssistant, "second")
	_ = m.AddMessage("s1", RoleUser, "third")

	ctx, ok := m.BuildConversationContext("s1")
	if !ok {
		t.Fatal("expected context")
	}
	if strings.Contains(ctx, "first") {
		t.Fatalf("oldest message should be dropped: %q", ctx)
	}
	if !strings.Contains(ctx, "second") || !strings.Contains(ctx, "third") {
		t.Fatalf("newest messages should be kept: %q", ctx)
	}

	// The stored history itself is never truncated.
	msgs, _ := m.Messages("s1")
	if len(msgs) != 3 {
		t.Fatalf("stored messages=%d, want 3", len(msgs))
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewManager(0)
	_, _ = m.CreateSession("s1", "/a")
	_ = m.AddMessage("s1", RoleUser, "hello")

	s, ok := m.Get("s1")
	if !ok {
		t.Fatal("expected session")
	}
	s.Messages[0].Content = "mutated"

	msgs, _ := m.Messages("s1")
	if msgs[0].Content != "hello" {
		t.Fatal("callers must not be able to mutate stored messages")
	}
}

func TestListFiltersAndSortsOldestFirst(t *testing.T) {
	m := NewManager(0)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, _ = m.CreateSession("s2", "/proj")
	_, _ = m.CreateSession("s1", "/other")
	_, _ = m.CreateSession("s3", "/proj")
	_ = m.AddMessage("s3", RoleUser, "latest prompt")

	all := m.List("")
	if len(all) != 3 {
		t.Fatalf("List returned %d sessions, want 3", len(all))
	}
	if all[0].ID != "s2" || all[1].ID != "s1" || all[2].ID != "s3" {
		t.Fatalf("unexpected order: %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}

	proj := m.List("/proj")
	if len(proj) != 2 {
		t.Fatalf("List(/proj) returned %d sessions, want 2", len(proj))
	}
	if proj[1].LastMessage != "latest prompt" || proj[1].MessageCount != 1 {
		t.Fatalf("unexpected summary: %+v", proj[1])
	}
	if !proj[1].UpdatedAt.After(proj[1].CreatedAt) {
		t.Fatal("UpdatedAt should follow the last message")
	}
}

func TestDelete(t *testing.T) {
	m := NewManager(0)
	_, _ = m.CreateSession("s1", "/a")

	if !m.Delete("s1") {
		t.Fatal("expected delete to succeed")
	}
	if m.Delete("s1") {
		t.Fatal("second delete should report false")
	}
	if _, ok := m.Get("s1"); ok {
		t.Fatal("session should be gone")
	}
}

func TestConcurrentAddMessage(t *testing.T) {
	m := NewManager(0)
	_, _ = m.CreateSession("s1", "/a")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.AddMessage("s1", RoleUser, fmt.Sprintf("m%d", i))
			_, _ = m.BuildConversationContext("s1")
		}(i)
	}
	wg.Wait()

	msgs, _ := m.Messages("s1")
	if len(msgs) != 50 {
		t.Fatalf("messages=%d, want 50", len(msgs))
	}
}
