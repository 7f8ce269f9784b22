// Package agentsessions keeps the in-memory registry of conversation sessions
// and rebuilds the textual history that gives the stateless Gemini CLI its
// memory of prior turns.
package agentsessions

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrDuplicateSession = errors.New("session already exists")
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidRole      = errors.New("invalid message role")
	ErrHistoryChanged   = errors.New("session history changed")
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Session struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"workingDirectory"`
	Messages         []Message `json:"messages"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Summary is the list view of a session, without the message bodies.
type Summary struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"workingDirectory"`
	MessageCount     int       `json:"messageCount"`
	LastMessage      string    `json:"lastMessage,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

const (
	contextHeader = "Here is the conversation history so far:\n\n"
	contextFooter = "Based on the conversation above, respond to the following request:\n"
)

type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxMessages int
	now         func() time.Time
}

// NewManager creates an empty store. maxContextMessages caps how many prior
// messages BuildConversationContext replays; zero means no cap.
func NewManager(maxContextMessages int) *Manager {
	if maxContextMessages < 0 {
		maxContextMessages = 0
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		maxMessages: maxContextMessages,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) CreateSession(sessionID, workingDir string) (Session, error) {
	if sessionID == "" {
		return Session{}, fmt.Errorf("session ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return Session{}, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}

	session := &Session{
		ID:               sessionID,
		WorkingDirectory: workingDir,
		Messages:         []Message{},
		CreatedAt:        m.now(),
	}
	m.sessions[sessionID] = session
	return copySession(session), nil
}

// AddMessage appends a message to the session. Unknown sessions return
// ErrSessionNotFound; callers treat that as a dropped message, not a failure.
func (m *Manager) AddMessage(sessionID string, role Role, content string) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	session.Messages = append(session.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: m.now(),
	})
	return nil
}

// AddMessageAt appends a message only if the session still holds exactly
// count messages, and returns ErrHistoryChanged otherwise.
func (m *Manager) AddMessageAt(sessionID string, count int, role Role, content string) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if len(session.Messages) != count {
		return fmt.Errorf("%w: %s has %d messages, expected %d", ErrHistoryChanged, sessionID, len(session.Messages), count)
	}

	session.Messages = append(session.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: m.now(),
	})
	return nil
}

// BuildConversationContext renders the prior turns of a session as a text
// block to prepend to the next prompt. It reports false when the session is
// unknown or has no messages yet.
func (m *Manager) BuildConversationContext(sessionID string) (string, bool) {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	var messages []Message
	if ok {
		messages = append(messages, session.Messages...)
	}
	m.mu.RUnlock()

	if len(messages) == 0 {
		return "", false
	}

	if m.maxMessages > 0 && len(messages) > m.maxMessages {
		dropped := len(messages) - m.maxMessages
		messages = messages[dropped:]
		slog.Debug("Conversation context truncated", "sessionId", sessionID, "droppedMessages", dropped, "keptMessages", len(messages))
	}

	var b strings.Builder
	b.WriteString(contextHeader)
	for _, msg := range messages {
		b.WriteString(roleLabel(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	b.WriteString(contextFooter)
	return b.String(), true
}

func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return copySession(session), true
}

func (m *Manager) Messages(sessionID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := make([]Message, len(session.Messages))
	copy(out, session.Messages)
	return out, nil
}

// List returns summaries of all sessions, or only those rooted at
// workingDir when it is non-empty, oldest first.
func (m *Manager) List(workingDir string) []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Summary, 0, len(m.sessions))
	for _, session := range m.sessions {
		if workingDir != "" && session.WorkingDirectory != workingDir {
			continue
		}
		summary := Summary{
			ID:               session.ID,
			WorkingDirectory: session.WorkingDirectory,
			MessageCount:     len(session.Messages),
			CreatedAt:        session.CreatedAt,
			UpdatedAt:        session.CreatedAt,
		}
		if n := len(session.Messages); n > 0 {
			last := session.Messages[n-1]
			summary.LastMessage = last.Content
			summary.UpdatedAt = last.Timestamp
		}
		result = append(result, summary)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Delete removes a session. Sessions are never evicted automatically.
func (m *Manager) Delete(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	delete(m.sessions, sessionID)
	return true
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func roleLabel(role Role) string {
	if role == RoleAssistant {
		return "Assistant"
	}
	return "User"
}

func copySession(s *Session) Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}
