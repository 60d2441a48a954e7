package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Manager keeps one Session per chat code for hosts that follow several
// chats at once.
type Manager struct {
	log  *slog.Logger
	opts []Option

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a manager. opts are applied to every session it creates.
func NewManager(log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "conversation.manager"),
		opts:     append([]Option{WithLogger(log)}, opts...),
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Get(chatCode string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[strings.TrimSpace(chatCode)]
	return session, ok
}

// Lookup is Get for callers that report a missing chat as an error.
func (m *Manager) Lookup(chatCode string) (*Session, error) {
	session, ok := m.Get(chatCode)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChat, strings.TrimSpace(chatCode))
	}
	return session, nil
}

// Session returns the session for chatCode, creating it and loading its
// cached history on first use.
func (m *Manager) Session(ctx context.Context, chatCode string) (*Session, error) {
	chatCode = strings.TrimSpace(chatCode)
	if chatCode == "" {
		return nil, ErrNoChat
	}

	if session, ok := m.Get(chatCode); ok {
		return session, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[chatCode]; ok {
		return session, nil
	}

	session := NewSession("", m.opts...)
	if err := session.Switch(ctx, chatCode); err != nil {
		m.log.Warn("Failed to load cached history", "chat_code", chatCode, "error", err)
	}
	m.sessions[chatCode] = session
	m.log.Debug("Opened conversation", "chat_code", chatCode)
	return session, nil
}

// Close drops a session and all of its state.
func (m *Manager) Close(chatCode string) bool {
	chatCode = strings.TrimSpace(chatCode)

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[chatCode]
	if !ok {
		return false
	}
	session.Reset()
	delete(m.sessions, chatCode)
	return true
}

func (m *Manager) ChatCodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	codes := make([]string, 0, len(m.sessions))
	for code := range m.sessions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
