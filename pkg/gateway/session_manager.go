package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"relaygate/pkg/logger"
	"relaygate/pkg/provider"
	providertypes "relaygate/pkg/provider/types"
)

// sessionManager maps bus session keys to provider sessions.
type sessionManager struct {
	client provider.Client
	model  string
	log    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// session is the provider state tracked for one session key.
type session struct {
	id       string
	promptMu sync.Mutex
}

func newSessionManager(client provider.Client, model string, log *slog.Logger) *sessionManager {
	return &sessionManager{
		client:   client,
		model:    model,
		log:      logger.OrDiscard(log).With("component", "gateway.sessions"),
		sessions: make(map[string]*session),
	}
}

// Prompt routes one prompt to the session for sessionKey and serializes
// requests within that session.
func (m *sessionManager) Prompt(ctx context.Context, sessionKey string, prompt string) (providertypes.PromptResult, error) {
	s, err := m.sessionFor(ctx, sessionKey)
	if err != nil {
		return providertypes.PromptResult{}, err
	}

	s.promptMu.Lock()
	defer s.promptMu.Unlock()

	return m.client.Prompt(ctx, s.id, prompt, m.model)
}

// sessionFor returns an existing session or lazily creates a new one.
func (m *sessionManager) sessionFor(ctx context.Context, sessionKey string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionKey]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok = m.sessions[sessionKey]; ok {
		return s, nil
	}

	id, err := m.client.CreateSession(ctx, "relaygate:"+sessionKey)
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", sessionKey, err)
	}
	m.log.Debug("Session created", "session_key", sessionKey, "session_id", id)

	s = &session{id: id}
	m.sessions[sessionKey] = s
	return s, nil
}

// Len returns the number of tracked sessions.
func (m *sessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close drops tracked sessions.
func (m *sessionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sessionKey := range m.sessions {
		delete(m.sessions, sessionKey)
	}
}
