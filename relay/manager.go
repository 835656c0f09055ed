package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/openmodal/voicerelay/config"
	"github.com/openmodal/voicerelay/gateway"
	"github.com/openmodal/voicerelay/metrics"
	"github.com/openmodal/voicerelay/protocol"
	"github.com/openmodal/voicerelay/ragstore"
)

// ErrSessionLimit is returned when the configured session cap is reached.
var ErrSessionLimit = errors.New("maximum sessions reached")

// Manager owns all relay sessions for the process.
type Manager struct {
	sessions map[string]*RelaySession
	mu       sync.RWMutex

	cfg      *config.Config
	gw       gateway.Gateway
	provider ragstore.Provider
	redis    *redis.Client
	metrics  *metrics.Metrics
}

// NewManager creates a session manager. provider and redisClient may be nil;
// RAG sessions then degrade to empty context and liveness bookkeeping is
// skipped.
func NewManager(cfg *config.Config, gw gateway.Gateway, provider ragstore.Provider, redisClient *redis.Client, m *metrics.Metrics) *Manager {
	return &Manager{
		sessions: make(map[string]*RelaySession),
		cfg:      cfg,
		gw:       gw,
		provider: provider,
		redis:    redisClient,
		metrics:  m,
	}
}

// CreateSession runs the setup protocol for a freshly accepted socket:
// handshake, optional context fetch, upstream open, registration. The returned
// session is not yet running; call Start on it.
func (m *Manager) CreateSession(ctx context.Context, conn *websocket.Conn) (*RelaySession, error) {
	if m.ActiveSessions() >= m.cfg.MaxSessions {
		return nil, ErrSessionLimit
	}

	session := newRelaySession(conn, m.cfg.WriteTimeout, m.metrics)

	hs, err := session.awaitHandshake(m.cfg.HandshakeTimeout)
	if err != nil {
		m.metrics.HandshakeFailures.Inc()
		return nil, err
	}
	if hs.SessionID == "" {
		hs.SessionID = uuid.New().String()
	}
	session.ID = hs.SessionID

	instruction := m.buildInstruction(ctx, hs)

	upstream, err := m.gw.Open(ctx, instruction)
	if err != nil {
		m.metrics.UpstreamErrors.Inc()
		return nil, fmt.Errorf("failed to open upstream session: %w", err)
	}
	session.upstream = upstream

	if err := m.register(ctx, session); err != nil {
		_ = upstream.Close()
		return nil, err
	}
	return session, nil
}

// buildInstruction assembles the model instruction: the system prompt,
// optionally grounded on retrieved context. Context Provider failures degrade
// the session to empty context rather than aborting it.
func (m *Manager) buildInstruction(ctx context.Context, hs *protocol.Handshake) string {
	prompt := hs.SystemPrompt
	if prompt == "" {
		prompt = m.cfg.SystemPrompt
	}
	if !hs.IsRagEnabled {
		return prompt
	}

	if m.provider == nil {
		log.Printf("⚠️ [%s] RAG requested but no context provider configured, continuing without context", shortID(hs.SessionID))
		return prompt
	}

	m.metrics.ContextFetches.Inc()
	text, err := m.provider.FetchContext(ctx, hs.SessionID)
	switch {
	case errors.Is(err, ragstore.ErrNotFound):
		log.Printf("ℹ️ [%s] No documents for session, continuing without context", shortID(hs.SessionID))
		return prompt
	case err != nil:
		m.metrics.ContextFetchFailures.Inc()
		log.Printf("⚠️ [%s] Context fetch failed, continuing without context: %v", shortID(hs.SessionID), err)
		return prompt
	case text == "":
		return prompt
	}

	return prompt + "\n\nAnswer only using the following context:\n" + text
}

// register saves a session to memory and, when available, Redis
func (m *Manager) register(ctx context.Context, session *RelaySession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		return ErrSessionLimit
	}
	m.sessions[session.ID] = session

	m.metrics.SessionsCreated.Inc()
	m.metrics.SessionsActive.Inc()

	if m.redis != nil {
		m.redis.HSet(ctx, "session:"+session.ID, map[string]interface{}{
			"created_at": session.CreatedAt.Format(time.RFC3339),
			"status":     "active",
		})
		m.redis.SAdd(ctx, "active_sessions", session.ID)
		m.redis.Expire(ctx, "session:"+session.ID, m.cfg.SessionIdleTimeout)
	}
	return nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(sessionID string) (*RelaySession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	return session, exists
}

// RemoveSession cleans up and removes a session
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil
	}

	_ = session.Close()
	delete(m.sessions, sessionID)

	if m.redis != nil {
		m.redis.Del(ctx, "session:"+sessionID)
		m.redis.SRem(ctx, "active_sessions", sessionID)
	}
	return nil
}

// ActiveSessions returns the current session count
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupInactiveSessions closes sessions with no traffic in either direction
// for longer than the idle timeout.
func (m *Manager) CleanupInactiveSessions(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, session := range m.sessions {
		if now.Sub(session.LastActivity()) > m.cfg.SessionIdleTimeout {
			log.Printf("🧹 [%s] Closing idle session", shortID(id))
			_ = session.Close()
			delete(m.sessions, id)

			if m.redis != nil {
				m.redis.Del(ctx, "session:"+id)
				m.redis.SRem(ctx, "active_sessions", id)
			}
		}
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (m *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		_ = session.Close()
		delete(m.sessions, id)
	}

	if m.redis != nil {
		_ = m.redis.Close()
	}
}

func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
