package reqreply

import (
	"context"
	"log/slog"
	"sync"

	"github.com/solaceflow/connector/internal/broker"
	"github.com/solaceflow/connector/internal/errkinds"
	"github.com/solaceflow/connector/internal/events"
)

// SessionStatus summarizes one live Controller for list_sessions.
type SessionStatus struct {
	SessionID   string
	ReplyTopic  string
	WaiterCount int
}

// SessionManager implements spec.md §4.4's multi-session mode:
// create_session/destroy_session/list_sessions, each session an
// independent Controller with its own reply topic/queue and
// correlation space. A SessionManager always carries one default
// Controller (session_id "") that do_request_response uses when no
// session_id is given; it does not count against MaxSessions.
type SessionManager struct {
	br       broker.Broker
	bus      *events.Bus
	logger   *slog.Logger
	flowName string
	cfg      Config

	maxSessions int

	mu       sync.Mutex
	root     *Controller
	sessions map[string]*Controller
}

// NewSessionManager creates a SessionManager with its default
// (non-session) Controller already running. maxSessions <= 0 means
// unbounded.
func NewSessionManager(ctx context.Context, br broker.Broker, bus *events.Bus, logger *slog.Logger, flowName string, cfg Config, maxSessions int) (*SessionManager, error) {
	root, err := New(ctx, br, bus, logger, flowName, cfg)
	if err != nil {
		return nil, err
	}
	return &SessionManager{
		br: br, bus: bus, logger: logger, flowName: flowName, cfg: cfg,
		maxSessions: maxSessions,
		root:        root,
		sessions:    make(map[string]*Controller),
	}, nil
}

// CreateSession provisions a new Controller with its own reply
// topic/queue and returns its session_id (the Controller's uuid).
func (m *SessionManager) CreateSession(ctx context.Context, overrides Config) (string, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return "", errkinds.ErrSessionLimitExceeded
	}
	m.mu.Unlock()

	sessionCfg := m.cfg
	if overrides.ReplyTopicPrefix != "" {
		sessionCfg.ReplyTopicPrefix = overrides.ReplyTopicPrefix
	}
	if overrides.ReplyQueuePrefix != "" {
		sessionCfg.ReplyQueuePrefix = overrides.ReplyQueuePrefix
	}
	if overrides.Registry != nil {
		sessionCfg.Registry = overrides.Registry
	}

	c, err := New(ctx, m.br, m.bus, m.logger, m.flowName, sessionCfg)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		c.Close()
		return "", errkinds.ErrSessionLimitExceeded
	}
	m.sessions[c.id] = c
	m.mu.Unlock()
	return c.id, nil
}

// DestroySession tears down a session's Controller, nacking every
// outstanding waiter with SessionClosed. Returns false if sessionID
// is unknown.
func (m *SessionManager) DestroySession(sessionID string) bool {
	m.mu.Lock()
	c, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	c.Close()
	return true
}

// ListSessions reports the live sessions (not including the default
// Controller, which is not a session).
func (m *SessionManager) ListSessions() []SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionStatus, 0, len(m.sessions))
	for id, c := range m.sessions {
		c.mu.Lock()
		n := len(c.waiters)
		c.mu.Unlock()
		out = append(out, SessionStatus{SessionID: id, ReplyTopic: c.replyTopic, WaiterCount: n})
	}
	return out
}

// DoRequestResponse routes to the named session's Controller, or the
// default Controller when sessionID is empty.
func (m *SessionManager) DoRequestResponse(ctx context.Context, sessionID string, req Request, opts Options) (<-chan Reply, error) {
	c, err := m.controllerFor(sessionID)
	if err != nil {
		return nil, err
	}
	return c.DoRequestResponse(ctx, req, opts)
}

// Cancel cancels an outstanding correlation id within the named
// session (or the default Controller).
func (m *SessionManager) Cancel(sessionID, cid string) error {
	c, err := m.controllerFor(sessionID)
	if err != nil {
		return err
	}
	c.Cancel(cid)
	return nil
}

func (m *SessionManager) controllerFor(sessionID string) (*Controller, error) {
	if sessionID == "" {
		return m.root, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[sessionID]
	if !ok {
		return nil, errkinds.ErrSessionNotFound
	}
	return c, nil
}

// Close tears down every session Controller plus the default one.
func (m *SessionManager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Controller)
	root := m.root
	m.mu.Unlock()

	for _, c := range sessions {
		c.Close()
	}
	if root != nil {
		root.Close()
	}
}
