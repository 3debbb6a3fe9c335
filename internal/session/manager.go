package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/continuum-canvas/continuum/pkg/apperrors"
	"github.com/continuum-canvas/continuum/pkg/logger"
	"github.com/continuum-canvas/continuum/pkg/metrics"
)

// Config tunes sessions.
type Config struct {
	Policy            LatePolicy
	CompletionTimeout time.Duration
	// IdleTTL closes sessions without activity for this long. Zero disables
	// expiry.
	IdleTTL time.Duration
	// NewID overrides node id generation in session trees.
	NewID func() string
}

// Manager owns the open sessions of all users.
type Manager struct {
	completer Completer
	persister Persister
	cfg       Config
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager and starts its idle sweeper.
func NewManager(completer Completer, persister Persister, cfg Config, log *logger.Logger) *Manager {
	if cfg.Policy == "" {
		cfg.Policy = PolicyDrop
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		completer: completer,
		persister: persister,
		cfg:       cfg,
		logger:    log.Named("sessions"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		sessions:  make(map[string]*Session),
	}
	go m.sweep()
	return m
}

// Create opens a session with a fresh greeting tree.
func (m *Manager) Create(ownerID, displayName string) *Session {
	id := uuid.Must(uuid.NewV7()).String()
	s := newSession(m.ctx, id, ownerID, displayName, m.completer, m.persister, m.cfg, m.logger)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	metrics.SessionsActive.Inc()
	m.logger.Info("session created", zap.String("session_id", id), zap.String("user_id", ownerID))
	return s
}

// Get returns the session if it exists and belongs to ownerID.
func (m *Manager) Get(id, ownerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.ownerID != ownerID {
		return nil, apperrors.NotFound("Session")
	}
	return s, nil
}

// Discard closes and forgets a session.
func (m *Manager) Discard(id, ownerID string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.ownerID != ownerID {
		m.mu.Unlock()
		return apperrors.NotFound("Session")
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.close()
	metrics.SessionsActive.Dec()
	m.logger.Info("session discarded", zap.String("session_id", id), zap.String("user_id", ownerID))
	return nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the sweeper and closes every session.
func (m *Manager) Close() {
	m.cancel()
	<-m.done

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
		metrics.SessionsActive.Dec()
	}
}

func (m *Manager) sweep() {
	defer close(m.done)
	if m.cfg.IdleTTL <= 0 {
		<-m.ctx.Done()
		return
	}

	interval := m.cfg.IdleTTL / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.expire(now)
		}
	}
}

func (m *Manager) expire(now time.Time) {
	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if now.Sub(s.idleSince()) > m.cfg.IdleTTL {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		s.close()
		metrics.SessionsActive.Dec()
		m.logger.Info("session expired", zap.String("session_id", s.id))
	}
}
