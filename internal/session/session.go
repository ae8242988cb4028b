// Package session manages server-side sessions: lifecycle, a per-subject
// concurrency cap with oldest-first eviction, and CSRF token issuance.
// Expired sessions are pruned lazily during validation, not by a background
// sweep.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fiscalsim/guard/internal/audit"
	"github.com/fiscalsim/guard/internal/observability"
	"github.com/fiscalsim/guard/internal/persist"
	"github.com/fiscalsim/guard/internal/util"
)

const sessionsArtifact = "sessions"

// Session is a server-side session record.
type Session struct {
	// ID is the session id.
	ID string `json:"id"`
	// Subject is the owning subject id.
	Subject string `json:"subject"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`
	// LastActivity is bumped on every successful validation.
	LastActivity time.Time `json:"last_activity"`
	// ExpiresAt is the session expiry. It only moves forward.
	ExpiresAt time.Time `json:"expires_at"`
	// IPAddress is the creating request's IP.
	IPAddress string `json:"ip_address,omitempty"`
	// UserAgent is the creating request's user agent.
	UserAgent string `json:"user_agent,omitempty"`
	// CSRFToken is the per-session CSRF secret.
	CSRFToken string `json:"csrf_token"`
	// Active is false once the session is terminated.
	Active bool `json:"active"`
}

// valid reports whether the session is live at the given time.
func (s *Session) valid(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// Origin identifies where a session request came from.
type Origin struct {
	// IP is the caller's IP address.
	IP string
	// UserAgent is the caller's user agent.
	UserAgent string
}

// Config holds session manager configuration.
type Config struct {
	// MaxSessions is the per-subject concurrent session cap.
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`

	// TTL is the session lifetime.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		MaxSessions: 5,
		TTL:         24 * time.Hour,
	}
}

// Validate normalizes invalid values to defaults.
func (c *Config) Validate() error {
	defaults := DefaultConfig()
	if c.MaxSessions < 1 {
		c.MaxSessions = defaults.MaxSessions
	}
	if c.TTL < time.Minute {
		c.TTL = defaults.TTL
	}
	return nil
}

// Manager owns the session store.
type Manager struct {
	config   *Config
	logger   observability.Logger
	auditLog audit.Logger
	files    *persist.FileStore
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option is a functional option for the Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l observability.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(m *Manager) {
		m.auditLog = l
	}
}

// WithFileStore sets the artifact store for sessions.
func WithFileStore(files *persist.FileStore) Option {
	return func(m *Manager) {
		m.files = files
	}
}

// withClock overrides the time source, for tests.
func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a session manager. Persisted sessions are reloaded
// when a file store is configured.
func NewManager(config *Config, opts ...Option) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	m := &Manager{
		config:   config,
		logger:   observability.NopLogger(),
		auditLog: audit.NopLogger(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.files != nil {
		var persisted map[string]*Session
		if err := m.files.Load(sessionsArtifact, &persisted); err == nil {
			if persisted != nil {
				m.sessions = persisted
			}
		} else if !os.IsNotExist(err) {
			m.logger.Warn("failed to reload sessions", observability.Error(err))
		}
	}

	return m
}

// Create starts a session for a subject, evicting the oldest valid session
// when the subject is at the concurrency cap. Returns the new session with
// its CSRF token.
func (m *Manager) Create(ctx context.Context, subject string, origin Origin) (*Session, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", util.ErrInvalidInput)
	}

	csrfToken, err := generateCSRFToken()
	if err != nil {
		return nil, err
	}

	now := m.now()

	m.mu.Lock()
	m.pruneLocked(now)

	// Evict oldest sessions until the subject is below the cap.
	for {
		live := m.validSessionsLocked(subject, now)
		if len(live) < m.config.MaxSessions {
			break
		}
		oldest := live[0]
		for _, s := range live[1:] {
			if s.CreatedAt.Before(oldest.CreatedAt) {
				oldest = s
			}
		}
		oldest.Active = false
		m.logger.Info("evicted oldest session",
			observability.String("subject", subject),
			observability.String("session_id", oldest.ID))
	}

	session := &Session{
		ID:           uuid.New().String(),
		Subject:      subject,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.config.TTL),
		IPAddress:    origin.IP,
		UserAgent:    origin.UserAgent,
		CSRFToken:    csrfToken,
		Active:       true,
	}
	m.sessions[session.ID] = session
	copied := *session
	m.mu.Unlock()
	m.persistSessions()

	m.auditLog.Log(ctx, audit.SessionEvent(audit.ActionSessionStart, subject, session.ID).
		WithOrigin(origin.IP, origin.UserAgent))

	return &copied, nil
}

// Validate checks a session is live, bumps its last-activity timestamp, and
// returns it. Expired sessions encountered along the way are pruned.
func (m *Manager) Validate(ctx context.Context, sessionID string) (*Session, error) {
	now := m.now()

	m.mu.Lock()
	m.pruneLocked(now)

	session, ok := m.sessions[sessionID]
	if !ok || !session.valid(now) {
		m.mu.Unlock()
		return nil, util.NewAuthError(util.CodeUnauthorized, "invalid session", nil)
	}

	session.LastActivity = now
	copied := *session
	m.mu.Unlock()
	m.persistSessions()

	return &copied, nil
}

// ValidateCSRF requires an exact match against the session's stored CSRF
// token. The comparison is constant time.
func (m *Manager) ValidateCSRF(ctx context.Context, sessionID, token string) error {
	now := m.now()

	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	var stored string
	if ok && session.valid(now) {
		stored = session.CSRFToken
	}
	m.mu.Unlock()

	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		m.auditLog.Log(ctx, audit.SecurityEvent(audit.ActionUnauthorizedAccess, audit.OutcomeDenied, "",
			map[string]interface{}{"reason": "csrf mismatch", "session_id": sessionID}))
		return util.NewAuthError(util.CodeForbidden, "csrf token mismatch", nil)
	}
	return nil
}

// Terminate ends a single session.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: session %s", util.ErrNotFound, sessionID)
	}
	session.Active = false
	subject := session.Subject
	m.mu.Unlock()
	m.persistSessions()

	m.auditLog.Log(ctx, audit.SessionEvent(audit.ActionSessionEnd, subject, sessionID))
	return nil
}

// TerminateAll ends every session belonging to a subject and returns how
// many were terminated.
func (m *Manager) TerminateAll(ctx context.Context, subject string) int {
	m.mu.Lock()
	terminated := 0
	for _, session := range m.sessions {
		if session.Subject == subject && session.Active {
			session.Active = false
			terminated++
		}
	}
	m.mu.Unlock()
	m.persistSessions()

	m.auditLog.Log(ctx, audit.SessionEvent(audit.ActionSessionEnd, subject, "").
		WithDetail("terminated_count", terminated))
	return terminated
}

// ActiveSessions returns the subject's currently valid sessions.
func (m *Manager) ActiveSessions(subject string) []*Session {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Session
	for _, session := range m.validSessionsLocked(subject, now) {
		copied := *session
		result = append(result, &copied)
	}
	return result
}

// validSessionsLocked returns the subject's live sessions. Callers hold m.mu.
func (m *Manager) validSessionsLocked(subject string, now time.Time) []*Session {
	var live []*Session
	for _, session := range m.sessions {
		if session.Subject == subject && session.valid(now) {
			live = append(live, session)
		}
	}
	return live
}

// pruneLocked drops sessions that are expired or inactive. Callers hold m.mu.
func (m *Manager) pruneLocked(now time.Time) {
	for id, session := range m.sessions {
		if !session.valid(now) {
			delete(m.sessions, id)
		}
	}
}

func (m *Manager) persistSessions() {
	if m.files == nil {
		return
	}

	m.mu.Lock()
	snapshot := make(map[string]*Session, len(m.sessions))
	for id, session := range m.sessions {
		copied := *session
		snapshot[id] = &copied
	}
	m.mu.Unlock()

	if err := m.files.Save(sessionsArtifact, snapshot); err != nil {
		m.logger.Warn("failed to persist sessions", observability.Error(err))
	}
}

// generateCSRFToken returns a 32-byte random token, hex encoded.
func generateCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
