package token

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/fiscalsim/guard/internal/audit"
	"github.com/fiscalsim/guard/internal/observability"
	"github.com/fiscalsim/guard/internal/persist"
	"github.com/fiscalsim/guard/internal/util"
)

const metadataArtifact = "token-metadata"

// UserLookup resolves a subject's email and active roles from the user
// store, used when refreshing to mint the new access token.
type UserLookup func(ctx context.Context, subject string) (email string, roles []string, err error)

// Config holds token manager configuration.
type Config struct {
	// Issuer is the iss claim on issued tokens.
	Issuer string `yaml:"issuer" json:"issuer"`

	// AccessTTL is the access token lifetime.
	AccessTTL time.Duration `yaml:"access_ttl" json:"access_ttl"`

	// RefreshTTL is the refresh token lifetime.
	RefreshTTL time.Duration `yaml:"refresh_ttl" json:"refresh_ttl"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Issuer:     "guard",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}
}

// Validate normalizes invalid values to defaults.
func (c *Config) Validate() error {
	defaults := DefaultConfig()
	if c.Issuer == "" {
		c.Issuer = defaults.Issuer
	}
	if c.AccessTTL < time.Second {
		c.AccessTTL = defaults.AccessTTL
	}
	if c.RefreshTTL < time.Second {
		c.RefreshTTL = defaults.RefreshTTL
	}
	return nil
}

// Manager issues and validates HS256-signed tokens and tracks per-token
// metadata keyed by jti.
type Manager struct {
	config     *Config
	secret     []byte
	logger     observability.Logger
	auditLog   audit.Logger
	files      *persist.FileStore
	userLookup UserLookup
	now        func() time.Time

	mu       sync.RWMutex
	metadata map[string]*Metadata
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

// WithFileStore sets the artifact store for token metadata.
func WithFileStore(files *persist.FileStore) Option {
	return func(m *Manager) {
		m.files = files
	}
}

// WithUserLookup sets the identity resolver used during refresh.
func WithUserLookup(lookup UserLookup) Option {
	return func(m *Manager) {
		m.userLookup = lookup
	}
}

// withClock overrides the time source, for tests.
func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a token manager signing with the given secret.
// Persisted metadata is reloaded when a file store is configured.
func NewManager(secret []byte, config *Config, opts ...Option) (*Manager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	m := &Manager{
		config:   config,
		secret:   secret,
		logger:   observability.NopLogger(),
		auditLog: audit.NopLogger(),
		now:      time.Now,
		metadata: make(map[string]*Metadata),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.files != nil {
		var persisted map[string]*Metadata
		if err := m.files.Load(metadataArtifact, &persisted); err == nil {
			if persisted != nil {
				m.metadata = persisted
			}
		} else if !os.IsNotExist(err) {
			m.logger.Warn("failed to reload token metadata", observability.Error(err))
		}
	}

	return m, nil
}

// IssueAccessToken issues a signed access token carrying identity and roles.
func (m *Manager) IssueAccessToken(ctx context.Context, subject, email string, roles []string, origin Origin) (string, error) {
	return m.issue(ctx, TypeAccess, subject, email, roles, m.config.AccessTTL, origin)
}

// IssueRefreshToken issues a signed refresh token carrying only the subject.
func (m *Manager) IssueRefreshToken(ctx context.Context, subject string, origin Origin) (string, error) {
	return m.issue(ctx, TypeRefresh, subject, "", nil, m.config.RefreshTTL, origin)
}

func (m *Manager) issue(ctx context.Context, tokenType Type, subject, email string, roles []string, ttl time.Duration, origin Origin) (string, error) {
	now := m.now()
	jti := uuid.New().String()

	builder := jwt.NewBuilder().
		JwtID(jti).
		Subject(subject).
		Issuer(m.config.Issuer).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim("type", string(tokenType))
	if email != "" {
		builder = builder.Claim("email", email)
	}
	if len(roles) > 0 {
		builder = builder.Claim("roles", roles)
	}

	tok, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, m.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	m.mu.Lock()
	m.metadata[jti] = &Metadata{
		JTI:       jti,
		Subject:   subject,
		Type:      tokenType,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		IPAddress: origin.IP,
		UserAgent: origin.UserAgent,
	}
	m.mu.Unlock()
	m.persistMetadata()

	m.auditLog.Log(ctx, audit.AuthenticationEvent(audit.ActionTokenIssued, audit.OutcomeSuccess, subject).
		WithOrigin(origin.IP, origin.UserAgent).
		WithDetail("jti", jti).
		WithDetail("type", string(tokenType)))

	return string(signed), nil
}

// Validate verifies a token's signature, expiry, type, and revocation
// status, returning its claims. Tokens without a metadata record are
// rejected regardless of signature.
func (m *Manager) Validate(ctx context.Context, raw string, expectedType Type) (*Claims, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, m.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(m.now)),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, util.NewAuthError(util.CodeTokenExpired, "token expired", err)
		}
		return nil, util.NewAuthError(util.CodeUnauthorized, "invalid token", err)
	}

	claims, err := claimsFromToken(tok)
	if err != nil {
		return nil, util.NewAuthError(util.CodeUnauthorized, "malformed claims", err)
	}

	if claims.Type != expectedType {
		return nil, util.NewAuthError(util.CodeUnauthorized,
			fmt.Sprintf("expected %s token, got %s", expectedType, claims.Type), nil)
	}

	m.mu.RLock()
	meta, ok := m.metadata[claims.JTI]
	m.mu.RUnlock()

	// A token this manager has no record of is as dead as a revoked one:
	// either it was never issued here or its metadata was purged.
	if !ok {
		return nil, util.NewAuthError(util.CodeUnauthorized, "unknown token", nil)
	}
	if meta.Revoked {
		return nil, util.NewAuthError(util.CodeUnauthorized, "token revoked", nil)
	}

	return claims, nil
}

// Refresh validates a refresh token, revokes it, and issues a new access
// and refresh pair. A previously used refresh token can never be reused.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, origin Origin) (*Pair, error) {
	claims, err := m.Validate(ctx, refreshToken, TypeRefresh)
	if err != nil {
		m.auditLog.Log(ctx, audit.AuthenticationEvent(audit.ActionTokenRefreshed, audit.OutcomeFailure, "").
			WithOrigin(origin.IP, origin.UserAgent))
		return nil, err
	}

	// Revoke before issuing so a concurrent second refresh with the same
	// token loses.
	if !m.revokeJTI(claims.JTI) {
		return nil, util.NewAuthError(util.CodeUnauthorized, "token revoked", nil)
	}
	m.persistMetadata()

	var email string
	var roles []string
	if m.userLookup != nil {
		email, roles, err = m.userLookup(ctx, claims.Subject)
		if err != nil {
			return nil, util.NewAuthError(util.CodeUnauthorized, "identity lookup failed", err)
		}
	}

	accessToken, err := m.IssueAccessToken(ctx, claims.Subject, email, roles, origin)
	if err != nil {
		return nil, err
	}
	newRefreshToken, err := m.IssueRefreshToken(ctx, claims.Subject, origin)
	if err != nil {
		return nil, err
	}

	m.auditLog.Log(ctx, audit.AuthenticationEvent(audit.ActionTokenRefreshed, audit.OutcomeSuccess, claims.Subject).
		WithOrigin(origin.IP, origin.UserAgent).
		WithDetail("rotated_jti", claims.JTI))

	return &Pair{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		ExpiresAt:    m.now().Add(m.config.AccessTTL),
	}, nil
}

// Revoke marks a token's metadata as revoked.
func (m *Manager) Revoke(ctx context.Context, raw string) error {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, m.secret),
		jwt.WithValidate(false),
	)
	if err != nil {
		return util.NewAuthError(util.CodeUnauthorized, "invalid token", err)
	}

	jti := tok.JwtID()
	if !m.revokeJTI(jti) {
		return fmt.Errorf("%w: token %s", util.ErrNotFound, jti)
	}
	m.persistMetadata()

	m.auditLog.Log(ctx, audit.AuthenticationEvent(audit.ActionTokenRevoked, audit.OutcomeSuccess, tok.Subject()).
		WithDetail("jti", jti))
	return nil
}

// RevokeAll revokes every live token belonging to a subject and returns how
// many were revoked.
func (m *Manager) RevokeAll(ctx context.Context, subject string) int {
	now := m.now()

	m.mu.Lock()
	revoked := 0
	for _, meta := range m.metadata {
		if meta.Subject == subject && !meta.Revoked {
			meta.Revoked = true
			meta.RevokedAt = now
			revoked++
		}
	}
	m.mu.Unlock()
	m.persistMetadata()

	m.auditLog.Log(ctx, audit.AuthenticationEvent(audit.ActionTokenRevoked, audit.OutcomeSuccess, subject).
		WithDetail("revoked_count", revoked))
	return revoked
}

// CleanupExpired prunes metadata for tokens past expiry and returns how
// many records were removed.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	removed := 0
	for jti, meta := range m.metadata {
		if now.After(meta.ExpiresAt) {
			delete(m.metadata, jti)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.persistMetadata()
		m.logger.Info("pruned expired token metadata", observability.Int("removed", removed))
	}
	return removed
}

// Metadata returns the metadata record for a jti.
func (m *Manager) Metadata(jti string) (*Metadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.metadata[jti]
	if !ok {
		return nil, false
	}
	copied := *meta
	return &copied, true
}

// revokeJTI flips a metadata record to revoked. It returns false when the
// record is missing or already revoked.
func (m *Manager) revokeJTI(jti string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.metadata[jti]
	if !ok || meta.Revoked {
		return false
	}
	meta.Revoked = true
	meta.RevokedAt = m.now()
	return true
}

func (m *Manager) persistMetadata() {
	if m.files == nil {
		return
	}

	m.mu.RLock()
	snapshot := make(map[string]*Metadata, len(m.metadata))
	for jti, meta := range m.metadata {
		copied := *meta
		snapshot[jti] = &copied
	}
	m.mu.RUnlock()

	if err := m.files.Save(metadataArtifact, snapshot); err != nil {
		m.logger.Warn("failed to persist token metadata", observability.Error(err))
	}
}

// claimsFromToken converts a parsed token into Claims.
func claimsFromToken(tok jwt.Token) (*Claims, error) {
	claims := &Claims{
		JTI:       tok.JwtID(),
		Subject:   tok.Subject(),
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: tok.Expiration(),
	}
	if claims.JTI == "" {
		return nil, fmt.Errorf("missing jti claim")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub claim")
	}

	rawType, ok := tok.Get("type")
	if !ok {
		return nil, fmt.Errorf("missing type claim")
	}
	typeStr, ok := rawType.(string)
	if !ok {
		return nil, fmt.Errorf("type claim is not a string")
	}
	claims.Type = Type(typeStr)

	if rawEmail, ok := tok.Get("email"); ok {
		if email, ok := rawEmail.(string); ok {
			claims.Email = email
		}
	}

	if rawRoles, ok := tok.Get("roles"); ok {
		switch roles := rawRoles.(type) {
		case []string:
			claims.Roles = roles
		case []interface{}:
			for _, r := range roles {
				if s, ok := r.(string); ok {
					claims.Roles = append(claims.Roles, s)
				}
			}
		}
	}

	return claims, nil
}
