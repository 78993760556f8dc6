// Package auth authenticates admin API callers with bearer tokens and maps
// their role to the admin actions it may perform.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/agentwarden/ai-gateway-agent/internal/clock"
	"github.com/agentwarden/ai-gateway-agent/internal/config"
)

// Role defines the access level of a token.
type Role string

const (
	RoleViewer   Role = "viewer"   // health, stats, config and metrics
	RoleOperator Role = "operator" // plus decisions, audit verification and the live feed
	RoleAdmin    Role = "admin"    // plus config reload and token management
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleViewer, RoleOperator, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Admin API actions.
const (
	ActionStatsRead    = "stats.read"
	ActionConfigRead   = "config.read"
	ActionDecisionRead = "decision.read"
	ActionAuditVerify  = "audit.verify"
	ActionFeed         = "feed"
	ActionConfigChange = "config.change"
	ActionTokenManage  = "token.manage"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrWrongSource  = errors.New("token not valid from this address")
)

// Token is an admin API token. A zero ExpiresAt never expires.
type Token struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Secret    string    `json:"-"`
	Role      Role      `json:"role"`
	SourceIP  string    `json:"source_ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ExpiredAt reports whether the token has expired at now.
func (t Token) ExpiredAt(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// TokenManager issues, validates and revokes tokens. Tokens are indexed by
// the SHA-256 of their secret.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]Token
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// NewTokenManager creates a token manager. ttl is the lifetime of tokens
// minted with CreateToken.
func NewTokenManager(ttl time.Duration, c clock.Clock, logger *slog.Logger) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		tokens: make(map[string]Token),
		ttl:    ttl,
		clock:  c,
		logger: logger.With("component", "auth.TokenManager"),
	}
}

// Load adds the configured long-lived tokens. They never expire and are
// identified by name.
func (m *TokenManager) Load(tokens []config.TokenConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tc := range tokens {
		role, err := ParseRole(tc.Role)
		if err != nil {
			return fmt.Errorf("token %q: %w", tc.Name, err)
		}
		if len(tc.Secret) < config.MinTokenSecretLen {
			return fmt.Errorf("token %q: secret must be at least %d characters", tc.Name, config.MinTokenSecretLen)
		}
		m.tokens[digest(tc.Secret)] = Token{
			ID:        tc.Name,
			Name:      tc.Name,
			Secret:    tc.Secret,
			Role:      role,
			SourceIP:  tc.SourceIP,
			CreatedAt: m.clock.Now(),
		}
	}
	m.logger.Info("tokens loaded", "count", len(tokens))
	return nil
}

// CreateToken mints a token that expires after the manager's TTL.
func (m *TokenManager) CreateToken(role Role, name, sourceIP string) (Token, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return Token{}, err
	}
	secret, err := generateSecret()
	if err != nil {
		return Token{}, fmt.Errorf("failed to generate token: %w", err)
	}
	id, err := generateSecret()
	if err != nil {
		return Token{}, fmt.Errorf("failed to generate token ID: %w", err)
	}

	now := m.clock.Now()
	token := Token{
		ID:        id[:16],
		Name:      name,
		Secret:    secret,
		Role:      role,
		SourceIP:  sourceIP,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.tokens[digest(secret)] = token
	m.mu.Unlock()

	m.logger.Info("token created",
		"token_id", token.ID,
		"role", role,
		"expires_at", token.ExpiresAt,
	)
	return token, nil
}

// ValidateToken returns the token for secret. remoteAddr may carry a port.
func (m *TokenManager) ValidateToken(secret, remoteAddr string) (Token, error) {
	key := digest(secret)
	m.mu.RLock()
	token, ok := m.tokens[key]
	m.mu.RUnlock()
	if !ok {
		return Token{}, ErrInvalidToken
	}

	if token.ExpiredAt(m.clock.Now()) {
		m.mu.Lock()
		delete(m.tokens, key)
		m.mu.Unlock()
		return Token{}, ErrTokenExpired
	}

	if token.SourceIP != "" && token.SourceIP != hostOf(remoteAddr) {
		m.logger.Warn("token used from wrong address",
			"token_id", token.ID,
			"expected_ip", token.SourceIP,
			"actual_ip", hostOf(remoteAddr),
		)
		return Token{}, ErrWrongSource
	}
	return token, nil
}

// RevokeToken removes the token with the given ID. It reports whether one
// was found.
func (m *TokenManager) RevokeToken(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, token := range m.tokens {
		if token.ID == id {
			delete(m.tokens, key)
			m.logger.Info("token revoked", "token_id", id)
			return true
		}
	}
	return false
}

// List returns the unexpired tokens ordered by creation time. Secrets are
// not serialized.
func (m *TokenManager) List() []Token {
	now := m.clock.Now()
	m.mu.RLock()
	out := make([]Token, 0, len(m.tokens))
	for _, token := range m.tokens {
		if !token.ExpiredAt(now) {
			out = append(out, token)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CleanExpired removes all expired tokens.
func (m *TokenManager) CleanExpired() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key, token := range m.tokens {
		if token.ExpiredAt(now) {
			delete(m.tokens, key)
			count++
		}
	}
	return count
}

// ActiveTokenCount returns the number of unexpired tokens.
func (m *TokenManager) ActiveTokenCount() int {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, token := range m.tokens {
		if !token.ExpiredAt(now) {
			count++
		}
	}
	return count
}

// HasPermission checks if a role has permission for an action.
func HasPermission(role Role, action string) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOperator:
		return action != ActionConfigChange && action != ActionTokenManage
	case RoleViewer:
		return action == ActionStatsRead || action == ActionConfigRead
	default:
		return false
	}
}

func digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
