package session

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/xipher-im/xipher/internal/api"
	"github.com/xipher-im/xipher/internal/config"
	"github.com/xipher-im/xipher/internal/cookiejar"
	"github.com/xipher-im/xipher/internal/secrets"
	"go.uber.org/zap"
)

// Authenticator is the slice of the request client the manager needs.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (api.LoginResult, *api.Error)
	ValidateToken(ctx context.Context) (api.SessionResult, *api.Error)
}

// persisted is the JSON blob stored under the "session" secret.
type persisted struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Token    string `json:"token"`
	BaseURL  string `json:"base_url"`
}

// Manager persists and restores the session identity plus cookie state
// through the secret store. Secret-store failures are non-fatal: the
// session simply is not restored. The stored base URL is compared on
// restore because server identity is bound to it; a mismatch forces a
// logout.
type Manager struct {
	sess   *Session
	cfg    *config.Config
	store  secrets.Store
	jar    *cookiejar.Jar
	auth   Authenticator
	logger *zap.Logger
}

// NewManager creates a session manager.
func NewManager(sess *Session, cfg *config.Config, store secrets.Store, jar *cookiejar.Jar, auth Authenticator, logger *zap.Logger) *Manager {
	return &Manager{sess: sess, cfg: cfg, store: store, jar: jar, auth: auth, logger: logger}
}

// Restore loads the persisted session and validates it against the
// server. Returns true when a session was restored and validated.
func (m *Manager) Restore(ctx context.Context) bool {
	blob, err := m.store.GetSecret(secrets.KeySession)
	if err != nil || blob == nil {
		if err != nil {
			m.logger.Warn("session restore skipped", zap.Error(err))
		}
		return false
	}
	cookieBlob, err := m.store.GetSecret(secrets.KeyCookies)
	if err != nil || len(cookieBlob) == 0 {
		return false
	}

	var info persisted
	if err := json.Unmarshal(blob, &info); err != nil {
		m.logger.Warn("persisted session malformed, clearing")
		m.Clear()
		return false
	}
	if info.BaseURL != "" && info.BaseURL != m.cfg.BaseURL {
		m.logger.Info("base URL changed, invalidating session")
		m.Clear()
		return false
	}

	m.jar.Deserialize(cookieBlob)
	token := m.resolveToken(info.Token)
	if token == "" {
		m.Clear()
		return false
	}

	m.sess.SetRestoring(true)
	defer m.sess.SetRestoring(false)
	m.sess.Set(info.UserID, info.Username, token)

	result, apiErr := m.auth.ValidateToken(ctx)
	if apiErr != nil {
		m.logger.Warn("session validation failed", zap.String("error", apiErr.UserMessage))
		m.Clear()
		return false
	}

	m.sess.Set(result.UserID, result.Username, token)
	m.persist(token)
	return true
}

// Login authenticates and persists the resulting session.
func (m *Manager) Login(ctx context.Context, username, password string) *Error {
	result, apiErr := m.auth.Login(ctx, username, password)
	if apiErr != nil {
		return &Error{Message: apiErr.UserMessage}
	}
	if result.Token != "" {
		m.jar.SetSessionCookie(m.cfg.BaseURL, result.Token)
	}
	token := m.resolveToken(result.Token)
	if token == "" {
		m.Clear()
		return &Error{Message: "Login failed"}
	}
	m.sess.Set(result.UserID, result.Username, token)
	m.persist(token)
	return nil
}

// Clear wipes the persisted and in-memory session (logout).
func (m *Manager) Clear() {
	if err := m.store.DeleteSecret(secrets.KeySession); err != nil {
		m.logger.Warn("failed to delete session secret", zap.Error(err))
	}
	if err := m.store.DeleteSecret(secrets.KeyCookies); err != nil {
		m.logger.Warn("failed to delete cookie secret", zap.Error(err))
	}
	m.jar.ClearSessionCookie()
	m.sess.Clear()
}

func (m *Manager) persist(token string) {
	blob, err := json.Marshal(persisted{
		UserID:   m.sess.UserID(),
		Username: m.sess.Username(),
		Token:    token,
		BaseURL:  m.cfg.BaseURL,
	})
	if err == nil {
		if err := m.store.SetSecret(secrets.KeySession, blob); err != nil {
			m.logger.Warn("failed to persist session", zap.Error(err))
		}
	}
	cookieBlob, err := m.jar.Serialize()
	if err == nil && len(cookieBlob) > 0 {
		if err := m.store.SetSecret(secrets.KeyCookies, cookieBlob); err != nil {
			m.logger.Warn("failed to persist cookies", zap.Error(err))
		}
	}
}

// resolveToken returns a usable bearer credential: the candidate unless
// it is empty or the cookie placeholder, else the session cookie value.
func (m *Manager) resolveToken(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed != "" && trimmed != TokenPlaceholder {
		return trimmed
	}
	u, err := url.Parse(m.cfg.BaseURL)
	if err != nil {
		return ""
	}
	return m.jar.SessionToken(u)
}

// Error is a user-facing session failure.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }
