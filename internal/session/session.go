package session

import "sync"

// TokenPlaceholder is stored instead of a real bearer token when the
// server authenticates purely via the session cookie.
const TokenPlaceholder = "cookie"

// Session holds the active user identity. Safe for concurrent use; the
// request and push clients read it from their own goroutines.
type Session struct {
	mu        sync.RWMutex
	userID    string
	username  string
	token     string
	restoring bool
}

// New creates an empty session.
func New() *Session {
	return &Session{}
}

// Set installs the identity after login or restore.
func (s *Session) Set(userID, username, token string) {
	s.mu.Lock()
	s.userID = userID
	s.username = username
	s.token = token
	s.mu.Unlock()
}

// Clear wipes the identity.
func (s *Session) Clear() {
	s.mu.Lock()
	s.userID = ""
	s.username = ""
	s.token = ""
	s.mu.Unlock()
}

// Token returns the bearer credential, or "".
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// UserID returns the current user id, or "".
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Username returns the current username, or "".
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Authenticated reports whether an identity is held.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID != "" && s.token != ""
}

// SetRestoring marks a restore round trip in flight.
func (s *Session) SetRestoring(v bool) {
	s.mu.Lock()
	s.restoring = v
	s.mu.Unlock()
}

// Restoring reports whether a restore round trip is in flight.
func (s *Session) Restoring() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restoring
}
