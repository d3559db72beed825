package assets

import (
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

// Session holds the bearer credential for the asset backend.
type Session struct {
	mu    sync.RWMutex
	token *oauth2.Token
}

// NewSession creates a Session. tok may be nil.
func NewSession(tok *oauth2.Token) *Session {
	return &Session{token: tok}
}

// Authorize stamps req with the bearer credential.
func (s *Session) Authorize(req *http.Request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.token.Valid() {
		return apperrors.New(apperrors.ErrSyncAuthFailed, "asset session has no valid token")
	}
	s.token.SetAuthHeader(req)
	return nil
}

// Valid reports whether the session holds an unexpired token.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.Valid()
}

// SetToken installs a new credential.
func (s *Session) SetToken(tok *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok
}

// Clear drops the credential.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
}

// Token implements oauth2.TokenSource so one Session can also authorize the remote record store.
func (s *Session) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.token.Valid() {
		return nil, apperrors.New(apperrors.ErrSyncAuthFailed, "session has no valid token")
	}
	t := *s.token
	return &t, nil
}
