// ABOUTME: Credential store holding the current session in memory
// ABOUTME: Persists the refresh token through a cookie jar and hands out immutable snapshots
package session

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/harperreed/calclient/models"
	"github.com/rs/zerolog"
)

const (
	// RefreshCookieName is the cookie that carries the refresh token between runs.
	RefreshCookieName = "calclient_refresh_token"

	// RefreshCookieMaxAge matches the server's refresh token lifetime.
	RefreshCookieMaxAge = 7 * 24 * time.Hour
)

var (
	ErrEmptyAccessToken = errors.New("access token is empty")

	// ErrSessionChanged is returned by the generation-checked writes when the session
	// was replaced or cleared since the caller read it.
	ErrSessionChanged = errors.New("session changed")
)

// CookieJar persists named cookies outside process memory.
// Cookie returns http.ErrNoCookie when nothing usable is stored.
type CookieJar interface {
	Cookie(name string) (*http.Cookie, error)
	SetCookie(c *http.Cookie) error
	DeleteCookie(name string) error
}

// Store is the single owner of session state. It never talks to the network.
type Store struct {
	mu      sync.RWMutex
	session models.Session
	jar     CookieJar
	secure  bool
	log     zerolog.Logger
	now     func() time.Time
}

// NewStore creates an empty store. secure should be false only for local development.
func NewStore(jar CookieJar, secure bool, logger zerolog.Logger) *Store {
	return &Store{
		jar:    jar,
		secure: secure,
		log:    logger.With().Str("component", "credential_store").Logger(),
		now:    time.Now,
	}
}

// Get returns a snapshot of the current session.
func (s *Store) Get() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.session
	if snap.User != nil {
		u := *snap.User
		snap.User = &u
	}
	return snap
}

// Set installs a new access token. An empty refreshToken keeps the persisted one and a
// nil user keeps the current identity. If the refresh token cannot be persisted the
// in-memory session is left untouched.
func (s *Store) Set(accessToken string, user *models.UserIdentity, refreshToken string, expiresIn time.Duration) (models.Session, error) {
	if accessToken == "" {
		return models.Session{}, ErrEmptyAccessToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(accessToken, user, refreshToken, expiresIn)
}

// SetIfGeneration is Set, applied only while the session is still at generation gen.
// Otherwise nothing is written and ErrSessionChanged is returned.
func (s *Store) SetIfGeneration(gen uint64, accessToken string, user *models.UserIdentity, refreshToken string, expiresIn time.Duration) (models.Session, error) {
	if accessToken == "" {
		return models.Session{}, ErrEmptyAccessToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.Generation != gen {
		return models.Session{}, ErrSessionChanged
	}
	return s.setLocked(accessToken, user, refreshToken, expiresIn)
}

func (s *Store) setLocked(accessToken string, user *models.UserIdentity, refreshToken string, expiresIn time.Duration) (models.Session, error) {
	if refreshToken != "" {
		if err := s.jar.SetCookie(s.refreshCookie(refreshToken)); err != nil {
			return models.Session{}, fmt.Errorf("failed to persist refresh token: %w", err)
		}
	}

	next := models.Session{
		AccessToken: accessToken,
		User:        s.session.User,
		Generation:  s.session.Generation + 1,
	}
	if user != nil {
		u := *user
		next.User = &u
	}
	if expiresIn > 0 {
		next.ExpiresAt = s.now().Add(expiresIn)
	}
	s.session = next

	s.log.Debug().Uint64("generation", next.Generation).Dur("expires_in", expiresIn).Msg("session updated")
	return next, nil
}

// SetUser replaces the user identity without touching the token.
func (s *Store) SetUser(user *models.UserIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user == nil {
		s.session.User = nil
		return
	}
	u := *user
	s.session.User = &u
}

// Clear drops the session and the persisted refresh token together. It never fails;
// a jar error is logged and the in-memory state is cleared regardless.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// ClearIfGeneration clears only while the session is still at generation gen and
// reports whether it did.
func (s *Store) ClearIfGeneration(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.Generation != gen {
		return false
	}
	s.clearLocked()
	return true
}

func (s *Store) clearLocked() {
	if err := s.jar.DeleteCookie(RefreshCookieName); err != nil {
		s.log.Warn().Err(err).Msg("failed to delete persisted refresh token")
	}
	s.session = models.Session{Generation: s.session.Generation + 1}
	s.log.Debug().Uint64("generation", s.session.Generation).Msg("session cleared")
}

// RefreshToken returns the persisted refresh token, if any.
func (s *Store) RefreshToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.jar.Cookie(RefreshCookieName)
	if err != nil {
		if !errors.Is(err, http.ErrNoCookie) {
			s.log.Warn().Err(err).Msg("failed to read persisted refresh token")
		}
		return "", false
	}
	if c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (s *Store) refreshCookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(RefreshCookieMaxAge / time.Second),
		SameSite: http.SameSiteStrictMode,
		Secure:   s.secure,
		HttpOnly: true,
	}
}
