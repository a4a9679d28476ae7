// ABOUTME: Token lifecycle manager
// ABOUTME: Handles login, coalesced refresh, scheduled renewal, startup restore and logout
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harperreed/calclient/api"
	"github.com/harperreed/calclient/metrics"
	"github.com/harperreed/calclient/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrLoggedOut is passed to the login-required callback after an explicit logout.
	ErrLoggedOut = errors.New("logged out")

	// ErrNoRefreshToken is passed to the login-required callback when a refresh was
	// needed but nothing was persisted.
	ErrNoRefreshToken = errors.New("no refresh token")
)

// AuthAPI is the subset of server calls the manager needs.
type AuthAPI interface {
	Login(ctx context.Context, creds models.Credentials) (*api.TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*api.TokenGrant, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	Me(ctx context.Context, accessToken string) (*models.UserIdentity, error)
}

// ManagerConfig holds optional collaborators.
type ManagerConfig struct {
	// SafetyMargin is how long before expiry the token is renewed. Zero means DefaultSafetyMargin.
	SafetyMargin time.Duration
	Logger       zerolog.Logger
	Metrics      metrics.Recorder

	// OnLoginRequired is called, outside any lock, whenever the session ends and the
	// user has to sign in again.
	OnLoginRequired func(reason error)
}

type stopper interface {
	Stop() bool
}

// Manager owns the access token lifecycle. It satisfies api.Credentials and api.Refresher.
type Manager struct {
	store   *Store
	auth    AuthAPI
	log     zerolog.Logger
	metrics metrics.Recorder
	margin  time.Duration
	notify  func(error)

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper

	group singleflight.Group

	mu       sync.Mutex
	timer    stopper
	timerGen uint64

	loading   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
}

func NewManager(store *Store, auth AuthAPI, cfg ManagerConfig) *Manager {
	margin := cfg.SafetyMargin
	if margin == 0 {
		margin = DefaultSafetyMargin
	}
	if margin < 0 {
		margin = 0
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}
	notify := cfg.OnLoginRequired
	if notify == nil {
		notify = func(error) {}
	}

	return &Manager{
		store:   store,
		auth:    auth,
		log:     cfg.Logger.With().Str("component", "token_manager").Logger(),
		metrics: rec,
		margin:  margin,
		notify:  notify,
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		ready: make(chan struct{}),
	}
}

// Get returns the current session snapshot.
func (m *Manager) Get() models.Session {
	return m.store.Get()
}

// IsLoading reports whether Initialize is still running.
func (m *Manager) IsLoading() bool {
	return m.loading.Load()
}

// WaitReady blocks until Initialize has completed or ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize restores a session from the persisted refresh token, if there is one.
// The returned error is informational; the session is simply left empty on failure.
func (m *Manager) Initialize(ctx context.Context) error {
	m.loading.Store(true)
	defer func() {
		m.loading.Store(false)
		m.readyOnce.Do(func() { close(m.ready) })
	}()

	if _, ok := m.store.RefreshToken(); !ok {
		m.log.Debug().Msg("no persisted refresh token, starting signed out")
		return nil
	}

	if err := m.Refresh(ctx); err != nil {
		return err
	}

	snap := m.store.Get()
	if snap.IsAuthenticated() && snap.User == nil {
		m.loadUser(ctx, snap.AccessToken)
	}
	return nil
}

// Login exchanges credentials for tokens. Errors are returned unchanged and leave
// the session as it was.
func (m *Manager) Login(ctx context.Context, creds models.Credentials) (models.Session, error) {
	grant, err := m.auth.Login(ctx, creds)
	if err != nil {
		return models.Session{}, err
	}

	expiresIn := ResolveExpiresIn(grant.ExpiresIn, grant.ExpiresAt, grant.AccessToken, m.now())
	if _, err := m.store.Set(grant.AccessToken, grant.User, grant.RefreshToken, expiresIn); err != nil {
		return models.Session{}, err
	}
	if grant.User == nil {
		m.store.SetUser(nil)
		m.loadUser(ctx, grant.AccessToken)
	}
	m.ScheduleRenewal(expiresIn)

	snap := m.store.Get()
	m.log.Info().Str("user", userID(snap.User)).Dur("expires_in", expiresIn).Msg("logged in")
	return snap, nil
}

// Refresh renews the access token. Concurrent callers share one network request
// and all see its outcome. Without a persisted refresh token the session is cleared
// and nil is returned. A failed refresh clears the session, signals that login is
// required and returns an error matching api.ErrSessionExpired; it is never retried.
func (m *Manager) Refresh(ctx context.Context) error {
	ch := m.group.DoChan("refresh", func() (any, error) {
		return nil, m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	gen := m.store.Get().Generation
	refreshToken, ok := m.store.RefreshToken()
	if !ok {
		wasAuthenticated := m.store.Get().IsAuthenticated()
		m.CancelRenewal()
		m.store.Clear()
		m.metrics.RecordRefresh(metrics.RefreshNoToken)
		if wasAuthenticated {
			m.notify(ErrNoRefreshToken)
		}
		return nil
	}

	m.log.Debug().Uint64("generation", gen).Msg("refreshing access token")

	grant, err := m.auth.Refresh(ctx, refreshToken)
	if err != nil {
		return m.endSession(gen, fmt.Errorf("%w: %w", api.ErrSessionExpired, err))
	}

	expiresIn := ResolveExpiresIn(grant.ExpiresIn, grant.ExpiresAt, grant.AccessToken, m.now())
	next, err := m.store.SetIfGeneration(gen, grant.AccessToken, grant.User, grant.RefreshToken, expiresIn)
	if errors.Is(err, ErrSessionChanged) {
		return m.discard(gen)
	}
	if err != nil {
		return m.endSession(gen, fmt.Errorf("%w: %w", api.ErrSessionExpired, err))
	}
	m.scheduleRenewal(next.Generation, expiresIn)

	m.metrics.RecordRefresh(metrics.RefreshSuccess)
	m.log.Debug().Dur("expires_in", expiresIn).Msg("access token refreshed")
	return nil
}

// endSession clears the session the refresh started from. A session that was
// replaced or cleared in the meantime is left alone.
func (m *Manager) endSession(gen uint64, err error) error {
	m.mu.Lock()
	if !m.store.ClearIfGeneration(gen) {
		m.mu.Unlock()
		return m.discard(gen)
	}
	m.stopTimerLocked()
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("token refresh failed, clearing session")
	m.metrics.RecordRefresh(metrics.RefreshFailure)
	m.notify(err)
	return err
}

// discard drops the outcome of a refresh whose session was logged out or replaced
// while the request was in flight.
func (m *Manager) discard(gen uint64) error {
	m.metrics.RecordRefresh(metrics.RefreshStale)
	current := m.store.Get()
	m.log.Debug().Uint64("started_at", gen).Uint64("generation", current.Generation).Msg("session changed during refresh, result dropped")
	if current.IsAuthenticated() {
		return nil
	}
	return fmt.Errorf("%w: %w", api.ErrSessionExpired, ErrSessionChanged)
}

// ScheduleRenewal arms the renewal timer for a token expiring in expiresIn, replacing
// any pending timer. The timer is keyed to the current session generation and does
// nothing if the token has changed by the time it fires.
func (m *Manager) ScheduleRenewal(expiresIn time.Duration) {
	m.scheduleRenewal(m.store.Get().Generation, expiresIn)
}

func (m *Manager) scheduleRenewal(gen uint64, expiresIn time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The session moved on between the commit and here; whoever moved it owns the timer.
	if m.store.Get().Generation != gen {
		return
	}
	m.stopTimerLocked()

	delay, ok := RenewalDelay(expiresIn, m.margin)
	if !ok {
		m.log.Debug().Msg("token lifetime unknown, renewal not scheduled")
		return
	}

	m.timerGen = gen
	m.timer = m.afterFunc(delay, func() { m.renew(gen) })
	m.log.Debug().Dur("delay", delay).Uint64("generation", gen).Msg("renewal scheduled")
}

// CancelRenewal stops the pending renewal timer, if any.
func (m *Manager) CancelRenewal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		m.log.Debug().Uint64("generation", m.timerGen).Msg("renewal cancelled")
	}
}

func (m *Manager) renew(gen uint64) {
	m.mu.Lock()
	if m.timerGen == gen {
		m.timer = nil
	}
	m.mu.Unlock()

	snap := m.store.Get()
	if snap.Generation != gen || !snap.IsAuthenticated() {
		return
	}
	// Failures are logged and signalled inside Refresh.
	_ = m.Refresh(context.Background())
}

// Logout revokes the refresh token on the server when there is one, then clears the
// session and signals that login is required. The server call is best effort.
// Calling Logout on an empty session makes no network call.
func (m *Manager) Logout(ctx context.Context) {
	snap := m.store.Get()
	if refreshToken, ok := m.store.RefreshToken(); ok {
		if err := m.auth.Logout(ctx, snap.AccessToken, refreshToken); err != nil {
			m.log.Warn().Err(err).Msg("server logout failed, clearing local session anyway")
		}
	}

	m.CancelRenewal()
	m.store.Clear()
	m.log.Info().Str("user", userID(snap.User)).Msg("logged out")
	m.notify(ErrLoggedOut)
}

func (m *Manager) loadUser(ctx context.Context, accessToken string) {
	user, err := m.auth.Me(ctx, accessToken)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to load user profile")
		return
	}
	// The token may have changed while the profile was in flight.
	if m.store.Get().AccessToken == accessToken {
		m.store.SetUser(user)
	}
}

func userID(u *models.UserIdentity) string {
	if u == nil {
		return ""
	}
	return u.ID
}
