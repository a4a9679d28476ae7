// ABOUTME: Tests for the token lifecycle manager
// ABOUTME: Runs login, refresh coalescing, renewal timers, startup restore and logout against the fake server
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/harperreed/calclient/api"
	"github.com/harperreed/calclient/apitest"
	"github.com/harperreed/calclient/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type timerRecorder struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (r *timerRecorder) afterFunc(d time.Duration, f func()) stopper {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	r.timers = append(r.timers, t)
	return t
}

func (r *timerRecorder) last() *fakeTimer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.timers) == 0 {
		return nil
	}
	return r.timers[len(r.timers)-1]
}

func (r *timerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

type harness struct {
	srv     *apitest.Server
	jar     *MemoryJar
	store   *Store
	manager *Manager
	timers  *timerRecorder

	mu      sync.Mutex
	signals []error
}

func (h *harness) loginRequired() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.signals...)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{srv: apitest.New(t), jar: NewMemoryJar(), timers: &timerRecorder{}}
	h.srv.AddUser("ada@example.com", "secret", false)

	transport, err := api.NewTransport(api.TransportConfig{BaseURL: h.srv.URL})
	require.NoError(t, err)

	h.store = NewStore(h.jar, false, zerolog.Nop())
	h.manager = NewManager(h.store, api.NewAuthClient(transport), ManagerConfig{
		OnLoginRequired: func(reason error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.signals = append(h.signals, reason)
		},
	})
	h.manager.afterFunc = h.timers.afterFunc
	return h
}

func (h *harness) login(t *testing.T) models.Session {
	t.Helper()
	snap, err := h.manager.Login(context.Background(), models.Credentials{Email: "ada@example.com", Password: "secret"})
	require.NoError(t, err)
	return snap
}

func TestLoginPopulatesSessionAndSchedulesRenewal(t *testing.T) {
	h := newHarness(t)

	snap := h.login(t)
	assert.True(t, snap.IsAuthenticated())
	require.NotNil(t, snap.User)
	assert.Equal(t, "ada@example.com", snap.User.Email)

	rt, ok := h.store.RefreshToken()
	require.True(t, ok)
	assert.True(t, h.srv.HasRefreshToken(rt))

	timer := h.timers.last()
	require.NotNil(t, timer)
	assert.InDelta(t, (3540 * time.Second).Seconds(), timer.d.Seconds(), 2)
}

func TestLoginFailurePropagatesWithoutMutation(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Login(context.Background(), models.Credentials{Email: "ada@example.com", Password: "wrong"})
	require.Error(t, err)

	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid credentials", apiErr.Message)

	assert.False(t, h.manager.Get().IsAuthenticated())
	_, ok := h.store.RefreshToken()
	assert.False(t, ok)
	assert.Equal(t, 0, h.timers.count())
	assert.Empty(t, h.loginRequired())
}

func TestLoginUsesJWTExpiryWhenServerOmitsIt(t *testing.T) {
	h := newHarness(t)
	h.srv.OmitExpiry(true)
	h.srv.SetAccessTTL(10 * time.Minute)

	h.login(t)

	timer := h.timers.last()
	require.NotNil(t, timer)
	assert.InDelta(t, (9 * time.Minute).Seconds(), timer.d.Seconds(), 2)
}

func TestRefreshReplacesAccessToken(t *testing.T) {
	h := newHarness(t)
	before := h.login(t)

	require.NoError(t, h.manager.Refresh(context.Background()))

	after := h.manager.Get()
	assert.True(t, after.IsAuthenticated())
	assert.NotEqual(t, before.AccessToken, after.AccessToken)
	assert.Greater(t, after.Generation, before.Generation)
	require.NotNil(t, after.User, "refresh must keep the known user")
	assert.Equal(t, 1, h.srv.RefreshCalls())

	// The earlier timer was replaced.
	assert.True(t, h.timers.timers[0].stopped)
	assert.Equal(t, 2, h.timers.count())
}

func TestConcurrentRefreshIsCoalesced(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	gate := make(chan struct{})
	h.srv.RefreshGate = gate

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- h.manager.Refresh(context.Background()) }()
	}

	require.Eventually(t, func() bool { return h.srv.RefreshCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	// Give the remaining callers time to join the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	for i := 0; i < callers; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, 1, h.srv.RefreshCalls())
	assert.True(t, h.manager.Get().IsAuthenticated())
}

func TestRefreshWithoutTokenClearsWithoutNetwork(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Refresh(context.Background()))
	assert.Equal(t, 0, h.srv.RefreshCalls())
	assert.False(t, h.manager.Get().IsAuthenticated())
	assert.Empty(t, h.loginRequired(), "nothing to sign out of")
}

func TestRefreshFailureClearsSession(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.srv.RevokeRefreshTokens()

	err := h.manager.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrSessionExpired)
	assert.ErrorIs(t, err, api.ErrUnauthorized)

	assert.False(t, h.manager.Get().IsAuthenticated())
	_, ok := h.store.RefreshToken()
	assert.False(t, ok)
	assert.True(t, h.timers.timers[0].stopped)

	signals := h.loginRequired()
	require.Len(t, signals, 1)
	assert.ErrorIs(t, signals[0], api.ErrSessionExpired)

	// Never retried.
	assert.Equal(t, 1, h.srv.RefreshCalls())
}

func TestRenewalTimerRefreshes(t *testing.T) {
	h := newHarness(t)
	before := h.login(t)

	h.timers.last().f()

	assert.Equal(t, 1, h.srv.RefreshCalls())
	assert.NotEqual(t, before.AccessToken, h.manager.Get().AccessToken)
	assert.Equal(t, 2, h.timers.count(), "renewal re-arms after it settles")
}

func TestStaleRenewalTimerDoesNothing(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	stale := h.timers.last()

	h.login(t)
	stale.f()

	assert.Equal(t, 0, h.srv.RefreshCalls())
}

func TestRenewalTimerAfterLogoutDoesNothing(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	timer := h.timers.last()

	h.manager.Logout(context.Background())
	assert.True(t, timer.stopped)

	timer.f()
	assert.Equal(t, 0, h.srv.RefreshCalls())
}

// heldRefresh lets the server answer a refresh but holds the response back.
type heldRefresh struct {
	AuthAPI
	answered chan struct{}
	release  chan struct{}
}

func holdRefresh(h *harness) *heldRefresh {
	held := &heldRefresh{AuthAPI: h.manager.auth, answered: make(chan struct{}), release: make(chan struct{})}
	h.manager.auth = held
	return held
}

func (h *heldRefresh) Refresh(ctx context.Context, refreshToken string) (*api.TokenGrant, error) {
	grant, err := h.AuthAPI.Refresh(ctx, refreshToken)
	close(h.answered)
	<-h.release
	return grant, err
}

func TestLogoutDuringRefreshStaysLoggedOut(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	timer := h.timers.last()
	held := holdRefresh(h)

	done := make(chan struct{})
	go func() {
		timer.f()
		close(done)
	}()
	<-held.answered

	h.manager.Logout(context.Background())
	assert.False(t, h.manager.Get().IsAuthenticated())

	close(held.release)
	<-done

	assert.False(t, h.manager.Get().IsAuthenticated(), "late refresh must not sign back in")
	_, ok := h.store.RefreshToken()
	assert.False(t, ok)
	assert.Equal(t, 1, h.timers.count(), "no renewal armed for the dropped refresh")

	signals := h.loginRequired()
	require.Len(t, signals, 1)
	assert.ErrorIs(t, signals[0], ErrLoggedOut)
}

func TestLoginDuringRefreshKeepsNewSession(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	held := holdRefresh(h)

	errs := make(chan error, 1)
	go func() { errs <- h.manager.Refresh(context.Background()) }()
	<-held.answered

	fresh := h.login(t)
	close(held.release)

	assert.NoError(t, <-errs)
	assert.Equal(t, fresh.AccessToken, h.manager.Get().AccessToken)
	assert.Equal(t, fresh.Generation, h.manager.Get().Generation)
	assert.Equal(t, 2, h.timers.count())
	assert.False(t, h.timers.last().stopped)
	assert.Empty(t, h.loginRequired())
}

func TestFailedRefreshAfterLogoutDoesNotSignalTwice(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	held := holdRefresh(h)
	h.srv.RevokeRefreshTokens()

	errs := make(chan error, 1)
	go func() { errs <- h.manager.Refresh(context.Background()) }()
	<-held.answered

	h.manager.Logout(context.Background())
	close(held.release)

	err := <-errs
	assert.ErrorIs(t, err, api.ErrSessionExpired)
	assert.ErrorIs(t, err, ErrSessionChanged)
	require.Len(t, h.loginRequired(), 1)
	assert.ErrorIs(t, h.loginRequired()[0], ErrLoggedOut)
}

func TestScheduleRenewalCancelsPrevious(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.manager.ScheduleRenewal(10 * time.Minute)
	h.manager.ScheduleRenewal(20 * time.Minute)

	require.Equal(t, 3, h.timers.count())
	assert.True(t, h.timers.timers[0].stopped)
	assert.True(t, h.timers.timers[1].stopped)
	assert.False(t, h.timers.timers[2].stopped)
	assert.Equal(t, 19*time.Minute, h.timers.timers[2].d)

	h.manager.ScheduleRenewal(0)
	assert.True(t, h.timers.timers[2].stopped)
	assert.Equal(t, 3, h.timers.count(), "unknown lifetime arms nothing")
}

func TestInitializeRestoresPersistedSession(t *testing.T) {
	h := newHarness(t)
	rt := h.srv.IssueRefreshToken("ada@example.com")
	require.NoError(t, h.jar.SetCookie(&http.Cookie{Name: RefreshCookieName, Value: rt, MaxAge: 3600}))

	require.NoError(t, h.manager.Initialize(context.Background()))

	snap := h.manager.Get()
	assert.True(t, snap.IsAuthenticated())
	require.NotNil(t, snap.User, "profile is fetched after a refresh-driven start")
	assert.Equal(t, "ada@example.com", snap.User.Email)
	assert.Equal(t, 1, h.srv.RefreshCalls())
	assert.Len(t, h.srv.Requests(http.MethodGet, "/api/v1/users/me"), 1)

	assert.False(t, h.manager.IsLoading())
	assert.NoError(t, h.manager.WaitReady(context.Background()))
}

func TestInitializeWithoutTokenMakesNoCalls(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.manager.WaitReady(ctx), context.DeadlineExceeded)

	require.NoError(t, h.manager.Initialize(context.Background()))
	assert.False(t, h.manager.Get().IsAuthenticated())
	assert.Equal(t, 0, h.srv.RefreshCalls())
	assert.NoError(t, h.manager.WaitReady(context.Background()))
}

func TestInitializeWithRevokedTokenEndsSignedOut(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.jar.SetCookie(&http.Cookie{Name: RefreshCookieName, Value: "revoked", MaxAge: 3600}))

	err := h.manager.Initialize(context.Background())
	assert.ErrorIs(t, err, api.ErrSessionExpired)
	assert.False(t, h.manager.Get().IsAuthenticated())
	assert.False(t, h.manager.IsLoading())
	_, ok := h.store.RefreshToken()
	assert.False(t, ok)
}

func TestLogoutIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	rt, _ := h.store.RefreshToken()

	h.manager.Logout(context.Background())
	assert.Equal(t, 1, h.srv.LogoutCalls())
	assert.False(t, h.srv.HasRefreshToken(rt), "server revoked the refresh token")
	assert.False(t, h.manager.Get().IsAuthenticated())

	h.manager.Logout(context.Background())
	assert.Equal(t, 1, h.srv.LogoutCalls(), "second logout makes no network call")
	assert.False(t, h.manager.Get().IsAuthenticated())
	_, ok := h.store.RefreshToken()
	assert.False(t, ok)

	signals := h.loginRequired()
	require.Len(t, signals, 2)
	assert.ErrorIs(t, signals[0], ErrLoggedOut)
}

type failingLogout struct {
	AuthAPI
	calls int
}

func (f *failingLogout) Logout(ctx context.Context, accessToken, refreshToken string) error {
	f.calls++
	return &api.Error{Kind: api.KindNetwork, Err: errors.New("connection refused")}
}

func TestLogoutClearsEvenWhenServerFails(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	auth := &failingLogout{AuthAPI: h.manager.auth}
	h.manager.auth = auth

	h.manager.Logout(context.Background())
	assert.Equal(t, 1, auth.calls)
	assert.False(t, h.manager.Get().IsAuthenticated())
	_, ok := h.store.RefreshToken()
	assert.False(t, ok)
}

func TestPipelineRecoversFrom401WithOneRefresh(t *testing.T) {
	h := newHarness(t)
	before := h.login(t)
	h.srv.AddCalendar("Work")

	transport, err := api.NewTransport(api.TransportConfig{BaseURL: h.srv.URL})
	require.NoError(t, err)
	client := api.NewClient(transport, h.manager, h.manager, zerolog.Nop())

	h.srv.RevokeAccessTokens()

	cals, err := client.ListCalendars(context.Background())
	require.NoError(t, err)
	assert.Len(t, cals, 1)
	assert.Equal(t, 1, h.srv.RefreshCalls())
	assert.NotEqual(t, before.AccessToken, h.manager.Get().AccessToken)
}

func TestPipeline401WithFailedRefreshEndsSession(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	transport, err := api.NewTransport(api.TransportConfig{BaseURL: h.srv.URL})
	require.NoError(t, err)
	client := api.NewClient(transport, h.manager, h.manager, zerolog.Nop())

	h.srv.RevokeAccessTokens()
	h.srv.RevokeRefreshTokens()

	_, err = client.ListCalendars(context.Background())
	assert.ErrorIs(t, err, api.ErrSessionExpired)
	assert.Equal(t, 1, h.srv.RefreshCalls())
	assert.False(t, h.manager.Get().IsAuthenticated())
	assert.Len(t, h.loginRequired(), 1)
}

func TestPipelineCallerCancelledDuringRefresh(t *testing.T) {
	h := newHarness(t)
	before := h.login(t)

	transport, err := api.NewTransport(api.TransportConfig{BaseURL: h.srv.URL})
	require.NoError(t, err)
	client := api.NewClient(transport, h.manager, h.manager, zerolog.Nop())

	h.srv.RevokeAccessTokens()
	gate := make(chan struct{})
	h.srv.RefreshGate = gate

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := client.ListCalendars(ctx)
		errs <- err
	}()

	require.Eventually(t, func() bool { return h.srv.RefreshCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	err = <-errs
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, api.ErrSessionExpired)

	close(gate)
	require.Eventually(t, func() bool {
		return h.manager.Get().AccessToken != before.AccessToken
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.manager.Get().IsAuthenticated())
	assert.Empty(t, h.loginRequired())
}

func TestConcurrent401sShareOneRefresh(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.srv.AddCalendar("Work")

	transport, err := api.NewTransport(api.TransportConfig{BaseURL: h.srv.URL})
	require.NoError(t, err)
	client := api.NewClient(transport, h.manager, h.manager, zerolog.Nop())

	h.srv.RevokeAccessTokens()
	gate := make(chan struct{})
	h.srv.RefreshGate = gate

	const callers = 4
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := client.ListCalendars(context.Background())
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return h.srv.RefreshCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.srv.Requests(http.MethodGet, "/api/v1/calendars")) == callers
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)

	for i := 0; i < callers; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, 1, h.srv.RefreshCalls())
}

func TestTokenSource(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	ts := h.manager.TokenSource(context.Background())
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, h.manager.Get().AccessToken, tok.AccessToken)
	assert.Equal(t, 0, h.srv.RefreshCalls())

	httpClient := oauth2.NewClient(context.Background(), ts)
	resp, err := httpClient.Get(h.srv.URL + "/api/v1/users/me")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenSourceRefreshesNearExpiry(t *testing.T) {
	h := newHarness(t)
	h.srv.SetAccessTTL(30 * time.Second)
	before := h.login(t)
	h.srv.SetAccessTTL(time.Hour)

	tok, err := h.manager.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.NotEqual(t, before.AccessToken, tok.AccessToken)
	assert.Equal(t, 1, h.srv.RefreshCalls())
}

func TestTokenSourceSignedOut(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.TokenSource(context.Background()).Token()
	assert.ErrorIs(t, err, api.ErrNotAuthenticated)
}
