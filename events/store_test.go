// ABOUTME: Tests for the event consistency layer
// ABOUTME: Runs loads, scoped mutations and drag moves against the fake server and checks the cache
package events

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harperreed/calclient/api"
	"github.com/harperreed/calclient/apitest"
	"github.com/harperreed/calclient/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSession struct {
	token string
}

func (s staticSession) Get() models.Session { return models.Session{AccessToken: s.token} }

type noRefresh struct{}

func (noRefresh) Refresh(context.Context) error { return nil }

type countingRecorder struct {
	mu       sync.Mutex
	reloads  map[string]int
	failures map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{reloads: map[string]int{}, failures: map[string]int{}}
}

func (r *countingRecorder) RecordRefresh(string)       {}
func (r *countingRecorder) RecordResponse(string, int) {}

func (r *countingRecorder) RecordCalendarFetchFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[id]++
}

func (r *countingRecorder) RecordCacheReload(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads[reason]++
}

type fixture struct {
	srv     *apitest.Server
	store   *Store
	metrics *countingRecorder
	window  models.TimeRange
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	srv := apitest.New(t)
	srv.AddUser("ada@example.com", "secret", false)
	tr, err := api.NewTransport(api.TransportConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	grant, err := api.NewAuthClient(tr).Login(context.Background(), models.Credentials{Email: "ada@example.com", Password: "secret"})
	require.NoError(t, err)

	client := api.NewClient(tr, staticSession{token: grant.AccessToken}, noRefresh{}, zerolog.Nop())
	rec := newCountingRecorder()
	store := NewStore(client, Config{Location: time.UTC, Metrics: rec})

	return &fixture{
		srv:     srv,
		store:   store,
		metrics: rec,
		window:  models.TimeRange{Start: base.AddDate(0, 0, -1), End: base.AddDate(0, 0, 14)},
	}
}

func (f *fixture) load(t *testing.T) LoadReport {
	t.Helper()
	report, err := f.store.LoadAll(context.Background(), f.window)
	require.NoError(t, err)
	return report
}

func (f *fixture) listCalls(cal models.ID) int {
	return len(f.srv.Requests(http.MethodGet, "/api/v1/calendars/"+cal.String()+"/events"))
}

func (f *fixture) cached(t *testing.T, cal models.ID) []models.Event {
	t.Helper()
	var out []models.Event
	for _, e := range f.store.Events() {
		if e.CalendarID == cal {
			out = append(out, e)
		}
	}
	return out
}

func TestLoadAllToleratesPartialFailure(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddCalendar("A")
	b := f.srv.AddCalendar("B")
	c := f.srv.AddCalendar("C")
	f.srv.AddEvent(a.ID, ev("", a.ID, 0))
	f.srv.AddEvent(b.ID, ev("", b.ID, time.Hour))
	f.srv.AddEvent(c.ID, ev("", c.ID, 2*time.Hour))
	f.srv.FailCalendar(b.ID, http.StatusInternalServerError)

	report := f.load(t)

	assert.ElementsMatch(t, []models.ID{a.ID, c.ID}, report.Loaded)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, b.ID, report.Warnings[0].CalendarID)
	assert.Equal(t, "B", report.Warnings[0].CalendarName)
	assert.ErrorIs(t, report.Warnings[0].Err, api.ErrServer)
	assert.Contains(t, report.Warnings[0].String(), `"B"`)
	assert.Equal(t, 2, report.Events)

	cals := make([]models.ID, 0)
	for _, e := range f.store.Events() {
		cals = append(cals, e.CalendarID)
	}
	assert.Equal(t, []models.ID{a.ID, c.ID}, cals)

	assert.True(t, f.store.IsStale(b.ID))
	assert.False(t, f.store.IsStale(a.ID))
	assert.Equal(t, 1, f.metrics.failures[b.ID.String()])

	window, ok := f.store.Window()
	require.True(t, ok)
	assert.Equal(t, f.window, window)
}

func TestLoadAllRecoveryClearsStale(t *testing.T) {
	f := newFixture(t)
	b := f.srv.AddCalendar("B")
	f.srv.AddEvent(b.ID, ev("", b.ID, 0))
	f.srv.FailCalendar(b.ID, http.StatusBadGateway)
	f.load(t)
	require.True(t, f.store.IsStale(b.ID))

	f.srv.FailCalendar(b.ID, 0)
	report := f.load(t)
	assert.Empty(t, report.Warnings)
	assert.False(t, f.store.IsStale(b.ID))
	assert.Equal(t, 1, f.store.Len())
}

func TestLoadAllCancelledKeepsCache(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddCalendar("A")
	f.srv.AddEvent(a.ID, ev("", a.ID, 0))
	f.load(t)
	before := f.store.Events()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	later := models.TimeRange{Start: f.window.Start.Add(24 * time.Hour), End: f.window.End.Add(24 * time.Hour)}
	report, err := f.store.LoadAll(ctx, later)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Warnings)

	assert.Equal(t, before, f.store.Events())
	assert.False(t, f.store.IsStale(a.ID))
	window, ok := f.store.Window()
	require.True(t, ok)
	assert.Equal(t, f.window, window)
	assert.Zero(t, f.metrics.failures[a.ID.String()])
}

func TestLoadAllRejectsEmptyRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.LoadAll(context.Background(), models.TimeRange{Start: base, End: base})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestLoadAllSkipsHiddenCalendars(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddCalendar("A")
	b := f.srv.AddCalendar("B")
	f.srv.AddEvent(a.ID, ev("", a.ID, 0))
	f.srv.AddEvent(b.ID, ev("", b.ID, 0))

	_, err := f.store.LoadCalendars(context.Background())
	require.NoError(t, err)
	assert.True(t, f.store.IsVisible(b.ID))
	assert.False(t, f.store.ToggleVisibility(b.ID))
	assert.False(t, f.store.IsVisible(b.ID))

	report := f.load(t)
	assert.Equal(t, []models.ID{a.ID}, report.Loaded)
	assert.Equal(t, 0, f.listCalls(b.ID))

	assert.True(t, f.store.ToggleVisibility(b.ID))
	f.load(t)
	assert.Equal(t, 2, f.store.Len())
}

func TestVisibleEventsFiltersHiddenCalendars(t *testing.T) {
	f := newFixture(t)
	a := f.srv.AddCalendar("A")
	b := f.srv.AddCalendar("B")
	f.srv.AddEvent(a.ID, ev("", a.ID, 0))
	f.srv.AddEvent(b.ID, ev("", b.ID, 0))
	f.load(t)

	f.store.SetVisible(a.ID, false)
	visible := f.store.VisibleEvents()
	require.Len(t, visible, 1)
	assert.Equal(t, b.ID, visible[0].CalendarID)
	assert.Len(t, f.store.Events(), 2)

	f.store.SetVisible(a.ID, true)
	assert.Len(t, f.store.VisibleEvents(), 2)
}

type limitAPI struct {
	API
	cals     []models.Calendar
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (l *limitAPI) ListCalendars(context.Context) ([]models.Calendar, error) {
	return l.cals, nil
}

func (l *limitAPI) ListEvents(ctx context.Context, id models.ID, r models.TimeRange, loc *time.Location) ([]models.Event, error) {
	n := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return []models.Event{{ID: "e" + id.String(), Start: r.Start, End: r.Start.Add(time.Hour)}}, nil
}

func TestLoadAllBoundsConcurrency(t *testing.T) {
	fake := &limitAPI{}
	for i := 0; i < 6; i++ {
		fake.cals = append(fake.cals, models.Calendar{ID: models.ID(string(rune('a' + i))), Name: "cal"})
	}
	store := NewStore(fake, Config{MaxConcurrent: 2})

	report, err := store.LoadAll(context.Background(), models.TimeRange{Start: base, End: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, report.Loaded, 6)
	assert.LessOrEqual(t, fake.peak.Load(), int32(2))

	// Calendar ids are filled in when the server leaves them out.
	for _, e := range store.Events() {
		assert.Equal(t, "e"+e.CalendarID.String(), e.ID)
	}
}

func TestOwnedAndSharedCalendars(t *testing.T) {
	fake := &limitAPI{cals: []models.Calendar{
		{ID: "1", Name: "Mine"},
		{ID: "2", Name: "Team", Shared: true, Owner: &models.CalendarOwner{ID: "u2", DisplayName: "Grace"}},
	}}
	store := NewStore(fake, Config{})

	_, err := store.LoadCalendars(context.Background())
	require.NoError(t, err)
	require.Len(t, store.OwnedCalendars(), 1)
	assert.Equal(t, "Mine", store.OwnedCalendars()[0].Name)
	require.Len(t, store.SharedCalendars(), 1)
	assert.Equal(t, "Team", store.SharedCalendars()[0].Name)
	assert.Len(t, store.Calendars(), 2)
}

func TestUnscopedUpdateSwapsOneEntry(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	first := f.srv.AddEvent(cal.ID, ev("", cal.ID, 0))
	second := f.srv.AddEvent(cal.ID, ev("", cal.ID, time.Hour))
	third := f.srv.AddEvent(cal.ID, ev("", cal.ID, 2*time.Hour))
	f.load(t)
	before := f.store.Events()

	title := "Renamed"
	updated, err := f.store.Update(context.Background(), second.ID, cal.ID, models.EventPatch{Summary: &title}, models.MutationTarget{})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Summary)

	after := f.store.Events()
	require.Len(t, after, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, keys(after))
	assert.Equal(t, before[0], after[0])
	assert.Equal(t, before[2], after[2])
	assert.Equal(t, "Renamed", after[1].Summary)

	assert.Equal(t, 1, f.listCalls(cal.ID), "a single-event update needs no reload")
}

func TestScopedUpdateReloadsCalendar(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	other := f.srv.AddCalendar("Home")
	series := f.srv.AddSeries(cal.ID, ev("", cal.ID, 0), 3, 24*time.Hour)
	f.srv.AddEvent(other.ID, ev("", other.ID, 0))
	f.load(t)

	newStart := series[1].Start.Add(time.Hour)
	newEnd := series[1].End.Add(time.Hour)
	target := models.MutationTarget{Scope: models.ScopeThisAndFuture, RecurrenceID: series[1].RecurrenceID}

	updated, err := f.store.Update(context.Background(), series[1].ID, cal.ID, models.EventPatch{Start: &newStart, End: &newEnd}, target)
	require.NoError(t, err)
	assert.True(t, newStart.Equal(updated.Start))

	assert.Equal(t, 2, f.listCalls(cal.ID), "partial scope reloads the calendar")
	assert.Equal(t, 1, f.listCalls(other.ID), "other calendars are not refetched")
	assert.Equal(t, 1, f.metrics.reloads["scoped_update"])
	assert.False(t, f.store.IsStale(cal.ID))

	cached := f.cached(t, cal.ID)
	require.Len(t, cached, 3)
	byKey := map[string]models.Event{}
	for _, e := range cached {
		byKey[e.Key()] = e
	}
	assert.True(t, series[0].Start.Equal(byKey[series[0].Key()].Start), "earlier occurrence untouched")
	assert.True(t, series[1].Start.Add(time.Hour).Equal(byKey[series[1].Key()].Start))
	assert.True(t, series[2].Start.Add(time.Hour).Equal(byKey[series[2].Key()].Start), "later occurrence moved by the server")
}

func TestSeriesWideUpdateReloadsCalendar(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	f.srv.AddSeries(cal.ID, ev("", cal.ID, 0), 3, 24*time.Hour)
	series := f.srv.Events(cal.ID)
	f.load(t)

	title := "Daily sync"
	_, err := f.store.Update(context.Background(), series[0].ID, cal.ID, models.EventPatch{Summary: &title}, models.MutationTarget{Scope: models.ScopeAll})
	require.NoError(t, err)

	assert.Equal(t, 1, f.metrics.reloads["series_update"])
	for _, e := range f.cached(t, cal.ID) {
		assert.Equal(t, "Daily sync", e.Summary)
	}
}

func TestScopedUpdateReloadFailureMarksStale(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	series := f.srv.AddSeries(cal.ID, ev("", cal.ID, 0), 2, 24*time.Hour)
	f.load(t)

	f.srv.FailCalendar(cal.ID, http.StatusServiceUnavailable)
	title := "Only this one"
	target := models.MutationTarget{Scope: models.ScopeInstance, RecurrenceID: series[0].RecurrenceID}
	_, err := f.store.Update(context.Background(), series[0].ID, cal.ID, models.EventPatch{Summary: &title}, target)
	require.NoError(t, err, "the mutation succeeded even though the reload did not")

	assert.True(t, f.store.IsStale(cal.ID))
	assert.Equal(t, 1, f.metrics.failures[cal.ID.String()])
	for _, e := range f.cached(t, cal.ID) {
		assert.NotEqual(t, "Only this one", e.Summary, "no point patch for a partial scope")
	}
}

func TestUpdateFailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	single := f.srv.AddEvent(cal.ID, ev("", cal.ID, 0))
	f.load(t)
	before := f.store.Events()

	f.srv.FailEventWrites(http.StatusInternalServerError)
	title := "x"
	_, err := f.store.Update(context.Background(), single.ID, cal.ID, models.EventPatch{Summary: &title}, models.MutationTarget{})
	assert.ErrorIs(t, err, api.ErrServer)
	assert.Equal(t, before, f.store.Events())
}

func TestUpdateRejectsInvalidTarget(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")

	_, err := f.store.Update(context.Background(), "x", cal.ID, models.EventPatch{}, models.MutationTarget{Scope: models.ScopeInstance})
	assert.ErrorIs(t, err, models.ErrScopeRequiresRecurrenceID)
	assert.Empty(t, f.srv.Requests(http.MethodPatch, "/api/v1/calendars/"+cal.ID.String()+"/events/x"))
}

func TestDeleteOne(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	single := f.srv.AddEvent(cal.ID, ev("", cal.ID, 0))
	series := f.srv.AddSeries(cal.ID, ev("", cal.ID, time.Hour), 3, 24*time.Hour)
	f.load(t)
	require.Equal(t, 4, f.store.Len())

	require.NoError(t, f.store.DeleteOne(context.Background(), single.ID, cal.ID, models.MutationTarget{}))
	assert.Equal(t, 3, f.store.Len())
	_, ok := f.store.Event(single.Key())
	assert.False(t, ok)
	assert.Equal(t, 1, f.listCalls(cal.ID))

	target := models.MutationTarget{Scope: models.ScopeInstance, RecurrenceID: series[1].RecurrenceID}
	require.NoError(t, f.store.DeleteOne(context.Background(), series[1].ID, cal.ID, target))
	assert.Equal(t, 2, f.listCalls(cal.ID))
	assert.Equal(t, 2, f.store.Len())
	_, ok = f.store.Event(series[1].Key())
	assert.False(t, ok)
	_, ok = f.store.Event(series[2].Key())
	assert.True(t, ok)

	require.NoError(t, f.store.DeleteOne(context.Background(), series[0].ID, cal.ID, models.MutationTarget{Scope: models.ScopeAll}))
	assert.Equal(t, 0, f.store.Len())
}

func TestDeleteFailureKeepsEvent(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	single := f.srv.AddEvent(cal.ID, ev("", cal.ID, 0))
	f.load(t)

	f.srv.FailEventWrites(http.StatusForbidden)
	err := f.store.DeleteOne(context.Background(), single.ID, cal.ID, models.MutationTarget{})
	require.Error(t, err)
	_, ok := f.store.Event(single.Key())
	assert.True(t, ok)
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	f.load(t)

	created, err := f.store.Create(context.Background(), cal.ID, models.EventDraft{Summary: "Lunch", Start: base, End: base.Add(time.Hour)})
	require.NoError(t, err)
	got, ok := f.store.Event(created.Key())
	require.True(t, ok)
	assert.Equal(t, "Lunch", got.Summary)
	assert.Equal(t, 1, f.listCalls(cal.ID))

	weekly := &models.Recurrence{Frequency: "weekly"}
	_, err = f.store.Create(context.Background(), cal.ID, models.EventDraft{Summary: "Retro", Start: base, End: base.Add(time.Hour), Recurrence: weekly})
	require.NoError(t, err)
	assert.Equal(t, 2, f.listCalls(cal.ID), "a recurring event is expanded by reloading")
	assert.Equal(t, 1, f.metrics.reloads["recurring_create"])
	assert.Equal(t, 2, f.store.Len())
}

func TestCreateValidationError(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	f.load(t)

	_, err := f.store.Create(context.Background(), cal.ID, models.EventDraft{Start: base, End: base.Add(time.Hour)})
	assert.ErrorIs(t, err, api.ErrValidation)
	assert.Equal(t, 0, f.store.Len())
}

func TestGetEventUpserts(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	far := f.srv.AddEvent(cal.ID, ev("", cal.ID, 60*24*time.Hour))
	f.load(t)
	require.Equal(t, 0, f.store.Len())

	got, err := f.store.GetEvent(context.Background(), cal.ID, far.ID)
	require.NoError(t, err)
	assert.Equal(t, far.ID, got.ID)
	assert.Equal(t, 1, f.store.Len())
}

func TestMoveByDrag(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	single := f.srv.AddEvent(cal.ID, ev("", cal.ID, 0))
	f.load(t)

	newStart := single.Start.Add(3 * time.Hour)
	newEnd := single.End.Add(3 * time.Hour)
	moved, err := f.store.MoveByDrag(context.Background(), single.ID, cal.ID, newStart, newEnd)
	require.NoError(t, err)
	assert.True(t, newStart.Equal(moved.Start))

	got, ok := f.store.Event(single.Key())
	require.True(t, ok)
	assert.True(t, newStart.Equal(got.Start))
	assert.True(t, newEnd.Equal(got.End))
	assert.True(t, newStart.Equal(f.srv.Events(cal.ID)[0].Start))
}

func TestMoveByDragRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	single := f.srv.AddEvent(cal.ID, ev("", cal.ID, 0))
	f.load(t)
	original, _ := f.store.Event(single.Key())

	f.srv.FailEventWrites(http.StatusInternalServerError)
	_, err := f.store.MoveByDrag(context.Background(), single.ID, cal.ID, single.Start.Add(time.Hour), single.End.Add(time.Hour))
	require.Error(t, err)

	got, ok := f.store.Event(single.Key())
	require.True(t, ok)
	assert.Equal(t, original, got)
}

func TestMoveByDragShowsNewTimesBeforeServerAnswers(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	single := f.srv.AddEvent(cal.ID, ev("", cal.ID, 0))
	f.load(t)
	original, _ := f.store.Event(single.Key())

	gate := make(chan struct{})
	f.srv.EventWriteGate = gate

	newStart := single.Start.Add(2 * time.Hour)
	newEnd := single.End.Add(2 * time.Hour)
	errs := make(chan error, 1)
	go func() {
		_, err := f.store.MoveByDrag(context.Background(), single.ID, cal.ID, newStart, newEnd)
		errs <- err
	}()

	path := "/api/v1/calendars/" + cal.ID.String() + "/events/" + single.ID
	require.Eventually(t, func() bool {
		return len(f.srv.Requests(http.MethodPatch, path)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	pending, ok := f.store.Event(single.Key())
	require.True(t, ok)
	assert.True(t, newStart.Equal(pending.Start), "cache moves while the PATCH is in flight")
	assert.True(t, newEnd.Equal(pending.End))

	f.srv.FailEventWrites(http.StatusInternalServerError)
	close(gate)
	require.Error(t, <-errs)

	got, ok := f.store.Event(single.Key())
	require.True(t, ok)
	assert.Equal(t, original, got)
}

func TestMoveByDragRejections(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	series := f.srv.AddSeries(cal.ID, ev("", cal.ID, 0), 2, 24*time.Hour)
	f.load(t)

	_, err := f.store.MoveByDrag(context.Background(), series[0].ID, cal.ID, base, base.Add(time.Hour))
	assert.ErrorIs(t, err, ErrRecurringMove)

	_, err = f.store.MoveByDrag(context.Background(), "nope", cal.ID, base, base.Add(time.Hour))
	assert.ErrorIs(t, err, ErrEventNotCached)

	_, err = f.store.MoveByDrag(context.Background(), series[0].ID, cal.ID, base.Add(time.Hour), base)
	assert.ErrorIs(t, err, ErrInvalidRange)

	assert.Empty(t, f.srv.Requests(http.MethodPatch, "/api/v1/calendars/"+cal.ID.String()+"/events/"+series[0].ID))
}

func TestMutationWithoutWindowMarksStale(t *testing.T) {
	f := newFixture(t)
	cal := f.srv.AddCalendar("Work")
	series := f.srv.AddSeries(cal.ID, ev("", cal.ID, 0), 2, 24*time.Hour)

	title := "x"
	target := models.MutationTarget{Scope: models.ScopeInstance, RecurrenceID: series[0].RecurrenceID}
	_, err := f.store.Update(context.Background(), series[0].ID, cal.ID, models.EventPatch{Summary: &title}, target)
	require.NoError(t, err)
	assert.True(t, f.store.IsStale(cal.ID))
	assert.Equal(t, 0, f.listCalls(cal.ID))
}
