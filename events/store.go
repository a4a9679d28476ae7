// ABOUTME: Event consistency layer over the calendar API
// ABOUTME: Loads events across calendars with partial-failure tolerance and reconciles mutations into the cache
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harperreed/calclient/metrics"
	"github.com/harperreed/calclient/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrent bounds parallel calendar fetches.
const DefaultMaxConcurrent = 4

var (
	ErrEventNotCached = errors.New("event is not in the cache")
	ErrRecurringMove  = errors.New("recurring events cannot be moved by drag, update them with a scope")
	ErrInvalidRange   = errors.New("range end must be after start")
)

// API is the part of the request pipeline the store uses.
type API interface {
	ListCalendars(ctx context.Context) ([]models.Calendar, error)
	ListEvents(ctx context.Context, calendarID models.ID, r models.TimeRange, loc *time.Location) ([]models.Event, error)
	GetEvent(ctx context.Context, calendarID models.ID, eventID string) (*models.Event, error)
	CreateEvent(ctx context.Context, calendarID models.ID, draft models.EventDraft, loc *time.Location) (*models.Event, error)
	UpdateEvent(ctx context.Context, calendarID models.ID, eventID string, patch models.EventPatch, target models.MutationTarget, loc *time.Location) (*models.Event, error)
	DeleteEvent(ctx context.Context, calendarID models.ID, eventID string, target models.MutationTarget) error
}

// Config holds optional settings.
type Config struct {
	// Location is the zone wire timestamps are rendered in. Nil means time.Local.
	Location      *time.Location
	MaxConcurrent int
	Logger        zerolog.Logger
	Metrics       metrics.Recorder
}

// Warning describes a calendar whose events could not be loaded.
type Warning struct {
	CalendarID   models.ID
	CalendarName string
	Err          error
}

func (w Warning) String() string {
	return fmt.Sprintf("calendar %q (%s): %v", w.CalendarName, w.CalendarID, w.Err)
}

// LoadReport summarises a LoadAll. A non-empty Warnings list is a degraded success.
type LoadReport struct {
	Loaded   []models.ID
	Warnings []Warning
	Events   int
}

// Store is the local mirror of server events.
type Store struct {
	api     API
	loc     *time.Location
	limit   int
	log     zerolog.Logger
	metrics metrics.Recorder

	mu        sync.RWMutex
	calendars []models.Calendar
	hidden    map[models.ID]bool
	cache     *cache
	window    models.TimeRange
	hasWindow bool
	stale     map[models.ID]bool
}

func NewStore(client API, cfg Config) *Store {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}

	return &Store{
		api:     client,
		loc:     loc,
		limit:   limit,
		log:     cfg.Logger.With().Str("component", "event_store").Logger(),
		metrics: rec,
		hidden:  make(map[models.ID]bool),
		cache:   newCache(),
		stale:   make(map[models.ID]bool),
	}
}

// LoadCalendars fetches the calendar list. Newly seen calendars start visible.
func (s *Store) LoadCalendars(ctx context.Context) ([]models.Calendar, error) {
	cals, err := s.api.ListCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	s.mu.Lock()
	s.calendars = cals
	s.mu.Unlock()

	return append([]models.Calendar(nil), cals...), nil
}

// LoadAll fetches the events of every visible calendar within r concurrently and
// replaces the cache with the results. A calendar that fails is logged, marked
// stale and reported as a warning; the others are still loaded. LoadAll returns
// once every fetch has settled. If ctx ends first the cache is left as it was and
// the context error is returned.
func (s *Store) LoadAll(ctx context.Context, r models.TimeRange) (LoadReport, error) {
	if !r.End.After(r.Start) {
		return LoadReport{}, ErrInvalidRange
	}

	s.mu.RLock()
	known := len(s.calendars) > 0
	s.mu.RUnlock()
	if !known {
		if _, err := s.LoadCalendars(ctx); err != nil {
			return LoadReport{}, err
		}
	}

	cals := s.visibleCalendars()
	results := make([][]models.Event, len(cals))
	errs := make([]error, len(cals))

	var g errgroup.Group
	g.SetLimit(s.limit)
	for i, cal := range cals {
		g.Go(func() error {
			evs, err := s.api.ListEvents(ctx, cal.ID, r, s.loc)
			if err != nil {
				errs[i] = err
				return nil
			}
			for j := range evs {
				if evs[j].CalendarID == "" {
					evs[j].CalendarID = cal.ID
				}
			}
			results[i] = evs
			return nil
		})
	}
	_ = g.Wait()

	// A cancelled load says nothing about the calendars; keep what is cached.
	if err := ctx.Err(); err != nil {
		return LoadReport{}, fmt.Errorf("failed to load events: %w", err)
	}

	var (
		report LoadReport
		all    []models.Event
	)
	for i, cal := range cals {
		if errs[i] != nil {
			report.Warnings = append(report.Warnings, Warning{CalendarID: cal.ID, CalendarName: cal.Name, Err: errs[i]})
			s.metrics.RecordCalendarFetchFailure(cal.ID.String())
			s.log.Warn().Err(errs[i]).Str("calendar_id", cal.ID.String()).Str("calendar", cal.Name).Msg("failed to load events, skipping calendar")
			continue
		}
		report.Loaded = append(report.Loaded, cal.ID)
		all = append(all, results[i]...)
	}
	report.Events = len(all)

	s.mu.Lock()
	s.cache.reset(all)
	s.window = r
	s.hasWindow = true
	s.stale = make(map[models.ID]bool)
	for _, w := range report.Warnings {
		s.stale[w.CalendarID] = true
	}
	s.mu.Unlock()

	s.log.Debug().Int("events", report.Events).Int("calendars", len(report.Loaded)).Int("failed", len(report.Warnings)).Msg("events loaded")
	return report, nil
}

// GetEvent fetches one event and upserts it into the cache.
func (s *Store) GetEvent(ctx context.Context, calendarID models.ID, eventID string) (*models.Event, error) {
	ev, err := s.api.GetEvent(ctx, calendarID, eventID)
	if err != nil {
		return nil, err
	}
	if ev.CalendarID == "" {
		ev.CalendarID = calendarID
	}

	s.mu.Lock()
	s.cache.put(*ev)
	s.mu.Unlock()
	return ev, nil
}

// Create adds an event on the server and appends the server's version to the cache.
// A recurring event is expanded by reloading its calendar instead.
func (s *Store) Create(ctx context.Context, calendarID models.ID, draft models.EventDraft) (*models.Event, error) {
	ev, err := s.api.CreateEvent(ctx, calendarID, draft, s.loc)
	if err != nil {
		return nil, err
	}
	if ev.CalendarID == "" {
		ev.CalendarID = calendarID
	}

	if ev.PartOfSeries() {
		s.reloadCalendar(ctx, calendarID, "recurring_create")
		return ev, nil
	}

	s.mu.Lock()
	s.cache.put(*ev)
	s.mu.Unlock()
	return ev, nil
}

// Update patches an event. Without a scope, or with ScopeAll on a single event, the
// cached entry is swapped 1:1 for the server's response. A partial scope changes
// occurrences the response cannot describe, so the calendar is marked stale and
// reloaded instead. The cache is untouched when the server call fails.
func (s *Store) Update(ctx context.Context, eventID string, calendarID models.ID, patch models.EventPatch, target models.MutationTarget) (*models.Event, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	ev, err := s.api.UpdateEvent(ctx, calendarID, eventID, patch, target, s.loc)
	if err != nil {
		return nil, err
	}
	if ev.CalendarID == "" {
		ev.CalendarID = calendarID
	}

	if target.Scope.IsPartial() {
		s.reloadCalendar(ctx, calendarID, "scoped_update")
		return ev, nil
	}

	s.mu.Lock()
	keys := s.cache.keysFor(calendarID, eventID)
	reload := len(keys) > 1
	if len(keys) == 1 {
		s.cache.swap(keys[0], *ev)
	}
	s.mu.Unlock()

	// Every cached occurrence of a series changed; one response cannot replace them all.
	if reload {
		s.reloadCalendar(ctx, calendarID, "series_update")
	}
	return ev, nil
}

// DeleteOne deletes an event following the same rules as Update: unscoped and
// ScopeAll deletes drop every cached occurrence, partial scopes reload the calendar.
func (s *Store) DeleteOne(ctx context.Context, eventID string, calendarID models.ID, target models.MutationTarget) error {
	if err := target.Validate(); err != nil {
		return err
	}

	if err := s.api.DeleteEvent(ctx, calendarID, eventID, target); err != nil {
		return err
	}

	if target.Scope.IsPartial() {
		s.reloadCalendar(ctx, calendarID, "scoped_delete")
		return nil
	}

	s.mu.Lock()
	for _, k := range s.cache.keysFor(calendarID, eventID) {
		s.cache.remove(k)
	}
	s.mu.Unlock()
	return nil
}

// MoveByDrag moves a single cached event to new times. The cache is updated before
// the server call and rolled back if it fails, unless the entry changed meanwhile.
func (s *Store) MoveByDrag(ctx context.Context, eventID string, calendarID models.ID, newStart, newEnd time.Time) (*models.Event, error) {
	if newEnd.Before(newStart) {
		return nil, ErrInvalidRange
	}

	s.mu.Lock()
	keys := s.cache.keysFor(calendarID, eventID)
	if len(keys) == 0 {
		s.mu.Unlock()
		return nil, ErrEventNotCached
	}
	original, _ := s.cache.get(keys[0])
	if len(keys) > 1 || original.PartOfSeries() {
		s.mu.Unlock()
		return nil, ErrRecurringMove
	}
	optimistic := original
	optimistic.Start = newStart
	optimistic.End = newEnd
	s.cache.put(optimistic)
	s.mu.Unlock()

	patch := models.EventPatch{Start: &newStart, End: &newEnd}
	updated, err := s.api.UpdateEvent(ctx, calendarID, eventID, patch, models.MutationTarget{}, s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cache.get(original.Key())
	untouched := ok && current.Start.Equal(newStart) && current.End.Equal(newEnd)

	if err != nil {
		if untouched {
			s.cache.put(original)
		}
		s.log.Warn().Err(err).Str("event_id", eventID).Str("calendar_id", calendarID.String()).Msg("move failed, rolled back")
		return nil, err
	}

	if updated.CalendarID == "" {
		updated.CalendarID = calendarID
	}
	if ok {
		s.cache.swap(original.Key(), *updated)
	}
	return updated, nil
}

// reloadCalendar refetches one calendar over the current window. On failure the
// calendar stays stale and the error is logged; the mutation itself succeeded.
func (s *Store) reloadCalendar(ctx context.Context, calendarID models.ID, reason string) {
	s.mu.Lock()
	s.stale[calendarID] = true
	window, ok := s.window, s.hasWindow
	s.mu.Unlock()

	s.metrics.RecordCacheReload(reason)
	if !ok {
		return
	}

	evs, err := s.api.ListEvents(ctx, calendarID, window, s.loc)
	if err != nil {
		s.metrics.RecordCalendarFetchFailure(calendarID.String())
		s.log.Warn().Err(err).Str("calendar_id", calendarID.String()).Str("reason", reason).Msg("failed to reload calendar, cache is stale")
		return
	}
	for i := range evs {
		if evs[i].CalendarID == "" {
			evs[i].CalendarID = calendarID
		}
	}

	s.mu.Lock()
	s.cache.replaceCalendar(calendarID, evs)
	delete(s.stale, calendarID)
	s.mu.Unlock()

	s.log.Debug().Str("calendar_id", calendarID.String()).Str("reason", reason).Int("events", len(evs)).Msg("calendar reloaded")
}

// Events returns every cached event in cache order.
func (s *Store) Events() []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.list()
}

// VisibleEvents returns the cached events of visible calendars.
func (s *Store) VisibleEvents() []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Event
	for _, ev := range s.cache.list() {
		if !s.hidden[ev.CalendarID] {
			out = append(out, ev)
		}
	}
	return out
}

// Event returns one cached occurrence by key.
func (s *Store) Event(key string) (models.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.get(key)
}

func (s *Store) Calendars() []models.Calendar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Calendar(nil), s.calendars...)
}

func (s *Store) OwnedCalendars() []models.Calendar {
	return s.filterCalendars(func(c models.Calendar) bool { return !c.Shared })
}

func (s *Store) SharedCalendars() []models.Calendar {
	return s.filterCalendars(func(c models.Calendar) bool { return c.Shared })
}

func (s *Store) visibleCalendars() []models.Calendar {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Calendar
	for _, c := range s.calendars {
		if !s.hidden[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) filterCalendars(keep func(models.Calendar) bool) []models.Calendar {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Calendar
	for _, c := range s.calendars {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// ToggleVisibility flips a calendar's visibility and returns the new state.
func (s *Store) ToggleVisibility(calendarID models.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hidden[calendarID] {
		delete(s.hidden, calendarID)
		return true
	}
	s.hidden[calendarID] = true
	return false
}

func (s *Store) SetVisible(calendarID models.ID, visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if visible {
		delete(s.hidden, calendarID)
		return
	}
	s.hidden[calendarID] = true
}

func (s *Store) IsVisible(calendarID models.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.hidden[calendarID]
}

// IsStale reports whether the cached events of a calendar are known to be out of date.
func (s *Store) IsStale(calendarID models.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale[calendarID]
}

// Window returns the range of the last LoadAll.
func (s *Store) Window() (models.TimeRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window, s.hasWindow
}

// Len returns the number of cached occurrences.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.len()
}
