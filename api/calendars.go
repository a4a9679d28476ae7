// ABOUTME: Calendar and event endpoints
// ABOUTME: Lists calendars and performs event CRUD with recurrence scope parameters
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/harperreed/calclient/models"
)

type calendarList struct {
	Calendars []models.Calendar `json:"calendars"`
}

type eventList struct {
	Events []models.Event `json:"events"`
	Count  int            `json:"count"`
}

// eventBody is the JSON the server accepts for create and update. Times are
// pre-formatted so they carry a numeric offset.
type eventBody struct {
	Summary     *string            `json:"summary,omitempty"`
	Description *string            `json:"description,omitempty"`
	Location    *string            `json:"location,omitempty"`
	Start       *string            `json:"start,omitempty"`
	End         *string            `json:"end,omitempty"`
	Timezone    *string            `json:"timezone,omitempty"`
	AllDay      *bool              `json:"all_day,omitempty"`
	Recurrence  *models.Recurrence `json:"recurrence,omitempty"`
}

func (c *Client) ListCalendars(ctx context.Context) ([]models.Calendar, error) {
	var out calendarList
	if err := c.DoWithRetry(ctx, Call{Method: http.MethodGet, Path: "/api/v1/calendars"}, &out); err != nil {
		return nil, err
	}
	return out.Calendars, nil
}

// ListEvents returns the expanded occurrences of calendarID within r.
func (c *Client) ListEvents(ctx context.Context, calendarID models.ID, r models.TimeRange, loc *time.Location) ([]models.Event, error) {
	q := url.Values{}
	q.Set("start", FormatTimeIn(r.Start, loc))
	q.Set("end", FormatTimeIn(r.End, loc))

	var out eventList
	if err := c.DoWithRetry(ctx, Call{Method: http.MethodGet, Path: eventsPath(calendarID), Query: q}, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) GetEvent(ctx context.Context, calendarID models.ID, eventID string) (*models.Event, error) {
	var ev models.Event
	if err := c.DoWithRetry(ctx, Call{Method: http.MethodGet, Path: eventPath(calendarID, eventID)}, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *Client) CreateEvent(ctx context.Context, calendarID models.ID, draft models.EventDraft, loc *time.Location) (*models.Event, error) {
	start := FormatTimeIn(draft.Start, loc)
	end := FormatTimeIn(draft.End, loc)
	body := eventBody{
		Summary:     &draft.Summary,
		Description: &draft.Description,
		Location:    &draft.Location,
		Start:       &start,
		End:         &end,
		AllDay:      &draft.AllDay,
		Recurrence:  draft.Recurrence,
	}
	if draft.Timezone != "" {
		body.Timezone = &draft.Timezone
	}

	var ev models.Event
	if err := c.DoWithRetry(ctx, Call{Method: http.MethodPost, Path: eventsPath(calendarID), Body: body}, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// UpdateEvent patches an event. For recurring events the target selects which
// occurrences change; the returned event describes only the anchor occurrence.
func (c *Client) UpdateEvent(ctx context.Context, calendarID models.ID, eventID string, patch models.EventPatch, target models.MutationTarget, loc *time.Location) (*models.Event, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	body := eventBody{
		Summary:     patch.Summary,
		Description: patch.Description,
		Location:    patch.Location,
		Timezone:    patch.Timezone,
		AllDay:      patch.AllDay,
		Recurrence:  patch.Recurrence,
	}
	if patch.Start != nil {
		s := FormatTimeIn(*patch.Start, loc)
		body.Start = &s
	}
	if patch.End != nil {
		e := FormatTimeIn(*patch.End, loc)
		body.End = &e
	}

	var ev models.Event
	call := Call{Method: http.MethodPatch, Path: eventPath(calendarID, eventID), Query: scopeQuery(target), Body: body}
	if err := c.DoWithRetry(ctx, call, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *Client) DeleteEvent(ctx context.Context, calendarID models.ID, eventID string, target models.MutationTarget) error {
	if err := target.Validate(); err != nil {
		return err
	}
	return c.DoWithRetry(ctx, Call{Method: http.MethodDelete, Path: eventPath(calendarID, eventID), Query: scopeQuery(target)}, nil)
}

func scopeQuery(target models.MutationTarget) url.Values {
	if target.Scope == models.ScopeNone {
		return nil
	}
	q := url.Values{}
	q.Set("scope", target.Scope.WireValue())
	if target.RecurrenceID != "" {
		q.Set("recurrence_id", target.RecurrenceID)
	}
	return q
}

func eventsPath(calendarID models.ID) string {
	return fmt.Sprintf("/api/v1/calendars/%s/events", calendarID)
}

func eventPath(calendarID models.ID, eventID string) string {
	return eventsPath(calendarID) + "/" + eventID
}
