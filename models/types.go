// ABOUTME: Data models for the calendar/contacts client
// ABOUTME: Defines Session, UserIdentity, Calendar, Event, drafts, scopes, AddressBook and Contact
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ID is a server identifier that may arrive as a JSON string or a JSON number.
// Calendars and address books use numeric keys server-side, events use UUIDs.
type ID string

// UnmarshalJSON accepts both "42" and 42.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", string(data), err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// UserIdentity is the authenticated user as reported by the server.
type UserIdentity struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Username    string     `json:"username,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	IsAdmin     bool       `json:"is_admin"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// Session is an immutable snapshot of the credential state.
// The refresh token is never part of the snapshot; it lives in the persisted cookie store.
type Session struct {
	AccessToken string
	User        *UserIdentity
	ExpiresAt   time.Time
	Generation  uint64
}

// IsAuthenticated reports whether an access token is present.
func (s Session) IsAuthenticated() bool {
	return s.AccessToken != ""
}

// IsAdmin reports whether the session user is an administrator.
func (s Session) IsAdmin() bool {
	return s.User != nil && s.User.IsAdmin
}

// Token returns the access token in oauth2 form, or nil when unauthenticated.
func (s Session) Token() *oauth2.Token {
	if !s.IsAuthenticated() {
		return nil
	}
	return &oauth2.Token{
		AccessToken: s.AccessToken,
		TokenType:   "Bearer",
		Expiry:      s.ExpiresAt,
	}
}

// Credentials are what the login endpoint accepts.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type CalendarOwner struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type Calendar struct {
	ID          ID             `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Color       string         `json:"color,omitempty"`
	OwnerID     ID             `json:"owner_id,omitempty"`
	Shared      bool           `json:"shared,omitempty"`
	Owner       *CalendarOwner `json:"owner,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Recurrence is the structured recurrence rule the server accepts.
type Recurrence struct {
	Frequency  string   `json:"frequency"`
	Interval   int      `json:"interval,omitempty"`
	ByDay      []string `json:"by_day,omitempty"`
	ByMonthDay []int    `json:"by_month_day,omitempty"`
	ByMonth    []int    `json:"by_month,omitempty"`
	Until      *string  `json:"until,omitempty"`
	Count      *int     `json:"count,omitempty"`
}

// RRule renders the rule in RFC 5545 form, e.g. "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE".
func (r *Recurrence) RRule() string {
	if r == nil || r.Frequency == "" {
		return ""
	}

	parts := []string{"FREQ=" + strings.ToUpper(r.Frequency)}
	if r.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", r.Interval))
	}
	if len(r.ByDay) > 0 {
		parts = append(parts, "BYDAY="+strings.Join(r.ByDay, ","))
	}
	if len(r.ByMonthDay) > 0 {
		parts = append(parts, "BYMONTHDAY="+joinInts(r.ByMonthDay))
	}
	if len(r.ByMonth) > 0 {
		parts = append(parts, "BYMONTH="+joinInts(r.ByMonth))
	}
	if r.Count != nil {
		parts = append(parts, fmt.Sprintf("COUNT=%d", *r.Count))
	}
	if r.Until != nil {
		parts = append(parts, "UNTIL="+*r.Until)
	}
	return strings.Join(parts, ";")
}

func joinInts(values []int) string {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(strs, ",")
}

// Event is the local projection of a server event (one occurrence when the
// series is expanded). Occurrences of one series share ID and differ by RecurrenceID.
type Event struct {
	ID             string      `json:"id"`
	CalendarID     ID          `json:"calendar_id"`
	UID            string      `json:"uid"`
	Summary        string      `json:"summary"`
	Description    string      `json:"description,omitempty"`
	Location       string      `json:"location,omitempty"`
	Start          time.Time   `json:"start"`
	End            time.Time   `json:"end"`
	AllDay         bool        `json:"all_day"`
	IsRecurring    bool        `json:"is_recurring,omitempty"`
	RecurrenceID   string      `json:"recurrence_id,omitempty"`
	RecurrenceRule string      `json:"recurrence_rule,omitempty"`
	Recurrence     *Recurrence `json:"recurrence,omitempty"`
}

// Key identifies one cached occurrence.
func (e Event) Key() string {
	if e.RecurrenceID == "" {
		return e.ID
	}
	return e.ID + "@" + e.RecurrenceID
}

// PartOfSeries reports whether the event is (an occurrence of) a recurring series.
func (e Event) PartOfSeries() bool {
	return e.IsRecurring || e.RecurrenceID != "" || e.RecurrenceRule != "" || e.Recurrence != nil
}

// Rule returns the RRULE string, preferring the raw rule sent by the server.
func (e Event) Rule() string {
	if e.RecurrenceRule != "" {
		return e.RecurrenceRule
	}
	return e.Recurrence.RRule()
}

// EventDraft is the payload for creating an event.
type EventDraft struct {
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Timezone    string
	AllDay      bool
	Recurrence  *Recurrence
}

// EventPatch carries the fields of a partial update; nil fields are left untouched.
type EventPatch struct {
	Summary     *string
	Description *string
	Location    *string
	Start       *time.Time
	End         *time.Time
	Timezone    *string
	AllDay      *bool
	Recurrence  *Recurrence
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// MutationScope selects which occurrences of a recurring series an edit or delete applies to.
type MutationScope string

const (
	ScopeNone          MutationScope = ""
	ScopeInstance      MutationScope = "instance"
	ScopeThisAndFuture MutationScope = "thisAndFuture"
	ScopeAll           MutationScope = "all"
)

var (
	ErrUnknownScope              = errors.New("unknown mutation scope")
	ErrScopeRequiresRecurrenceID = errors.New("scope requires a recurrence id")
	ErrRecurrenceIDWithoutScope  = errors.New("recurrence id given without a partial scope")
)

// ParseScope accepts both the client names and the server's wire names.
func ParseScope(s string) (MutationScope, error) {
	switch strings.TrimSpace(s) {
	case "":
		return ScopeNone, nil
	case "instance", "this":
		return ScopeInstance, nil
	case "thisAndFuture", "future":
		return ScopeThisAndFuture, nil
	case "all":
		return ScopeAll, nil
	default:
		return ScopeNone, fmt.Errorf("%w: %q", ErrUnknownScope, s)
	}
}

// WireValue is the value the server expects in the scope query parameter.
func (s MutationScope) WireValue() string {
	switch s {
	case ScopeInstance:
		return "this"
	case ScopeThisAndFuture:
		return "future"
	case ScopeAll:
		return "all"
	default:
		return ""
	}
}

// IsPartial reports whether the scope touches only part of a series. A single
// server response cannot describe the result of a partial mutation.
func (s MutationScope) IsPartial() bool {
	return s == ScopeInstance || s == ScopeThisAndFuture
}

// MutationTarget pairs a scope with the occurrence it is anchored on.
type MutationTarget struct {
	Scope        MutationScope
	RecurrenceID string
}

// Validate enforces that partial scopes name an occurrence.
func (t MutationTarget) Validate() error {
	switch t.Scope {
	case ScopeInstance, ScopeThisAndFuture:
		if t.RecurrenceID == "" {
			return fmt.Errorf("%w: %s", ErrScopeRequiresRecurrenceID, t.Scope)
		}
	case ScopeNone:
		if t.RecurrenceID != "" {
			return ErrRecurrenceIDWithoutScope
		}
	case ScopeAll:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScope, string(t.Scope))
	}
	return nil
}

// AddressBook mirrors the server's address book record (exported Go field names on the wire).
type AddressBook struct {
	ID          ID        `json:"ID"`
	UUID        string    `json:"UUID"`
	UserID      ID        `json:"UserID"`
	Name        string    `json:"Name"`
	Description string    `json:"Description"`
	CreatedAt   time.Time `json:"CreatedAt"`
	UpdatedAt   time.Time `json:"UpdatedAt"`
}

type ContactValue struct {
	Type    string `json:"type"`
	Value   string `json:"value"`
	Primary bool   `json:"primary,omitempty"`
}

type ContactAddress struct {
	Type       string `json:"type"`
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type Contact struct {
	ID            string           `json:"id"`
	AddressBookID ID               `json:"addressbook_id"`
	UID           string           `json:"uid"`
	ETag          string           `json:"etag,omitempty"`
	Prefix        string           `json:"prefix,omitempty"`
	GivenName     string           `json:"given_name,omitempty"`
	MiddleName    string           `json:"middle_name,omitempty"`
	FamilyName    string           `json:"family_name,omitempty"`
	Suffix        string           `json:"suffix,omitempty"`
	Nickname      string           `json:"nickname,omitempty"`
	FormattedName string           `json:"formatted_name"`
	Organization  string           `json:"organization,omitempty"`
	Title         string           `json:"title,omitempty"`
	Emails        []ContactValue   `json:"emails,omitempty"`
	Phones        []ContactValue   `json:"phones,omitempty"`
	Addresses     []ContactAddress `json:"addresses,omitempty"`
	URLs          []ContactValue   `json:"urls,omitempty"`
	Birthday      string           `json:"birthday,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	PhotoURL      string           `json:"photo_url,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// PrimaryEmail returns the primary email, falling back to the first one.
func (c Contact) PrimaryEmail() string {
	for _, e := range c.Emails {
		if e.Primary {
			return e.Value
		}
	}
	if len(c.Emails) > 0 {
		return c.Emails[0].Value
	}
	return ""
}
