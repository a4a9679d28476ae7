// ABOUTME: In-process fake of the calendar server API for tests
// ABOUTME: Holds users, tokens, calendars, event occurrences and contacts with failure injection
package apitest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/harperreed/calclient/models"
)

// Request is one request the server received.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   []byte
	Auth   string
}

type account struct {
	identity models.UserIdentity
	password string
}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Server is a fake calendar server. All methods are safe for concurrent use.
type Server struct {
	URL string

	srv    *httptest.Server
	secret []byte

	mu            sync.Mutex
	accessTTL     time.Duration
	omitExpiry    bool
	accounts      map[string]*account // by email
	refreshTokens map[string]string   // token -> email
	revoked       map[string]bool
	issued        []string
	calendars     []models.Calendar
	events        map[models.ID][]models.Event
	failCalendar  map[models.ID]int
	failWrites    int
	addressBooks  []models.AddressBook
	contacts      map[models.ID][]models.Contact
	failBook      map[models.ID]int
	nextID        int
	requests      []Request

	refreshCalls atomic.Int64
	logoutCalls  atomic.Int64

	// RefreshGate, when set, holds every refresh request until it receives or is closed.
	RefreshGate chan struct{}

	// EventWriteGate, when set, holds every event create, update and delete the same way.
	EventWriteGate chan struct{}
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		secret:        []byte("apitest-secret-" + uuid.NewString()),
		accessTTL:     time.Hour,
		accounts:      make(map[string]*account),
		refreshTokens: make(map[string]string),
		revoked:       make(map[string]bool),
		events:        make(map[models.ID][]models.Event),
		failCalendar:  make(map[models.ID]int),
		contacts:      make(map[models.ID][]models.Contact),
		failBook:      make(map[models.ID]int),
		nextID:        1,
	}
	s.srv = httptest.NewServer(s.routes())
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

// AddUser registers an account.
func (s *Server) AddUser(email, password string, admin bool) models.UserIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := models.UserIdentity{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: email,
		IsAdmin:     admin,
	}
	s.accounts[email] = &account{identity: u, password: password}
	return u
}

// IssueRefreshToken creates a valid refresh token for email without a login call,
// as if it had been persisted by an earlier run.
func (s *Server) IssueRefreshToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt := uuid.NewString()
	s.refreshTokens[rt] = email
	return rt
}

// SetAccessTTL sets the lifetime of access tokens issued from now on.
func (s *Server) SetAccessTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTTL = d
}

// OmitExpiry drops expires_at from token responses so clients must read the JWT.
func (s *Server) OmitExpiry(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitExpiry = omit
}

// RevokeAccessTokens makes every access token issued so far answer 401.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.issued {
		s.revoked[tok] = true
	}
}

// RevokeAccessToken makes one access token answer 401.
func (s *Server) RevokeAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = true
}

// RevokeRefreshTokens makes every outstanding refresh token invalid.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = make(map[string]string)
}

// HasRefreshToken reports whether rt is still valid server-side.
func (s *Server) HasRefreshToken(rt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refreshTokens[rt]
	return ok
}

func (s *Server) RefreshCalls() int {
	return int(s.refreshCalls.Load())
}

func (s *Server) LogoutCalls() int {
	return int(s.logoutCalls.Load())
}

// AddCalendar creates a calendar with a numeric id.
func (s *Server) AddCalendar(name string) models.Calendar {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	c := models.Calendar{
		ID:        models.ID(strconv.Itoa(s.nextID)),
		Name:      name,
		Color:     "#3b82f6",
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nextID++
	s.calendars = append(s.calendars, c)
	return c
}

// FailCalendar makes event listing for calendarID answer with status. Zero clears it.
func (s *Server) FailCalendar(calendarID models.ID, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failCalendar, calendarID)
		return
	}
	s.failCalendar[calendarID] = status
}

// FailEventWrites makes event PATCH, POST and DELETE answer with status. Zero clears it.
func (s *Server) FailEventWrites(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = status
}

// AddEvent stores a single, non-recurring event.
func (s *Server) AddEvent(calendarID models.ID, ev models.Event) models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.UID == "" {
		ev.UID = ev.ID + "@apitest"
	}
	ev.CalendarID = calendarID
	s.events[calendarID] = append(s.events[calendarID], ev)
	return ev
}

// AddSeries stores count occurrences of a recurring event spaced every apart.
// All occurrences share one id and differ by recurrence id.
func (s *Server) AddSeries(calendarID models.ID, base models.Event, count int, every time.Duration) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if base.ID == "" {
		base.ID = uuid.NewString()
	}
	if base.UID == "" {
		base.UID = base.ID + "@apitest"
	}
	base.CalendarID = calendarID
	base.IsRecurring = true
	if base.RecurrenceRule == "" {
		base.RecurrenceRule = fmt.Sprintf("FREQ=DAILY;COUNT=%d", count)
	}

	out := make([]models.Event, 0, count)
	for i := 0; i < count; i++ {
		occ := base
		occ.Start = base.Start.Add(time.Duration(i) * every)
		occ.End = base.End.Add(time.Duration(i) * every)
		occ.RecurrenceID = RecurrenceID(occ.Start)
		out = append(out, occ)
	}
	s.events[calendarID] = append(s.events[calendarID], out...)
	return out
}

// Events returns the stored occurrences of a calendar ordered by start.
func (s *Server) Events(calendarID models.ID) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]models.Event(nil), s.events[calendarID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// RecurrenceID formats an occurrence start the way the server names occurrences.
func RecurrenceID(start time.Time) string {
	return start.UTC().Format("20060102T150405Z")
}

// AddAddressBook creates an address book with a numeric id.
func (s *Server) AddAddressBook(name string) models.AddressBook {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ab := models.AddressBook{
		ID:        models.ID(strconv.Itoa(s.nextID)),
		UUID:      uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nextID++
	s.addressBooks = append(s.addressBooks, ab)
	return ab
}

// AddContact stores a contact in an address book.
func (s *Server) AddContact(addressBookID models.ID, c models.Contact) models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.UID == "" {
		c.UID = c.ID
	}
	for _, ab := range s.addressBooks {
		if ab.ID == addressBookID {
			c.AddressBookID = models.ID(ab.UUID)
		}
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	s.contacts[addressBookID] = append(s.contacts[addressBookID], c)
	return c
}

// FailAddressBook makes contact listing for addressBookID answer with status.
func (s *Server) FailAddressBook(addressBookID models.ID, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failBook, addressBookID)
		return
	}
	s.failBook[addressBookID] = status
}

// Requests returns the recorded requests matching method and path exactly.
// An empty method matches any method.
func (s *Server) Requests(method, path string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, r := range s.requests {
		if (method == "" || r.Method == method) && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// issueAccessToken must be called with s.mu held.
func (s *Server) issueAccessToken(u models.UserIdentity) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(s.accessTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	s.issued = append(s.issued, signed)
	return signed, exp, nil
}

func (s *Server) verifyAccessToken(raw string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(raw, c, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked[raw] {
		return nil, fmt.Errorf("token revoked")
	}
	return c, nil
}

func (s *Server) record(r *http.Request, body []byte) {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 {
		auth = auth[7:]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   body,
		Auth:   auth,
	})
}
