// ABOUTME: HTTP handlers of the fake calendar server
// ABOUTME: Mirrors the server's routes, envelopes, error bodies and recurrence scope rules
package apitest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/harperreed/calclient/models"
)

type ctxKey struct{}

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type apiError struct {
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Details []fieldError `json:"details,omitempty"`
}

type tokenResponse struct {
	AccessToken  string               `json:"access_token"`
	RefreshToken string               `json:"refresh_token,omitempty"`
	TokenType    string               `json:"token_type"`
	ExpiresAt    int64                `json:"expires_at,omitempty"`
	User         *models.UserIdentity `json:"user,omitempty"`
}

type eventRequest struct {
	Summary     *string            `json:"summary"`
	Description *string            `json:"description"`
	Location    *string            `json:"location"`
	Start       *string            `json:"start"`
	End         *string            `json:"end"`
	Timezone    *string            `json:"timezone"`
	AllDay      *bool              `json:"all_day"`
	Recurrence  *models.Recurrence `json:"recurrence"`
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recorder)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/users/me", s.handleMe)
			r.Get("/calendars", s.handleListCalendars)
			r.Get("/calendars/{calendarID}/events", s.handleListEvents)
			r.Post("/calendars/{calendarID}/events", s.handleCreateEvent)
			r.Get("/calendars/{calendarID}/events/{eventID}", s.handleGetEvent)
			r.Patch("/calendars/{calendarID}/events/{eventID}", s.handleUpdateEvent)
			r.Delete("/calendars/{calendarID}/events/{eventID}", s.handleDeleteEvent)

			r.Get("/addressbooks", s.handleListAddressBooks)
			r.Get("/addressbooks/{addressBookID}/contacts", s.handleListContacts)
			r.Delete("/addressbooks/{addressBookID}/contacts/{contactID}", s.handleDeleteContact)
			r.Get("/contacts/search", s.handleSearchContacts)
		})
	})

	return r
}

// hold waits on gate, if set. It reports false when the client went away first.
func hold(r *http.Request, gate chan struct{}) bool {
	if gate == nil {
		return true
	}
	select {
	case <-gate:
		return true
	case <-r.Context().Done():
		return false
	}
}

func (s *Server) recorder(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		s.record(r, body)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, apiError{Error: "unauthorized", Message: "missing bearer token"})
			return
		}
		c, err := s.verifyAccessToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, apiError{Error: "unauthorized", Message: "invalid or expired token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r, c)))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Status: "error", Message: "invalid request body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[creds.Email]
	if !ok || acct.password != creds.Password {
		writeJSON(w, http.StatusUnauthorized, envelope{Status: "error", Message: "invalid credentials"})
		return
	}

	access, exp, err := s.issueAccessToken(acct.identity)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Status: "error", Message: err.Error()})
		return
	}
	rt := uuid.NewString()
	s.refreshTokens[rt] = creds.Email

	user := acct.identity
	resp := tokenResponse{AccessToken: access, RefreshToken: rt, TokenType: "Bearer", User: &user}
	if !s.omitExpiry {
		resp.ExpiresAt = exp.Unix()
	}
	writeJSON(w, http.StatusOK, envelope{Status: "ok", Data: resp})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	if !hold(r, s.RefreshGate) {
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Status: "error", Message: "refresh_token is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.refreshTokens[req.RefreshToken]
	acct := s.accounts[email]
	if !ok || acct == nil {
		writeJSON(w, http.StatusUnauthorized, envelope{Status: "error", Message: "invalid refresh token"})
		return
	}

	access, exp, err := s.issueAccessToken(acct.identity)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Status: "error", Message: err.Error()})
		return
	}
	resp := tokenResponse{AccessToken: access, TokenType: "Bearer"}
	if !s.omitExpiry {
		resp.ExpiresAt = exp.Unix()
	}
	writeJSON(w, http.StatusOK, envelope{Status: "ok", Data: resp})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	delete(s.refreshTokens, req.RefreshToken)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, envelope{Status: "ok", Message: "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r)

	s.mu.Lock()
	acct := s.accounts[c.Email]
	s.mu.Unlock()

	if acct == nil {
		writeError(w, http.StatusNotFound, apiError{Error: "not_found", Message: "user not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: "ok", Data: acct.identity})
}

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cals := append([]models.Calendar(nil), s.calendars...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, envelope{Status: "ok", Data: map[string]any{"calendars": cals}})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	calID := models.ID(chi.URLParam(r, "calendarID"))

	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{Error: "bad_request", Message: "invalid start", Details: []fieldError{{Field: "start", Message: "must be RFC 3339"}}})
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{Error: "bad_request", Message: "invalid end", Details: []fieldError{{Field: "end", Message: "must be RFC 3339"}}})
		return
	}

	s.mu.Lock()
	status := s.failCalendar[calID]
	var out []models.Event
	for _, ev := range s.events[calID] {
		if ev.Start.Before(end) && ev.End.After(start) {
			out = append(out, ev)
		}
	}
	s.mu.Unlock()

	if status != 0 {
		writeError(w, status, apiError{Error: "internal_error", Message: "calendar backend unavailable"})
		return
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if out == nil {
		out = []models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	calID := models.ID(chi.URLParam(r, "calendarID"))
	eventID := chi.URLParam(r, "eventID")

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events[calID] {
		if ev.ID == eventID {
			writeJSON(w, http.StatusOK, ev)
			return
		}
	}
	writeError(w, http.StatusNotFound, apiError{Error: "not_found", Message: "event not found"})
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	if !hold(r, s.EventWriteGate) {
		return
	}
	calID := models.ID(chi.URLParam(r, "calendarID"))

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apiError{Error: "bad_request", Message: "invalid request body"})
		return
	}
	if req.Summary == nil || *req.Summary == "" {
		writeError(w, http.StatusBadRequest, apiError{
			Error:   "validation_failed",
			Message: "request validation failed",
			Details: []fieldError{{Field: "summary", Message: "summary is required"}},
		})
		return
	}

	ev := models.Event{ID: uuid.NewString(), CalendarID: calID, Summary: *req.Summary}
	ev.UID = ev.ID + "@apitest"
	if details := applyEventRequest(&ev, req); len(details) > 0 {
		writeError(w, http.StatusBadRequest, apiError{Error: "validation_failed", Message: "request validation failed", Details: details})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites != 0 {
		writeError(w, s.failWrites, apiError{Error: "write_failed", Message: "event write rejected"})
		return
	}
	if !s.hasCalendar(calID) {
		writeError(w, http.StatusNotFound, apiError{Error: "not_found", Message: "calendar not found"})
		return
	}
	s.events[calID] = append(s.events[calID], ev)
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	if !hold(r, s.EventWriteGate) {
		return
	}
	calID := models.ID(chi.URLParam(r, "calendarID"))
	eventID := chi.URLParam(r, "eventID")
	scope := r.URL.Query().Get("scope")
	recurrenceID := r.URL.Query().Get("recurrence_id")

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apiError{Error: "bad_request", Message: "invalid request body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites != 0 {
		writeError(w, s.failWrites, apiError{Error: "write_failed", Message: "event write rejected"})
		return
	}

	idx, anchor, ok := s.matchScope(calID, eventID, scope, recurrenceID)
	if !ok {
		writeError(w, http.StatusNotFound, apiError{Error: "not_found", Message: "event not found"})
		return
	}

	events := s.events[calID]
	anchorBefore := events[anchor]
	updated := anchorBefore
	if details := applyEventRequest(&updated, req); len(details) > 0 {
		writeError(w, http.StatusBadRequest, apiError{Error: "validation_failed", Message: "request validation failed", Details: details})
		return
	}
	shift := updated.Start.Sub(anchorBefore.Start)
	length := updated.End.Sub(updated.Start)

	for _, i := range idx {
		if i == anchor {
			events[i] = updated
			continue
		}
		next := events[i]
		if req.Summary != nil {
			next.Summary = *req.Summary
		}
		if req.Description != nil {
			next.Description = *req.Description
		}
		if req.Location != nil {
			next.Location = *req.Location
		}
		if req.Start != nil || req.End != nil {
			next.Start = next.Start.Add(shift)
			next.End = next.Start.Add(length)
		}
		events[i] = next
	}

	writeJSON(w, http.StatusOK, events[anchor])
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if !hold(r, s.EventWriteGate) {
		return
	}
	calID := models.ID(chi.URLParam(r, "calendarID"))
	eventID := chi.URLParam(r, "eventID")
	scope := r.URL.Query().Get("scope")
	recurrenceID := r.URL.Query().Get("recurrence_id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites != 0 {
		writeError(w, s.failWrites, apiError{Error: "write_failed", Message: "event write rejected"})
		return
	}

	idx, _, ok := s.matchScope(calID, eventID, scope, recurrenceID)
	if !ok {
		writeError(w, http.StatusNotFound, apiError{Error: "not_found", Message: "event not found"})
		return
	}

	drop := make(map[int]bool, len(idx))
	for _, i := range idx {
		drop[i] = true
	}
	kept := s.events[calID][:0]
	for i, ev := range s.events[calID] {
		if !drop[i] {
			kept = append(kept, ev)
		}
	}
	s.events[calID] = kept
	w.WriteHeader(http.StatusNoContent)
}

// matchScope returns the indexes of the occurrences a scoped mutation touches and
// the index of the anchor occurrence. Must be called with s.mu held.
func (s *Server) matchScope(calID models.ID, eventID, scope, recurrenceID string) ([]int, int, bool) {
	events := s.events[calID]

	anchor := -1
	for i, ev := range events {
		if ev.ID != eventID {
			continue
		}
		if recurrenceID == "" || ev.RecurrenceID == recurrenceID {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return nil, 0, false
	}

	var idx []int
	for i, ev := range events {
		if ev.ID != eventID {
			continue
		}
		switch scope {
		case "this":
			if i == anchor {
				idx = append(idx, i)
			}
		case "future":
			if !ev.Start.Before(events[anchor].Start) {
				idx = append(idx, i)
			}
		default:
			idx = append(idx, i)
		}
	}
	return idx, anchor, true
}

func (s *Server) hasCalendar(calID models.ID) bool {
	for _, c := range s.calendars {
		if c.ID == calID {
			return true
		}
	}
	return false
}

func (s *Server) handleListAddressBooks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	books := append([]models.AddressBook(nil), s.addressBooks...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, envelope{Status: "ok", Data: map[string]any{"addressbooks": books}})
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	abID := models.ID(chi.URLParam(r, "addressBookID"))

	s.mu.Lock()
	status := s.failBook[abID]
	contacts := append([]models.Contact(nil), s.contacts[abID]...)
	s.mu.Unlock()

	if status != 0 {
		writeError(w, status, apiError{Error: "internal_error", Message: "address book unavailable"})
		return
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"Contacts": contacts,
		"Total":    len(contacts),
		"Limit":    50,
		"Offset":   0,
	})
}

func (s *Server) handleSearchContacts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	needle := strings.ToLower(query)

	s.mu.Lock()
	var out []models.Contact
	for _, ab := range s.addressBooks {
		for _, c := range s.contacts[ab.ID] {
			hay := strings.ToLower(c.FormattedName + " " + c.Organization + " " + c.PrimaryEmail())
			if strings.Contains(hay, needle) {
				out = append(out, c)
			}
		}
	}
	s.mu.Unlock()

	if out == nil {
		out = []models.Contact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": out, "query": query, "count": len(out)})
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	abID := models.ID(chi.URLParam(r, "addressBookID"))
	contactID := chi.URLParam(r, "contactID")

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.contacts[abID] {
		if c.ID == contactID {
			s.contacts[abID] = append(s.contacts[abID][:i], s.contacts[abID][i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, apiError{Error: "not_found", Message: "contact not found"})
}

func applyEventRequest(ev *models.Event, req eventRequest) []fieldError {
	var details []fieldError
	if req.Summary != nil {
		ev.Summary = *req.Summary
	}
	if req.Description != nil {
		ev.Description = *req.Description
	}
	if req.Location != nil {
		ev.Location = *req.Location
	}
	if req.AllDay != nil {
		ev.AllDay = *req.AllDay
	}
	if req.Start != nil {
		t, err := time.Parse(time.RFC3339, *req.Start)
		if err != nil {
			details = append(details, fieldError{Field: "start", Message: "must be RFC 3339"})
		}
		ev.Start = t
	}
	if req.End != nil {
		t, err := time.Parse(time.RFC3339, *req.End)
		if err != nil {
			details = append(details, fieldError{Field: "end", Message: "must be RFC 3339"})
		}
		ev.End = t
	}
	if req.Recurrence != nil {
		ev.IsRecurring = true
		ev.Recurrence = req.Recurrence
		ev.RecurrenceRule = req.Recurrence.RRule()
	}
	if len(details) == 0 && ev.End.Before(ev.Start) {
		details = append(details, fieldError{Field: "end", Message: "end must not be before start"})
	}
	return details
}

func contextWithClaims(r *http.Request, c *claims) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, c)
}

func claimsFrom(r *http.Request) *claims {
	if c, ok := r.Context().Value(ctxKey{}).(*claims); ok {
		return c
	}
	return &claims{}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, e apiError) {
	writeJSON(w, status, e)
}
