// ABOUTME: Error taxonomy for API calls
// ABOUTME: Maps transport failures and non-2xx responses onto a typed error with sentinel matching
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNetwork      = errors.New("network failure")
	ErrUnauthorized = errors.New("unauthorized")
	ErrValidation   = errors.New("validation failure")
	ErrServer       = errors.New("server fault")

	// ErrNeedsRetry means the credentials were renewed after a 401 and the caller
	// should reissue the request once.
	ErrNeedsRetry = errors.New("credentials renewed, retry the request")

	// ErrSessionExpired means a 401 could not be recovered and the session is gone.
	ErrSessionExpired = errors.New("session expired")

	ErrNotAuthenticated = errors.New("not authenticated")
)

// Kind classifies an API failure.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindUnauthorized
	KindValidation
	KindClient
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUnauthorized:
		return "unauthorized"
	case KindValidation:
		return "validation"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// FieldError is one entry of a validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is returned for every failed API call.
type Error struct {
	Kind    Kind
	Method  string
	Path    string
	Status  int
	Code    string
	Message string
	Details []FieldError
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Method, e.Path)
	if e.Status > 0 {
		fmt.Fprintf(&b, ": %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	for _, d := range e.Details {
		fmt.Fprintf(&b, "; %s: %s", d.Field, d.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets callers match with errors.Is(err, api.ErrUnauthorized) and friends.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrServer:
		return e.Kind == KindServer
	}
	return false
}

// errorBody covers both shapes the server emits:
// {"error": "...", "message": "...", "details": [...]} and {"status": "error", "message": "..."}.
type errorBody struct {
	Status  string       `json:"status"`
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Details []FieldError `json:"details"`
}

func newResponseError(method, path string, status int, body []byte) *Error {
	e := &Error{
		Method: method,
		Path:   path,
		Status: status,
	}

	var parsed errorBody
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		e.Code = parsed.Error
		e.Message = parsed.Message
		e.Details = parsed.Details
	} else if text := strings.TrimSpace(string(body)); text != "" {
		e.Message = text
	}
	if e.Code == "" {
		e.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}

	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
	case status >= 500:
		e.Kind = KindServer
	case len(e.Details) > 0, status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		e.Kind = KindValidation
	default:
		e.Kind = KindClient
	}
	return e
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// FieldErrors returns the validation details carried by err, if any.
func FieldErrors(err error) []FieldError {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Details
	}
	return nil
}
