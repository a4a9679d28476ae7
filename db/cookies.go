// ABOUTME: SQLite-backed cookie jar for the persisted refresh token
// ABOUTME: Stores cookie attributes and enforces expiry on read
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CookieStore keeps named cookies in the cookies table.
type CookieStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewCookieStore(db *sql.DB) *CookieStore {
	return &CookieStore{db: db, now: time.Now}
}

// Cookie returns the named cookie, or http.ErrNoCookie when it is absent or expired.
// Expired rows are removed as they are found.
func (s *CookieStore) Cookie(name string) (*http.Cookie, error) {
	var (
		c         http.Cookie
		sameSite  string
		secure    bool
		httpOnly  bool
		expiresAt sql.NullInt64
	)

	err := s.db.QueryRow(`
		SELECT name, value, path, same_site, secure, http_only, expires_at
		FROM cookies WHERE name = ?
	`, name).Scan(&c.Name, &c.Value, &c.Path, &sameSite, &secure, &httpOnly, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, http.ErrNoCookie
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie %s: %w", name, err)
	}

	if expiresAt.Valid {
		c.Expires = time.Unix(expiresAt.Int64, 0)
		if !s.now().Before(c.Expires) {
			if err := s.DeleteCookie(name); err != nil {
				return nil, err
			}
			return nil, http.ErrNoCookie
		}
	}

	c.SameSite = parseSameSite(sameSite)
	c.Secure = secure
	c.HttpOnly = httpOnly
	return &c, nil
}

// SetCookie inserts or replaces a cookie. A negative MaxAge deletes it.
func (s *CookieStore) SetCookie(c *http.Cookie) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("failed to set cookie: missing name")
	}
	if c.MaxAge < 0 {
		return s.DeleteCookie(c.Name)
	}

	now := s.now()
	var expiresAt sql.NullInt64
	switch {
	case c.MaxAge > 0:
		expiresAt = sql.NullInt64{Int64: now.Add(time.Duration(c.MaxAge) * time.Second).Unix(), Valid: true}
	case !c.Expires.IsZero():
		expiresAt = sql.NullInt64{Int64: c.Expires.Unix(), Valid: true}
	}

	path := c.Path
	if path == "" {
		path = "/"
	}

	_, err := s.db.Exec(`
		INSERT INTO cookies (name, value, path, same_site, secure, http_only, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			path = excluded.path,
			same_site = excluded.same_site,
			secure = excluded.secure,
			http_only = excluded.http_only,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, c.Name, c.Value, path, formatSameSite(c.SameSite), c.Secure, c.HttpOnly, expiresAt, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to save cookie %s: %w", c.Name, err)
	}
	return nil
}

// DeleteCookie removes a cookie. Deleting a missing cookie is not an error.
func (s *CookieStore) DeleteCookie(name string) error {
	if _, err := s.db.Exec(`DELETE FROM cookies WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete cookie %s: %w", name, err)
	}
	return nil
}

// PurgeExpired removes every expired cookie and returns how many were dropped.
func (s *CookieStore) PurgeExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cookies WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cookies: %w", err)
	}
	return res.RowsAffected()
}

func formatSameSite(mode http.SameSite) string {
	switch mode {
	case http.SameSiteLaxMode:
		return "lax"
	case http.SameSiteNoneMode:
		return "none"
	default:
		return "strict"
	}
}

func parseSameSite(value string) http.SameSite {
	switch strings.ToLower(value) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}
