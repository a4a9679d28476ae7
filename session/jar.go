// ABOUTME: In-memory cookie jar
// ABOUTME: Used when no cookie database is configured and in tests
package session

import (
	"net/http"
	"sync"
	"time"
)

// MemoryJar keeps cookies for the lifetime of the process.
type MemoryJar struct {
	mu      sync.Mutex
	cookies map[string]http.Cookie
	now     func() time.Time
}

func NewMemoryJar() *MemoryJar {
	return &MemoryJar{cookies: make(map[string]http.Cookie), now: time.Now}
}

func (j *MemoryJar) Cookie(name string) (*http.Cookie, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	c, ok := j.cookies[name]
	if !ok {
		return nil, http.ErrNoCookie
	}
	if !c.Expires.IsZero() && !j.now().Before(c.Expires) {
		delete(j.cookies, name)
		return nil, http.ErrNoCookie
	}
	return &c, nil
}

func (j *MemoryJar) SetCookie(c *http.Cookie) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if c.MaxAge < 0 {
		delete(j.cookies, c.Name)
		return nil
	}
	stored := *c
	if c.MaxAge > 0 {
		stored.Expires = j.now().Add(time.Duration(c.MaxAge) * time.Second)
	}
	j.cookies[c.Name] = stored
	return nil
}

func (j *MemoryJar) DeleteCookie(name string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.cookies, name)
	return nil
}
