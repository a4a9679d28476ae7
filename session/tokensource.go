// ABOUTME: oauth2.TokenSource backed by the token manager
// ABOUTME: Lets plain HTTP clients borrow the session's bearer token
package session

import (
	"context"

	"github.com/harperreed/calclient/api"
	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

// TokenSource returns an oauth2.TokenSource that hands out the current access token,
// refreshing first when it is within the safety margin of expiry.
// Use with oauth2.NewClient to call endpoints outside the api package.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	snap := ts.m.Get()
	if snap.IsAuthenticated() && (snap.ExpiresAt.IsZero() || ts.m.now().Add(ts.m.margin).Before(snap.ExpiresAt)) {
		return snap.Token(), nil
	}

	if err := ts.m.Refresh(ts.ctx); err != nil {
		return nil, err
	}
	snap = ts.m.Get()
	if !snap.IsAuthenticated() {
		return nil, api.ErrNotAuthenticated
	}
	return snap.Token(), nil
}
