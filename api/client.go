// ABOUTME: Authenticated request pipeline
// ABOUTME: Injects the current access token and turns a 401 into one coordinated refresh
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/harperreed/calclient/models"
	"github.com/rs/zerolog"
)

// Credentials exposes the current session.
type Credentials interface {
	Get() models.Session
}

// Refresher renews the access token. Concurrent calls share one network request.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Client is the pipeline every authenticated call goes through.
type Client struct {
	transport *Transport
	creds     Credentials
	refresher Refresher
	log       zerolog.Logger
}

func NewClient(transport *Transport, creds Credentials, refresher Refresher, logger zerolog.Logger) *Client {
	return &Client{
		transport: transport,
		creds:     creds,
		refresher: refresher,
		log:       logger.With().Str("component", "pipeline").Logger(),
	}
}

// Do performs a single attempt. A 401 on an authenticated session triggers exactly one
// refresh: on success Do returns an error matching ErrNeedsRetry and the caller decides
// whether to reissue; on failure it returns an error matching ErrSessionExpired.
// Do never retries by itself.
func (c *Client) Do(ctx context.Context, call Call, out any) error {
	snap := c.creds.Get()
	call.Token = snap.AccessToken

	err := c.transport.Do(ctx, call, out)
	if err == nil || !IsUnauthorized(err) || !snap.IsAuthenticated() {
		return err
	}

	// Another caller may already have renewed the token this request was sent with.
	if current := c.creds.Get(); current.AccessToken != snap.AccessToken {
		if current.IsAuthenticated() {
			return fmt.Errorf("%w: %s %s", ErrNeedsRetry, call.Method, call.Path)
		}
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	c.log.Debug().Str("method", call.Method).Str("path", call.Path).Msg("401 received, refreshing session")

	if rerr := c.refresher.Refresh(ctx); rerr != nil {
		if errors.Is(rerr, ErrSessionExpired) {
			return rerr
		}
		// The caller gave up waiting; the shared refresh carries on without it.
		if ctx.Err() != nil {
			return rerr
		}
		return fmt.Errorf("%w: %w", ErrSessionExpired, rerr)
	}
	if !c.creds.Get().IsAuthenticated() {
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return fmt.Errorf("%w: %s %s", ErrNeedsRetry, call.Method, call.Path)
}

// DoWithRetry reissues the call once when Do reports ErrNeedsRetry. The second
// attempt's outcome is returned as is, so a second 401 never loops.
func (c *Client) DoWithRetry(ctx context.Context, call Call, out any) error {
	err := c.Do(ctx, call, out)
	if !errors.Is(err, ErrNeedsRetry) {
		return err
	}

	call.Token = c.creds.Get().AccessToken
	return c.transport.Do(ctx, call, out)
}
