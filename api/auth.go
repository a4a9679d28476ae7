// ABOUTME: Authentication endpoints
// ABOUTME: Login, refresh, logout and current-user calls that bypass 401 recovery
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/harperreed/calclient/models"
)

// TokenGrant is what the login and refresh endpoints return. Refresh responses
// carry no user and no new refresh token.
type TokenGrant struct {
	AccessToken  string               `json:"access_token"`
	RefreshToken string               `json:"refresh_token,omitempty"`
	TokenType    string               `json:"token_type"`
	ExpiresIn    int64                `json:"expires_in,omitempty"`
	ExpiresAt    int64                `json:"expires_at,omitempty"`
	User         *models.UserIdentity `json:"user,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AuthClient talks to the auth endpoints directly on the transport. These calls
// must not go through the pipeline: a 401 from refresh is a failed refresh, not a
// reason to refresh again.
type AuthClient struct {
	transport *Transport
}

func NewAuthClient(transport *Transport) *AuthClient {
	return &AuthClient{transport: transport}
}

func (a *AuthClient) Login(ctx context.Context, creds models.Credentials) (*TokenGrant, error) {
	var grant TokenGrant
	err := a.transport.Do(ctx, Call{Method: http.MethodPost, Path: "/api/v1/auth/login", Body: creds}, &grant)
	if err != nil {
		return nil, err
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("failed to log in: response carried no access token")
	}
	return &grant, nil
}

func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	var grant TokenGrant
	err := a.transport.Do(ctx, Call{
		Method: http.MethodPost,
		Path:   "/api/v1/auth/refresh",
		Body:   refreshRequest{RefreshToken: refreshToken},
	}, &grant)
	if err != nil {
		return nil, err
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("failed to refresh: response carried no access token")
	}
	return &grant, nil
}

// Logout revokes the refresh token server-side. accessToken may be empty.
func (a *AuthClient) Logout(ctx context.Context, accessToken, refreshToken string) error {
	return a.transport.Do(ctx, Call{
		Method: http.MethodPost,
		Path:   "/api/v1/auth/logout",
		Body:   refreshRequest{RefreshToken: refreshToken},
		Token:  accessToken,
	}, nil)
}

// Me fetches the profile of the user owning accessToken.
func (a *AuthClient) Me(ctx context.Context, accessToken string) (*models.UserIdentity, error) {
	var user models.UserIdentity
	err := a.transport.Do(ctx, Call{Method: http.MethodGet, Path: "/api/v1/users/me", Token: accessToken}, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
