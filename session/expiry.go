// ABOUTME: Access token lifetime resolution and renewal timing
// ABOUTME: Derives expires-in from the grant or the JWT exp claim and computes the renewal delay
package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSafetyMargin is how long before expiry the token is renewed.
const DefaultSafetyMargin = 60 * time.Second

// ResolveExpiresIn picks the token lifetime from, in order: the relative expires_in
// seconds, the absolute expires_at unix time, then the exp claim of the token itself.
// Zero means the lifetime is unknown.
func ResolveExpiresIn(expiresIn, expiresAt int64, accessToken string, now time.Time) time.Duration {
	if expiresIn > 0 {
		return time.Duration(expiresIn) * time.Second
	}
	if expiresAt > 0 {
		if d := time.Unix(expiresAt, 0).Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return expiresFromClaims(accessToken, now)
}

// The signature is not checked; the server is the authority and this only feeds the timer.
func expiresFromClaims(accessToken string, now time.Time) time.Duration {
	if accessToken == "" {
		return 0
	}
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return 0
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	if d := exp.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RenewalDelay returns how long to wait before renewing a token that expires in
// expiresIn. Tokens shorter than the margin renew at half their lifetime so the
// timer never fires immediately in a loop. ok is false when no timer should be armed.
func RenewalDelay(expiresIn, margin time.Duration) (time.Duration, bool) {
	if expiresIn <= 0 {
		return 0, false
	}
	if margin < 0 {
		margin = 0
	}
	if expiresIn > margin {
		return expiresIn - margin, true
	}
	return expiresIn / 2, true
}
