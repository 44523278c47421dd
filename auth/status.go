package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"

	"github.com/campusflow/lms-client/auth/state"
)

// Status describes the locally stored session.
type Status struct {
	SignedIn        bool
	HasRefreshToken bool
	User            *User
	// Subject and ExpiresAt are read from the access token claims. They
	// stay empty for opaque tokens.
	Subject   string
	ExpiresAt time.Time
	Expired   bool
}

// Status inspects the stored session without calling the server. Token
// signatures are not verified; the claims are informational only.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	creds, err := state.GetCredentials(ctx, s.store)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status := &Status{
		SignedIn:        creds.AccessToken != "",
		HasRefreshToken: creds.RefreshToken != "",
	}
	if !status.SignedIn {
		return status, nil
	}

	user, err := s.CachedUser(ctx)
	switch {
	case err == nil:
		status.User = user
	case !trace.IsNotFound(err):
		return nil, trace.Wrap(err)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(creds.AccessToken, claims); err != nil {
		return status, nil
	}
	if sub, err := claims.GetSubject(); err == nil {
		status.Subject = sub
	}
	if status.Subject == "" {
		if id, ok := claims["id"].(string); ok {
			status.Subject = id
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		status.ExpiresAt = exp.Time
		status.Expired = !s.clock.Now().Before(exp.Time)
	}
	return status, nil
}
