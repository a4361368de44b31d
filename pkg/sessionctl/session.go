package sessionctl

import (
	"log/slog"

	"github.com/stocklane/authkit/pkg/backend"
	"github.com/stocklane/authkit/pkg/idp"
	"github.com/stocklane/authkit/pkg/token"
)

// constructLocalSession builds session and user records from decoded claims
// plus the login payload, sparing the round trip to the identity provider's
// session endpoint. The access token stays authoritative for identity: a
// login user record whose id disagrees with the sub claim is discarded.
func constructLocalSession(claims *token.Claims, login *backend.LoginData) (*idp.Session, *idp.User) {
	user := login.User
	if user != nil && user.ID != claims.Subject {
		slog.Warn("login user does not match token subject, synthesizing from claims",
			"login_user_id", user.ID, "sub", claims.Subject)
		user = nil
	}
	if user == nil {
		user = &idp.User{
			ID:           claims.Subject,
			Email:        claims.Email,
			Phone:        claims.Phone,
			Role:         claims.Role,
			AppMetadata:  claims.AppMetadata,
			UserMetadata: claims.UserMetadata,
		}
	}
	session := &idp.Session{
		AccessToken:  login.AccessToken,
		RefreshToken: login.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(claims.ExpiresIn().Seconds()),
		ExpiresAt:    claims.ExpiresAt.Unix(),
		User:         user,
	}
	return session, user
}
