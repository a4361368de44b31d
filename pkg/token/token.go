// Package token decodes access-token payloads locally, without verifying
// signatures. Verification is the backend's responsibility; decoded claims
// only spare a redundant identity fetch and are never a trust boundary for
// privileged decisions.
package token

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims is the decoded payload of an access token.
type Claims struct {
	Subject      string
	Email        string
	Phone        string
	Role         string
	SessionID    string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	AppMetadata  map[string]any
	UserMetadata map[string]any
}

// ExpiresIn returns the token lifetime as issued, exp minus iat.
func (c *Claims) ExpiresIn() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// DecodeError marks a token that could not be decoded into usable claims.
// Callers must treat it as "no usable session" and abort the flow instead of
// proceeding with a partial identity.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed access token: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed access token: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses the payload of raw without signature verification and
// without lifetime validation, so expired but well-formed tokens still
// decode. Wrong segment count, broken encoding, invalid JSON or missing
// required claims yield a *DecodeError.
func Decode(raw string) (*Claims, error) {
	parsed, err := jwt.ParseString(raw, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, &DecodeError{Reason: "unparseable token", Err: err}
	}
	if parsed.Subject() == "" {
		return nil, &DecodeError{Reason: "missing sub claim"}
	}
	if parsed.Expiration().IsZero() {
		return nil, &DecodeError{Reason: "missing exp claim"}
	}
	if parsed.IssuedAt().IsZero() {
		return nil, &DecodeError{Reason: "missing iat claim"}
	}
	claims := &Claims{
		Subject:      parsed.Subject(),
		Email:        stringClaim(parsed, "email"),
		Phone:        stringClaim(parsed, "phone"),
		Role:         stringClaim(parsed, "role"),
		SessionID:    stringClaim(parsed, "session_id"),
		IssuedAt:     parsed.IssuedAt(),
		ExpiresAt:    parsed.Expiration(),
		AppMetadata:  mapClaim(parsed, "app_metadata"),
		UserMetadata: mapClaim(parsed, "user_metadata"),
	}
	return claims, nil
}

func stringClaim(token jwt.Token, name string) string {
	value, ok := token.Get(name)
	if !ok {
		return ""
	}
	str, _ := value.(string)
	return str
}

func mapClaim(token jwt.Token, name string) map[string]any {
	value, ok := token.Get(name)
	if !ok {
		return nil
	}
	m, _ := value.(map[string]any)
	return m
}
