package mockidp

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/segmentio/ksuid"
)

var ErrInvalidToken = errors.New("invalid token")

// AccessClaims is the payload minted into access tokens. The shape matches
// what the production provider issues, so client-side decoding sees the
// same claims in development as it does live.
type AccessClaims struct {
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Role         string         `json:"role"`
	SessionID    string         `json:"session_id"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies RS256 access tokens under a key generated
// at startup and published as a JWKS.
type TokenManager struct {
	privateKey *rsa.PrivateKey
	keyID      string
	issuer     string
	accessTTL  time.Duration
	jwks       jwk.Set
}

func NewTokenManager(issuer string, accessTTL time.Duration) (*TokenManager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	keyID := ksuid.New().String()
	public, err := jwk.FromRaw(privateKey.Public())
	if err != nil {
		return nil, fmt.Errorf("building public jwk: %w", err)
	}
	public.Set(jwk.KeyIDKey, keyID)
	public.Set(jwk.AlgorithmKey, jwa.RS256)
	public.Set(jwk.KeyUsageKey, "sig")
	set := jwk.NewSet()
	set.AddKey(public)
	return &TokenManager{
		privateKey: privateKey,
		keyID:      keyID,
		issuer:     issuer,
		accessTTL:  accessTTL,
		jwks:       set,
	}, nil
}

func (m *TokenManager) Mint(account *Account, sessionID string) (string, int64, error) {
	now := time.Now()
	claims := &AccessClaims{
		Email:        account.Email,
		Phone:        account.Phone,
		Role:         "authenticated",
		SessionID:    sessionID,
		UserMetadata: account.metadata(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
			ID:        ksuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.keyID
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", 0, fmt.Errorf("signing access token: %w", err)
	}
	return signed, int64(m.accessTTL.Seconds()), nil
}

func (m *TokenManager) Verify(raw string) (*AccessClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.privateKey.Public(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// JWKS returns the public key set for token verification by other services.
func (m *TokenManager) JWKS() jwk.Set {
	return m.jwks
}

func (m *TokenManager) TTL() time.Duration {
	return m.accessTTL
}
