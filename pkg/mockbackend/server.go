// Package mockbackend is a development stand-in for the Stocklane
// application backend. It authenticates against an identity provider,
// validates presented access tokens against the provider's published JWKS
// and answers with the tenant's role assignment, speaking the same
// {success, data, error} envelope as production.
package mockbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/stocklane/authkit/pkg/authz"
	"github.com/stocklane/authkit/pkg/idp"
)

type Config struct {
	Address             string   `yaml:"address"`
	IdentityProviderURL string   `yaml:"identity_provider_url"`
	DefaultRoles        []string `yaml:"default_roles"`
	HTTPClient          *http.Client
}

type Server struct {
	config      Config
	memberships *Memberships
	http        *http.Client
	keys        *jwk.Cache
	jwksURI     string
}

type Option func(*Server) error

// WithMembership preloads a tenant membership.
func WithMembership(m Membership) Option {
	return func(s *Server) error {
		if m.Email == "" {
			return errors.New("membership email is required")
		}
		s.memberships.Upsert(m)
		return nil
	}
}

func NewServer(config Config, opts ...Option) (*Server, error) {
	if config.IdentityProviderURL == "" {
		return nil, errors.New("missing identity provider URL")
	}
	if config.Address == "" {
		config.Address = ":8090"
	}
	if len(config.DefaultRoles) == 0 {
		config.DefaultRoles = []string{"user"}
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	s := &Server{
		config:      config,
		memberships: NewMemberships(),
		http:        config.HTTPClient,
		jwksURI:     strings.TrimSuffix(config.IdentityProviderURL, "/") + "/.well-known/jwks.json",
	}
	// prepare the auto-refreshing signing key cache, failing fast when the
	// provider is unreachable
	s.keys = jwk.NewCache(context.Background())
	s.keys.Register(s.jwksURI, jwk.WithMinRefreshInterval(15*time.Minute), jwk.WithHTTPClient(s.http))
	if _, err := s.keys.Refresh(context.Background(), s.jwksURI); err != nil {
		return nil, fmt.Errorf("fetching signing keys from %s: %w", s.jwksURI, err)
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) Memberships() *Memberships {
	return s.memberships
}

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{validator: validator.New()}
	e.Use(middleware.Recover())
	s.MountRoutes(e.Group(""))
	return e
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.POST("/auth/login", s.loginEndpoint)
	group.POST("/auth/register", s.registerEndpoint)
	group.POST("/auth/sync-session", s.syncSessionEndpoint)
	group.GET("/auth/me", s.meEndpoint)
	group.POST("/auth/logout", s.logoutEndpoint)
	group.POST("/admin/memberships", s.membershipEndpoint)
}

func respondData(c echo.Context, status int, data any) error {
	payload := map[string]any{"success": true}
	if data != nil {
		payload["data"] = data
	}
	return c.JSON(status, payload)
}

func respondError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]any{"success": false, "error": message})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) loginEndpoint(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	membership, ok := s.memberships.Get(req.Email)
	if !ok {
		return respondError(c, http.StatusForbidden, "no membership for this workspace")
	}
	if membership.Suspended {
		return respondError(c, http.StatusForbidden, "membership suspended")
	}
	session, err := s.providerPasswordGrant(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return s.providerFailure(c, err, "invalid credentials")
	}
	if session.User != nil {
		s.memberships.Link(req.Email, session.User.ID)
	}
	return respondData(c, http.StatusOK, map[string]any{
		"access_token":  session.AccessToken,
		"refresh_token": session.RefreshToken,
		"user":          session.User,
		"roles":         membership.Roles,
	})
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=6"`
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	Phone     string `json:"phone"`
}

func (s *Server) registerEndpoint(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	session, user, err := s.providerSignup(c.Request().Context(), idp.SignUpParams{
		Email:    req.Email,
		Password: req.Password,
		Phone:    req.Phone,
		Data: map[string]any{
			"first_name": req.FirstName,
			"last_name":  req.LastName,
		},
	})
	if err != nil {
		return s.providerFailure(c, err, "registration failed")
	}
	membership := s.memberships.Upsert(Membership{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Roles:     append([]string(nil), s.config.DefaultRoles...),
	})
	if user != nil {
		s.memberships.Link(req.Email, user.ID)
	}
	data := map[string]any{
		"user":  user,
		"roles": membership.Roles,
	}
	if session != nil {
		data["access_token"] = session.AccessToken
		data["refresh_token"] = session.RefreshToken
		data["user"] = session.User
	}
	return respondData(c, http.StatusOK, data)
}

func (s *Server) syncSessionEndpoint(c echo.Context) error {
	claims, err := s.verifyBearer(c)
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "invalid access token")
	}
	email := claimString(claims, "email")
	membership, ok := s.memberships.Get(email)
	if !ok {
		return respondError(c, http.StatusForbidden, "no membership for this workspace")
	}
	if membership.Suspended {
		return respondError(c, http.StatusForbidden, "membership suspended")
	}
	s.memberships.Link(email, claims.Subject())
	// the sync result is top-level, not wrapped in the envelope
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"roles":   membership.Roles,
	})
}

func (s *Server) meEndpoint(c echo.Context) error {
	claims, err := s.verifyBearer(c)
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "invalid access token")
	}
	email := claimString(claims, "email")
	membership, ok := s.memberships.Get(email)
	if !ok {
		return respondError(c, http.StatusForbidden, "no membership for this workspace")
	}
	role := ""
	if len(membership.Roles) > 0 {
		role = membership.Roles[0]
	}
	return respondData(c, http.StatusOK, &authz.Profile{
		ID:           claims.Subject(),
		Email:        membership.Email,
		FirstName:    membership.FirstName,
		LastName:     membership.LastName,
		Role:         role,
		Roles:        membership.Roles,
		AvatarURL:    membership.AvatarURL,
		WarehouseIDs: membership.WarehouseIDs,
		CreatedAt:    membership.CreatedAt,
		UpdatedAt:    membership.UpdatedAt,
	})
}

func (s *Server) logoutEndpoint(c echo.Context) error {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if raw, found := strings.CutPrefix(header, "Bearer "); found {
		s.providerLogout(c.Request().Context(), raw)
	}
	return respondData(c, http.StatusOK, nil)
}

type membershipRequest struct {
	Email        string   `json:"email" validate:"required,email"`
	FirstName    string   `json:"first_name"`
	LastName     string   `json:"last_name"`
	AvatarURL    string   `json:"avatar_url"`
	Roles        []string `json:"roles"`
	WarehouseIDs []string `json:"warehouse_ids"`
	Suspended    bool     `json:"suspended"`
}

// membershipEndpoint is the administrative knob for tenant memberships:
// role grants, warehouse scopes and suspensions all land here.
func (s *Server) membershipEndpoint(c echo.Context) error {
	var req membershipRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	roles := req.Roles
	if len(roles) == 0 {
		roles = append([]string(nil), s.config.DefaultRoles...)
	}
	membership := s.memberships.Upsert(Membership{
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		AvatarURL:    req.AvatarURL,
		Roles:        roles,
		WarehouseIDs: req.WarehouseIDs,
		Suspended:    req.Suspended,
	})
	return respondData(c, http.StatusOK, map[string]any{
		"email":         membership.Email,
		"roles":         membership.Roles,
		"warehouse_ids": membership.WarehouseIDs,
		"suspended":     membership.Suspended,
	})
}

func (s *Server) verifyBearer(c echo.Context) (jwt.Token, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return nil, errors.New("missing bearer token")
	}
	keySet, err := s.keys.Get(c.Request().Context(), s.jwksURI)
	if err != nil {
		return nil, fmt.Errorf("loading signing keys: %w", err)
	}
	parsed, err := jwt.ParseString(raw, jwt.WithKeySet(keySet))
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}
	return parsed, nil
}

func claimString(token jwt.Token, name string) string {
	value, ok := token.Get(name)
	if !ok {
		return ""
	}
	str, _ := value.(string)
	return str
}

// providerFailure translates an identity provider error into the backend's
// envelope, preserving the status class the client keys its behavior on.
func (s *Server) providerFailure(c echo.Context, err error, message string) error {
	var apiErr *idp.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return respondError(c, http.StatusTooManyRequests, "too many attempts, slow down")
		case apiErr.Code == "email_not_confirmed":
			return respondError(c, http.StatusUnauthorized, "e-mail address not confirmed")
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return respondError(c, http.StatusUnauthorized, message)
		}
	}
	slog.Error("identity provider call failed", "error", err)
	return respondError(c, http.StatusBadGateway, "identity provider unavailable")
}

func (s *Server) providerPasswordGrant(ctx context.Context, email, password string) (*idp.Session, error) {
	data, err := s.providerCall(ctx, http.MethodPost, "/token?grant_type=password", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	var session idp.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	return &session, nil
}

func (s *Server) providerSignup(ctx context.Context, params idp.SignUpParams) (*idp.Session, *idp.User, error) {
	data, err := s.providerCall(ctx, http.MethodPost, "/signup", "", params)
	if err != nil {
		return nil, nil, err
	}
	var session idp.Session
	if err := json.Unmarshal(data, &session); err == nil && session.AccessToken != "" {
		return &session, session.User, nil
	}
	var user idp.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, nil, fmt.Errorf("decoding signup response: %w", err)
	}
	return nil, &user, nil
}

func (s *Server) providerLogout(ctx context.Context, accessToken string) {
	if _, err := s.providerCall(ctx, http.MethodPost, "/logout", accessToken, nil); err != nil {
		slog.Warn("identity provider logout failed", "error", err)
	}
}

func (s *Server) providerCall(ctx context.Context, method, path, bearer string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.IdentityProviderURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling identity provider: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &idp.Error{StatusCode: resp.StatusCode}
		json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}
