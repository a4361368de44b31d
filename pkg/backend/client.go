// Package backend is the client for the Stocklane application backend,
// which is authoritative for business roles and tenant membership. All
// endpoints speak the {success, data, error} envelope.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/stocklane/authkit/pkg/authz"
	"github.com/stocklane/authkit/pkg/idp"
	"github.com/stocklane/authkit/pkg/util"
)

// Error is the backend's wire error.
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"error,omitempty"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend error: %s", e.Message)
	}
	return fmt.Sprintf("backend error: status %d", e.StatusCode)
}

// IsRejected reports whether the backend explicitly refused the session or
// credentials. Only 401 and 403 count; everything else is treated as the
// backend being unavailable.
func IsRejected(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

func IsRateLimited(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// LoginData is the payload of a successful login: identity-provider tokens
// plus the backend's view of the user and their roles.
type LoginData struct {
	AccessToken  string    `json:"access_token" validate:"required"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	User         *idp.User `json:"user,omitempty"`
	Roles        []string  `json:"roles,omitempty"`
}

// RegisterData mirrors LoginData but tokens are optional: tenants requiring
// e-mail confirmation register the account without opening a session.
type RegisterData struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	User         *idp.User `json:"user,omitempty"`
	Roles        []string  `json:"roles,omitempty"`
}

type RegisterParams struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`
}

type SyncSessionRequest struct {
	UserID string   `json:"userId"`
	Email  string   `json:"email"`
	Role   string   `json:"role,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

type SyncResult struct {
	Success bool     `json:"success"`
	Roles   []string `json:"roles,omitempty"`
}

type Config struct {
	BaseURL    string `yaml:"base_url"`
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("missing backend base URL")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	return &Client{
		baseURL: config.BaseURL,
		http:    config.HTTPClient,
	}, nil
}

// Login authenticates against the backend, which in turn validates the
// credentials with the identity provider and augments the response with the
// tenant's role assignment.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginData, error) {
	data, err := c.call(ctx, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}
	login, err := util.FromJSON[LoginData](data)
	if err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}
	return login, nil
}

func (c *Client) Register(ctx context.Context, params RegisterParams) (*RegisterData, error) {
	data, err := c.call(ctx, http.MethodPost, "/auth/register", "", params)
	if err != nil {
		return nil, fmt.Errorf("registering: %w", err)
	}
	registered, err := util.FromJSON[RegisterData](data)
	if err != nil {
		return nil, fmt.Errorf("decoding register response: %w", err)
	}
	return registered, nil
}

// SyncSession asks the backend to validate an identity-provider session
// against tenant membership. 401/403 mean the session is rejected; any
// other failure means the backend is unavailable and the caller should
// treat the sync as inconclusive.
func (c *Client) SyncSession(ctx context.Context, accessToken string, req SyncSessionRequest) (*SyncResult, error) {
	data, err := c.do(ctx, http.MethodPost, "/auth/sync-session", accessToken, req)
	if err != nil {
		return nil, fmt.Errorf("syncing session: %w", err)
	}
	var result SyncResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding sync response: %w", err)
	}
	return &result, nil
}

// Logout is best-effort; the caller logs failures and proceeds with local
// cleanup regardless.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	if _, err := c.do(ctx, http.MethodPost, "/auth/logout", accessToken, nil); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}

// Me fetches the caller's business profile, including the authoritative
// roles array.
func (c *Client) Me(ctx context.Context, accessToken string) (*authz.Profile, error) {
	data, err := c.call(ctx, http.MethodGet, "/auth/me", accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	profile, err := util.FromJSON[authz.Profile](data)
	if err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return profile, nil
}

// call performs a request and unwraps the {success, data, error} envelope.
func (c *Client) call(ctx context.Context, method, path, bearer string, body any) (json.RawMessage, error) {
	data, err := c.do(ctx, method, path, bearer, body)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding response envelope: %w", err)
	}
	if !env.Success {
		message := env.Error
		if message == "" {
			message = "request failed"
		}
		return nil, &Error{StatusCode: http.StatusOK, Message: message}
	}
	return env.Data, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
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
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var env envelope
		if json.Unmarshal(data, &env) == nil && env.Error != "" {
			apiErr.Message = env.Error
		}
		return nil, apiErr
	}
	return data, nil
}
