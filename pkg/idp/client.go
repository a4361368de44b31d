// Package idp is the client for the Stocklane identity provider. It manages
// the provider session (password and refresh grants, sign-out), persists the
// session blob in client-side storage, and publishes auth change events to
// subscribers.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/stocklane/authkit/pkg/storage"
	"github.com/stocklane/authkit/pkg/util"
)

const DefaultStorageKey = "stocklane.idp.session"

// Error is the provider's wire error. The token endpoint uses the
// error/error_description pair, everything else uses msg.
type Error struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"error,omitempty"`
	Description string `json:"error_description,omitempty"`
	Message     string `json:"msg,omitempty"`
}

func (e *Error) Error() string {
	switch {
	case e.Description != "":
		return fmt.Sprintf("identity provider error: %s: %s", e.Code, e.Description)
	case e.Message != "":
		return fmt.Sprintf("identity provider error: %s", e.Message)
	default:
		return fmt.Sprintf("identity provider error: status %d", e.StatusCode)
	}
}

// IsRateLimited reports whether err is the provider telling us to slow down.
func IsRateLimited(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.Code == "over_request_rate_limit"
}

type Config struct {
	BaseURL    string `yaml:"base_url"`
	StorageKey string `yaml:"storage_key"`
	HTTPClient *http.Client
	Storage    storage.Store
}

type Client struct {
	baseURL    string
	storageKey string
	http       *http.Client
	store      storage.Store

	lock    sync.RWMutex
	current *Session

	subsLock sync.Mutex
	subs     map[int]chan Event
	nextSub  int

	realtimeRetry time.Duration
}

func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("missing identity provider base URL")
	}
	if config.Storage == nil {
		return nil, errors.New("missing storage")
	}
	if config.StorageKey == "" {
		config.StorageKey = DefaultStorageKey
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	c := &Client{
		baseURL:       config.BaseURL,
		storageKey:    config.StorageKey,
		http:          config.HTTPClient,
		store:         config.Storage,
		subs:          make(map[int]chan Event),
		realtimeRetry: 5 * time.Second,
	}
	c.loadSession()
	return c, nil
}

// CurrentSession returns the session as last persisted, or nil when signed
// out. Restored sessions may be expired; callers decide whether to refresh.
func (c *Client) CurrentSession() *Session {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.current
}

// SignInWithPassword performs the password grant and publishes SIGNED_IN.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	session, err := c.token(ctx, "password", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}
	c.setSession(session, EventSignedIn)
	return session, nil
}

type SignUpParams struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Phone    string         `json:"phone,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// SignUp registers a new account. When the provider auto-confirms it
// responds with a full session, which becomes current; otherwise only the
// pending user record is returned.
func (c *Client) SignUp(ctx context.Context, params SignUpParams) (*Session, *User, error) {
	data, err := c.do(ctx, http.MethodPost, "/signup", "", params)
	if err != nil {
		return nil, nil, fmt.Errorf("signing up: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err == nil && session.AccessToken != "" {
		applyExpiry(&session)
		c.setSession(&session, EventSignedIn)
		return &session, session.User, nil
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, nil, fmt.Errorf("decoding signup response: %w", err)
	}
	return nil, &user, nil
}

// RefreshSession redeems the current refresh token for a new session and
// publishes TOKEN_REFRESHED.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	current := c.CurrentSession()
	if current == nil || current.RefreshToken == "" {
		return nil, errors.New("no session to refresh")
	}
	session, err := c.token(ctx, "refresh_token", map[string]string{
		"refresh_token": current.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}
	c.setSession(session, EventTokenRefreshed)
	return session, nil
}

// SignOut revokes the session with the provider (best effort), clears the
// persisted blob and publishes SIGNED_OUT.
func (c *Client) SignOut(ctx context.Context) error {
	current := c.CurrentSession()
	if current != nil {
		if _, err := c.do(ctx, http.MethodPost, "/logout", current.AccessToken, nil); err != nil {
			slog.Warn("identity provider logout failed", "error", err)
		}
	}
	c.clearSession()
	return nil
}

// ImportSession adopts a session that was issued and validated elsewhere,
// for example constructed locally from a backend login response. The session
// is persisted under the provider's storage key so every other consumer of
// this client, including code that reads the blob straight from storage,
// sees it as the current session. No auth event is published; importing is
// the explicit-sign-in path that bypasses the event listener.
func (c *Client) ImportSession(session *Session) error {
	if session == nil || session.AccessToken == "" {
		return errors.New("cannot import an empty session")
	}
	c.lock.Lock()
	c.current = session
	c.lock.Unlock()
	if err := c.persist(session); err != nil {
		return fmt.Errorf("persisting imported session: %w", err)
	}
	return nil
}

// UserInfo fetches the account record for the current access token.
func (c *Client) UserInfo(ctx context.Context) (*User, error) {
	current := c.CurrentSession()
	if current == nil {
		return nil, errors.New("no current session")
	}
	data, err := c.do(ctx, http.MethodGet, "/user", current.AccessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching user info: %w", err)
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decoding user info: %w", err)
	}
	return &user, nil
}

// Profile fetches the provider-side profile record for a user id.
func (c *Client) Profile(ctx context.Context, id string) (*Profile, error) {
	current := c.CurrentSession()
	if current == nil {
		return nil, errors.New("no current session")
	}
	data, err := c.do(ctx, http.MethodGet, "/profiles/"+id, current.AccessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching profile %s: %w", id, err)
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return &profile, nil
}

func (c *Client) token(ctx context.Context, grantType string, body any) (*Session, error) {
	data, err := c.do(ctx, http.MethodPost, "/token?grant_type="+grantType, "", body)
	if err != nil {
		return nil, err
	}
	session, err := util.FromJSON[Session](data)
	if err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	applyExpiry(session)
	return session, nil
}

func applyExpiry(session *Session) {
	if session.ExpiresAt == 0 && session.ExpiresIn > 0 {
		session.ExpiresAt = time.Now().Unix() + session.ExpiresIn
	}
}

func (c *Client) setSession(session *Session, eventType EventType) {
	c.lock.Lock()
	c.current = session
	c.lock.Unlock()
	if err := c.persist(session); err != nil {
		slog.Warn("failed to persist session", "error", err)
	}
	c.emit(eventType, session)
}

func (c *Client) clearSession() {
	c.lock.Lock()
	c.current = nil
	c.lock.Unlock()
	if err := c.store.Delete(c.storageKey); err != nil {
		slog.Warn("failed to delete persisted session", "error", err)
	}
	c.emit(EventSignedOut, nil)
}

func (c *Client) persist(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return c.store.Set(c.storageKey, string(data))
}

func (c *Client) loadSession() {
	blob, err := c.store.Get(c.storageKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("failed to read persisted session", "error", err)
		}
		return
	}
	var session Session
	if err := json.Unmarshal([]byte(blob), &session); err != nil || session.AccessToken == "" {
		slog.Warn("discarding corrupt persisted session", "error", err)
		c.store.Delete(c.storageKey)
		return
	}
	c.current = &session
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
		return nil, fmt.Errorf("calling identity provider: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}
