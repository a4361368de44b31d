// Package sessionctl reconciles two independently issued session
// authorities: the external identity provider and the Stocklane backend.
// A provider session becomes authoritative only after the backend has
// validated it; the controller owns the resulting authorization state,
// keeps the session alive and forces sign-out when the backend rejects it.
package sessionctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stocklane/authkit/pkg/authz"
	"github.com/stocklane/authkit/pkg/backend"
	"github.com/stocklane/authkit/pkg/cooldown"
	"github.com/stocklane/authkit/pkg/idp"
	"github.com/stocklane/authkit/pkg/storage"
	"github.com/stocklane/authkit/pkg/token"
)

const (
	keyAccessToken  = "stocklane.auth.access_token"
	keyRefreshToken = "stocklane.auth.refresh_token"
	keyRole         = "stocklane.auth.role"
	keyRoles        = "stocklane.auth.roles"

	syncCooldownKey    = "backend-sync"
	profileCooldownKey = "profile-fetch"

	defaultSyncWindow      = 10 * time.Second
	defaultProfileWindow   = 5 * time.Second
	defaultRefreshInterval = 15 * time.Minute
	defaultBackoffSeed     = time.Minute
	defaultBackoffCap      = 10 * time.Minute
)

type Controller struct {
	idp       *idp.Client
	backend   *backend.Client
	store     storage.Store
	cooldowns *cooldown.Store

	syncWindow      time.Duration
	profileWindow   time.Duration
	refreshInterval time.Duration
	backoffSeed     time.Duration
	backoffCap      time.Duration

	onForcedSignOut func(error)

	// gen is the session epoch, bumped by every sign-out-class transition
	// and every explicit adoption; seq orders events within an epoch. An
	// asynchronous task commits only when its captured gen is still current
	// and no newer event has committed, so a signed-out transition always
	// wins over a late-resolving validation.
	mu        sync.Mutex
	state     State
	version   uint64
	gen       uint64
	seq       uint64
	lastSeq   uint64
	refresher *refresher
	started   bool
	runCtx    context.Context

	subsLock         sync.Mutex
	subs             map[int]chan State
	nextSub          int
	publishedVersion uint64

	cancel context.CancelFunc
	unsub  func()
	done   chan struct{}
}

func New(idpClient *idp.Client, backendClient *backend.Client, store storage.Store, options ...Option) (*Controller, error) {
	if idpClient == nil {
		return nil, errors.New("missing identity provider client")
	}
	if backendClient == nil {
		return nil, errors.New("missing backend client")
	}
	if store == nil {
		return nil, errors.New("missing storage")
	}
	c := &Controller{
		idp:             idpClient,
		backend:         backendClient,
		store:           store,
		cooldowns:       cooldown.NewStore(store),
		syncWindow:      defaultSyncWindow,
		profileWindow:   defaultProfileWindow,
		refreshInterval: defaultRefreshInterval,
		backoffSeed:     defaultBackoffSeed,
		backoffCap:      defaultBackoffCap,
		state:           State{Loading: true},
		subs:            make(map[int]chan State),
		done:            make(chan struct{}),
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}
	return c, nil
}

// Start subscribes to identity events and reconciles the persisted session,
// if any, as the initial event. It must be called before the sign-in and
// sign-up operations.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	events, unsub := c.idp.Subscribe()
	c.unsub = unsub
	c.mu.Unlock()

	go c.run(runCtx, events)
	c.dispatch(idp.Event{Type: idp.EventInitialSession, Session: c.idp.CurrentSession()})
	return nil
}

// Close stops the event loop and the refresher. It does not sign anyone
// out; a restarted controller picks the persisted session back up.
func (c *Controller) Close() {
	c.mu.Lock()
	started := c.started
	cancel := c.cancel
	unsub := c.unsub
	if c.refresher != nil {
		c.refresher.Stop()
		c.refresher = nil
	}
	c.mu.Unlock()
	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	<-c.done
}

// SignIn authenticates with the backend and adopts the session locally:
// login response, token decode, local session construction, authorization
// from the response roles. The identity provider is never called for user
// identity; the constructed session is imported under the provider's
// storage key instead, bypassing the event listener.
func (c *Controller) SignIn(ctx context.Context, email, password string) error {
	if err := c.requireStarted(); err != nil {
		return err
	}
	c.setLoading(true)
	login, err := c.backend.Login(ctx, email, password)
	if err != nil {
		c.setLoading(false)
		return fmt.Errorf("sign-in failed: %w", err)
	}
	if err := c.adoptLogin(login); err != nil {
		c.setLoading(false)
		return err
	}
	return nil
}

// SignUp registers an account. When the backend opens a session right away
// the flow continues exactly as SignIn; otherwise state is left untouched
// for confirmation-pending accounts.
func (c *Controller) SignUp(ctx context.Context, params backend.RegisterParams) error {
	if err := c.requireStarted(); err != nil {
		return err
	}
	c.setLoading(true)
	registered, err := c.backend.Register(ctx, params)
	if err != nil {
		c.setLoading(false)
		return fmt.Errorf("sign-up failed: %w", err)
	}
	if registered.AccessToken == "" {
		c.setLoading(false)
		slog.Info("registration created, awaiting confirmation", "email", params.Email)
		return nil
	}
	login := &backend.LoginData{
		AccessToken:  registered.AccessToken,
		RefreshToken: registered.RefreshToken,
		User:         registered.User,
		Roles:        registered.Roles,
	}
	if err := c.adoptLogin(login); err != nil {
		c.setLoading(false)
		return err
	}
	return nil
}

func (c *Controller) adoptLogin(login *backend.LoginData) error {
	claims, err := token.Decode(login.AccessToken)
	if err != nil {
		// a token we cannot decode means no usable session at all
		return fmt.Errorf("rejecting login response: %w", err)
	}
	session, user := constructLocalSession(claims, login)
	// the documented cross-cutting side effect: the provider client and any
	// code reading its storage key now see this session as current
	if err := c.idp.ImportSession(session); err != nil {
		slog.Warn("failed to import session into identity provider client", "error", err)
	}
	auth := authz.FromRoles(login.Roles, nil)

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.seq++
	c.lastSeq = c.seq
	c.state = State{Session: session, User: user, Authorization: auth}
	c.startRefresherLocked()
	c.version++
	version := c.version
	snapshot := c.state
	c.mu.Unlock()
	c.publish(version, snapshot)

	c.persistTokens(session)
	c.persistRoles(auth.RoleNames())
	// membership was validated by the login itself
	c.cooldowns.RecordAttempt(syncCooldownKey)
	slog.Info("signed in", "user_id", user.ID, "roles", auth.RoleNames())

	go c.fetchProfile(c.runContext(), gen, false)
	return nil
}

// SignOut ends the session everywhere: backend first (best effort, failures
// only logged), then local state, then the identity provider.
func (c *Controller) SignOut(ctx context.Context) error {
	state := c.State()
	if state.Session != nil {
		if err := c.backend.Logout(ctx, state.Session.AccessToken); err != nil {
			slog.Warn("backend logout failed", "error", err)
		}
	}
	c.clearLocalState()
	if err := c.idp.SignOut(ctx); err != nil {
		slog.Warn("identity provider sign-out failed", "error", err)
	}
	return nil
}

// RefreshProfile refetches the business profile immediately. The cooldown
// entry is cleared first; an explicit request is never silently dropped.
func (c *Controller) RefreshProfile(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Session == nil {
		c.mu.Unlock()
		return errors.New("not signed in")
	}
	gen := c.gen
	c.mu.Unlock()
	return c.fetchProfile(ctx, gen, true)
}

// Revalidate re-checks the current session against the backend. Unlike the
// event-driven path it honors the sync cooldown window, so application code
// can call it opportunistically without causing synchronization storms.
func (c *Controller) Revalidate(ctx context.Context) error {
	c.mu.Lock()
	session := c.state.Session
	gen := c.gen
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	if session == nil {
		return errors.New("not signed in")
	}
	if !c.cooldowns.ShouldProceed(syncCooldownKey, c.syncWindow) {
		slog.Debug("session sync inside cooldown window, skipping")
		return nil
	}
	c.validate(ctx, session, gen, seq)
	return nil
}

func (c *Controller) requireStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return errors.New("controller not started")
	}
	return nil
}

func (c *Controller) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

func (c *Controller) setLoading(loading bool) {
	c.mu.Lock()
	if c.state.Loading == loading {
		c.mu.Unlock()
		return
	}
	c.state.Loading = loading
	c.version++
	version := c.version
	snapshot := c.state
	c.mu.Unlock()
	c.publish(version, snapshot)
}

// commitIfCurrent applies a session-level state change if the epoch is
// unchanged and no newer event has committed. The refresher is replaced
// under the same lock, so a timer can never attach to a stale session.
func (c *Controller) commitIfCurrent(gen, seq uint64, startRefresh bool, apply func(*State)) bool {
	c.mu.Lock()
	if c.gen != gen || seq < c.lastSeq {
		c.mu.Unlock()
		return false
	}
	if seq > c.lastSeq {
		c.lastSeq = seq
	}
	apply(&c.state)
	c.state.Loading = false
	if startRefresh {
		c.startRefresherLocked()
	}
	c.version++
	version := c.version
	snapshot := c.state
	c.mu.Unlock()
	c.publish(version, snapshot)
	return true
}

// commitProfile applies a profile within the current epoch. Profile data is
// tied to the session epoch, not to event order; the cooldown window keeps
// concurrent fetches from racing.
func (c *Controller) commitProfile(gen uint64, profile *authz.Profile, auth authz.Authorization) bool {
	c.mu.Lock()
	if c.gen != gen || c.state.Session == nil {
		c.mu.Unlock()
		return false
	}
	c.state.Profile = profile
	c.state.Authorization = auth
	c.version++
	version := c.version
	snapshot := c.state
	c.mu.Unlock()
	c.publish(version, snapshot)
	return true
}

func (c *Controller) clearLocalState() {
	c.mu.Lock()
	version, changed := c.clearLocked()
	snapshot := c.state
	c.mu.Unlock()
	c.dropCachedAuth()
	if changed {
		c.publish(version, snapshot)
	}
}

func (c *Controller) clearIfCurrent(gen uint64) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	version, changed := c.clearLocked()
	snapshot := c.state
	c.mu.Unlock()
	c.dropCachedAuth()
	if changed {
		c.publish(version, snapshot)
	}
	return true
}

// clearLocked drops session, profile, authorization and the refresher, and
// bumps the epoch. Cooldown entries survive; they are never cleared except
// by explicit cache-busting. Caller holds mu.
func (c *Controller) clearLocked() (uint64, bool) {
	alreadyOut := c.state.Session == nil && !c.state.Loading
	c.gen++
	if c.refresher != nil {
		c.refresher.Stop()
		c.refresher = nil
	}
	c.state = State{}
	if alreadyOut {
		return 0, false
	}
	c.version++
	return c.version, true
}

// startRefresherLocked replaces the refresher for a freshly accepted
// session. Caller holds mu.
func (c *Controller) startRefresherLocked() {
	if c.refresher != nil {
		c.refresher.Stop()
	}
	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	r := newRefresher(c.refreshInterval, c.backoffSeed, c.backoffCap, c.refreshSession)
	c.refresher = r
	go r.run(ctx)
}

func (c *Controller) refreshSession(ctx context.Context) error {
	_, err := c.idp.RefreshSession(ctx)
	return err
}

func (c *Controller) persistTokens(session *idp.Session) {
	if err := c.store.Set(keyAccessToken, session.AccessToken); err != nil {
		slog.Warn("failed to cache access token", "error", err)
	}
	if session.RefreshToken != "" {
		if err := c.store.Set(keyRefreshToken, session.RefreshToken); err != nil {
			slog.Warn("failed to cache refresh token", "error", err)
		}
	}
}

func (c *Controller) persistRoles(names []string) {
	if len(names) == 0 {
		return
	}
	data, err := json.Marshal(names)
	if err != nil {
		slog.Warn("failed to encode roles", "error", err)
		return
	}
	if err := c.store.Set(keyRoles, string(data)); err != nil {
		slog.Warn("failed to cache roles", "error", err)
		return
	}
	if err := c.store.Set(keyRole, names[0]); err != nil {
		slog.Warn("failed to cache primary role", "error", err)
	}
}

func (c *Controller) cachedRoles() []string {
	value, err := c.store.Get(keyRoles)
	if err != nil {
		return nil
	}
	var roles []string
	if err := json.Unmarshal([]byte(value), &roles); err != nil {
		slog.Warn("discarding corrupt cached roles", "error", err)
		return nil
	}
	return roles
}

func (c *Controller) cachedRole() string {
	value, err := c.store.Get(keyRole)
	if err != nil {
		return ""
	}
	return value
}

func (c *Controller) dropCachedAuth() {
	for _, key := range []string{keyAccessToken, keyRefreshToken, keyRole, keyRoles} {
		if err := c.store.Delete(key); err != nil {
			slog.Warn("failed to clear cached value", "key", key, "error", err)
		}
	}
}
