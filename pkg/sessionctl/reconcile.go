package sessionctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stocklane/authkit/pkg/authz"
	"github.com/stocklane/authkit/pkg/backend"
	"github.com/stocklane/authkit/pkg/idp"
)

// run consumes identity events until the context is cancelled or the
// provider closes the stream.
func (c *Controller) run(ctx context.Context, events <-chan idp.Event) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.dispatch(event)
		}
	}
}

// dispatch routes one identity event. Signed-out transitions are applied
// inline so they always win over in-flight validations; session-carrying
// events are validated on their own goroutine.
func (c *Controller) dispatch(event idp.Event) {
	if event.Session == nil || event.Type == idp.EventSignedOut {
		slog.Debug("identity event clears session", "event", event.Type, "id", event.ID)
		c.clearLocalState()
		return
	}
	c.mu.Lock()
	gen := c.gen
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	slog.Debug("identity event queued for validation",
		"event", event.Type, "id", event.ID, "seq", seq)
	ctx := c.runContext()
	session := event.Session
	go func() {
		// identity events bypass the sync window, but the attempt still
		// counts against it
		c.cooldowns.RecordAttempt(syncCooldownKey)
		c.validate(ctx, session, gen, seq)
	}()
}

// validate asks the backend whether the session belongs to a live
// membership and commits the verdict: accepted, rejected or degraded.
func (c *Controller) validate(ctx context.Context, session *idp.Session, gen, seq uint64) {
	user := session.User
	request := backend.SyncSessionRequest{
		Role:  c.cachedRole(),
		Roles: c.cachedRoles(),
	}
	if user != nil {
		request.UserID = user.ID
		request.Email = user.Email
	}
	result, err := c.backend.SyncSession(ctx, session.AccessToken, request)
	if err != nil {
		if backend.IsRejected(err) {
			slog.Warn("backend rejected session", "user_id", request.UserID, "error", err)
			c.forceSignOut(ctx, gen, fmt.Errorf("session rejected by backend: %w", err))
			return
		}
		// inconclusive: network trouble or server error is no evidence the
		// membership is gone, keep the session and try again later
		slog.Warn("session sync inconclusive, keeping local session", "error", err)
		cached := c.cachedRoles()
		c.commitIfCurrent(gen, seq, true, func(s *State) {
			s.Session = session
			s.User = user
			if s.Profile == nil && len(s.Authorization.Roles) == 0 && len(cached) > 0 {
				s.Authorization = authz.FromRoles(cached, nil)
			}
		})
		return
	}
	if !result.Success && len(result.Roles) == 0 {
		slog.Warn("backend refused session", "user_id", request.UserID)
		c.forceSignOut(ctx, gen, errors.New("session rejected by backend"))
		return
	}
	if !result.Success {
		slog.Warn("sync reported failure but returned roles, treating as accepted",
			"roles", result.Roles)
	}
	roles := result.Roles
	committed := c.commitIfCurrent(gen, seq, true, func(s *State) {
		s.Session = session
		s.User = user
		if s.Profile == nil && len(roles) > 0 {
			s.Authorization = authz.FromRoles(roles, nil)
		}
	})
	if !committed {
		slog.Debug("discarding stale session validation", "seq", seq)
		return
	}
	c.persistTokens(session)
	if len(roles) > 0 {
		c.persistRoles(roles)
	}
	go c.fetchProfile(ctx, gen, false)
}

// forceSignOut applies the rejected verdict: clear local state, terminate
// the identity-provider session, notify the application. A stale epoch
// means a newer transition already won and nothing happens.
func (c *Controller) forceSignOut(ctx context.Context, gen uint64, reason error) {
	if !c.clearIfCurrent(gen) {
		return
	}
	if err := c.idp.SignOut(ctx); err != nil {
		slog.Warn("identity provider sign-out failed", "error", err)
	}
	if c.onForcedSignOut != nil {
		c.onForcedSignOut(reason)
	}
}

// fetchProfile loads the business profile and re-derives authorization from
// it. force clears the cooldown entry first; otherwise fetches inside the
// window are dropped.
func (c *Controller) fetchProfile(ctx context.Context, gen uint64, force bool) error {
	if force {
		c.cooldowns.Clear(profileCooldownKey)
	}
	if !c.cooldowns.ShouldProceed(profileCooldownKey, c.profileWindow) {
		slog.Debug("profile fetch inside cooldown window, skipping")
		return nil
	}
	c.mu.Lock()
	if c.gen != gen || c.state.Session == nil {
		c.mu.Unlock()
		return nil
	}
	accessToken := c.state.Session.AccessToken
	var userID string
	if c.state.User != nil {
		userID = c.state.User.ID
	}
	c.mu.Unlock()

	profile, err := c.backend.Me(ctx, accessToken)
	if err != nil {
		slog.Warn("profile fetch failed, falling back to identity provider", "error", err)
		fallback, fallbackErr := c.idp.Profile(ctx, userID)
		if fallbackErr != nil {
			// a failed refetch must not blank out a profile we already have
			slog.Warn("profile fallback failed, keeping existing profile", "error", fallbackErr)
			return fmt.Errorf("fetching profile: %w", err)
		}
		profile = &authz.Profile{
			ID:        fallback.ID,
			Email:     fallback.Email,
			FirstName: fallback.FirstName,
			LastName:  fallback.LastName,
			Role:      fallback.Role,
			AvatarURL: fallback.AvatarURL,
		}
	}
	auth := authz.Derive(profile)
	if !c.commitProfile(gen, profile, auth) {
		slog.Debug("discarding stale profile fetch")
		return nil
	}
	c.persistRoles(auth.RoleNames())
	return nil
}
