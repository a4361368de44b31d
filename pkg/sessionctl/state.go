package sessionctl

import (
	"log/slog"

	"github.com/stocklane/authkit/pkg/authz"
	"github.com/stocklane/authkit/pkg/idp"
)

// State is the externally observable authentication state. It is replaced
// wholesale on every transition and published to subscribers.
type State struct {
	Session       *idp.Session
	User          *idp.User
	Profile       *authz.Profile
	Authorization authz.Authorization
	Loading       bool
}

func (s State) SignedIn() bool {
	return s.Session != nil
}

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a listener for state changes. The returned function
// unsubscribes and closes the channel.
func (c *Controller) Subscribe() (<-chan State, func()) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan State, 16)
	c.subs[id] = ch
	return ch, func() {
		c.subsLock.Lock()
		defer c.subsLock.Unlock()
		if existing, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(existing)
		}
	}
}

// publish fans out a state snapshot. Versions keep concurrent commits from
// delivering an older snapshot after a newer one.
func (c *Controller) publish(version uint64, state State) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()
	if version <= c.publishedVersion {
		return
	}
	c.publishedVersion = version
	for id, ch := range c.subs {
		select {
		case ch <- state:
		default:
			slog.Warn("dropping state update for slow subscriber", "subscriber", id)
		}
	}
}

// HasRole reports whether the current authorization carries role, with the
// admin override applied.
func (c *Controller) HasRole(role authz.Role) bool {
	return c.State().Authorization.HasRole(role)
}

func (c *Controller) HasAnyRole(roles ...authz.Role) bool {
	return c.State().Authorization.HasAnyRole(roles...)
}

func (c *Controller) HasWarehouseAccess(id string) bool {
	return c.State().Authorization.HasWarehouseAccess(id)
}

// Warehouses returns the warehouse ids in scope for the current user.
func (c *Controller) Warehouses() []string {
	auth := c.State().Authorization
	warehouses := make([]string, len(auth.Warehouses))
	copy(warehouses, auth.Warehouses)
	return warehouses
}
