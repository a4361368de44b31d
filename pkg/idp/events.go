package idp

import (
	"log/slog"

	"github.com/segmentio/ksuid"
)

type EventType string

const (
	EventInitialSession EventType = "INITIAL_SESSION"
	EventSignedIn       EventType = "SIGNED_IN"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventUserUpdated    EventType = "USER_UPDATED"
	EventSignedOut      EventType = "SIGNED_OUT"
)

// Event is one entry of the auth change stream. Session is nil for
// signed-out events.
type Event struct {
	ID      string
	Type    EventType
	Session *Session
}

// Subscribe registers a listener for auth change events. The returned
// function unsubscribes and closes the channel.
func (c *Client) Subscribe() (<-chan Event, func()) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 16)
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

func (c *Client) emit(eventType EventType, session *Session) {
	event := Event{
		ID:      ksuid.New().String(),
		Type:    eventType,
		Session: session,
	}
	c.subsLock.Lock()
	defer c.subsLock.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- event:
		default:
			slog.Warn("dropping auth event for slow subscriber", "subscriber", id, "event", eventType)
		}
	}
}
