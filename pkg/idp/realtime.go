package idp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type realtimeMessage struct {
	Event  string `json:"event"`
	UserID string `json:"user_id,omitempty"`
}

// StartRealtime maintains a websocket connection to the provider's realtime
// endpoint in the background until ctx is cancelled. A server-pushed
// SIGNED_OUT (administrative revocation) clears the local session and
// publishes the matching auth event.
func (c *Client) StartRealtime(ctx context.Context) {
	go c.runRealtime(ctx)
}

func (c *Client) runRealtime(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		session := c.CurrentSession()
		if session == nil {
			if !sleepCtx(ctx, c.realtimeRetry) {
				return
			}
			continue
		}
		if err := c.watchRealtime(ctx, session.AccessToken); err != nil && ctx.Err() == nil {
			slog.Warn("realtime connection lost", "error", err)
		}
		if !sleepCtx(ctx, c.realtimeRetry) {
			return
		}
	}
}

func (c *Client) watchRealtime(ctx context.Context, accessToken string) error {
	endpoint := websocketURL(c.baseURL) + "/realtime?access_token=" + url.QueryEscape(accessToken)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing realtime endpoint: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	slog.Debug("realtime connection established")
	for {
		var msg realtimeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading realtime message: %w", err)
		}
		switch msg.Event {
		case string(EventSignedOut):
			slog.Info("session revoked by identity provider", "user_id", msg.UserID)
			c.clearSession()
			return nil
		case string(EventUserUpdated):
			c.emit(EventUserUpdated, c.CurrentSession())
		default:
			slog.Debug("ignoring realtime event", "event", msg.Event)
		}
	}
}

func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
