package mockidp

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

type realtimeEvent struct {
	Event  string `json:"event"`
	UserID string `json:"user_id,omitempty"`
}

// hub tracks realtime subscribers per user so administrative revocations
// can be pushed to every connected client of that user.
type hub struct {
	lock  sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[string]map[*websocket.Conn]struct{})}
}

func (h *hub) register(userID string, conn *websocket.Conn) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[userID][conn] = struct{}{}
}

func (h *hub) unregister(userID string, conn *websocket.Conn) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.conns[userID], conn)
	if len(h.conns[userID]) == 0 {
		delete(h.conns, userID)
	}
}

func (h *hub) clients(userID string) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.conns[userID])
}

// push writes the event to every connection of userID and reports how many
// clients received it. Write failures only close the broken connection;
// cleanup happens in the read loop.
func (h *hub) push(userID string, event realtimeEvent) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	delivered := 0
	for conn := range h.conns[userID] {
		if err := conn.WriteJSON(event); err != nil {
			slog.Warn("failed to push realtime event", "user_id", userID, "error", err)
			conn.Close()
			continue
		}
		delivered++
	}
	return delivered
}
