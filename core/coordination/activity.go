package coordination

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cordum/agentlock/core/infra/logging"
)

const activityComponent = "coordination"

var activityUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ActivityHub fans ActivityEvents published by post_status out to every
// connected /api/v1/activity/stream observer. Delivery is best-effort:
// a slow client is dropped rather than allowed to block publication.
type ActivityHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan ActivityEvent
	eventsC chan ActivityEvent
}

// NewActivityHub constructs a hub and starts its broadcast loop.
func NewActivityHub() *ActivityHub {
	h := &ActivityHub{
		clients: make(map[*websocket.Conn]chan ActivityEvent),
		eventsC: make(chan ActivityEvent, 512),
	}
	go h.broadcastLoop()
	return h
}

// Publish is a fire-and-forget side effect; a full events buffer drops
// the event rather than blocking the caller (spec.md §9: activity
// delivery is outside the core's consistency guarantees).
func (h *ActivityHub) Publish(evt ActivityEvent) {
	select {
	case h.eventsC <- evt:
	default:
	}
}

func (h *ActivityHub) broadcastLoop() {
	for evt := range h.eventsC {
		var slow []*websocket.Conn
		h.mu.RLock()
		for conn, ch := range h.clients {
			select {
			case ch <- evt:
			default:
				slow = append(slow, conn)
			}
		}
		h.mu.RUnlock()

		if len(slow) == 0 {
			continue
		}
		h.mu.Lock()
		for _, conn := range slow {
			delete(h.clients, conn)
		}
		h.mu.Unlock()
		for _, conn := range slow {
			_ = conn.Close()
		}
	}
}

// ServeHTTP upgrades the connection and streams ActivityEvents as JSON
// until the client disconnects.
func (h *ActivityHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := activityUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(activityComponent, "ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan ActivityEvent, 100)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		close(ch)
	}()

	for evt := range ch {
		data, err := json.Marshal(evt)
		if err != nil {
			logging.Error(activityComponent, "activity event marshal failed", "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
