// Package telemetry implements the Telemetry Ingress (spec §4.10):
// dedup of repeated step updates and websocket fan-out to subscribers.
package telemetry

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans out JSON messages to websocket subscribers grouped by
// topic, keyed `job_telemetry:<job_id>` and the global `jobs_list`
// topic (spec §4.10).
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*websocket.Conn]struct{})}
}

// Subscribe registers conn under topic; the caller owns conn's
// lifecycle and must call Unsubscribe on disconnect.
func (h *Hub) Subscribe(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*websocket.Conn]struct{})
	}
	h.subs[topic][conn] = struct{}{}
}

func (h *Hub) Unsubscribe(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[topic], conn)
}

// Publish JSON-encodes msg and writes it to every subscriber of topic.
// A write failure drops that subscriber; Publish never blocks on a
// slow reader beyond one write's deadline handling inside gorilla's
// connection.
func (h *Hub) Publish(topic string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.subs[topic]))
	for c := range h.subs[topic] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			h.Unsubscribe(topic, c)
		}
	}
	return nil
}
