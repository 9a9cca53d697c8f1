package broadcast

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/recoverylab/validator/internal/model"
)

const defaultWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// WSSubscriber writes events to a single websocket connection.
type WSSubscriber struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func NewWSSubscriber(conn *websocket.Conn, writeTimeout time.Duration) *WSSubscriber {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WSSubscriber{conn: conn, writeTimeout: writeTimeout}
}

func (s *WSSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *WSSubscriber) Close() error {
	return s.conn.Close()
}

// SnapshotFunc passes the current state event to register. It must hold
// whatever lock orders state changes while register runs, so a change made
// after the snapshot is always broadcast after it.
type SnapshotFunc func(register func(ev model.Event))

// ServeWS upgrades the request and registers the connection with the hub
// until the peer goes away. When snapshot is set, the connection receives
// the snapshot event first and is registered atomically with it. Inbound
// messages are read and discarded.
func (h *Hub) ServeWS(snapshot SnapshotFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("Failed to upgrade the websocket", "error", err)
			return
		}
		sub := NewWSSubscriber(conn, defaultWriteTimeout)

		var id string
		if snapshot != nil {
			snapshot(func(ev model.Event) {
				id, err = h.AddWithSnapshot(sub, ev)
			})
			if err != nil {
				slog.Warn("Failed to send personal snapshot", "error", err)
				_ = sub.Close()
				return
			}
		}
		if id == "" {
			id = h.Add(sub)
		}
		defer h.Remove(id)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				slog.Debug("Websocket read ended", "id", id, "error", err)
				_ = sub.Close()
				return
			}
			slog.Debug("Received websocket message", "id", id, "bytes", len(data))
		}
	}
}
