package relay

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WSObserver adapts a gorilla WebSocket connection into an Observer.
// Concurrent writes are serialized; gorilla connections allow at most one
// in-flight writer.
type WSObserver struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSObserver wraps an upgraded connection. The caller keeps ownership of
// the connection's read side and its close.
func NewWSObserver(conn *websocket.Conn) *WSObserver {
	return &WSObserver{conn: conn}
}

// Send writes the frame as a JSON text message.
func (o *WSObserver) Send(v any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn.WriteJSON(v)
}
