package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is the narrow surface the registry needs from a subscriber
// connection. The websocket implementation lives below; tests substitute
// in-memory fakes.
type Transport interface {
	Send(payload []byte) error
	Close() error
	RemoteID() string
}

// gorillaTransport adapts a websocket connection. Writes are serialized
// with a mutex; gorilla connections allow at most one concurrent writer.
type gorillaTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
	id   string
}

// NewTransport wraps an upgraded websocket connection.
func NewTransport(conn *websocket.Conn) Transport {
	return &gorillaTransport{conn: conn, id: conn.RemoteAddr().String()}
}

func (t *gorillaTransport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *gorillaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}

func (t *gorillaTransport) RemoteID() string { return t.id }
