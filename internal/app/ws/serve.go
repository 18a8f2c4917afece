package ws

import (
	"context"

	"github.com/gorilla/websocket"
)

// Serve registers the upgraded connection and pumps its inbound frames
// until the peer goes away. Blocks; run it on the connection's handler
// goroutine.
func (r *Registry) Serve(ctx context.Context, conn *websocket.Conn) {
	t := NewTransport(conn)
	remoteID := t.RemoteID()

	// Control-frame pongs count as liveness too, alongside the
	// application-level ack frames.
	conn.SetPongHandler(func(string) error {
		r.Touch(remoteID)
		return nil
	})

	r.Add(ctx, t)
	defer r.Remove(remoteID)

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.WithError(err).WithField("remote", remoteID).Warn("read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		r.HandleInbound(ctx, remoteID, payload)
	}
}
