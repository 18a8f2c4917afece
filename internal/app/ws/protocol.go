package ws

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/chenchen71956/ContribTracker/internal/app/domain/contribution"
)

// Message kinds exchanged with subscribers. Inbound: ping, pong, ack,
// check, check_data. Outbound: ping, pong, all_data, update_data, error.
const (
	KindPing       = "ping"
	KindPong       = "pong"
	KindAck        = "ack"
	KindCheck      = "check"
	KindCheckData  = "check_data"
	KindAllData    = "all_data"
	KindUpdateData = "update_data"
	KindError      = "error"
)

type frame struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// kindOf sniffs the type field without decoding the whole payload.
func kindOf(payload []byte) string {
	return gjson.GetBytes(payload, "type").String()
}

// PingFrame is the heartbeat probe sent to every subscriber.
func PingFrame() []byte {
	b, _ := json.Marshal(frame{Type: KindPing})
	return b
}

// PongFrame answers an application-level ping from a subscriber.
func PongFrame() []byte {
	b, _ := json.Marshal(frame{Type: KindPong})
	return b
}

// AllDataFrame carries the full contribution listing.
func AllDataFrame(all []contribution.Contribution) ([]byte, error) {
	if all == nil {
		all = []contribution.Contribution{}
	}
	return json.Marshal(frame{Type: KindAllData, Data: all})
}

// UpdateDataFrame carries one freshly hydrated contribution snapshot.
func UpdateDataFrame(c *contribution.Contribution) ([]byte, error) {
	return json.Marshal(frame{Type: KindUpdateData, Data: c})
}

// ErrorFrame reports a failure to a single subscriber.
func ErrorFrame(msg string) []byte {
	b, _ := json.Marshal(frame{Type: KindError, Message: msg})
	return b
}
