package events

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Control frame types sent by clients
const (
	ControlPing = "ping"
)

// ConnectionEstablished first frame sent on an admitted connection
type ConnectionEstablished struct {
	ConnectionID    string
	ServerStartTime time.Time
	Message         string
	Timestamp       time.Time
}

// Frame the JSON frame for a topic's resource
func (f ConnectionEstablished) Frame(topic Topic) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		fieldEvent:            "connection_established",
		topic.Class().IDField: topic.ResourceID(),
		"connection_id":       f.ConnectionID,
		"server_start_time":   FormatTimestamp(f.ServerStartTime),
		"message":             f.Message,
		fieldTimestamp:        FormatTimestamp(f.Timestamp),
	})
}

// Inbound frame keys carrying the client clock reading, in lookup order
var clientTimeKeys = []string{"time", "timestamp"}

// ControlFrame an inbound client frame
type ControlFrame struct {
	Type string
	// ClientTime optional client clock reading in whatever form the client
	// sent it, echoed back verbatim on pong
	ClientTime json.RawMessage
}

// ParseControlFrame parse an inbound client frame. Only "type" must be a
// string; every other key is kept as raw JSON. Frames that are not JSON
// objects return an error and should be ignored.
func ParseControlFrame(data []byte) (ControlFrame, error) {
	var frame ControlFrame
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return frame, err
	}
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &frame.Type); err != nil {
			return frame, fmt.Errorf("control frame type: %w", err)
		}
	}
	for _, key := range clientTimeKeys {
		if raw, ok := fields[key]; ok && !isJSONNull(raw) {
			frame.ClientTime = raw
			break
		}
	}
	return frame, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// PongFrame the reply to a client ping
func PongFrame(ping ControlFrame, now time.Time) ([]byte, error) {
	frame := map[string]interface{}{
		fieldEvent:     "pong",
		fieldTimestamp: FormatTimestamp(now),
		"server_time":  FormatTimestamp(now),
	}
	if len(ping.ClientTime) > 0 {
		frame["client_time"] = ping.ClientTime
	}
	return json.Marshal(frame)
}

// ErrorFrame describes why a connection is refused or being closed
type ErrorFrame struct {
	Event     string `json:"event"`
	Detail    string `json:"detail"`
	CloseCode int    `json:"close_code"`
	Timestamp string `json:"timestamp"`
}

// NewErrorFrame define an error frame
func NewErrorFrame(detail string, closeCode int, now time.Time) ErrorFrame {
	return ErrorFrame{
		Event: "error", Detail: detail, CloseCode: closeCode, Timestamp: FormatTimestamp(now),
	}
}

// Frame the JSON encoding of the error frame
func (f ErrorFrame) Frame() ([]byte, error) {
	return json.Marshal(&f)
}
