package realtime

import (
	"encoding/json"
	"errors"
	"time"
)

// Message is an open event envelope. It always carries a "type" field and a
// "timestamp"; every other field is defined by the event.
type Message map[string]interface{}

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
)

var errMissingType = errors.New("message has no type")

// NewMessage builds a message of the given type with extra fields.
func NewMessage(msgType string, fields map[string]interface{}) Message {
	m := make(Message, len(fields)+2)
	for k, v := range fields {
		m[k] = v
	}
	m["type"] = msgType
	return m
}

// Type returns the discriminator, empty when absent or not a string.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// String returns a string field.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// stamped returns a copy with a timestamp when the caller did not set one.
func (m Message) stamped(now time.Time) Message {
	out := make(Message, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	if _, ok := out["timestamp"]; !ok {
		out["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// parseMessage decodes an inbound frame. Frames that are not JSON objects
// with a string type are rejected.
func parseMessage(data []byte, now time.Time) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil || m.Type() == "" {
		return nil, errMissingType
	}
	if _, ok := m["timestamp"]; !ok {
		m["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	}
	return m, nil
}

func controlMessage(msgType, key, value string) Message {
	return Message{"type": msgType, key: value}
}
