package events

import (
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

const (
	fieldEvent     = "event"
	fieldTimestamp = "timestamp"
)

// TimestampFormat the wire timestamp layout
const TimestampFormat = time.RFC3339Nano

// FormatTimestamp render a time for the wire
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// Envelope one job-progress event. Envelopes are never modified after creation;
// the With* methods return copies.
type Envelope struct {
	topic     Topic
	kind      string
	timestamp time.Time
	sequence  uint64
	fields    map[string]json.RawMessage
}

// NewEnvelope define a new event on a topic. The values of fields are JSON encoded.
//
// The reserved keys "event", "timestamp" and the class id field are ignored in fields.
func NewEnvelope(
	topic Topic, kind string, timestamp time.Time, fields map[string]interface{},
) (Envelope, error) {
	if kind == "" {
		return Envelope{}, fmt.Errorf("%w: empty event kind", ErrInvalidEnvelope)
	}
	if _, err := ParseTopic(string(topic)); err != nil {
		return Envelope{}, err
	}
	encoded := make(map[string]json.RawMessage, len(fields))
	for name, value := range fields {
		if isReserved(topic, name) {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode field '%s': %w", name, err)
		}
		encoded[name] = raw
	}
	return Envelope{
		topic: topic, kind: kind, timestamp: timestamp.UTC(), fields: encoded,
	}, nil
}

// ParseEnvelope parse a bus message body published for a topic
//
// The body must be a JSON object with a string "event". A missing or malformed
// "timestamp" is replaced by receivedAt.
func ParseEnvelope(topic Topic, body []byte, receivedAt time.Time) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrInvalidEnvelope, err.Error())
	}
	if raw == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrInvalidEnvelope)
	}
	var kind string
	if err := json.Unmarshal(raw[fieldEvent], &kind); err != nil || kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing event kind", ErrInvalidEnvelope)
	}
	timestamp := receivedAt
	if tsRaw, ok := raw[fieldTimestamp]; ok {
		var tsString string
		if err := json.Unmarshal(tsRaw, &tsString); err == nil {
			if parsed, err := time.Parse(time.RFC3339Nano, tsString); err == nil {
				timestamp = parsed
			}
		}
	}
	for name := range raw {
		if isReserved(topic, name) {
			delete(raw, name)
		}
	}
	return Envelope{
		topic: topic, kind: kind, timestamp: timestamp.UTC(), fields: raw,
	}, nil
}

func isReserved(topic Topic, name string) bool {
	return name == fieldEvent || name == fieldTimestamp || name == topic.Class().IDField
}

// Topic the event's topic
func (e Envelope) Topic() Topic {
	return e.topic
}

// Kind the event kind, e.g. "processing_started"
func (e Envelope) Kind() string {
	return e.kind
}

// Timestamp when the event was produced
func (e Envelope) Timestamp() time.Time {
	return e.timestamp
}

// Sequence position of the event in the replay store. Zero when not yet stored.
func (e Envelope) Sequence() uint64 {
	return e.sequence
}

// WithSequence copy of the envelope stamped with a store sequence
func (e Envelope) WithSequence(seq uint64) Envelope {
	e.sequence = seq
	return e
}

// Field a kind-specific field in its JSON encoding
func (e Envelope) Field(name string) (json.RawMessage, bool) {
	v, ok := e.fields[name]
	return v, ok
}

// FieldNames the kind-specific field names, sorted
func (e Envelope) FieldNames() []string {
	names := make([]string, 0, len(e.fields))
	for name := range e.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Frame the JSON frame sent to clients, which is also the bus message body
//
// {"event": kind, "<id field>": resource id, ...fields, "timestamp": RFC3339}
func (e Envelope) Frame() ([]byte, error) {
	frame := make(map[string]json.RawMessage, len(e.fields)+3)
	for name, value := range e.fields {
		frame[name] = value
	}
	var err error
	if frame[fieldEvent], err = json.Marshal(e.kind); err != nil {
		return nil, err
	}
	if frame[e.topic.Class().IDField], err = json.Marshal(e.topic.ResourceID()); err != nil {
		return nil, err
	}
	if frame[fieldTimestamp], err = json.Marshal(FormatTimestamp(e.timestamp)); err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}
