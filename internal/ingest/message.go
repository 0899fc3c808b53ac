package ingest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Envelope is the raw unit queued by the broker callback.
type Envelope struct {
	Topic      string
	QoS        byte
	Retained   bool
	Payload    []byte
	ReceivedAt time.Time
}

// Message is the canonical unit flowing through fan-out: a normalised
// payload with its device identity, topic and UTC instant. Payload is a
// map[string]any for object payloads; scalar and text payloads pass
// through bare.
type Message struct {
	DeviceID  string // empty = unknown
	Topic     string
	Timestamp time.Time
	Payload   any
}

// ParsePayload decodes raw broker bytes. Valid UTF-8 JSON yields the decoded
// value; non-JSON text is kept as a single-line string; binary payloads are
// kept as their hex encoding. Nothing here fails.
func ParsePayload(raw []byte) any {
	if !utf8.Valid(raw) {
		return hex.EncodeToString(raw)
	}
	text := string(raw)
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return collapseLines(text)
	}
	if s, ok := v.(string); ok {
		return collapseLines(s)
	}
	return v
}

// collapseLines folds a multi-line string into one line.
func collapseLines(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	s = strings.TrimRight(s, "\r\n")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", " ")
}

// NormalizeTimestamp coerces the accepted timestamp forms to a UTC instant:
// time.Time values, epoch milliseconds (integer, float or numeric string)
// and ISO-8601 strings.
func NormalizeTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case int:
		return time.UnixMilli(int64(t)).UTC(), true
	case int64:
		return time.UnixMilli(t).UTC(), true
	case float64:
		return time.UnixMilli(int64(t)).UTC(), true
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return time.UnixMilli(int64(f)).UTC(), true
		}
		return time.Time{}, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(n).UTC(), true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.UnixMilli(int64(f)).UTC(), true
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// NewMessage builds the canonical message from an assembled payload. Object
// payloads surrender their device id ("id" preferred, "device_id" fallback)
// and, when they carry a parseable "timestamp" field, their own instant;
// otherwise the envelope receive time stands. Scalar payloads pass through
// bare.
func NewMessage(env Envelope, assembled any) Message {
	msg := Message{
		Topic:     env.Topic,
		Timestamp: env.ReceivedAt.UTC(),
	}

	m, ok := assembled.(map[string]any)
	if !ok {
		msg.Payload = assembled
		return msg
	}

	if ts, present := m["timestamp"]; present {
		if t, valid := NormalizeTimestamp(ts); valid {
			msg.Timestamp = t
		}
	}
	if id, present := m["id"]; present {
		msg.DeviceID = stringify(id)
		delete(m, "id")
	}
	if msg.DeviceID == "" {
		if id, present := m["device_id"]; present {
			msg.DeviceID = stringify(id)
			delete(m, "device_id")
		}
	}
	msg.Payload = m
	return msg
}

// stringify renders fragment keys and device ids the way JSON delivered
// them: strings as-is, integers without an exponent, nil as empty. JSON
// numbers decode as float64, so epoch-ms batch ids must not fall into %v's
// scientific notation.
func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	default:
		return fmt.Sprintf("%v", s)
	}
}
