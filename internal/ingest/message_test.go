package ingest

import (
	"testing"
	"time"
)

func TestParsePayload(t *testing.T) {
	t.Run("json_object", func(t *testing.T) {
		got := ParsePayload([]byte(`{"va": 228.5, "id": "em01"}`))
		m, ok := got.(map[string]any)
		if !ok {
			t.Fatalf("expected map, got %T", got)
		}
		if m["va"] != 228.5 || m["id"] != "em01" {
			t.Fatalf("unexpected decode: %#v", m)
		}
	})

	t.Run("json_string_collapses_newlines", func(t *testing.T) {
		got := ParsePayload([]byte("\"hello\\nworld\""))
		if got != "hello world" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("plain_text_collapses_newlines", func(t *testing.T) {
		got := ParsePayload([]byte("line one\r\nline two\r\n"))
		if got != "line one line two" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("binary_kept_as_hex", func(t *testing.T) {
		got := ParsePayload([]byte{0xff, 0xfe, 0x01})
		if got != "fffe01" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("json_number_passthrough", func(t *testing.T) {
		got := ParsePayload([]byte("42"))
		if got != float64(42) {
			t.Fatalf("got %v (%T)", got, got)
		}
	})

	t.Run("empty_payload", func(t *testing.T) {
		if got := ParsePayload(nil); got != "" {
			t.Fatalf("got %q", got)
		}
	})
}

func TestNormalizeTimestamp(t *testing.T) {
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ms := want.UnixMilli()

	// Epoch milliseconds must normalise identically whether delivered as a
	// number or as its string form.
	for _, v := range []any{ms, int(ms), float64(ms), "1748779200000"} {
		got, ok := NormalizeTimestamp(v)
		if !ok {
			t.Fatalf("%v (%T): not accepted", v, v)
		}
		if !got.Equal(want) {
			t.Fatalf("%v (%T): got %v, want %v", v, v, got, want)
		}
	}

	t.Run("iso8601", func(t *testing.T) {
		for _, s := range []string{
			"2025-06-01T12:00:00Z",
			"2025-06-01T12:00:00+00:00",
			"2025-06-01T12:00:00",
			"2025-06-01 12:00:00",
		} {
			got, ok := NormalizeTimestamp(s)
			if !ok || !got.Equal(want) {
				t.Fatalf("%q: got %v ok=%v", s, got, ok)
			}
		}
	})

	t.Run("time_value_passthrough", func(t *testing.T) {
		loc := time.FixedZone("BST", 6*3600)
		got, ok := NormalizeTimestamp(want.In(loc))
		if !ok || !got.Equal(want) || got.Location() != time.UTC {
			t.Fatalf("got %v ok=%v", got, ok)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		for _, v := range []any{nil, "", "not a time", true, time.Time{}, []any{1}} {
			if _, ok := NormalizeTimestamp(v); ok {
				t.Fatalf("%v (%T): unexpectedly accepted", v, v)
			}
		}
	})
}

func TestNewMessage(t *testing.T) {
	received := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)
	env := Envelope{Topic: "MQTT_RT_DATA", ReceivedAt: received}

	t.Run("scalar_passthrough", func(t *testing.T) {
		msg := NewMessage(env, "hello")
		if msg.Payload != "hello" || msg.DeviceID != "" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if !msg.Timestamp.Equal(received) {
			t.Fatalf("timestamp = %v, want receive time", msg.Timestamp)
		}
	})

	t.Run("id_extracted_and_removed", func(t *testing.T) {
		msg := NewMessage(env, map[string]any{"id": "em01", "va": 228.5})
		if msg.DeviceID != "em01" {
			t.Fatalf("device id = %q", msg.DeviceID)
		}
		payload := msg.Payload.(map[string]any)
		if _, still := payload["id"]; still {
			t.Fatal("id key should be removed from payload")
		}
		if payload["va"] != 228.5 {
			t.Fatalf("payload lost fields: %#v", payload)
		}
	})

	t.Run("device_id_fallback", func(t *testing.T) {
		msg := NewMessage(env, map[string]any{"device_id": "em02"})
		if msg.DeviceID != "em02" {
			t.Fatalf("device id = %q", msg.DeviceID)
		}
	})

	t.Run("id_wins_over_device_id", func(t *testing.T) {
		msg := NewMessage(env, map[string]any{"id": "a", "device_id": "b"})
		if msg.DeviceID != "a" {
			t.Fatalf("device id = %q", msg.DeviceID)
		}
	})

	t.Run("empty_id_falls_back", func(t *testing.T) {
		msg := NewMessage(env, map[string]any{"id": "", "device_id": "b"})
		if msg.DeviceID != "b" {
			t.Fatalf("device id = %q", msg.DeviceID)
		}
	})

	t.Run("numeric_id_stringified", func(t *testing.T) {
		msg := NewMessage(env, map[string]any{"id": float64(7)})
		if msg.DeviceID != "7" {
			t.Fatalf("device id = %q", msg.DeviceID)
		}
	})

	t.Run("payload_timestamp_wins", func(t *testing.T) {
		reading := time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC)
		msg := NewMessage(env, map[string]any{"timestamp": reading.UnixMilli(), "uab": 398.1})
		if !msg.Timestamp.Equal(reading) {
			t.Fatalf("timestamp = %v, want %v", msg.Timestamp, reading)
		}
	})

	t.Run("unparseable_timestamp_keeps_receive_time", func(t *testing.T) {
		msg := NewMessage(env, map[string]any{"timestamp": "garbage"})
		if !msg.Timestamp.Equal(received) {
			t.Fatalf("timestamp = %v, want receive time", msg.Timestamp)
		}
	})
}

func TestCollapseLines(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"a\nb", "a b"},
		{"a\r\nb\r\n", "a b"},
		{"a\rb", "a b"},
		{"trailing\n\n", "trailing"},
	}
	for _, c := range cases {
		if got := collapseLines(c.in); got != c.want {
			t.Errorf("collapseLines(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{float64(1), "1"},
		{float64(1.5), "1.5"},
		{true, "true"},
	}
	for _, c := range cases {
		if got := stringify(c.in); got != c.want {
			t.Errorf("stringify(%v) = %q, want %q", c.in, got, c.want)
		}
	}
	// Guard the fragment-key contract: JSON integers decode as float64 and
	// must render without an exponent or decimal point.
	if got := stringify(float64(1748779200000)); got != "1748779200000" {
		t.Errorf("large batch id rendered as %q", got)
	}
}
