package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cccl/gp-engine/internal/ingest"
	"github.com/cccl/gp-engine/internal/tcpserver"
)

type fakeChecker struct{ err error }

func (f *fakeChecker) HealthCheck(context.Context) error { return f.err }

type fakeMQTT struct{ connected bool }

func (f *fakeMQTT) IsConnected() bool { return f.connected }

type fakeIngest struct{ stats ingest.Stats }

func (f *fakeIngest) Stats() ingest.Stats { return f.stats }

type fakeTCP struct{ stats tcpserver.Stats }

func (f *fakeTCP) Stats() tcpserver.Stats { return f.stats }

func healthOptions() Options {
	return Options{
		Store: &fakeChecker{},
		Redis: &fakeChecker{},
		MQTT:  &fakeMQTT{connected: true},
		Ingest: &fakeIngest{stats: ingest.Stats{
			Received:     10,
			Processed:    8,
			Invalid:      1,
			Dropped:      1,
			FanoutErrors: 2,
			QueueSize:    3,
			LastMessage:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}},
		TCP: &fakeTCP{stats: tcpserver.Stats{
			Accepted:          4,
			ActiveConnections: 2,
			Timeouts:          1,
			Commits:           7,
			ParseErrors:       1,
			InsertErrors:      1,
			BatchesFlushed:    5,
			WriterQueue:       6,
		}},
		Version:   "1.2.3",
		StartTime: time.Now().Add(-10 * time.Second),
	}
}

func getHealth(t *testing.T, h *HealthHandler) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("health response is not valid JSON: %v", err)
	}
	return rec.Code, resp
}

func TestHealthAllHealthy(t *testing.T) {
	code, resp := getHealth(t, NewHealthHandler(healthOptions()))

	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected healthy, got %q", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q", resp.Version)
	}
	if resp.UptimeSeconds < 9 {
		t.Errorf("uptime_seconds = %d, expected >= 9", resp.UptimeSeconds)
	}
	for _, check := range []string{"database", "redis", "mqtt", "tcp"} {
		if resp.Checks[check] != "ok" {
			t.Errorf("checks[%s] = %q, expected ok", check, resp.Checks[check])
		}
	}

	if resp.Ingest == nil {
		t.Fatal("expected ingest section")
	}
	if !resp.Ingest.Connected {
		t.Error("ingest.connected should be true")
	}
	if resp.Ingest.QueueSize != 3 || resp.Ingest.Dropped != 1 || resp.Ingest.FanoutErrors != 2 {
		t.Errorf("ingest counters wrong: %+v", resp.Ingest)
	}
	if resp.Ingest.LastMessage != "2026-03-01T12:00:00Z" {
		t.Errorf("last_message = %q", resp.Ingest.LastMessage)
	}

	if resp.TCP == nil {
		t.Fatal("expected tcp section")
	}
	if resp.TCP.ConnectionsTotal != 4 || resp.TCP.ActiveConnections != 2 {
		t.Errorf("tcp connection counters wrong: %+v", resp.TCP)
	}
	if resp.TCP.MessagesQueued != 7 || resp.TCP.BatchesFlushed != 5 || resp.TCP.MongoErrorsTotal != 1 {
		t.Errorf("tcp writer counters wrong: %+v", resp.TCP)
	}
}

// The counter names are a wire contract with the dashboards; pin them.
func TestHealthCounterNames(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(healthOptions()).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	ingestSection, ok := body["ingest"].(map[string]any)
	if !ok {
		t.Fatalf("missing ingest section: %v", body)
	}
	for _, key := range []string{"connected", "last_message", "dropped", "fanout_errors", "queue_size"} {
		if _, ok := ingestSection[key]; !ok {
			t.Errorf("ingest section missing %q", key)
		}
	}

	tcpSection, ok := body["tcp"].(map[string]any)
	if !ok {
		t.Fatalf("missing tcp section: %v", body)
	}
	for _, key := range []string{
		"connections_total", "active_connections", "timeouts_total", "messages_queued",
		"parse_errors_total", "mongo_errors_total", "batches_flushed", "queue_size",
	} {
		if _, ok := tcpSection[key]; !ok {
			t.Errorf("tcp section missing %q", key)
		}
	}
}

func TestHealthDegraded(t *testing.T) {
	t.Run("mqtt_disconnected", func(t *testing.T) {
		opts := healthOptions()
		opts.MQTT = &fakeMQTT{connected: false}
		code, resp := getHealth(t, NewHealthHandler(opts))
		if code != http.StatusOK {
			t.Errorf("degraded should still be 200, got %d", code)
		}
		if resp.Status != "degraded" {
			t.Errorf("expected degraded, got %q", resp.Status)
		}
		if resp.Checks["mqtt"] != "disconnected" {
			t.Errorf("checks[mqtt] = %q", resp.Checks["mqtt"])
		}
		if resp.Ingest.Connected {
			t.Error("ingest.connected should be false")
		}
	})

	t.Run("redis_error", func(t *testing.T) {
		opts := healthOptions()
		opts.Redis = &fakeChecker{err: errors.New("connection refused")}
		code, resp := getHealth(t, NewHealthHandler(opts))
		if code != http.StatusOK {
			t.Errorf("degraded should still be 200, got %d", code)
		}
		if resp.Status != "degraded" {
			t.Errorf("expected degraded, got %q", resp.Status)
		}
		if resp.Checks["redis"] != "error" {
			t.Errorf("checks[redis] = %q", resp.Checks["redis"])
		}
	})
}

func TestHealthUnhealthyWhenStoreDown(t *testing.T) {
	opts := healthOptions()
	opts.Store = &fakeChecker{err: errors.New("no reachable servers")}
	opts.MQTT = &fakeMQTT{connected: false}

	code, resp := getHealth(t, NewHealthHandler(opts))
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %q", resp.Status)
	}
	if resp.Checks["database"] != "error" {
		t.Errorf("checks[database] = %q", resp.Checks["database"])
	}
}

func TestHealthNotConfiguredSources(t *testing.T) {
	code, resp := getHealth(t, NewHealthHandler(Options{Store: &fakeChecker{}}))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.Checks["mqtt"] != "not_configured" || resp.Checks["tcp"] != "not_configured" {
		t.Errorf("expected not_configured checks, got %v", resp.Checks)
	}
	if resp.Ingest != nil || resp.TCP != nil {
		t.Error("disabled subsystems should export no sections")
	}
}

func TestReady(t *testing.T) {
	get := func(h *ReadyHandler) (int, map[string]any) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
		var body map[string]any
		json.Unmarshal(rec.Body.Bytes(), &body)
		return rec.Code, body
	}

	t.Run("all_reachable", func(t *testing.T) {
		code, body := get(&ReadyHandler{store: &fakeChecker{}, redis: &fakeChecker{}})
		if code != http.StatusOK {
			t.Errorf("expected 200, got %d", code)
		}
		if body["ready"] != true {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("store_down", func(t *testing.T) {
		code, body := get(&ReadyHandler{store: &fakeChecker{err: errors.New("down")}, redis: &fakeChecker{}})
		if code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", code)
		}
		if body["failing"] != "database" {
			t.Errorf("failing = %v", body["failing"])
		}
	})

	t.Run("redis_down", func(t *testing.T) {
		code, body := get(&ReadyHandler{store: &fakeChecker{}, redis: &fakeChecker{err: errors.New("down")}})
		if code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", code)
		}
		if body["failing"] != "redis" {
			t.Errorf("failing = %v", body["failing"])
		}
	})

	t.Run("nil_redis_skipped", func(t *testing.T) {
		code, _ := get(&ReadyHandler{store: &fakeChecker{}})
		if code != http.StatusOK {
			t.Errorf("expected 200, got %d", code)
		}
	})
}
