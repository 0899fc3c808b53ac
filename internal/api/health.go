package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cccl/gp-engine/internal/ingest"
	"github.com/cccl/gp-engine/internal/tcpserver"
)

// Checker reports whether a backing dependency is reachable. The store
// satisfies it directly; others adapt through CheckerFunc.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// MQTTStatus reports the broker session state.
type MQTTStatus interface {
	IsConnected() bool
}

// IngestStats exposes the pipeline counters reported by /health. The api
// package owns the interface, so subsystems never import it.
type IngestStats interface {
	Stats() ingest.Stats
}

// TCPStats exposes the gateway server counters reported by /health.
type TCPStats interface {
	Stats() tcpserver.Stats
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Ingest        *IngestHealth     `json:"ingest,omitempty"`
	TCP           *TCPHealth        `json:"tcp,omitempty"`
}

// IngestHealth is the counter snapshot of the MQTT ingest pipeline.
type IngestHealth struct {
	Connected    bool   `json:"connected"`
	LastMessage  string `json:"last_message,omitempty"`
	Received     uint64 `json:"received"`
	Processed    uint64 `json:"processed"`
	Invalid      uint64 `json:"invalid"`
	Dropped      uint64 `json:"dropped"`
	FanoutErrors uint64 `json:"fanout_errors"`
	QueueSize    int    `json:"queue_size"`
}

// TCPHealth is the counter snapshot of the gateway server and its writer.
type TCPHealth struct {
	ConnectionsTotal  uint64 `json:"connections_total"`
	ActiveConnections int64  `json:"active_connections"`
	TimeoutsTotal     uint64 `json:"timeouts_total"`
	MessagesQueued    uint64 `json:"messages_queued"`
	ParseErrorsTotal  uint64 `json:"parse_errors_total"`
	MongoErrorsTotal  uint64 `json:"mongo_errors_total"`
	BatchesFlushed    uint64 `json:"batches_flushed"`
	QueueSize         int    `json:"queue_size"`
}

type HealthHandler struct {
	store     Checker
	redis     Checker
	mqtt      MQTTStatus
	ingest    IngestStats
	tcp       TCPStats
	version   string
	startTime time.Time
}

func NewHealthHandler(opts Options) *HealthHandler {
	return &HealthHandler{
		store:     opts.Store,
		redis:     opts.Redis,
		mqtt:      opts.MQTT,
		ingest:    opts.Ingest,
		tcp:       opts.TCP,
		version:   opts.Version,
		startTime: opts.StartTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Document store check — the one dependency nothing works without
	if h.store != nil {
		if err := h.store.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	// Liveness index check
	if h.redis != nil {
		if err := h.redis.HealthCheck(r.Context()); err != nil {
			checks["redis"] = "error"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["redis"] = "ok"
		}
	}

	// Broker session check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.tcp != nil {
		checks["tcp"] = "ok"
	} else {
		checks["tcp"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	if h.ingest != nil {
		s := h.ingest.Stats()
		ih := &IngestHealth{
			Connected:    h.mqtt != nil && h.mqtt.IsConnected(),
			Received:     s.Received,
			Processed:    s.Processed,
			Invalid:      s.Invalid,
			Dropped:      s.Dropped,
			FanoutErrors: s.FanoutErrors,
			QueueSize:    s.QueueSize,
		}
		if !s.LastMessage.IsZero() {
			ih.LastMessage = s.LastMessage.Format(time.RFC3339)
		}
		resp.Ingest = ih
	}

	if h.tcp != nil {
		s := h.tcp.Stats()
		resp.TCP = &TCPHealth{
			ConnectionsTotal:  s.Accepted,
			ActiveConnections: s.ActiveConnections,
			TimeoutsTotal:     s.Timeouts,
			MessagesQueued:    s.Commits,
			ParseErrorsTotal:  s.ParseErrors,
			MongoErrorsTotal:  s.InsertErrors,
			BatchesFlushed:    s.BatchesFlushed,
			QueueSize:         s.WriterQueue,
		}
	}

	WriteJSON(w, httpStatus, resp)
}

// ReadyHandler gates orchestration traffic on the backing dependencies.
type ReadyHandler struct {
	store Checker
	redis Checker
}

func (h *ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deps := []struct {
		name  string
		check Checker
	}{
		{"database", h.store},
		{"redis", h.redis},
	}
	for _, dep := range deps {
		if dep.check == nil {
			continue
		}
		if err := dep.check.HealthCheck(r.Context()); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ready":   false,
				"failing": dep.name,
			})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}
