// Package api serves the operational HTTP surface of the engine: health and
// readiness probes, the prometheus scrape endpoint and the WebSocket relay
// of the broadcast groups. The query-oriented REST API lives outside this
// service and reads the persisted collections directly.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cccl/gp-engine/internal/metrics"
)

// Options wires the server to the subsystems it reports on. Nil sources show
// up as not_configured in the health snapshot and export nothing else.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Version   string
	StartTime time.Time

	Store  Checker     // document store ping
	Redis  Checker     // liveness index ping
	MQTT   MQTTStatus  // broker session state
	Ingest IngestStats // pipeline counters
	TCP    TCPStats    // gateway counters

	Hub            Broadcaster
	TelemetryGroup string
	TCPGroup       string

	Log zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts Options) *Server {
	log := opts.Log.With().Str("component", "api").Logger()
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}

	// Closed when Shutdown begins. WebSocket connections are hijacked from
	// the server, so Shutdown cannot reach them on its own.
	done := make(chan struct{})

	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	health := NewHealthHandler(opts)
	ready := &ReadyHandler{store: opts.Store, redis: opts.Redis}

	r.Group(func(r chi.Router) {
		r.Use(metrics.InstrumentHandler)
		r.Get("/health", health.ServeHTTP)
		r.Get("/ready", ready.ServeHTTP)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	})

	// The upgrade needs the raw hijackable ResponseWriter, so the WebSocket
	// routes stay outside the instrumentation wrapper.
	if opts.Hub != nil {
		r.Get("/ws/telemetry", NewWSHandler(opts.Hub, opts.TelemetryGroup, done, log).ServeHTTP)
		r.Get("/ws/tcp", NewWSHandler(opts.Hub, opts.TCPGroup, done, log).ServeHTTP)
	}

	srv := &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	var once sync.Once
	srv.RegisterOnShutdown(func() {
		once.Do(func() { close(done) })
	})

	return &Server{http: srv, log: log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
