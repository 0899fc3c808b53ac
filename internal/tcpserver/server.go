package tcpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cccl/gp-engine/internal/bus"
	"github.com/cccl/gp-engine/internal/store"
)

// Broadcaster pushes committed samples to realtime subscribers.
type Broadcaster interface {
	Publish(group string, ev bus.Event)
}

// Liveness records gateway heartbeats.
type Liveness interface {
	Touch(ctx context.Context, topic, deviceID string) error
}

// Options configures the gateway protocol server.
type Options struct {
	Addr          string
	RecvBuffer    int           // per-connection read buffer (default 1024)
	ClientTimeout time.Duration // per-read deadline (default 120s)
	Backlog       int           // pending connections before refusing (default 50)
	MaxClients    int           // connection worker pool size (default 100)

	TimeoutMaxRetries int     // read timeouts tolerated before closing (default 3)
	BackoffBase       float64 // seconds (default 1)
	BackoffMax        float64 // seconds (default 10)

	Group     string // broadcast group (default tcp_telemetry)
	Writer    *Writer
	Broadcast Broadcaster
	Liveness  Liveness // nil disables heartbeat tracking
	Log       zerolog.Logger
}

// Server speaks the solar gateway protocol: clients announce with a
// heartbeat, the server answers with the next register read from the shared
// cycle, and decoded responses accumulate until all three register blocks
// commit as one sample.
type Server struct {
	opts Options
	log  zerolog.Logger

	ln      net.Listener
	backlog chan net.Conn
	cycle   cycle

	ctx      context.Context
	cancel   context.CancelFunc
	wgAccept sync.WaitGroup
	wgConns  sync.WaitGroup

	active      atomic.Int64
	accepted    atomic.Uint64
	refused     atomic.Uint64
	timeouts    atomic.Uint64
	parseErrors atomic.Uint64
	commits     atomic.Uint64
}

func NewServer(opts Options) *Server {
	if opts.RecvBuffer <= 0 {
		opts.RecvBuffer = 1024
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = 120 * time.Second
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 50
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 100
	}
	if opts.TimeoutMaxRetries <= 0 {
		opts.TimeoutMaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 1
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10
	}
	if opts.Group == "" {
		opts.Group = bus.GroupTCP
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:    opts,
		log:     opts.Log.With().Str("component", "tcp").Logger(),
		backlog: make(chan net.Conn, opts.Backlog),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listener and launches the acceptor and the connection
// worker pool.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	for i := 0; i < s.opts.MaxClients; i++ {
		s.wgConns.Add(1)
		go s.connWorker()
	}
	s.wgAccept.Add(1)
	go s.acceptLoop()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("max_clients", s.opts.MaxClients).
		Dur("client_timeout", s.opts.ClientTimeout).
		Msg("gateway server listening")
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the acceptor and flushes the writer. Connections being handled
// are not interrupted; they terminate on their own read deadlines, and
// samples they commit after the writer stops are dropped with a warning.
// Anything still queued in the backlog is closed unserved.
func (s *Server) Stop() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.wgAccept.Wait()
	if s.opts.Writer != nil {
		s.opts.Writer.Stop()
	}

	s.log.Info().
		Uint64("accepted", s.accepted.Load()).
		Uint64("commits", s.commits.Load()).
		Int64("active_at_stop", s.active.Load()).
		Msg("gateway server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wgAccept.Done()
	defer close(s.backlog)

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.accepted.Add(1)

		select {
		case s.backlog <- conn:
		default:
			s.refused.Add(1)
			s.log.Warn().Str("client", conn.RemoteAddr().String()).Msg("backlog full, connection refused")
			conn.Close()
		}
	}
}

func (s *Server) connWorker() {
	defer s.wgConns.Done()
	for conn := range s.backlog {
		if s.ctx.Err() != nil {
			conn.Close()
			continue
		}
		s.handleConn(conn)
	}
}

// handleConn runs the per-client state machine: IDLE until a heartbeat,
// then awaiting the response for the request index the cycle handed out.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	client := conn.RemoteAddr().String()
	log := s.log.With().Str("client", client).Logger()
	log.Info().Msg("gateway connected")

	s.active.Add(1)
	defer s.active.Add(-1)

	buf := make([]byte, s.opts.RecvBuffer)
	awaiting := -1 // request index awaiting a response; -1 = idle
	retries := 0
	acc := make(map[int]any, len(requestCycle))

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.ClientTimeout)); err != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				retries++
				s.timeouts.Add(1)
				if retries > s.opts.TimeoutMaxRetries {
					log.Warn().Int("timeouts", retries).Msg("gateway unresponsive, closing")
					return
				}
				delay := backoff(s.opts.BackoffBase, s.opts.BackoffMax, retries)
				log.Debug().Dur("backoff", delay).Int("retry", retries).Msg("read timeout")
				select {
				case <-time.After(delay):
				case <-s.ctx.Done():
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				log.Info().Msg("gateway disconnected")
			} else {
				log.Warn().Err(err).Msg("read error, closing")
			}
			return
		}
		retries = 0
		data := buf[:n]

		if string(bytes.TrimSpace(data)) == Heartbeat {
			idx := s.cycle.next()
			if _, err := conn.Write(requestCycle[idx]); err != nil {
				log.Warn().Err(err).Int("request_index", idx).Msg("request write failed")
				return
			}
			awaiting = idx
			continue
		}

		if awaiting < 0 {
			log.Debug().Int("bytes", n).Msg("unexpected data while idle")
			continue
		}

		values, err := DecodeResponse(data, awaiting)
		if err != nil {
			s.parseErrors.Add(1)
			log.Warn().Err(err).Int("request_index", awaiting).Msg("response dropped")
			awaiting = -1
			continue
		}
		acc[awaiting] = values
		awaiting = -1

		if len(acc) == len(requestCycle) {
			s.commit(client, acc, log)
			acc = make(map[int]any, len(requestCycle))
		}
	}
}

// commit turns a full accumulator into one sample: batched store write,
// realtime broadcast, liveness touch.
func (s *Server) commit(client string, acc map[int]any, log zerolog.Logger) {
	now := time.Now().UTC()
	doc := map[string]any{
		"timestamp":          now,
		"client_id":          client,
		"current":            acc[0],
		"power":              acc[1],
		"energy_consumption": acc[2],
	}

	if s.opts.Writer != nil && !s.opts.Writer.Add(doc) {
		log.Warn().Msg("writer rejected sample, dropped")
	}

	if s.opts.Broadcast != nil {
		s.opts.Broadcast.Publish(s.opts.Group, bus.Event{
			Type: bus.TypeTCPMessage,
			Message: map[string]any{
				"device_id": client,
				"topic":     store.TopicSolar,
				"timestamp": now.Format(time.RFC3339),
				"payload": map[string]any{
					"current":            acc[0],
					"power":              acc[1],
					"energy_consumption": acc[2],
				},
			},
		})
	}

	if s.opts.Liveness != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.opts.Liveness.Touch(ctx, store.TopicSolar, client); err != nil {
			log.Warn().Err(err).Msg("liveness touch failed")
		}
		cancel()
	}

	s.commits.Add(1)
	log.Debug().Msg("sample committed")
}

// backoff computes min(base * 2^(retry-1), max) in seconds.
func backoff(base, max float64, retry int) time.Duration {
	d := base * math.Pow(2, float64(retry-1))
	if d > max {
		d = max
	}
	return time.Duration(d * float64(time.Second))
}

// Stats is the server health snapshot.
type Stats struct {
	ActiveConnections int64
	Accepted          uint64
	Refused           uint64
	Timeouts          uint64
	ParseErrors       uint64
	Commits           uint64
	WriterQueue       int
	BatchesFlushed    uint64
	InsertErrors      uint64
}

func (s *Server) Stats() Stats {
	st := Stats{
		ActiveConnections: s.active.Load(),
		Accepted:          s.accepted.Load(),
		Refused:           s.refused.Load(),
		Timeouts:          s.timeouts.Load(),
		ParseErrors:       s.parseErrors.Load(),
		Commits:           s.commits.Load(),
	}
	if s.opts.Writer != nil {
		st.WriterQueue = s.opts.Writer.QueueLen()
		st.BatchesFlushed = s.opts.Writer.Flushed()
		st.InsertErrors = s.opts.Writer.InsertErrors()
	}
	return st
}
