package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cccl/gp-engine/internal/bus"
	"github.com/cccl/gp-engine/internal/metrics"
)

// wsWriteTimeout bounds each frame write. A client that cannot drain a frame
// within it is dropped. There is no ping-pong; TCP keep-alive covers dead
// peers.
const wsWriteTimeout = 10 * time.Second

// Broadcaster is the subscription side of the event hub.
type Broadcaster interface {
	Subscribe(group string) (<-chan bus.Event, func())
}

// WSHandler upgrades requests and relays one broadcast group to each client.
// Traffic is outbound only; inbound frames are read and discarded so close
// and protocol errors surface.
type WSHandler struct {
	hub      Broadcaster
	group    string
	done     <-chan struct{}
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewWSHandler(hub Broadcaster, group string, done <-chan struct{}, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub:   hub,
		group: group,
		done:  done,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards connect cross-origin; REST already serves CORS *.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "websocket").Str("group", group).Logger(),
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade rejected")
		return
	}
	defer conn.Close()

	events, cancel := h.hub.Subscribe(h.group)
	defer cancel()

	metrics.WSClientsActive.WithLabelValues(h.group).Inc()
	defer metrics.WSClientsActive.WithLabelValues(h.group).Dec()

	remote := conn.RemoteAddr().String()
	h.log.Info().Str("remote", remote).Msg("websocket client subscribed")

	// The hijacked conn keeps the read deadline of the upgrade request;
	// the stream has no read deadline of its own.
	conn.SetReadDeadline(time.Time{})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			h.log.Info().Str("remote", remote).Msg("websocket client disconnected")
			return

		case <-h.done:
			deadline := time.Now().Add(wsWriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev.Message); err != nil {
				h.log.Debug().Err(err).Str("remote", remote).Msg("websocket write failed, dropping client")
				return
			}
			metrics.WSMessagesTotal.WithLabelValues(h.group).Inc()
		}
	}
}
