// Package broker embeds an MQTT broker for edge deployments that have no
// external broker on site. The ingest client connects to it exactly as it
// would to a remote one.
package broker

import (
	"log/slog"
	"os"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
)

type Broker struct {
	server *mqtt.Server
	addr   string
	log    zerolog.Logger
}

func New(addr string, log zerolog.Logger) *Broker {
	server := mqtt.New(&mqtt.Options{
		// The broker's own logging is kept to errors; lifecycle messages
		// go through the component logger below.
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		})),
	})
	return &Broker{
		server: server,
		addr:   addr,
		log:    log.With().Str("component", "broker").Logger(),
	}
}

// Start begins accepting MQTT clients. Devices on the plant segment are
// authenticated at the network layer, so the broker admits all clients.
func (b *Broker) Start() error {
	if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
		return err
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "gp-embedded", Address: b.addr})
	if err := b.server.AddListener(tcp); err != nil {
		return err
	}

	go func() {
		if err := b.server.Serve(); err != nil {
			b.log.Error().Err(err).Msg("embedded broker serve error")
		}
	}()

	b.log.Info().Str("addr", b.addr).Msg("embedded MQTT broker listening")
	return nil
}

func (b *Broker) Close() {
	if err := b.server.Close(); err != nil {
		b.log.Warn().Err(err).Msg("embedded broker close error")
	}
	b.log.Info().Msg("embedded MQTT broker stopped")
}
