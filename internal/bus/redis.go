package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const channelPrefix = "gp:bus:"

// wireEvent is the envelope exchanged over Redis. Origin suppresses the
// publishing process's own events on the way back in.
type wireEvent struct {
	Origin  string          `json:"origin"`
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

type outbound struct {
	channel string
	payload []byte
}

// RedisBridge mirrors hub events onto Redis pub/sub channels so several
// processes share the same groups. Outbound publishes go through a bounded
// queue; a slow or unreachable Redis drops events rather than blocking
// publishers.
type RedisBridge struct {
	hub    *Hub
	rdb    *redis.Client
	groups []string
	origin string
	out    chan outbound
	log    zerolog.Logger
}

// NewRedisBridge creates a bridge for the given groups and attaches it to
// the hub as its forwarder.
func NewRedisBridge(hub *Hub, rdb *redis.Client, groups []string, log zerolog.Logger) *RedisBridge {
	b := &RedisBridge{
		hub:    hub,
		rdb:    rdb,
		groups: groups,
		origin: xid.New().String(),
		out:    make(chan outbound, 256),
		log:    log.With().Str("component", "bus").Logger(),
	}
	hub.SetForwarder(b.forward)
	return b
}

func (b *RedisBridge) forward(group string, e Event) {
	msg, err := json.Marshal(e.Message)
	if err != nil {
		b.log.Warn().Err(err).Str("group", group).Msg("Failed to encode bus event")
		return
	}
	payload, err := json.Marshal(wireEvent{Origin: b.origin, Type: e.Type, Message: msg})
	if err != nil {
		b.log.Warn().Err(err).Str("group", group).Msg("Failed to encode bus envelope")
		return
	}
	select {
	case b.out <- outbound{channel: channelPrefix + group, payload: payload}:
	default:
		b.log.Warn().Str("group", group).Msg("Bus bridge queue full, event dropped")
	}
}

// Run relays events in both directions until the context is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	channels := make([]string, len(b.groups))
	for i, g := range b.groups {
		channels[i] = channelPrefix + g
	}

	pubsub := b.rdb.Subscribe(ctx, channels...)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing bus channels: %w", err)
	}
	msgs := pubsub.Channel()

	b.log.Info().Strs("groups", b.groups).Msg("Redis bus bridge started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ob := <-b.out:
			if err := b.rdb.Publish(ctx, ob.channel, ob.payload).Err(); err != nil {
				b.log.Warn().Err(err).Msg("Redis publish failed, event dropped")
			}
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			b.receive(msg)
		}
	}
}

func (b *RedisBridge) receive(msg *redis.Message) {
	var w wireEvent
	if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
		b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("Malformed bus payload ignored")
		return
	}
	if w.Origin == b.origin {
		return
	}
	group := strings.TrimPrefix(msg.Channel, channelPrefix)
	b.hub.Inject(group, Event{Type: w.Type, Message: w.Message})
}
