// Package liveness tracks per-(topic, device) last-seen times in Redis and
// emits offline transitions.
package liveness

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/cccl/gp-engine/internal/bus"
)

// Device status memo values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Broadcaster publishes device status events to subscribed clients.
type Broadcaster interface {
	Publish(group string, e bus.Event)
}

// Tracker keeps a sorted set of device last-seen times per topic and a
// status memo per (topic, device). A periodic scan flags devices whose
// last-seen falls behind the topic's staleness threshold; the memo ensures
// each transition broadcasts exactly once. A fresh ingest flips the memo
// back to online.
type Tracker struct {
	rdb        *redis.Client
	hub        Broadcaster
	group      string
	thresholds map[string]time.Duration
	trackTTL   time.Duration
	scanEvery  time.Duration
	log        zerolog.Logger
	now        func() time.Time

	transitions atomic.Uint64
}

// Options configures a Tracker.
type Options struct {
	// Thresholds maps topic to staleness threshold.
	Thresholds map[string]time.Duration
	// TrackTTL bounds how long an idle device stays tracked.
	TrackTTL time.Duration
	// ScanEvery is the interval between scans in Run.
	ScanEvery time.Duration
	// Group is the bus group offline events are published to.
	Group string
}

// New creates a tracker on the given Redis client.
func New(rdb *redis.Client, hub Broadcaster, opts Options, log zerolog.Logger) *Tracker {
	if opts.Group == "" {
		opts.Group = bus.GroupTelemetry
	}
	if opts.ScanEvery <= 0 {
		opts.ScanEvery = time.Minute
	}
	return &Tracker{
		rdb:        rdb,
		hub:        hub,
		group:      opts.Group,
		thresholds: opts.Thresholds,
		trackTTL:   opts.TrackTTL,
		scanEvery:  opts.ScanEvery,
		log:        log.With().Str("component", "liveness").Logger(),
		now:        time.Now,
	}
}

func devicesKey(topic string) string {
	return "telemetry:devices:" + topic
}

func statusKey(topic, deviceID string) string {
	return "telemetry:status:" + topic + ":" + deviceID
}

// Touch records a device as seen now and restores its memo to online.
// The GT variant keeps last-seen monotonic when fan-out workers race.
func (t *Tracker) Touch(ctx context.Context, topic, deviceID string) error {
	if deviceID == "" {
		return nil
	}
	score := float64(t.now().Unix())
	pipe := t.rdb.Pipeline()
	pipe.ZAddArgs(ctx, devicesKey(topic), redis.ZAddArgs{
		GT:      true,
		Members: []redis.Z{{Score: score, Member: deviceID}},
	})
	pipe.Set(ctx, statusKey(topic, deviceID), StatusOnline, t.trackTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Scan flags stale devices on every configured topic and returns how many
// offline transitions it broadcast. Redis errors are logged and skipped so
// one bad topic does not starve the rest.
func (t *Tracker) Scan(ctx context.Context) int {
	now := t.now()
	transitions := 0

	for topic, threshold := range t.thresholds {
		key := devicesKey(topic)

		if t.trackTTL > 0 {
			purgeMax := strconv.FormatInt(now.Add(-t.trackTTL).Unix(), 10)
			if err := t.rdb.ZRemRangeByScore(ctx, key, "-inf", purgeMax).Err(); err != nil {
				t.log.Warn().Err(err).Str("topic", topic).Msg("Liveness purge failed")
			}
		}

		cutoff := strconv.FormatInt(now.Add(-threshold).Unix(), 10)
		stale, err := t.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: cutoff,
		}).Result()
		if err != nil {
			t.log.Warn().Err(err).Str("topic", topic).Msg("Liveness range query failed")
			continue
		}

		for _, member := range stale {
			deviceID, ok := member.Member.(string)
			if !ok || deviceID == "" {
				continue
			}
			if t.markOffline(ctx, topic, deviceID, member.Score) {
				transitions++
			}
		}
	}

	if transitions > 0 {
		t.transitions.Add(uint64(transitions))
	}
	return transitions
}

// markOffline flips the memo and broadcasts when the device was not already
// offline. Reports whether a transition happened.
func (t *Tracker) markOffline(ctx context.Context, topic, deviceID string, score float64) bool {
	key := statusKey(topic, deviceID)

	memo, err := t.rdb.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		t.log.Warn().Err(err).Str("topic", topic).Str("device_id", deviceID).Msg("Liveness memo read failed")
		return false
	}
	if memo == StatusOffline {
		return false
	}

	if err := t.rdb.Set(ctx, key, StatusOffline, t.trackTTL).Err(); err != nil {
		t.log.Warn().Err(err).Str("topic", topic).Str("device_id", deviceID).Msg("Liveness memo write failed")
		return false
	}

	lastSeen := time.Unix(int64(score), 0).UTC()
	t.hub.Publish(t.group, bus.Event{
		Type: bus.TypeDeviceStatus,
		Message: map[string]any{
			"device_id": deviceID,
			"status":    StatusOffline,
			"last_seen": lastSeen.Format(time.RFC3339),
			"topic":     topic,
		},
	})
	t.log.Info().
		Str("topic", topic).
		Str("device_id", deviceID).
		Time("last_seen", lastSeen).
		Msg("Device offline")
	return true
}

// Run scans on the configured interval until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	if len(t.thresholds) == 0 {
		t.log.Info().Msg("No staleness thresholds configured, liveness scans disabled")
		return
	}

	ticker := time.NewTicker(t.scanEvery)
	defer ticker.Stop()

	t.log.Info().
		Int("topics", len(t.thresholds)).
		Dur("interval", t.scanEvery).
		Msg("Liveness tracker started")

	for {
		select {
		case <-ctx.Done():
			t.log.Info().Msg("Liveness tracker stopped")
			return
		case <-ticker.C:
			t.Scan(ctx)
		}
	}
}

// Transitions reports the total offline transitions broadcast so far.
func (t *Tracker) Transitions() uint64 {
	return t.transitions.Load()
}
