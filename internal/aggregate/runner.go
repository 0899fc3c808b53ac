package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
	"github.com/rs/zerolog"

	"github.com/cccl/gp-engine/internal/store"
)

// jobTimeout bounds one rollup invocation end to end.
const jobTimeout = 2 * time.Minute

// Source is the slice of the document store the rollup jobs need.
type Source interface {
	FindWindow(ctx context.Context, collection string, start, end time.Time) ([]store.WindowDoc, error)
	HasAggregate(ctx context.Context, collection string, ts time.Time, deviceID, topic string) (bool, error)
	Insert(ctx context.Context, collection string, doc map[string]any) error
}

// Runner schedules the rollup jobs on a UTC cron and executes them against
// the document store.
type Runner struct {
	source Source
	jobs   []Job
	cron   *cron.Cron
	log    zerolog.Logger
	now    func() time.Time

	runs      atomic.Uint64
	documents atomic.Uint64
	errors    atomic.Uint64
}

func New(source Source, log zerolog.Logger) *Runner {
	return &Runner{
		source: source,
		jobs:   Jobs(),
		log:    log.With().Str("component", "aggregate").Logger(),
		now:    time.Now,
	}
}

// Start parses every schedule and starts the cron. A tick that lands while
// the same job is still running is skipped; the idempotency guard makes the
// lost tick harmless.
func (r *Runner) Start() error {
	c := cron.NewWithLocation(time.UTC)
	for _, job := range r.jobs {
		sched, err := cron.ParseStandard(job.Spec)
		if err != nil {
			return fmt.Errorf("parse schedule for %s: %w", job.Name, err)
		}
		c.Schedule(sched, r.cronJob(job))
	}
	c.Start()
	r.cron = c

	r.log.Info().Int("jobs", len(r.jobs)).Msg("aggregation schedule started")
	return nil
}

func (r *Runner) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
	r.log.Info().
		Uint64("runs", r.runs.Load()).
		Uint64("documents", r.documents.Load()).
		Uint64("errors", r.errors.Load()).
		Msg("aggregation schedule stopped")
}

func (r *Runner) cronJob(job Job) cron.Job {
	sem := make(chan struct{}, 1)
	return cron.FuncJob(func() {
		select {
		case sem <- struct{}{}:
		default:
			r.log.Warn().Str("job", job.Name).Msg("previous run still active, tick skipped")
			return
		}
		defer func() { <-sem }()

		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if _, err := r.Run(ctx, job, r.now()); err != nil {
			r.log.Error().Err(err).Str("job", job.Name).Msg("aggregation run failed")
		}
	})
}

type groupKey struct {
	deviceID string
	topic    string
}

type accumulator struct {
	sums   map[string]float64
	counts map[string]int
}

// Run executes one job for the window ending at the boundary at or before
// now, returning how many target documents were inserted. Group-level
// failures are counted and logged without aborting the remaining groups.
func (r *Runner) Run(ctx context.Context, job Job, now time.Time) (int, error) {
	r.runs.Add(1)

	windowEnd := snapWindow(now, job.SnapToHour)
	windowStart := windowEnd.Add(-job.Window)

	docs, err := r.source.FindWindow(ctx, job.Source, windowStart, windowEnd)
	if err != nil {
		r.errors.Add(1)
		return 0, fmt.Errorf("read %s window: %w", job.Source, err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	groups := make(map[groupKey]*accumulator)
	for _, doc := range docs {
		key := groupKey{topic: doc.Topic}
		if doc.DeviceID != nil {
			key.deviceID = *doc.DeviceID
		}
		acc := groups[key]
		if acc == nil {
			acc = &accumulator{sums: make(map[string]float64), counts: make(map[string]int)}
			groups[key] = acc
		}
		for field, value := range doc.Payload {
			n, ok := coerceNumber(value)
			if !ok {
				continue
			}
			acc.sums[field] += n
			acc.counts[field]++
		}
	}

	inserted := 0
	for key, acc := range groups {
		exists, err := r.source.HasAggregate(ctx, job.Target, windowEnd, key.deviceID, key.topic)
		if err != nil {
			r.errors.Add(1)
			r.log.Warn().Err(err).
				Str("job", job.Name).
				Str("topic", key.topic).
				Msg("idempotency check failed, group skipped")
			continue
		}
		if exists {
			continue
		}

		payload := make(map[string]any, len(acc.sums))
		for field, sum := range acc.sums {
			count := acc.counts[field]
			if count == 0 {
				continue
			}
			payload[field] = round3(sum / float64(count))
		}

		doc := map[string]any{
			"topic":     key.topic,
			"device_id": store.DeviceValue(key.deviceID),
			"timestamp": windowEnd,
			"payload":   payload,
		}
		if job.YearExpiry {
			doc["expires_at"] = time.Date(windowEnd.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC)
		}

		if err := r.source.Insert(ctx, job.Target, doc); err != nil {
			r.errors.Add(1)
			r.log.Warn().Err(err).
				Str("job", job.Name).
				Str("topic", key.topic).
				Msg("aggregate insert failed")
			continue
		}
		inserted++
	}

	if inserted > 0 {
		r.documents.Add(uint64(inserted))
		r.log.Debug().
			Str("job", job.Name).
			Time("window_end", windowEnd).
			Int("documents", inserted).
			Msg("window aggregated")
	}
	return inserted, nil
}

// Stats is the rollup health snapshot.
type Stats struct {
	Runs      uint64
	Documents uint64
	Errors    uint64
}

func (r *Runner) Stats() Stats {
	return Stats{
		Runs:      r.runs.Load(),
		Documents: r.documents.Load(),
		Errors:    r.errors.Load(),
	}
}

// snapWindow aligns now to the window boundary: whole minutes for the short
// jobs, whole hours for the three and six hour jobs.
func snapWindow(now time.Time, toHour bool) time.Time {
	if toHour {
		return now.UTC().Truncate(time.Hour)
	}
	return now.UTC().Truncate(time.Minute)
}

// coerceNumber accepts numeric values and decimal strings; everything else
// is excluded from the average.
func coerceNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// round3 rounds half away from zero to three decimal places.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
