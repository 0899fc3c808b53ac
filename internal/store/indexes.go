package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Index names shared with the query API's range scans.
const (
	idxTimestampSearch      = "timestamp_search"
	idxTimestampTTL         = "timestamp_ttl"
	idxTimestampTopicSearch = "timestamp_topic_search"
)

// RetentionTTLs holds per-tier expiry periods in seconds. A value <= 0
// disables the TTL index for that tier.
type RetentionTTLs struct {
	Today    int
	Last7d   int
	Last30d  int
	Last6Mo  int
	ThisYear int
}

func (r RetentionTTLs) forTier(tier string) int {
	switch tier {
	case TierToday:
		return r.Today
	case TierLast7Days:
		return r.Last7d
	case TierLast30Days:
		return r.Last30d
	case TierLast6Mo:
		return r.Last6Mo
	case TierThisYear:
		return r.ThisYear
	}
	return 0
}

// EnsureIndexes provisions the timestamp indexes: a plain range index on every
// base collection, a TTL index per tier collection, and the compound
// (timestamp, topic) index on the audit mirror. Individual failures are logged
// and skipped so one bad collection cannot block the rest.
func (s *Store) EnsureIndexes(ctx context.Context, ttls RetentionTTLs) {
	for _, name := range BaseCollections() {
		s.ensureIndex(ctx, name, idxTimestampSearch, bson.D{{Key: "timestamp", Value: 1}}, 0)
	}

	for tier, names := range TTLCollections() {
		ttl := ttls.forTier(tier)
		if ttl <= 0 {
			continue
		}
		for _, name := range names {
			s.ensureIndex(ctx, name, idxTimestampTTL, bson.D{{Key: "timestamp", Value: 1}}, ttl)
		}
	}

	s.ensureIndex(ctx, CollTelemetryEvents, idxTimestampSearch, bson.D{{Key: "timestamp", Value: 1}}, 0)
	s.ensureIndex(ctx, CollTelemetryEvents, idxTimestampTopicSearch,
		bson.D{{Key: "timestamp", Value: 1}, {Key: "topic", Value: 1}}, 0)

	// Per-device range scans over the raw solar feed.
	s.ensureIndex(ctx, CollSolar, "client_id_timestamp",
		bson.D{{Key: "client_id", Value: 1}, {Key: "timestamp", Value: -1}}, 0)
}

// ensureIndex creates the named index, dropping a stale one first when its TTL
// no longer matches. Existing up-to-date indexes are left untouched.
func (s *Store) ensureIndex(ctx context.Context, collection, name string, keys bson.D, ttlSeconds int) {
	iv := s.db.Collection(collection).Indexes()

	specs, err := iv.ListSpecifications(ctx)
	if err == nil {
		for _, spec := range specs {
			if spec.Name != name {
				continue
			}
			current := 0
			if spec.ExpireAfterSeconds != nil {
				current = int(*spec.ExpireAfterSeconds)
			}
			if current == ttlSeconds {
				return
			}
			if _, err := iv.DropOne(ctx, name); err != nil {
				s.log.Warn().Err(err).
					Str("collection", collection).
					Str("index", name).
					Msg("failed dropping stale index")
			}
			break
		}
	}

	opts := options.Index().SetName(name)
	if ttlSeconds > 0 {
		opts.SetExpireAfterSeconds(int32(ttlSeconds))
	}
	if _, err := iv.CreateOne(ctx, mongo.IndexModel{Keys: keys, Options: opts}); err != nil {
		s.log.Warn().Err(err).
			Str("collection", collection).
			Str("index", name).
			Msg("failed creating index")
	}
}

// TimeSeriesSpec describes one time-series collection to provision.
type TimeSeriesSpec struct {
	Name       string
	TTLSeconds int // <= 0 means no expiry
}

// EnsureTimeSeries attempts to create each collection as a time-series
// collection keyed by timestamp with client_id metadata. Servers without
// time-series support fall back to ordinary collections; an existing
// collection of either kind is left as-is.
func (s *Store) EnsureTimeSeries(ctx context.Context, specs []TimeSeriesSpec) {
	for _, spec := range specs {
		tso := options.TimeSeries().
			SetTimeField("timestamp").
			SetMetaField("client_id").
			SetGranularity("minutes")
		opts := options.CreateCollection().SetTimeSeriesOptions(tso)
		if spec.TTLSeconds > 0 {
			opts.SetExpireAfterSeconds(int64(spec.TTLSeconds))
		}

		err := s.db.CreateCollection(ctx, spec.Name, opts)
		if err == nil {
			s.log.Info().Str("collection", spec.Name).Msg("time-series collection created")
			continue
		}

		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Name == "NamespaceExists" {
			continue
		}
		s.log.Warn().Err(err).
			Str("collection", spec.Name).
			Msg("time-series creation failed, using ordinary collection")
	}
}

// SolarTimeSeries returns the specs for the three solar tier collections.
func SolarTimeSeries(ttls RetentionTTLs) []TimeSeriesSpec {
	return []TimeSeriesSpec{
		{Name: CollSolar, TTLSeconds: 0},
		{Name: CollSolarToday, TTLSeconds: ttls.Today},
		{Name: CollSolarCurrentMonth, TTLSeconds: ttls.Last30d},
	}
}
