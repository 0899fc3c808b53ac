package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store wraps the process-wide mongo client and the telemetry database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    zerolog.Logger
}

func Connect(ctx context.Context, uri, dbName string, log zerolog.Logger) (*Store, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Info().
		Str("uri", maskURI(uri)).
		Str("database", dbName).
		Msg("document store connected")

	return &Store{
		client: client,
		db:     client.Database(dbName),
		log:    log,
	}, nil
}

// Insert writes a single document. An empty device_id is stored as null.
func (s *Store) Insert(ctx context.Context, collection string, doc map[string]any) error {
	if _, err := s.db.Collection(collection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

// InsertMany performs an unordered bulk insert.
func (s *Store) InsertMany(ctx context.Context, collection string, docs []any) error {
	if len(docs) == 0 {
		return nil
	}
	opts := options.InsertMany().SetOrdered(false)
	if _, err := s.db.Collection(collection).InsertMany(ctx, docs, opts); err != nil {
		return fmt.Errorf("bulk insert into %s: %w", collection, err)
	}
	return nil
}

// WindowDoc is the projection read back by aggregation jobs.
type WindowDoc struct {
	DeviceID *string        `bson:"device_id"`
	Topic    string         `bson:"topic"`
	Payload  map[string]any `bson:"payload"`
}

// FindWindow returns source documents with timestamp in [start, end).
func (s *Store) FindWindow(ctx context.Context, collection string, start, end time.Time) ([]WindowDoc, error) {
	filter := bson.M{"timestamp": bson.M{"$gte": start, "$lt": end}}
	opts := options.Find().SetProjection(bson.M{"payload": 1, "topic": 1, "device_id": 1})

	cur, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find window in %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	var docs []WindowDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode window in %s: %w", collection, err)
	}
	return docs, nil
}

// HasAggregate reports whether a document with the composite key
// (timestamp, device_id, topic) already exists in the target collection.
func (s *Store) HasAggregate(ctx context.Context, collection string, ts time.Time, deviceID, topic string) (bool, error) {
	filter := bson.M{"timestamp": ts, "device_id": DeviceValue(deviceID), "topic": topic}
	opts := options.FindOne().SetProjection(bson.M{"_id": 1})

	err := s.db.Collection(collection).FindOne(ctx, filter, opts).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("existence probe in %s: %w", collection, err)
	}
	return true, nil
}

// HealthCheck pings the server with a short deadline.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close(ctx context.Context) {
	s.log.Info().Msg("disconnecting document store")
	if err := s.client.Disconnect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("store disconnect error")
	}
}

// DeviceValue maps the canonical empty device id to a stored null.
func DeviceValue(deviceID string) any {
	if deviceID == "" {
		return nil
	}
	return deviceID
}

func maskURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
