package main

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// dedupeCollection removes duplicate telemetry documents from one collection.
// Duplicates enter a tier collection when an aggregation pass is retried
// after a crash between the existence check and the insert, or a raw
// collection when the broker redelivers a QoS 1 publish across a reconnect.
// Copies share (timestamp, device_id, topic); the first document stays, the
// rest are deleted.
func dedupeCollection(ctx context.Context, db *mongo.Database, name string, dryRun bool) {
	coll := db.Collection(name)

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "timestamp", Value: "$timestamp"},
				{Key: "device_id", Value: "$device_id"},
				{Key: "topic", Value: "$topic"},
			}},
			{Key: "ids", Value: bson.D{{Key: "$push", Value: "$_id"}}},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "n", Value: bson.D{{Key: "$gt", Value: 1}}}}}},
	}

	cur, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		fmt.Printf("Error finding duplicates: %v\n", err)
		return
	}
	defer cur.Close(ctx)

	type group struct {
		Key bson.M `bson:"_id"`
		IDs []any  `bson:"ids"`
		N   int    `bson:"n"`
	}
	var groups []group
	if err := cur.All(ctx, &groups); err != nil {
		fmt.Printf("Error reading duplicates: %v\n", err)
		return
	}

	extra := 0
	for _, g := range groups {
		extra += len(g.IDs) - 1
	}
	fmt.Printf("Found %d duplicate groups (%d extra documents) in %s\n", len(groups), extra, name)
	if len(groups) == 0 {
		return
	}

	if dryRun {
		fmt.Println("Dry run, no changes made. Run with 'dedupe <collection> apply' to delete.")
		for i, g := range groups {
			if i >= 10 {
				fmt.Printf("  ... and %d more\n", len(groups)-10)
				break
			}
			fmt.Printf("  device=%v topic=%v ts=%v copies=%d\n",
				g.Key["device_id"], g.Key["topic"], g.Key["timestamp"], g.N)
		}
		return
	}

	deleted := 0
	errors := 0
	for _, g := range groups {
		res, err := coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": g.IDs[1:]}})
		if err != nil {
			fmt.Printf("  Error deleting copies of device=%v ts=%v: %v\n",
				g.Key["device_id"], g.Key["timestamp"], err)
			errors++
			continue
		}
		deleted += int(res.DeletedCount)
	}
	fmt.Printf("Deleted %d duplicate documents, %d errors\n", deleted, errors)
}
