// storecheck is an operator sanity tool for the document store.
//
// With no arguments it prints per-collection document counts. Subcommands:
//
//	storecheck ensure                    provision time-series collections and indexes
//	storecheck indexes                   list every collection's indexes and TTLs
//	storecheck dedupe <collection>       report duplicate telemetry documents
//	storecheck dedupe <collection> apply delete the duplicates
//
// Connection settings come from the same .env / environment variables the
// engine reads, so "storecheck ensure" provisions exactly what the engine
// expects on startup.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cccl/gp-engine/internal/config"
	"github.com/cccl/gp-engine/internal/store"
)

func main() {
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		panic(err)
	}

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "ensure" {
		runEnsure(ctx, cfg)
		return
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.MongoURI).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		panic(err)
	}
	defer client.Disconnect(ctx)
	db := client.Database(cfg.MongoDatabase)

	if len(os.Args) > 1 && os.Args[1] == "indexes" {
		listIndexes(ctx, db)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "dedupe" {
		if len(os.Args) < 3 {
			fmt.Println("usage: storecheck dedupe <collection> [apply]")
			os.Exit(2)
		}
		dryRun := !(len(os.Args) > 3 && os.Args[3] == "apply")
		dedupeCollection(ctx, db, os.Args[2], dryRun)
		return
	}

	// Default: collection counts
	fmt.Println("Collection                               Count")
	fmt.Println("──────────────────────────────────────────────")
	for _, name := range allCollections() {
		count, err := db.Collection(name).EstimatedDocumentCount(ctx)
		if err != nil {
			fmt.Printf("%-40s error: %v\n", name, err)
			continue
		}
		fmt.Printf("%-40s %d\n", name, count)
	}
}

// allCollections lists the audit mirror, the base collections and the tier
// collections in cascade order.
func allCollections() []string {
	names := []string{store.CollTelemetryEvents}
	names = append(names, store.BaseCollections()...)
	tiered := store.TTLCollections()
	for _, tier := range []string{
		store.TierToday,
		store.TierLast7Days,
		store.TierLast30Days,
		store.TierLast6Mo,
		store.TierThisYear,
	} {
		tierNames := tiered[tier]
		sort.Strings(tierNames)
		names = append(names, tierNames...)
	}
	return names
}

func runEnsure(ctx context.Context, cfg *config.Config) {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	st, err := store.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, log)
	if err != nil {
		panic(err)
	}
	defer st.Close(ctx)

	ttls := store.RetentionTTLs{
		Today:    cfg.TTLTodaySeconds,
		Last7d:   cfg.TTL7DaysSeconds,
		Last30d:  cfg.TTL30DaysSeconds,
		Last6Mo:  cfg.TTL6MonthsSeconds,
		ThisYear: cfg.TTLThisYearSeconds,
	}
	st.EnsureTimeSeries(ctx, store.SolarTimeSeries(ttls))
	st.EnsureIndexes(ctx, ttls)
	fmt.Println("time-series collections and indexes ensured")
}

func listIndexes(ctx context.Context, db *mongo.Database) {
	for _, name := range allCollections() {
		fmt.Printf("── %s ──\n", name)
		specs, err := db.Collection(name).Indexes().ListSpecifications(ctx)
		if err != nil {
			fmt.Printf("  error: %v\n", err)
			continue
		}
		if len(specs) == 0 {
			fmt.Println("  (no indexes; collection may not exist)")
			continue
		}
		for _, spec := range specs {
			line := fmt.Sprintf("  %-28s %s", spec.Name, spec.KeysDocument)
			if spec.ExpireAfterSeconds != nil {
				line += fmt.Sprintf("  ttl=%ds", *spec.ExpireAfterSeconds)
			}
			fmt.Println(line)
		}
	}
}
