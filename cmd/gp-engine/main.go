package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cccl/gp-engine/internal/aggregate"
	"github.com/cccl/gp-engine/internal/api"
	"github.com/cccl/gp-engine/internal/broker"
	"github.com/cccl/gp-engine/internal/bus"
	"github.com/cccl/gp-engine/internal/config"
	"github.com/cccl/gp-engine/internal/ingest"
	"github.com/cccl/gp-engine/internal/liveness"
	"github.com/cccl/gp-engine/internal/metrics"
	"github.com/cccl/gp-engine/internal/mqttclient"
	"github.com/cccl/gp-engine/internal/store"
	"github.com/cccl/gp-engine/internal/tcpserver"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.MongoURI, "mongo-uri", "", "document store URI (overrides MONGO_DB_URI)")
	flag.StringVar(&overrides.RedisURL, "redis-url", "", "redis URL (overrides REDIS_URL)")
	flag.StringVar(&overrides.MQTTBroker, "mqtt-broker", "", "MQTT broker host (overrides MQTT_BROKER)")
	flag.Parse()

	early := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early.Fatal().Err(err).Msg("invalid configuration")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("gp-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Document store
	storeLog := log.With().Str("component", "store").Logger()
	st, err := store.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to document store")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st.Close(closeCtx)
	}()

	ttls := store.RetentionTTLs{
		Today:    cfg.TTLTodaySeconds,
		Last7d:   cfg.TTL7DaysSeconds,
		Last30d:  cfg.TTL30DaysSeconds,
		Last6Mo:  cfg.TTL6MonthsSeconds,
		ThisYear: cfg.TTLThisYearSeconds,
	}
	st.EnsureTimeSeries(ctx, store.SolarTimeSeries(ttls))
	st.EnsureIndexes(ctx, ttls)

	// Redis: liveness index and optional cross-process bus
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not reachable yet, liveness and bus bridge degraded")
	}

	// Event hub
	hub := bus.NewHub()
	if cfg.BusRedisEnabled {
		bridge := bus.NewRedisBridge(hub, rdb, []string{cfg.TelemetryWSGroup, cfg.TCPWSGroup}, log)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				log.Error().Err(err).Msg("bus redis bridge stopped")
			}
		}()
	}

	// Embedded broker for edge deployments without an external one
	if cfg.EmbeddedBrokerAddr != "" {
		brk := broker.New(cfg.EmbeddedBrokerAddr, log)
		if err := brk.Start(); err != nil {
			log.Fatal().Err(err).Msg("embedded broker failed to start")
		}
		defer brk.Close()
	}

	// Validation rules, hot-reloaded on file change
	var rules *ingest.Rules
	if cfg.ValidationRulesFile != "" {
		rules = ingest.NewRules(cfg.ValidationRulesFile, log)
		if err := rules.Load(); err != nil {
			log.Fatal().Err(err).Msg("failed to load validation rules")
		}
		if err := rules.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("validation rules watch unavailable, hot reload disabled")
		}
		defer rules.Close()
	}

	// Device liveness tracker
	var tracker *liveness.Tracker
	if cfg.LivenessEnabled {
		thresholds, err := cfg.ParseStaleThresholds()
		if err != nil {
			log.Fatal().Err(err).Msg("invalid STALE_THRESHOLDS")
		}
		tracker = liveness.New(rdb, hub, liveness.Options{
			Thresholds: durationThresholds(thresholds),
			TrackTTL:   time.Duration(cfg.DeviceTrackSeconds) * time.Second,
			ScanEvery:  time.Duration(cfg.LivenessScanSeconds) * time.Second,
			Group:      cfg.TelemetryWSGroup,
		}, log)
		go tracker.Run(ctx)
	}

	// MQTT ingest pipeline
	var pipeline *ingest.Pipeline
	var mqttConn *mqttclient.Client
	if cfg.MQTTBroker != "" {
		pipeOpts := ingest.Options{
			QueueSize:         cfg.MessageQueueSize,
			DropOnFull:        cfg.IngestDropOnFull,
			BufferTTL:         time.Duration(cfg.BufferTTLSeconds) * time.Second,
			SweepInterval:     time.Duration(cfg.AssemblerSweepSeconds) * time.Second,
			FanoutWorkers:     cfg.FanoutWorkers,
			FanoutTimeout:     time.Duration(cfg.FanoutTimeoutMs) * time.Millisecond,
			RequiredTopics:    config.ParseTopicSet(cfg.RequiredTopics),
			DeviceIDTopics:    config.ParseTopicSet(cfg.RequireDeviceIDTopics),
			DefaultCollection: cfg.DefaultCollection,
			TelemetryGroup:    cfg.TelemetryWSGroup,
			Rules:             rules,
			Store:             st,
			Broadcast:         hub,
			Log:               log,
		}
		if tracker != nil {
			pipeOpts.Liveness = tracker
		}
		pipeline = ingest.NewPipeline(pipeOpts)
		pipeline.Start()

		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqttConn, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:      cfg.BrokerURL(),
			ClientID:       cfg.MQTTClientID,
			Topics:         cfg.Topics(),
			QoS:            byte(cfg.MQTTQoS),
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			CleanSession:   cfg.MQTTCleanSession,
			Protocol:       cfg.MQTTProtocol,
			Keepalive:      time.Duration(cfg.MQTTKeepalive) * time.Second,
			ConnectTimeout: time.Duration(cfg.MQTTConnectTimeout) * time.Second,
			ReconnectMin:   time.Duration(cfg.MQTTReconnectMin) * time.Second,
			ReconnectMax:   time.Duration(cfg.MQTTReconnectMax) * time.Second,
			MaxInflight:    cfg.MQTTMaxInflight,
			TLS:            cfg.MQTTTLS,
			CACerts:        cfg.MQTTCACerts,
			CertFile:       cfg.MQTTCertFile,
			KeyFile:        cfg.MQTTKeyFile,
			TLSVersion:     cfg.MQTTTLSVersion,
			TLSInsecure:    cfg.MQTTTLSInsecure,
			OnMessage:      pipeline.HandleMessage,
			Log:            mqttLog,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start mqtt client")
		}
	}

	// Solar gateway server
	var gateway *tcpserver.Server
	if cfg.TCPEnabled {
		writer := tcpserver.NewWriter(st, cfg.TCPBatchSize, cfg.TCPQueueSize,
			time.Duration(cfg.TCPBatchFlushMs)*time.Millisecond, log)
		gwOpts := tcpserver.Options{
			Addr:              net.JoinHostPort(cfg.TCPHost, strconv.Itoa(cfg.TCPPort)),
			RecvBuffer:        cfg.TCPRecvBuffer,
			ClientTimeout:     time.Duration(cfg.TCPClientTimeout) * time.Second,
			Backlog:           cfg.TCPBacklog,
			MaxClients:        cfg.TCPMaxClients,
			TimeoutMaxRetries: cfg.TCPTimeoutMaxRetries,
			BackoffBase:       cfg.TCPTimeoutBackoffBase,
			BackoffMax:        cfg.TCPTimeoutBackoffMax,
			Group:             cfg.TCPWSGroup,
			Writer:            writer,
			Broadcast:         hub,
			Log:               log,
		}
		if tracker != nil {
			gwOpts.Liveness = tracker
		}
		gateway = tcpserver.NewServer(gwOpts)
		if err := gateway.Start(); err != nil {
			log.Fatal().Err(err).Msg("gateway server failed to start")
		}
	}

	// Aggregation cascade
	var rollup *aggregate.Runner
	if cfg.AggregateEnabled {
		rollup = aggregate.New(st, log)
		if err := rollup.Start(); err != nil {
			log.Fatal().Err(err).Msg("aggregation runner failed to start")
		}
	}

	// Scrape-time collector over the live subsystems
	src := metrics.Sources{Bus: hub}
	if pipeline != nil {
		src.Ingest = pipeline
	}
	if gateway != nil {
		src.TCP = gateway
	}
	if rollup != nil {
		src.Rollup = rollup
	}
	if tracker != nil {
		src.Liveness = tracker
	}
	prometheus.MustRegister(metrics.NewCollector(src))

	// HTTP server
	apiOpts := api.Options{
		Addr:         cfg.HTTPAddr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		Version:      version,
		StartTime:    startTime,
		Store:        st,
		Redis: api.CheckerFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
		Hub:            hub,
		TelemetryGroup: cfg.TelemetryWSGroup,
		TCPGroup:       cfg.TCPWSGroup,
		Log:            log,
	}
	if mqttConn != nil {
		apiOpts.MQTT = mqttConn
	}
	if pipeline != nil {
		apiOpts.Ingest = pipeline
	}
	if gateway != nil {
		apiOpts.TCP = gateway
	}
	srv := api.NewServer(apiOpts)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Stop producers first, then drain, then the HTTP surface.
	if mqttConn != nil {
		mqttConn.Close()
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	if gateway != nil {
		gateway.Stop()
	}
	if rollup != nil {
		rollup.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("gp-engine stopped")
}

func durationThresholds(m map[string]int) map[string]time.Duration {
	out := make(map[string]time.Duration, len(m))
	for topic, secs := range m {
		out[topic] = time.Duration(secs) * time.Second
	}
	return out
}
