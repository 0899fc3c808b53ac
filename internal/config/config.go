package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	MongoURI      string `env:"MONGO_DB_URI,required"`
	MongoDatabase string `env:"MONGO_DB_NAME" envDefault:"green_power"`
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// MQTT ingest (enabled when MQTT_BROKER is set)
	MQTTBroker         string `env:"MQTT_BROKER"`
	MQTTPort           int    `env:"MQTT_PORT" envDefault:"1883"`
	MQTTKeepalive      int    `env:"MQTT_KEEPALIVE" envDefault:"60"` // seconds
	MQTTClientID       string `env:"MQTT_CLIENT_ID" envDefault:"telemetry-subscriber"`
	MQTTProtocol       string `env:"MQTT_PROTOCOL" envDefault:"311"` // 311 or 5
	MQTTCleanSession   bool   `env:"MQTT_CLEAN_SESSION" envDefault:"true"`
	MQTTUsername       string `env:"MQTT_USERNAME"`
	MQTTPassword       string `env:"MQTT_PASSWORD"`
	MQTTQoS            int    `env:"MQTT_QOS" envDefault:"0"`
	MQTTTopics         string `env:"MQTT_TOPICS" envDefault:"telemetry/#"` // JSON array or comma-separated
	MQTTMaxInflight    int    `env:"MQTT_MAX_INFLIGHT" envDefault:"20"`
	MQTTConnectTimeout int    `env:"MQTT_CONNECT_TIMEOUT" envDefault:"10"` // seconds
	MQTTReconnectMin   int    `env:"MQTT_RECONNECT_MIN" envDefault:"1"`    // seconds
	MQTTReconnectMax   int    `env:"MQTT_RECONNECT_MAX" envDefault:"30"`   // seconds

	MQTTTLS         bool   `env:"MQTT_TLS" envDefault:"false"`
	MQTTCACerts     string `env:"MQTT_CA_CERTS"`
	MQTTCertFile    string `env:"MQTT_CERTFILE"`
	MQTTKeyFile     string `env:"MQTT_KEYFILE"`
	MQTTTLSVersion  string `env:"MQTT_TLS_VERSION" envDefault:"TLSv1_2"`
	MQTTTLSInsecure bool   `env:"MQTT_TLS_INSECURE" envDefault:"false"`

	// Ingest pipeline back-pressure
	MessageQueueSize      int  `env:"MQTT_MESSAGE_QUEUE" envDefault:"10000"`
	IngestDropOnFull      bool `env:"INGEST_DROP_ON_FULL" envDefault:"true"`
	BufferTTLSeconds      int  `env:"BUFFER_TTL_SECONDS" envDefault:"300"`
	AssemblerSweepSeconds int  `env:"ASSEMBLER_SWEEP_SECONDS" envDefault:"60"`
	FanoutWorkers         int  `env:"FANOUT_WORKERS" envDefault:"4"`
	FanoutTimeoutMs       int  `env:"FANOUT_TIMEOUT_MS" envDefault:"200"`

	// Validation
	RequiredTopics        string `env:"REQUIRED_TOPICS" envDefault:"MQTT_RT_DATA,MQTT_ENY_NOW"`
	RequireDeviceIDTopics string `env:"REQUIRE_DEVICE_ID_TOPICS"`
	ValidationRulesFile   string `env:"VALIDATION_RULES_FILE"` // optional JSON rules, hot-reloaded
	DefaultCollection     string `env:"DEFAULT_COLLECTION" envDefault:"telemetry_events"`

	// TCP protocol server
	TCPEnabled            bool    `env:"TCP_ENABLED" envDefault:"true"`
	TCPHost               string  `env:"TCP_HOST" envDefault:"0.0.0.0"`
	TCPPort               int     `env:"TCP_PORT" envDefault:"6000"`
	TCPRecvBuffer         int     `env:"TCP_RECV_BUFFER" envDefault:"1024"`
	TCPClientTimeout      int     `env:"TCP_CLIENT_TIMEOUT" envDefault:"120"` // seconds
	TCPBacklog            int     `env:"TCP_BACKLOG" envDefault:"50"`
	TCPMaxClients         int     `env:"TCP_MAX_CLIENTS" envDefault:"100"`
	TCPQueueSize          int     `env:"TCP_QUEUE_SIZE" envDefault:"5000"`
	TCPBatchSize          int     `env:"TCP_BATCH_SIZE" envDefault:"200"`
	TCPBatchFlushMs       int     `env:"TCP_BATCH_FLUSH_MS" envDefault:"500"`
	TCPTimeoutMaxRetries  int     `env:"TCP_TIMEOUT_MAX_RETRIES" envDefault:"3"`
	TCPTimeoutBackoffBase float64 `env:"TCP_TIMEOUT_BACKOFF_BASE" envDefault:"1.0"` // seconds
	TCPTimeoutBackoffMax  float64 `env:"TCP_TIMEOUT_BACKOFF_MAX" envDefault:"10.0"` // seconds

	// Collection retention (TTL indexes over timestamp; <= 0 disables)
	TTLTodaySeconds    int `env:"MONGO_TODAY_TTL_SECONDS" envDefault:"86400"`
	TTL7DaysSeconds    int `env:"MONGO_LAST_7_DAYS_TTL_SECONDS" envDefault:"604800"`
	TTL30DaysSeconds   int `env:"MONGO_LAST_30_DAYS_TTL_SECONDS" envDefault:"2592000"`
	TTL6MonthsSeconds  int `env:"MONGO_LAST_6_MONTHS_TTL_SECONDS" envDefault:"15552000"`
	TTLThisYearSeconds int `env:"MONGO_THIS_YEAR_TTL_SECONDS" envDefault:"31536000"`

	// Device liveness
	LivenessEnabled     bool   `env:"LIVENESS_ENABLED" envDefault:"true"`
	LivenessScanSeconds int    `env:"LIVENESS_SCAN_SECONDS" envDefault:"60"`
	DeviceTrackSeconds  int    `env:"DEVICE_TRACK_SECONDS" envDefault:"86400"`
	StaleThresholds     string `env:"STALE_THRESHOLDS" envDefault:"MQTT_RT_DATA=60,CCCL/PURBACHAL/ENV_01=60,MQTT_ENY_NOW=1020,TCP_SOLAR_DATA=150"`

	// Aggregation engine
	AggregateEnabled bool `env:"AGGREGATE_ENABLED" envDefault:"true"`

	// Broadcast groups
	TelemetryWSGroup string `env:"TELEMETRY_WS_GROUP" envDefault:"telemetry"`
	TCPWSGroup       string `env:"TCP_WS_GROUP" envDefault:"tcp_telemetry"`
	BusRedisEnabled  bool   `env:"BUS_REDIS_ENABLED" envDefault:"false"`

	// Embedded MQTT broker (edge deployments; empty = disabled)
	EmbeddedBrokerAddr string `env:"EMBEDDED_BROKER_ADDR"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Validate rejects configurations that cannot start safely.
func (c *Config) Validate() error {
	if c.MQTTBroker == "" && !c.TCPEnabled {
		return fmt.Errorf("at least one ingest source must be configured: set MQTT_BROKER or TCP_ENABLED=true")
	}
	if c.MQTTProtocol != "311" && c.MQTTProtocol != "5" {
		return fmt.Errorf("MQTT_PROTOCOL must be 311 or 5, got %q", c.MQTTProtocol)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0..2, got %d", c.MQTTQoS)
	}
	if c.MQTTTLS {
		for _, f := range []string{c.MQTTCACerts, c.MQTTCertFile, c.MQTTKeyFile} {
			if f == "" {
				continue
			}
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("unreadable TLS material %q: %w", f, err)
			}
		}
	}
	if c.MessageQueueSize < 1 {
		return fmt.Errorf("MQTT_MESSAGE_QUEUE must be >= 1, got %d", c.MessageQueueSize)
	}
	if c.FanoutWorkers < 1 {
		return fmt.Errorf("FANOUT_WORKERS must be >= 1, got %d", c.FanoutWorkers)
	}
	if c.TCPEnabled && (c.TCPPort < 1 || c.TCPPort > 65535) {
		return fmt.Errorf("TCP_PORT must be 1..65535, got %d", c.TCPPort)
	}
	if c.TCPBatchSize < 1 {
		return fmt.Errorf("TCP_BATCH_SIZE must be >= 1, got %d", c.TCPBatchSize)
	}
	if _, err := c.ParseStaleThresholds(); err != nil {
		return err
	}
	return nil
}

// Topics returns the subscription list parsed from MQTT_TOPICS, which accepts
// either a JSON array or a comma-separated list.
func (c *Config) Topics() []string {
	return ParseTopicList(c.MQTTTopics)
}

// ParseTopicList parses a JSON array or comma-separated topic list.
func ParseTopicList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{"telemetry/#"}
	}
	var fromJSON []string
	if err := json.Unmarshal([]byte(raw), &fromJSON); err == nil {
		var topics []string
		for _, t := range fromJSON {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
		if len(topics) > 0 {
			return topics
		}
		return []string{"telemetry/#"}
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return []string{"telemetry/#"}
	}
	return topics
}

// ParseTopicSet parses a comma-separated list into a membership set.
func ParseTopicSet(raw string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = true
		}
	}
	return set
}

// ParseStaleThresholds parses STALE_THRESHOLDS ("topic=seconds,...") into a
// per-topic staleness map.
func (c *Config) ParseStaleThresholds() (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range strings.Split(c.StaleThresholds, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		topic, secs, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("STALE_THRESHOLDS entry %q: want topic=seconds", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(secs))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("STALE_THRESHOLDS entry %q: bad seconds value", pair)
		}
		out[strings.TrimSpace(topic)] = n
	}
	return out, nil
}

// BrokerURL assembles the paho broker URL from MQTT_BROKER and MQTT_PORT.
// A broker value that already carries a scheme or port is used as-is.
func (c *Config) BrokerURL() string {
	b := strings.TrimSpace(c.MQTTBroker)
	if b == "" {
		return ""
	}
	if strings.Contains(b, "://") {
		return b
	}
	scheme := "tcp"
	if c.MQTTTLS {
		scheme = "ssl"
	}
	if strings.Contains(b, ":") {
		return scheme + "://" + b
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b, c.MQTTPort)
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile    string
	HTTPAddr   string
	LogLevel   string
	MongoURI   string
	RedisURL   string
	MQTTBroker string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.MongoURI != "" {
		cfg.MongoURI = overrides.MongoURI
	}
	if overrides.RedisURL != "" {
		cfg.RedisURL = overrides.RedisURL
	}
	if overrides.MQTTBroker != "" {
		cfg.MQTTBroker = overrides.MQTTBroker
	}

	return cfg, nil
}
