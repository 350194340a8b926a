package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"

	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
	StoreScylla = "scylla"
)

// Config aggregates application configuration values loaded from environment variables.
type Config struct {
	Env      string `envconfig:"APP_ENV" default:"dev"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	Broker           string   `envconfig:"BROKER" default:"kafka"`
	KafkaBrokers     []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopicPrefix string   `envconfig:"KAFKA_TOPIC_PREFIX"`
	KafkaGroupID     string   `envconfig:"KAFKA_GROUP_ID" default:"tripsaga-orchestrator"`

	StoreBackend string        `envconfig:"STORE_BACKEND" default:"memory"`
	SagaTTL      time.Duration `envconfig:"SAGA_TTL" default:"1h"`

	MongoURI string `envconfig:"MONGO_URI"`
	MongoDB  string `envconfig:"MONGO_DB" default:"tripsaga"`

	ScyllaHosts             []string      `envconfig:"SCYLLA_HOSTS" default:"localhost"`
	ScyllaKeyspace          string        `envconfig:"SCYLLA_KEYSPACE" default:"tripsaga"`
	ScyllaUsername          string        `envconfig:"SCYLLA_USERNAME"`
	ScyllaPassword          string        `envconfig:"SCYLLA_PASSWORD"`
	ScyllaConsistency       string        `envconfig:"SCYLLA_CONSISTENCY" default:"quorum"`
	ScyllaTimeout           time.Duration `envconfig:"SCYLLA_TIMEOUT" default:"5s"`
	ScyllaReplicationFactor int           `envconfig:"SCYLLA_REPLICATION_FACTOR" default:"1"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisChannel  string `envconfig:"REDIS_CHANNEL" default:"tripsaga:notifications"`
	RedisRelay    bool   `envconfig:"REDIS_RELAY" default:"false"`

	StreamIdleTimeout time.Duration `envconfig:"STREAM_IDLE_TIMEOUT" default:"60s"`
	StreamHeartbeat   time.Duration `envconfig:"STREAM_HEARTBEAT" default:"15s"`

	OutboxPollInterval  time.Duration   `envconfig:"OUTBOX_POLL_INTERVAL" default:"500ms"`
	RetryBackoff        []time.Duration `envconfig:"RETRY_BACKOFF" default:"1s,2s,4s,8s"`
	DispatchMaxAttempts int             `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"5"`
	ReplyTimeout        time.Duration   `envconfig:"REPLY_TIMEOUT" default:"0s"`

	PaymentBridgeURL     string        `envconfig:"PAYMENT_BRIDGE_URL" default:"http://localhost:9100/payments"`
	PaymentBridgeTimeout time.Duration `envconfig:"PAYMENT_BRIDGE_TIMEOUT" default:"5s"`
	Currency             string        `envconfig:"CURRENCY" default:"EUR"`
	InvoiceBaseURL       string        `envconfig:"INVOICE_BASE_URL" default:"http://localhost:4566/my-bucket"`

	S3Enabled        bool   `envconfig:"S3_ENABLED" default:"false"`
	S3Endpoint       string `envconfig:"S3_ENDPOINT" default:"http://localhost:9000"`
	S3PublicEndpoint string `envconfig:"S3_PUBLIC_ENDPOINT"`
	S3AccessKey      string `envconfig:"S3_ACCESS_KEY" default:"minioadmin"`
	S3SecretKey      string `envconfig:"S3_SECRET_KEY" default:"minioadmin"`
	S3Bucket         string `envconfig:"S3_BUCKET" default:"invoices"`
	S3UseSSL         bool   `envconfig:"S3_USE_SSL" default:"false"`

	IdempotencyTTL time.Duration `envconfig:"IDEMP_TTL" default:"24h"`
}

// Load parses configuration from the current environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Broker = strings.ToLower(strings.TrimSpace(c.Broker))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	c.InvoiceBaseURL = strings.TrimRight(c.InvoiceBaseURL, "/")
	c.KafkaBrokers = trimAll(c.KafkaBrokers)
	c.ScyllaHosts = trimAll(c.ScyllaHosts)
	c.ScyllaKeyspace = strings.TrimSpace(c.ScyllaKeyspace)
	if c.S3PublicEndpoint == "" {
		c.S3PublicEndpoint = c.S3Endpoint
	}
}

// Validate checks backend-dependent required values.
func (c Config) Validate() error {
	switch c.Broker {
	case BrokerKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required")
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("unsupported BROKER %q", c.Broker)
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for redis store")
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for mongo store")
		}
	case StoreScylla:
		if len(c.ScyllaHosts) == 0 || c.ScyllaKeyspace == "" {
			return fmt.Errorf("SCYLLA_HOSTS and SCYLLA_KEYSPACE are required for scylla store")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RedisRelay && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when REDIS_RELAY is enabled")
	}
	if c.SagaTTL <= 0 {
		return fmt.Errorf("SAGA_TTL must be positive")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("invalid CURRENCY %q", c.Currency)
	}
	if c.DispatchMaxAttempts < 1 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
