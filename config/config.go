package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Processor   ProcessorConfig   `mapstructure:"processor"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Circuit     CircuitConfig     `mapstructure:"circuit"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	DeadLetter  DeadLetterConfig  `mapstructure:"deadletter"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"` // debug, release, test
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// StorageConfig selects the durable store. "memory" keeps all state in
// process and is meant for local runs only.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`       // postgres, memory
	CircuitStore string `mapstructure:"circuit_store"` // redis, memory
}

type ProcessorConfig struct {
	Target    string        `mapstructure:"target"`    // circuit breaker target name
	Transport string        `mapstructure:"transport"` // http, nats, sandbox
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// IdempotencyConfig keeps the TTL independent from the processor's own
// duplicate-detection window; Validate requires TTL > window.
type IdempotencyConfig struct {
	TTL                  time.Duration `mapstructure:"ttl"`
	ProcessorDedupWindow time.Duration `mapstructure:"processor_dedup_window"`
	LeaseTimeout         time.Duration `mapstructure:"lease_timeout"`
	WaitTimeout          time.Duration `mapstructure:"wait_timeout"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	CacheEnabled         bool          `mapstructure:"cache_enabled"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type WebhookConfig struct {
	Secret          string `mapstructure:"secret"`
	SignatureHeader string `mapstructure:"signature_header"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
}

type DeadLetterConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	MaxReplays   int           `mapstructure:"max_replays"`
	Lease        time.Duration `mapstructure:"lease"`
}

type ReconcileConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	PendingAfter time.Duration `mapstructure:"pending_after"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int64         `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

// Load reads configuration from .env, file and environment variables.
// Environment variables override file values. Prefix: PRE_ (Payment Reliability Engine).
// Nested keys use underscore: PRE_DATABASE_HOST, PRE_WEBHOOK_SECRET, etc.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("PRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "payments")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("storage.backend", "postgres")
	v.SetDefault("storage.circuit_store", "memory")
	v.SetDefault("processor.target", "processor")
	v.SetDefault("processor.transport", "http")
	v.SetDefault("processor.base_url", "http://localhost:9000")
	v.SetDefault("processor.api_key", "")
	v.SetDefault("processor.timeout", "10s")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "processor")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("idempotency.ttl", "72h")
	v.SetDefault("idempotency.processor_dedup_window", "24h")
	v.SetDefault("idempotency.lease_timeout", "60s")
	v.SetDefault("idempotency.wait_timeout", "10s")
	v.SetDefault("idempotency.poll_interval", "100ms")
	v.SetDefault("idempotency.cache_enabled", true)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "200ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.jitter", 0.1)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cooldown", "30s")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.signature_header", "X-Processor-Signature")
	v.SetDefault("webhook.max_body_bytes", 1<<20)
	v.SetDefault("deadletter.poll_interval", "15s")
	v.SetDefault("deadletter.batch_size", 20)
	v.SetDefault("deadletter.base_backoff", "30s")
	v.SetDefault("deadletter.max_backoff", "1h")
	v.SetDefault("deadletter.max_replays", 8)
	v.SetDefault("deadletter.lease", "2m")
	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.pending_after", "5m")
	v.SetDefault("reconcile.batch_size", 50)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "payment-events")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.service_name", "payment-reliability-engine")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.limit", 100)
	v.SetDefault("ratelimit.window", "1m")
}

// ProcessorCallBudget bounds one processor operation: every attempt at the
// processor timeout plus the longest backoff between them. An idempotency
// lease shorter than this could expire while its holder is still calling
// the processor.
func (c *Config) ProcessorCallBudget() time.Duration {
	attempts := time.Duration(c.Retry.MaxAttempts)
	if attempts < 1 {
		attempts = 1
	}
	return attempts*c.Processor.Timeout + (attempts-1)*c.Retry.MaxDelay
}

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be postgres or memory", c.Storage.Backend))
	}
	switch c.Storage.CircuitStore {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.circuit_store %q must be redis or memory", c.Storage.CircuitStore))
	}
	switch c.Processor.Transport {
	case "http", "nats", "sandbox":
	default:
		errs = append(errs, fmt.Errorf("processor.transport %q must be http, nats or sandbox", c.Processor.Transport))
	}

	if c.Idempotency.TTL <= c.Idempotency.ProcessorDedupWindow {
		errs = append(errs, fmt.Errorf("idempotency.ttl (%s) must exceed idempotency.processor_dedup_window (%s)",
			c.Idempotency.TTL, c.Idempotency.ProcessorDedupWindow))
	}
	if c.Idempotency.LeaseTimeout <= 0 {
		errs = append(errs, errors.New("idempotency.lease_timeout must be positive"))
	} else if budget := c.ProcessorCallBudget(); c.Idempotency.LeaseTimeout <= budget {
		errs = append(errs, fmt.Errorf("idempotency.lease_timeout (%s) must exceed the processor call budget (%s)",
			c.Idempotency.LeaseTimeout, budget))
	}
	if c.Idempotency.PollInterval <= 0 {
		errs = append(errs, errors.New("idempotency.poll_interval must be positive"))
	}

	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 5 {
		errs = append(errs, fmt.Errorf("retry.max_attempts %d must be between 1 and 5", c.Retry.MaxAttempts))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 0.5 {
		errs = append(errs, fmt.Errorf("retry.jitter %.2f must be between 0 and 0.5", c.Retry.Jitter))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.base_delay must be positive and not exceed retry.max_delay"))
	}

	if c.Circuit.FailureThreshold < 1 {
		errs = append(errs, errors.New("circuit.failure_threshold must be at least 1"))
	}
	if c.Circuit.Cooldown <= 0 {
		errs = append(errs, errors.New("circuit.cooldown must be positive"))
	}

	if c.DeadLetter.BaseBackoff <= 0 || c.DeadLetter.MaxBackoff < c.DeadLetter.BaseBackoff {
		errs = append(errs, errors.New("deadletter.base_backoff must be positive and not exceed deadletter.max_backoff"))
	}
	if c.DeadLetter.MaxReplays < 1 {
		errs = append(errs, errors.New("deadletter.max_replays must be at least 1"))
	}

	return errors.Join(errs...)
}
