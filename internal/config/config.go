package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Store          StoreConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	EventBus       EventBusConfig `mapstructure:"eventbus"`
	Archive        ArchiveConfig
	Management     ManagementConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// StoreConfig selects the persistence gateway backing the bus.
type StoreConfig struct {
	Type string `mapstructure:"type"` // "postgres" (default) or "memory"
}

type BrokerConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig configures the dead-letter notice exporter. Export is off when Brokers is empty.
type KafkaConfig struct {
	Brokers  []string    `mapstructure:"brokers"`
	DLQTopic string      `mapstructure:"dlq_topic"`
	Retry    RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EventBusConfig struct {
	// DegradedMode lets the bus start without its tables; publish and subscribe become no-ops.
	DegradedMode bool `mapstructure:"degraded_mode"`

	DrainInterval   time.Duration `mapstructure:"drain_interval"`
	DrainBatchSize  int           `mapstructure:"drain_batch_size"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`

	ProcessedRetention time.Duration `mapstructure:"processed_retention"`
	ArchivedRetention  time.Duration `mapstructure:"archived_retention"`
	DeliveryRetention  time.Duration `mapstructure:"delivery_retention"`

	SequentialDelay       time.Duration `mapstructure:"sequential_delay"`
	DefaultHandlerTimeout time.Duration `mapstructure:"default_handler_timeout"`
	EventTypeCacheSize    int           `mapstructure:"event_type_cache_size"`

	Quota QuotaConfig `mapstructure:"quota"`
}

type QuotaConfig struct {
	Backend string `mapstructure:"backend"` // "store" (default) or "redis"
	// EnforcePerMinute adds a token bucket sized by maxEventsPerMinute on top of the daily counter.
	EnforcePerMinute bool `mapstructure:"enforce_per_minute"`
}

type ArchiveConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Collection string `mapstructure:"collection"`
	BatchSize  int    `mapstructure:"batch_size"`
}

type ManagementConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
