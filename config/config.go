package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string        `env:"APP_NAME" envDefault:"person-resolver"`
	Port                          int           `env:"PORT" envDefault:"3002"`
	LogLevel                      string        `env:"LOG_LEVEL" envDefault:"info"`
	PrettyLogs                    bool          `env:"PRETTY_LOGS" envDefault:"false"`
	HttpServerWriteTimeoutSeconds int           `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" envDefault:"10"`
	HttpServerReadTimeoutSeconds  int           `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" envDefault:"10"`
	HttpServerIdleTimeoutSeconds  int           `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" envDefault:"10"`
	StartupMaxAttempts            int           `env:"STARTUP_MAX_ATTEMPTS" envDefault:"5"`
	ShutdownTimeout               time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// PostgreSQL (person store)
	DatabaseHost                  string        `env:"DB_HOST" envDefault:"localhost"`
	DatabasePort                  string        `env:"DB_PORT" envDefault:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" envDefault:""`
	DatabasePassword              string        `env:"DB_PASSWORD" envDefault:""`
	DatabaseName                  string        `env:"DB_NAME" envDefault:"posthog"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" envDefault:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" envDefault:"db/pg"`
	DatabaseMigrationVersion      uint          `env:"DB_MIGRATION_VERSION" envDefault:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" envDefault:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" envDefault:"true"`
	DatabaseMigrationsEnabled     bool          `env:"DB_MIGRATIONS_ENABLED" envDefault:"true"`

	// Redis (warning debounce)
	RedisEnabled  bool   `env:"REDIS_ENABLED" envDefault:"true"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka consumer
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaEventsTopic   string   `env:"KAFKA_EVENTS_TOPIC" envDefault:"events_plugin_ingestion"`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"person-resolver"`
	ConsumerCount      int      `env:"CONSUMER_COUNT" envDefault:"1"`

	// Kafka output topics
	KafkaPersonsTopic           string `env:"KAFKA_PERSONS_TOPIC" envDefault:"clickhouse_person"`
	KafkaDistinctIDsTopic       string `env:"KAFKA_DISTINCT_IDS_TOPIC" envDefault:"clickhouse_person_distinct_id"`
	KafkaEventsWithPersonTopic  string `env:"KAFKA_EVENTS_WITH_PERSON_TOPIC" envDefault:"events_with_person"`
	KafkaIngestionWarningsTopic string `env:"KAFKA_INGESTION_WARNINGS_TOPIC" envDefault:"clickhouse_ingestion_warnings"`

	// Kafka producer
	KafkaBatchSize    int           `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	KafkaBatchTimeout time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"10ms"`
	KafkaRequiredAcks int           `env:"KAFKA_REQUIRED_ACKS" envDefault:"-1"`
	KafkaCompression  string        `env:"KAFKA_COMPRESSION" envDefault:"snappy"`

	// Identity resolution
	MergeMaxAttempts      int           `env:"MERGE_MAX_ATTEMPTS" envDefault:"3"`
	EmbraceJoin           bool          `env:"EMBRACE_JOIN" envDefault:"false"`
	IdentifyWarnAfter     time.Duration `env:"IDENTIFY_WARN_AFTER" envDefault:"30s"`
	DeferPersonProperties bool          `env:"DEFER_PERSON_PROPERTIES" envDefault:"false"`

	// Ingestion warnings
	WarningSource         string        `env:"WARNING_SOURCE" envDefault:"plugin-server"`
	WarningBufferSize     int           `env:"WARNING_BUFFER_SIZE" envDefault:"1000"`
	WarningPublishTimeout time.Duration `env:"WARNING_PUBLISH_TIMEOUT" envDefault:"10s"`
	WarningDebounce       time.Duration `env:"WARNING_DEBOUNCE" envDefault:"1h"`

	// Tracing
	TracingExporter    string            `env:"TRACING_EXPORTER" envDefault:"none"`
	OTLPEndpoint       string            `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTLPProtocol       string            `env:"OTEL_EXPORTER_OTLP_PROTOCOL" envDefault:"grpc"`
	OTLPInsecure       bool              `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	OTLPHeaders        map[string]string `env:"OTEL_EXPORTER_OTLP_HEADERS"`
	OTLPTimeout        time.Duration     `env:"OTEL_EXPORTER_OTLP_TIMEOUT" envDefault:"10s"`
	TracingSampleRatio float64           `env:"TRACING_SAMPLE_RATIO" envDefault:"1"`
}

// Load reads the optional dotenv files into the environment and parses Config from it.
// Variables already set in the environment win over the files.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must not be empty"))
	}
	if c.ConsumerCount < 1 {
		errs = append(errs, fmt.Errorf("CONSUMER_COUNT must be at least 1, got %d", c.ConsumerCount))
	}
	if c.MergeMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MERGE_MAX_ATTEMPTS must be at least 1, got %d", c.MergeMaxAttempts))
	}
	switch c.TracingExporter {
	case "none", "console", "otlp":
	default:
		errs = append(errs, fmt.Errorf("TRACING_EXPORTER must be none, console or otlp, got %q", c.TracingExporter))
	}
	return errors.Join(errs...)
}

// DatabaseDSN is the lib/pq connection string for the person store
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUserName, c.DatabasePassword, c.DatabaseName, c.DatabaseSSLMode)
}
