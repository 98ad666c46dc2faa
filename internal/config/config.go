// Package config provides configuration management for the definition extraction service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Config holds all configuration for the definition extraction service.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Storage contains uploaded-file storage settings.
	Storage StorageConfig `mapstructure:"storage"`
	// Extractor contains TEI extraction service client settings.
	Extractor ExtractorConfig `mapstructure:"extractor"`
	// Segmenter contains sentence segmentation service client settings.
	Segmenter SegmenterConfig `mapstructure:"segmenter"`
	// Automation contains workflow-automation webhook client settings.
	Automation AutomationConfig `mapstructure:"automation"`
	// Pipeline contains task engine settings.
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	// Classification contains sentence classification retry settings.
	Classification ClassificationConfig `mapstructure:"classification"`
	// Query contains query orchestrator settings.
	Query QueryConfig `mapstructure:"query"`
	// Kafka contains Kafka publisher settings for the event relay.
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Relay contains event relay settings.
	Relay RelayConfig `mapstructure:"relay"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (use environment variable in production).
	Password string `mapstructure:"password"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	// Default is "require" for production security. Use "disable" only for local development.
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 50).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 10).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
	// StatementCacheCapacity is the size of the prepared statement cache.
	StatementCacheCapacity int `mapstructure:"statement_cache_capacity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
}

// StorageConfig holds uploaded-file storage settings.
type StorageConfig struct {
	// Root is the directory for content-addressed PDF storage.
	Root string `mapstructure:"root"`
	// MaxUploadBytes is the maximum accepted upload size.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
	// DownloadTimeout is the timeout for URL-based ingestion downloads.
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	// AllowPrivateHosts permits URL ingestion from private/loopback
	// addresses. Leave disabled outside of tests.
	AllowPrivateHosts bool `mapstructure:"allow_private_hosts"`
}

// ExtractorConfig holds TEI extraction service client settings.
type ExtractorConfig struct {
	// BaseURL is the extraction service base URL.
	BaseURL string `mapstructure:"base_url"`
	// Timeout is the timeout for extraction calls. Extraction of a large
	// PDF is the slowest external call in the pipeline.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// BurstSize is the maximum burst of requests allowed.
	BurstSize int `mapstructure:"burst_size"`
}

// SegmenterConfig holds sentence segmentation service client settings.
type SegmenterConfig struct {
	// BaseURL is the segmentation service base URL.
	BaseURL string `mapstructure:"base_url"`
	// Timeout is the timeout for segmentation calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// BurstSize is the maximum burst of requests allowed.
	BurstSize int `mapstructure:"burst_size"`
}

// AutomationConfig holds workflow-automation webhook client settings.
type AutomationConfig struct {
	// BaseURL is the automation service base URL. Hook paths below are
	// resolved against it.
	BaseURL string `mapstructure:"base_url"`
	// APIKey authenticates webhook calls (loaded from DEFEX_AUTOMATION_API_KEY env var).
	APIKey string `mapstructure:"-"`
	// Timeout is the timeout for webhook calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// BurstSize is the maximum burst of requests allowed.
	BurstSize int `mapstructure:"burst_size"`
	// ClassifyPath is the sentence classification webhook path.
	ClassifyPath string `mapstructure:"classify_path"`
	// SectionsPath is the section selection webhook path.
	SectionsPath string `mapstructure:"sections_path"`
	// KeywordsPath is the keyword extraction webhook path.
	KeywordsPath string `mapstructure:"keywords_path"`
	// ComposePath is the answer composition webhook path.
	ComposePath string `mapstructure:"compose_path"`
}

// PipelineConfig holds task engine settings.
type PipelineConfig struct {
	// Workers is the number of concurrent task workers.
	Workers int `mapstructure:"workers"`
	// PollInterval is how often idle workers poll for pending tasks.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// TaskMaxRetries is the default whole-stage retry budget per task.
	TaskMaxRetries int `mapstructure:"task_max_retries"`
	// TaskTimeout is the default per-task execution timeout.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// ReaperSchedule is a 5-field cron expression for the stale-task
	// sweep that recovers tasks orphaned by a crash.
	ReaperSchedule string `mapstructure:"reaper_schedule"`
}

// ClassificationConfig holds sentence classification retry settings.
type ClassificationConfig struct {
	// MaxRetries is the per-sentence retry budget beyond the first attempt.
	MaxRetries int `mapstructure:"max_retries"`
	// BaseDelay is the first retry backoff; attempt n waits BaseDelay*(n+1).
	BaseDelay time.Duration `mapstructure:"base_delay"`
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// Concurrency bounds simultaneous classifier calls per batch.
	Concurrency int `mapstructure:"concurrency"`
}

// QueryConfig holds query orchestrator settings.
type QueryConfig struct {
	// MaxResults is the default cap on selected content items.
	MaxResults int `mapstructure:"max_results"`
	// SnippetLength is the maximum reference snippet length in runes.
	SnippetLength int `mapstructure:"snippet_length"`
	// StageTimeout bounds each external analysis stage call.
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
}

// KafkaConfig holds Kafka publisher settings for the event relay.
type KafkaConfig struct {
	// Enabled controls whether Kafka publishing is active.
	Enabled bool `mapstructure:"enabled"`
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// Topic is the Kafka topic to publish processing events to.
	Topic string `mapstructure:"topic"`
	// BatchSize is the maximum number of messages to batch before sending.
	BatchSize int `mapstructure:"batch_size"`
	// BatchTimeout is the maximum time to wait for a batch to fill before sending.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// RelayConfig holds event relay settings.
type RelayConfig struct {
	// PollInterval is how often the relay polls for unpublished events.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// BatchSize is the number of events claimed per poll.
	BatchSize int `mapstructure:"batch_size"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	if c.StatementCacheCapacity > 0 {
		params.Set("statement_cache_capacity", fmt.Sprintf("%d", c.StatementCacheCapacity))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("DEFEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file if present
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/definition-extraction-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Load secrets exclusively from environment variables.
	// These fields use mapstructure:"-" to prevent loading from config files.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
// These fields are tagged with mapstructure:"-" to prevent loading from config files.
func loadSecrets(cfg *Config) {
	cfg.Automation.APIKey = os.Getenv("DEFEX_AUTOMATION_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "defex")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "definition_extraction_service")
	// Default to "require" for production security. Use DEFEX_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 10)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)
	v.SetDefault("database.statement_cache_capacity", 512)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Storage defaults
	v.SetDefault("storage.root", "data/papers")
	v.SetDefault("storage.max_upload_bytes", 50*1024*1024)
	v.SetDefault("storage.download_timeout", "60s")
	v.SetDefault("storage.allow_private_hosts", false)

	// Extractor defaults
	v.SetDefault("extractor.base_url", "http://localhost:8070")
	v.SetDefault("extractor.timeout", "120s")
	v.SetDefault("extractor.rate_limit", 2.0)
	v.SetDefault("extractor.burst_size", 2)

	// Segmenter defaults
	v.SetDefault("segmenter.base_url", "http://localhost:8071")
	v.SetDefault("segmenter.timeout", "30s")
	v.SetDefault("segmenter.rate_limit", 10.0)
	v.SetDefault("segmenter.burst_size", 10)

	// Automation webhook defaults
	// The API key is loaded exclusively from the environment (see loadSecrets).
	v.SetDefault("automation.base_url", "http://localhost:5678")
	v.SetDefault("automation.timeout", "30s")
	v.SetDefault("automation.rate_limit", 10.0)
	v.SetDefault("automation.burst_size", 10)
	v.SetDefault("automation.classify_path", "/webhook/classify-sentence")
	v.SetDefault("automation.sections_path", "/webhook/select-sections")
	v.SetDefault("automation.keywords_path", "/webhook/extract-keywords")
	v.SetDefault("automation.compose_path", "/webhook/compose-answer")

	// Pipeline defaults
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.poll_interval", "500ms")
	v.SetDefault("pipeline.task_max_retries", 3)
	v.SetDefault("pipeline.task_timeout", "10m")
	v.SetDefault("pipeline.reaper_schedule", "* * * * *")

	// Classification defaults
	v.SetDefault("classification.max_retries", 3)
	v.SetDefault("classification.base_delay", "1s")
	v.SetDefault("classification.max_delay", "30s")
	v.SetDefault("classification.concurrency", 8)

	// Query defaults
	v.SetDefault("query.max_results", 50)
	v.SetDefault("query.snippet_length", 280)
	v.SetDefault("query.stage_timeout", "20s")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "events.papers.definition_extraction_service")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")

	// Relay defaults
	v.SetDefault("relay.poll_interval", "1s")
	v.SetDefault("relay.batch_size", 100)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate server ports
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	// Validate database config
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	// Validate storage config
	if c.Storage.Root == "" {
		return fmt.Errorf("storage root is required")
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("storage max_upload_bytes must be positive")
	}

	// Validate external service endpoints
	if c.Extractor.BaseURL == "" {
		return fmt.Errorf("extractor base_url is required")
	}
	if c.Segmenter.BaseURL == "" {
		return fmt.Errorf("segmenter base_url is required")
	}
	if c.Automation.BaseURL == "" {
		return fmt.Errorf("automation base_url is required")
	}

	// Validate pipeline config
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}
	if c.Pipeline.TaskMaxRetries < 0 {
		return fmt.Errorf("pipeline task_max_retries must not be negative")
	}
	if c.Pipeline.TaskTimeout <= 0 {
		return fmt.Errorf("pipeline task_timeout must be positive")
	}

	// Validate classification config
	if c.Classification.MaxRetries < 0 {
		return fmt.Errorf("classification max_retries must not be negative")
	}
	if c.Classification.BaseDelay <= 0 {
		return fmt.Errorf("classification base_delay must be positive")
	}
	if c.Classification.Concurrency < 1 || c.Classification.Concurrency > 64 {
		return fmt.Errorf("classification concurrency must be between 1 and 64, got %d", c.Classification.Concurrency)
	}

	// Validate Kafka config when enabled
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic is required when kafka is enabled")
		}
	}

	return nil
}
