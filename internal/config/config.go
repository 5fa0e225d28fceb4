// Package config provides configuration management for the literature pipeline.
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

// Queue backend identifiers.
const (
	QueueBackendRedis    = "redis"
	QueueBackendMemory   = "memory"
	QueueBackendTemporal = "temporal"
)

// Config holds all configuration for the literature pipeline.
type Config struct {
	// Server contains HTTP and health server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Redis contains the Redis connection used by the queue broker and notifications.
	Redis RedisConfig `mapstructure:"redis"`
	// Queue contains task queue and worker pool settings.
	Queue QueueConfig `mapstructure:"queue"`
	// Temporal contains settings for the Temporal queue backend.
	Temporal TemporalConfig `mapstructure:"temporal"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// LLM contains model backend settings.
	LLM LLMConfig `mapstructure:"llm"`
	// HTTPClient contains retry settings shared by outbound HTTP clients.
	HTTPClient HTTPClientConfig `mapstructure:"http_client"`
	// Notify contains progress notification settings.
	Notify NotifyConfig `mapstructure:"notify"`
	// Kafka contains broker settings shared by the event writer and the command intake.
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Storage contains local file storage settings.
	Storage StorageConfig `mapstructure:"storage"`
	// PaperSources contains bibliographic source API configurations.
	PaperSources PaperSourcesConfig `mapstructure:"paper_sources"`
	// Unpaywall contains open-access PDF lookup settings.
	Unpaywall UnpaywallConfig `mapstructure:"unpaywall"`
	// Zotero contains the default library PDFs are imported from.
	Zotero ZoteroConfig `mapstructure:"zotero"`
	// Qdrant contains vector store settings for project indexing.
	Qdrant QdrantConfig `mapstructure:"qdrant"`
	// Index contains chunking settings for project indexing.
	Index IndexConfig `mapstructure:"index"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP API port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// GRPCPort is the worker health server port (default: 9090).
	GRPCPort int `mapstructure:"grpc_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	// Event streams are exempt from it.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds a single API request. Event streams are exempt from it.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MaxUploadBytes bounds Zotero import uploads.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (loaded from LITPIPE_DATABASE_PASSWORD).
	Password string `mapstructure:"-"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool.
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open.
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
	// MigrationAutoRun enables automatic migration on startup.
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Addr is the Redis host:port.
	Addr string `mapstructure:"addr"`
	// Password is loaded from LITPIPE_REDIS_PASSWORD.
	Password string `mapstructure:"-"`
	// DB is the logical database index.
	DB int `mapstructure:"db"`
	// PoolSize is the maximum number of socket connections.
	PoolSize int `mapstructure:"pool_size"`
	// DialTimeout bounds establishing new connections.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// KeyPrefix namespaces every key and channel this service writes.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// QueueConfig holds task queue settings.
type QueueConfig struct {
	// Backend selects the broker implementation (redis, memory, temporal).
	Backend string `mapstructure:"backend"`
	// Workers is the number of concurrent workers per queue name.
	Workers map[string]int `mapstructure:"workers"`
	// Timeouts is the default task timeout per queue name.
	Timeouts map[string]time.Duration `mapstructure:"timeouts"`
	// MaxAttempts is the number of deliveries before a task moves to the failed registry.
	MaxAttempts int `mapstructure:"max_attempts"`
	// LeaseGrace is added to a task's timeout to compute its lease deadline.
	LeaseGrace time.Duration `mapstructure:"lease_grace"`
	// PollInterval bounds how long a dequeue blocks before re-checking for shutdown.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ReapInterval is how often expired leases are redelivered.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	// DedupTTL bounds how long a dedup key can outlive a lost task.
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// TemporalConfig holds Temporal settings for the temporal queue backend.
type TemporalConfig struct {
	// HostPort is the Temporal server address.
	HostPort string `mapstructure:"host_port"`
	// Namespace is the Temporal namespace.
	Namespace string `mapstructure:"namespace"`
	// TaskQueuePrefix is prepended to logical queue names to form Temporal task queues.
	TaskQueuePrefix string `mapstructure:"task_queue_prefix"`
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

// LLMConfig holds model backend settings.
type LLMConfig struct {
	// BaseURL is the Ollama API base URL.
	BaseURL string `mapstructure:"base_url"`
	// Timeout bounds a single generation request.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is the number of attempts before the adapter returns its empty sentinel.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// EmbeddingModel is the model used for project indexing.
	EmbeddingModel string `mapstructure:"embedding_model"`
	// PullTimeout bounds a model pull.
	PullTimeout time.Duration `mapstructure:"pull_timeout"`
}

// HTTPClientConfig holds the retry policy for outbound HTTP.
type HTTPClientConfig struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is the maximum number of attempts for transient failures.
	MaxRetries int `mapstructure:"max_retries"`
	// BackoffBase is raised to the attempt number to get the delay in seconds.
	BackoffBase float64 `mapstructure:"backoff_base"`
	// Jitter is the upper bound of the random delay added to each backoff.
	Jitter time.Duration `mapstructure:"jitter"`
	// UserAgent is sent with every request.
	UserAgent string `mapstructure:"user_agent"`
}

// NotifyConfig holds progress notification settings.
type NotifyConfig struct {
	// RedisEnabled publishes notifications on Redis pub/sub.
	RedisEnabled bool `mapstructure:"redis_enabled"`
	// ChannelPrefix is prepended to the project id to form the channel name.
	ChannelPrefix string `mapstructure:"channel_prefix"`
	// KafkaEnabled also writes notifications to the Kafka events topic.
	KafkaEnabled bool `mapstructure:"kafka_enabled"`
	// SubscriberBuffer is the per-subscriber channel capacity of the in-process hub.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// EventsTopic receives progress notifications when notify.kafka_enabled is set.
	EventsTopic string `mapstructure:"events_topic"`
	// BatchSize is the maximum number of messages to batch before sending.
	BatchSize int `mapstructure:"batch_size"`
	// BatchTimeout is the maximum time to wait for a batch to fill before sending.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	// IntakeEnabled starts the command intake listener.
	IntakeEnabled bool `mapstructure:"intake_enabled"`
	// IntakeTopic is the topic the command intake consumes.
	IntakeTopic string `mapstructure:"intake_topic"`
	// IntakeGroupID is the consumer group for the command intake.
	IntakeGroupID string `mapstructure:"intake_group_id"`
}

// StorageConfig holds local file storage settings.
type StorageConfig struct {
	// ProjectsDir holds one directory per project for PDFs and rendered reports.
	ProjectsDir string `mapstructure:"projects_dir"`
	// MaxPDFBytes bounds a single downloaded PDF.
	MaxPDFBytes int64 `mapstructure:"max_pdf_bytes"`
}

// PaperSourcesConfig holds configuration for all bibliographic source APIs.
type PaperSourcesConfig struct {
	// PubMed contains NCBI E-utilities settings.
	PubMed PaperSourceConfig `mapstructure:"pubmed"`
	// ArXiv contains arXiv API settings.
	ArXiv PaperSourceConfig `mapstructure:"arxiv"`
	// Crossref contains Crossref REST API settings.
	Crossref PaperSourceConfig `mapstructure:"crossref"`
}

// PaperSourceConfig holds configuration for a single bibliographic source.
type PaperSourceConfig struct {
	// Enabled controls whether this source is used.
	Enabled bool `mapstructure:"enabled"`
	// APIKey is loaded from LITPIPE_PAPER_SOURCES_<NAME>_API_KEY.
	APIKey string `mapstructure:"-"`
	// BaseURL is the API base URL.
	BaseURL string `mapstructure:"base_url"`
	// Timeout is the timeout for API calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// MaxResults is the default maximum results per query.
	MaxResults int `mapstructure:"max_results"`
	// Email identifies the caller to APIs with a polite pool.
	Email string `mapstructure:"email"`
}

// UnpaywallConfig holds open-access lookup settings.
type UnpaywallConfig struct {
	// BaseURL is the Unpaywall API base URL.
	BaseURL string `mapstructure:"base_url"`
	// Email is required by the Unpaywall API.
	Email string `mapstructure:"email"`
}

// ZoteroConfig holds Zotero web API settings.
type ZoteroConfig struct {
	// BaseURL is the Zotero API base URL.
	BaseURL string `mapstructure:"base_url"`
	// UserID is the library used when an import request names none.
	UserID string `mapstructure:"user_id"`
	// APIKey is loaded from LITPIPE_ZOTERO_API_KEY.
	APIKey string `mapstructure:"-"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Address is the Qdrant gRPC address.
	Address string `mapstructure:"address"`
	// CollectionName is the name of the collection for article chunks.
	CollectionName string `mapstructure:"collection_name"`
	// VectorSize is the embedding dimension (must match the embedding model).
	VectorSize uint64 `mapstructure:"vector_size"`
}

// IndexConfig holds chunking settings.
type IndexConfig struct {
	// ChunkSize is the target chunk length in characters.
	ChunkSize int `mapstructure:"chunk_size"`
	// ChunkOverlap is the number of characters shared by adjacent chunks.
	ChunkOverlap int `mapstructure:"chunk_overlap"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
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

// GRPCAddress returns the health server address.
func (c *ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// TimeoutFor returns the configured task timeout for a queue, or fallback.
func (c *QueueConfig) TimeoutFor(queue string, fallback time.Duration) time.Duration {
	if d, ok := c.Timeouts[queue]; ok && d > 0 {
		return d
	}
	return fallback
}

// WorkersFor returns the configured worker count for a queue (at least 1).
func (c *QueueConfig) WorkersFor(queue string) int {
	if n, ok := c.Workers[queue]; ok && n > 0 {
		return n
	}
	return 1
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LITPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/literature-pipeline")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
// These fields are tagged with mapstructure:"-" to prevent loading from config files.
func loadSecrets(cfg *Config) {
	cfg.Database.Password = os.Getenv("LITPIPE_DATABASE_PASSWORD")
	cfg.Redis.Password = os.Getenv("LITPIPE_REDIS_PASSWORD")

	cfg.PaperSources.PubMed.APIKey = os.Getenv("LITPIPE_PAPER_SOURCES_PUBMED_API_KEY")
	cfg.PaperSources.ArXiv.APIKey = os.Getenv("LITPIPE_PAPER_SOURCES_ARXIV_API_KEY")
	cfg.PaperSources.Crossref.APIKey = os.Getenv("LITPIPE_PAPER_SOURCES_CROSSREF_API_KEY")
	cfg.Zotero.APIKey = os.Getenv("LITPIPE_ZOTERO_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.max_upload_bytes", 50<<20)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "litpipe")
	v.SetDefault("database.name", "literature_pipeline")
	// Use LITPIPE_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 30)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.key_prefix", "litpipe")

	v.SetDefault("queue.backend", QueueBackendRedis)
	v.SetDefault("queue.workers", map[string]int{
		"coordination": 2,
		"articles":     4,
		"analysis":     2,
		"background":   2,
	})
	// The per-article and analysis budgets cover a full model timeout plus retries.
	v.SetDefault("queue.timeouts", map[string]string{
		"coordination": "10m",
		"articles":     "30m",
		"analysis":     "1h",
		"background":   "2h",
	})
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.lease_grace", "1m")
	v.SetDefault("queue.poll_interval", "5s")
	v.SetDefault("queue.reap_interval", "30s")
	v.SetDefault("queue.dedup_ttl", "3h")

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "literature-pipeline")
	v.SetDefault("temporal.task_queue_prefix", "litpipe-")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.timeout", "900s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay", "5s")
	v.SetDefault("llm.embedding_model", "nomic-embed-text")
	v.SetDefault("llm.pull_timeout", "1h")

	v.SetDefault("http_client.timeout", "30s")
	v.SetDefault("http_client.max_retries", 3)
	v.SetDefault("http_client.backoff_base", 1.6)
	v.SetDefault("http_client.jitter", "300ms")
	v.SetDefault("http_client.user_agent", "literature-pipeline/1.0")

	v.SetDefault("notify.redis_enabled", true)
	v.SetDefault("notify.channel_prefix", "project_")
	v.SetDefault("notify.kafka_enabled", false)
	v.SetDefault("notify.subscriber_buffer", 64)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.events_topic", "events.literature_pipeline.progress")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")
	v.SetDefault("kafka.intake_enabled", false)
	v.SetDefault("kafka.intake_topic", "commands.literature_pipeline")
	v.SetDefault("kafka.intake_group_id", "literature-pipeline-intake")

	v.SetDefault("storage.projects_dir", "projects")
	v.SetDefault("storage.max_pdf_bytes", 100<<20)

	// API keys are loaded exclusively from environment variables (see loadSecrets).
	v.SetDefault("paper_sources.pubmed.enabled", true)
	v.SetDefault("paper_sources.pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("paper_sources.pubmed.timeout", "30s")
	v.SetDefault("paper_sources.pubmed.rate_limit", 3.0) // NCBI allows 3 req/sec without a key
	v.SetDefault("paper_sources.pubmed.max_results", 100)

	v.SetDefault("paper_sources.arxiv.enabled", true)
	v.SetDefault("paper_sources.arxiv.base_url", "https://export.arxiv.org/api")
	v.SetDefault("paper_sources.arxiv.timeout", "30s")
	v.SetDefault("paper_sources.arxiv.rate_limit", 1.0)
	v.SetDefault("paper_sources.arxiv.max_results", 100)

	v.SetDefault("paper_sources.crossref.enabled", true)
	v.SetDefault("paper_sources.crossref.base_url", "https://api.crossref.org")
	v.SetDefault("paper_sources.crossref.timeout", "30s")
	v.SetDefault("paper_sources.crossref.rate_limit", 5.0)
	v.SetDefault("paper_sources.crossref.max_results", 100)

	v.SetDefault("unpaywall.base_url", "https://api.unpaywall.org/v2")
	v.SetDefault("unpaywall.email", "")

	v.SetDefault("zotero.base_url", "https://api.zotero.org")
	v.SetDefault("zotero.user_id", "")
	v.SetDefault("zotero.rate_limit", 3.0)

	v.SetDefault("qdrant.address", "localhost:6334")
	v.SetDefault("qdrant.collection_name", "article_chunks")
	v.SetDefault("qdrant.vector_size", 768) // nomic-embed-text

	v.SetDefault("index.chunk_size", 1000)
	v.SetDefault("index.chunk_overlap", 200)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

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

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Queue.Backend {
	case QueueBackendRedis, QueueBackendMemory, QueueBackendTemporal:
	default:
		return fmt.Errorf("invalid queue backend: %q", c.Queue.Backend)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be positive")
	}
	if c.Queue.Backend == QueueBackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required for the redis queue backend")
	}
	if c.Notify.RedisEnabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis notifications are enabled")
	}

	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm base_url is required")
	}
	if c.LLM.MaxRetries <= 0 {
		return fmt.Errorf("llm max_retries must be positive")
	}

	if c.HTTPClient.MaxRetries <= 0 {
		return fmt.Errorf("http_client max_retries must be positive")
	}
	if c.HTTPClient.BackoffBase < 1 {
		return fmt.Errorf("http_client backoff_base must be >= 1")
	}

	if (c.Notify.KafkaEnabled || c.Kafka.IntakeEnabled) && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}

	if c.Storage.ProjectsDir == "" {
		return fmt.Errorf("storage projects_dir is required")
	}

	if c.Index.ChunkSize <= 0 {
		return fmt.Errorf("index chunk_size must be positive")
	}
	if c.Index.ChunkOverlap < 0 || c.Index.ChunkOverlap >= c.Index.ChunkSize {
		return fmt.Errorf("index chunk_overlap must be in [0, chunk_size)")
	}

	return nil
}
