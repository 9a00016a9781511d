package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Engine        EngineConfig
	Backends      BackendConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// AllowedOrigins feeds the CORS middleware.
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
	LocalDC  string

	// TLS is enabled when CAFile is set; the key pair is for mutual TLS.
	CAFile   string
	CertFile string
	KeyFile  string
}

type KafkaConfig struct {
	Brokers     []string
	AnchorTopic string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string

	// Base64 AES-256 key that wraps data keys when KMS is disabled.
	LocalMasterKey string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
	Pepper             string
}

type BucketingConfig struct {
	EntityBuckets int
	LockStripes   int
}

// EngineConfig holds the attestation and disclosure engine knobs.
type EngineConfig struct {
	AttestationValidity time.Duration
	ConsentWindow       time.Duration
	ChallengeValidity   time.Duration
	TierTable           string
	ExpirySweepSchedule string
	AnchorRetrySchedule string
	AnchorTimeout       time.Duration
	AnchorWorkers       int
	AnchorQueueSize     int
	AnchorMaxAttempts   int
	MaxConflictRetries  int
	ProofMethod         string
	Attesters           string
	AuditBatchSize      int
	AuditFlushInterval  time.Duration
	LockTTL             time.Duration
	LockWait            time.Duration
	RequestRateLimit    int
	RequestRateWindow   time.Duration
}

// BackendConfig selects the implementation behind each collaborator.
type BackendConfig struct {
	Store            string
	Lock             string
	AttesterRegistry string
	Anchor           string
	Audit            []string
	RateLimit        string
}

const (
	BackendMemory        = "memory"
	BackendScylla        = "scylla"
	BackendRedis         = "redis"
	BackendKafka         = "kafka"
	BackendLocal         = "local"
	BackendDisabled      = "disabled"
	BackendClickhouse    = "clickhouse"
	BackendElasticsearch = "elasticsearch"
	BackendLog           = "log"
)

var (
	instance *Config
	once     sync.Once
)

// LoadConfig reads .env (when present) and the process environment once.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		instance = fromEnv()
	})
	return instance
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	return LoadConfig()
}

func fromEnv() *Config {
	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),

			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "identity"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
			LocalDC:  getEnv("SCYLLA_LOCAL_DC", ""),
			CAFile:   getEnv("SCYLLA_CA_FILE", ""),
			CertFile: getEnv("SCYLLA_CERT_FILE", ""),
			KeyFile:  getEnv("SCYLLA_KEY_FILE", ""),
		},
		Kafka: KafkaConfig{
			Brokers:     getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			AnchorTopic: getEnv("KAFKA_ANCHOR_TOPIC", "attestation-anchors"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "identity-audit"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "identity"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),

			LocalMasterKey: getEnv("KMS_LOCAL_MASTER_KEY", ""),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 2),
			PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 30),
			Pepper:             getEnv("HASHING_PEPPER", ""),
		},
		Bucketing: BucketingConfig{
			EntityBuckets: getEnvInt("BUCKETING_ENTITY_BUCKETS", 1024),
			LockStripes:   getEnvInt("LOCK_STRIPES", 256),
		},
		Engine: EngineConfig{
			AttestationValidity: getEnvDuration("ATTESTATION_VALIDITY", 365*24*time.Hour),
			ConsentWindow:       getEnvDuration("CONSENT_WINDOW", 7*24*time.Hour),
			ChallengeValidity:   getEnvDuration("CHALLENGE_VALIDITY", 24*time.Hour),
			TierTable:           getEnv("TIER_TABLE", ""),
			ExpirySweepSchedule: getEnv("EXPIRY_SWEEP_SCHEDULE", "@every 15m"),
			AnchorRetrySchedule: getEnv("ANCHOR_RETRY_SCHEDULE", "@every 5m"),
			AnchorTimeout:       getEnvDuration("ANCHOR_TIMEOUT", 5*time.Second),
			AnchorWorkers:       getEnvInt("ANCHOR_WORKERS", 4),
			AnchorQueueSize:     getEnvInt("ANCHOR_QUEUE_SIZE", 1024),
			AnchorMaxAttempts:   getEnvInt("ANCHOR_MAX_ATTEMPTS", 3),
			MaxConflictRetries:  getEnvInt("MAX_CONFLICT_RETRIES", 3),
			ProofMethod:         getEnv("PROOF_METHOD", "SHA-256"),
			Attesters:           getEnv("ATTESTERS", ""),
			AuditBatchSize:      getEnvInt("AUDIT_BATCH_SIZE", 100),
			AuditFlushInterval:  getEnvDuration("AUDIT_FLUSH_INTERVAL", 2*time.Second),
			LockTTL:             getEnvDuration("LOCK_TTL", 10*time.Second),
			LockWait:            getEnvDuration("LOCK_WAIT", 5*time.Second),
			RequestRateLimit:    getEnvInt("VERIFICATION_RATE_LIMIT", 60),
			RequestRateWindow:   getEnvDuration("VERIFICATION_RATE_WINDOW", time.Minute),
		},
		Backends: BackendConfig{
			Store:            getEnv("STORE_BACKEND", BackendMemory),
			Lock:             getEnv("LOCK_BACKEND", BackendMemory),
			AttesterRegistry: getEnv("ATTESTER_REGISTRY", BackendMemory),
			Anchor:           getEnv("ANCHOR_SINK", BackendLocal),
			Audit:            getEnvList("AUDIT_SINKS", []string{BackendLog}),
			RateLimit:        getEnv("RATE_LIMIT_BACKEND", BackendDisabled),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
