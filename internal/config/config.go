// Package config loads the courier settings from the environment.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"form-courier/internal/models"
)

// Job store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is every setting shared by the courier binaries. Each binary reads
// the part it needs.
type Config struct {
	APIAddr     string
	APIURL      string
	MetricsAddr string
	LogJSON     bool
	LogLevel    string

	JobStore    string
	RedisAddr   string
	RedisPrefix string
	JobTTL      time.Duration

	KafkaBroker           string
	KafkaJobsTopic        string
	KafkaFormsTopic       string
	KafkaSubmissionsTopic string
	KafkaDLQTopic         string
	KafkaGroupID          string
	KafkaLedgerGroupID    string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	AutomationURL   string
	AutomationToken string
	ProxyURL        string
	ProxyPool       string
	UserAgent       string

	ConcurrentJobs     int
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	DetectTimeout      time.Duration
	SubmitTimeout      time.Duration
	RevokePollInterval time.Duration

	ComplianceLevel     models.ComplianceLevel
	PolicyCacheTTL      time.Duration
	DryRunConsumesDelay bool

	DefaultIntervalSeconds float64
	MinIntervalSeconds     float64
	MaxBatchSize           int

	PollInterval    time.Duration
	PollMaxAttempts int

	SchedulesEnabled      bool
	ScheduleCheckInterval time.Duration
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("API_ADDR", ":8080")
	v.SetDefault("API_URL", "http://localhost:8080")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("LOG_JSON", false)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("JOB_STORE", StoreRedis)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PREFIX", "courier:")
	v.SetDefault("JOB_TTL", "72h")

	v.SetDefault("KAFKA_BROKER", "localhost:9092")
	v.SetDefault("KAFKA_JOBS_TOPIC", "courier.jobs")
	v.SetDefault("KAFKA_FORMS_TOPIC", "courier.forms")
	v.SetDefault("KAFKA_SUBMISSIONS_TOPIC", "courier.submissions")
	v.SetDefault("KAFKA_DLQ_TOPIC", "courier.jobs.dlq")
	v.SetDefault("KAFKA_GROUP_ID", "courier-worker")
	v.SetDefault("KAFKA_LEDGER_GROUP_ID", "courier-ledger-writer")

	v.SetDefault("NEO4J_URI", "neo4j://localhost:7687")
	v.SetDefault("NEO4J_USER", "neo4j")
	v.SetDefault("NEO4J_PASSWORD", "")

	v.SetDefault("AUTOMATION_URL", "http://localhost:3000")
	v.SetDefault("AUTOMATION_TOKEN", "")
	v.SetDefault("PROXY_URL", "")
	v.SetDefault("PROXY_POOL", "")
	v.SetDefault("USER_AGENT", "FormCourier/1.0")

	v.SetDefault("CONCURRENT_JOBS", 5)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_BASE_DELAY", "1s")
	v.SetDefault("RETRY_MAX_DELAY", "30s")
	v.SetDefault("DETECT_TIMEOUT", "60s")
	v.SetDefault("SUBMIT_TIMEOUT", "90s")
	v.SetDefault("REVOKE_POLL_INTERVAL", "1s")

	v.SetDefault("COMPLIANCE_LEVEL", string(models.ComplianceModerate))
	v.SetDefault("POLICY_CACHE_TTL", "1h")
	v.SetDefault("DRY_RUN_CONSUMES_DELAY", false)

	v.SetDefault("DEFAULT_INTERVAL_SECONDS", 5.0)
	v.SetDefault("MIN_INTERVAL_SECONDS", 1.0)
	v.SetDefault("MAX_BATCH_SIZE", 100)

	v.SetDefault("POLL_INTERVAL", "2s")
	v.SetDefault("POLL_MAX_ATTEMPTS", 30)

	v.SetDefault("SCHEDULES_ENABLED", true)
	v.SetDefault("SCHEDULE_CHECK_INTERVAL", "1m")
}

// New returns a viper instance bound to the environment with every default set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	return LoadWithViper(New())
}

// LoadWithViper builds a Config from v and validates it.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	level, ok := models.ParseComplianceLevel(v.GetString("COMPLIANCE_LEVEL"), models.ComplianceModerate)
	if !ok {
		return nil, errors.Newf("COMPLIANCE_LEVEL %q is not strict, moderate or permissive", v.GetString("COMPLIANCE_LEVEL"))
	}

	cfg := &Config{
		APIAddr:     v.GetString("API_ADDR"),
		APIURL:      strings.TrimRight(v.GetString("API_URL"), "/"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
		LogJSON:     v.GetBool("LOG_JSON"),
		LogLevel:    v.GetString("LOG_LEVEL"),

		JobStore:    strings.ToLower(v.GetString("JOB_STORE")),
		RedisAddr:   v.GetString("REDIS_ADDR"),
		RedisPrefix: v.GetString("REDIS_PREFIX"),
		JobTTL:      v.GetDuration("JOB_TTL"),

		KafkaBroker:           v.GetString("KAFKA_BROKER"),
		KafkaJobsTopic:        v.GetString("KAFKA_JOBS_TOPIC"),
		KafkaFormsTopic:       v.GetString("KAFKA_FORMS_TOPIC"),
		KafkaSubmissionsTopic: v.GetString("KAFKA_SUBMISSIONS_TOPIC"),
		KafkaDLQTopic:         v.GetString("KAFKA_DLQ_TOPIC"),
		KafkaGroupID:          v.GetString("KAFKA_GROUP_ID"),
		KafkaLedgerGroupID:    v.GetString("KAFKA_LEDGER_GROUP_ID"),

		Neo4jURI:      v.GetString("NEO4J_URI"),
		Neo4jUser:     v.GetString("NEO4J_USER"),
		Neo4jPassword: v.GetString("NEO4J_PASSWORD"),

		AutomationURL:   v.GetString("AUTOMATION_URL"),
		AutomationToken: v.GetString("AUTOMATION_TOKEN"),
		ProxyURL:        v.GetString("PROXY_URL"),
		ProxyPool:       v.GetString("PROXY_POOL"),
		UserAgent:       v.GetString("USER_AGENT"),

		ConcurrentJobs:     v.GetInt("CONCURRENT_JOBS"),
		MaxRetries:         v.GetInt("MAX_RETRIES"),
		RetryBaseDelay:     v.GetDuration("RETRY_BASE_DELAY"),
		RetryMaxDelay:      v.GetDuration("RETRY_MAX_DELAY"),
		DetectTimeout:      v.GetDuration("DETECT_TIMEOUT"),
		SubmitTimeout:      v.GetDuration("SUBMIT_TIMEOUT"),
		RevokePollInterval: v.GetDuration("REVOKE_POLL_INTERVAL"),

		ComplianceLevel:     level,
		PolicyCacheTTL:      v.GetDuration("POLICY_CACHE_TTL"),
		DryRunConsumesDelay: v.GetBool("DRY_RUN_CONSUMES_DELAY"),

		DefaultIntervalSeconds: v.GetFloat64("DEFAULT_INTERVAL_SECONDS"),
		MinIntervalSeconds:     v.GetFloat64("MIN_INTERVAL_SECONDS"),
		MaxBatchSize:           v.GetInt("MAX_BATCH_SIZE"),

		PollInterval:    v.GetDuration("POLL_INTERVAL"),
		PollMaxAttempts: v.GetInt("POLL_MAX_ATTEMPTS"),

		SchedulesEnabled:      v.GetBool("SCHEDULES_ENABLED"),
		ScheduleCheckInterval: v.GetDuration("SCHEDULE_CHECK_INTERVAL"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no binary can run with.
func (c *Config) Validate() error {
	switch c.JobStore {
	case StoreRedis, StoreMemory:
	default:
		return errors.Newf("JOB_STORE %q is not redis or memory", c.JobStore)
	}
	if c.ConcurrentJobs < 1 {
		return errors.Newf("CONCURRENT_JOBS must be at least 1, got %d", c.ConcurrentJobs)
	}
	if c.MaxRetries < 0 {
		return errors.Newf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.MinIntervalSeconds < 0 || c.DefaultIntervalSeconds < c.MinIntervalSeconds {
		return errors.Newf("DEFAULT_INTERVAL_SECONDS (%g) must be at least MIN_INTERVAL_SECONDS (%g) and both non-negative",
			c.DefaultIntervalSeconds, c.MinIntervalSeconds)
	}
	if c.MaxBatchSize < 1 {
		return errors.Newf("MAX_BATCH_SIZE must be at least 1, got %d", c.MaxBatchSize)
	}
	for name, d := range map[string]time.Duration{
		"DETECT_TIMEOUT":          c.DetectTimeout,
		"SUBMIT_TIMEOUT":          c.SubmitTimeout,
		"REVOKE_POLL_INTERVAL":    c.RevokePollInterval,
		"POLL_INTERVAL":           c.PollInterval,
		"SCHEDULE_CHECK_INTERVAL": c.ScheduleCheckInterval,
	} {
		if d <= 0 {
			return errors.Newf("%s must be positive", name)
		}
	}
	return nil
}
