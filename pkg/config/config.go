// Package config loads and validates squadron configuration from YAML and
// the environment.
package config

import "time"

// Config is the fully merged, validated configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Pool      PoolConfig      `yaml:"agent_pool"`
	Engine    *EngineConfig   `yaml:"engine"`
	Streams   StreamConfig    `yaml:"streams"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	LLM       LLMConfig       `yaml:"llm"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port             string   `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// CacheConfig holds the Redis cache backend settings and per-entity TTLs.
type CacheConfig struct {
	Addr         string        `yaml:"addr"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	TTLUser      time.Duration `yaml:"ttl_user"`
	TTLOrg       time.Duration `yaml:"ttl_org"`
	TTLSquad     time.Duration `yaml:"ttl_squad"`
	TTLMembers   time.Duration `yaml:"ttl_members"`
	TTLTask      time.Duration `yaml:"ttl_task"`
	TTLExecution time.Duration `yaml:"ttl_execution"`
}

// PoolConfig holds agent pool settings.
type PoolConfig struct {
	MaxSize     int  `yaml:"max_size"`
	EnableStats bool `yaml:"enable_stats"`
}

// StreamConfig holds stream subscription settings.
type StreamConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	MaxPerExecution   int           `yaml:"max_per_execution"`
	MaxPerSquad       int           `yaml:"max_per_squad"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// WebhookConfig holds VCS webhook ingress settings. The HMAC secret is
// required: without it every webhook request is rejected.
type WebhookConfig struct {
	HMACSecret string `yaml:"hmac_secret"`
}

// LLMConfig holds the LLM provider endpoint backing default agents.
type LLMConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKeyEnv    string        `yaml:"api_key_env"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// RetentionConfig controls the background event janitor.
type RetentionConfig struct {
	EventTTL        time.Duration `yaml:"event_ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// RetryPolicy are the transient-retry knobs shared by store writes and
// bus publishes.
type RetryPolicy struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Factor      float64       `yaml:"factor"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// EngineConfig contains workflow engine and worker pool configuration.
type EngineConfig struct {
	// Workers is the number of worker goroutines per replica.
	Workers int `yaml:"workers"`

	// MaxConcurrent is the global limit of concurrently running executions
	// across all replicas, enforced by a database count check.
	MaxConcurrent int `yaml:"max_concurrent"`

	// PollInterval is the base interval for checking claimable executions.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter randomizes the poll interval to
	// PollInterval +/- PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// LeaseTTL bounds crash-recovery latency: once a lease is this stale
	// any worker may re-claim the execution.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// HeartbeatInterval is how often the lease is renewed while running.
	// Zero means LeaseTTL / 3.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ExecutionTimeout is the maximum wall time for one execution run.
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`

	// StepRetries is the number of retries after a step's first failed
	// attempt (2 retries = 3 attempts).
	StepRetries int `yaml:"step_retries"`

	// CancelGrace is how long a cancelled step may run on to finish its
	// in-flight agent call before being abandoned.
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// GracefulShutdownTimeout is the max wait for in-flight executions on
	// shutdown. Should match ExecutionTimeout.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// Retry is the transient-error retry policy for store and bus I/O.
	Retry RetryPolicy `yaml:"retry"`

	// EnqueueRatePerOrg and EnqueueBurstPerOrg bound enqueue throughput
	// per organization (requests per second / burst).
	EnqueueRatePerOrg  float64 `yaml:"enqueue_rate_per_org"`
	EnqueueBurstPerOrg int     `yaml:"enqueue_burst_per_org"`
}

// EffectiveHeartbeat returns the configured heartbeat interval, defaulting
// to a third of the lease TTL.
func (c *EngineConfig) EffectiveHeartbeat() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return c.LeaseTTL / 3
}
