package config

import (
	"runtime"
	"time"
)

// DefaultConfig returns the built-in defaults. User YAML and environment
// overrides are merged on top.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Cache: CacheConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			TTLUser:      300 * time.Second,
			TTLOrg:       300 * time.Second,
			TTLSquad:     300 * time.Second,
			TTLMembers:   300 * time.Second,
			TTLTask:      180 * time.Second,
			TTLExecution: 30 * time.Second,
		},
		Pool: PoolConfig{
			MaxSize:     100,
			EnableStats: true,
		},
		Engine: DefaultEngineConfig(),
		Streams: StreamConfig{
			QueueSize:         256,
			MaxPerExecution:   100,
			MaxPerSquad:       100,
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:      "http://localhost:8000/v1",
			APIKeyEnv:    "LLM_API_KEY",
			DefaultModel: "gpt-4o-mini",
			Timeout:      120 * time.Second,
		},
		Retention: RetentionConfig{
			EventTTL:        7 * 24 * time.Hour,
			JanitorInterval: time.Hour,
		},
	}
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Workers:                 runtime.NumCPU() * 4,
		MaxConcurrent:           200,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		LeaseTTL:                60 * time.Second,
		ExecutionTimeout:        15 * time.Minute,
		StepRetries:             2,
		CancelGrace:             5 * time.Second,
		GracefulShutdownTimeout: 15 * time.Minute,
		Retry: RetryPolicy{
			BaseDelay:   100 * time.Millisecond,
			Factor:      2,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
		},
		EnqueueRatePerOrg:  5,
		EnqueueBurstPerOrg: 10,
	}
}
