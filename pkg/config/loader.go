package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the YAML file loaded from the config directory.
const ConfigFileName = "squadron.yaml"

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Load squadron.yaml from configDir (optional)
//  3. Expand environment variables in the YAML
//  4. Merge user YAML over defaults
//  5. Apply direct environment overrides (POOL_MAX_SIZE, LEASE_TTL, ...)
//  6. Validate
func Initialize(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var user Config
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
		slog.Info("Loaded configuration file", "path", path)
	case errors.Is(err, os.ErrNotExist):
		slog.Info("No configuration file, using defaults and environment", "path", path)
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides maps well-known environment variables onto config
// fields. Env always wins over YAML.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Pool.MaxSize, "POOL_MAX_SIZE")
	setBool(&cfg.Pool.EnableStats, "POOL_ENABLE_STATS")

	setSeconds(&cfg.Cache.TTLUser, "CACHE_TTL_USER")
	setSeconds(&cfg.Cache.TTLOrg, "CACHE_TTL_ORG")
	setSeconds(&cfg.Cache.TTLSquad, "CACHE_TTL_SQUAD")
	setSeconds(&cfg.Cache.TTLMembers, "CACHE_TTL_MEMBERS")
	setSeconds(&cfg.Cache.TTLTask, "CACHE_TTL_TASK")
	setSeconds(&cfg.Cache.TTLExecution, "CACHE_TTL_EXECUTION")
	setString(&cfg.Cache.Addr, "REDIS_ADDR")

	setSeconds(&cfg.Engine.LeaseTTL, "LEASE_TTL")
	setInt(&cfg.Engine.Workers, "WORKER_CONCURRENCY")

	setInt(&cfg.Streams.QueueSize, "SUBSCRIPTION_QSIZE")
	setInt(&cfg.Streams.MaxPerExecution, "SUBSCRIPTION_MAX_PER_EXEC")
	setInt(&cfg.Streams.MaxPerSquad, "SUBSCRIPTION_MAX_PER_SQUAD")
	setSeconds(&cfg.Streams.HeartbeatInterval, "STREAM_HEARTBEAT")

	setString(&cfg.Webhook.HMACSecret, "WEBHOOK_HMAC_SECRET")

	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.DefaultModel, "LLM_DEFAULT_MODEL")

	setString(&cfg.Server.Port, "HTTP_PORT")
}

func validate(cfg *Config) error {
	if cfg.Pool.MaxSize <= 0 {
		return fmt.Errorf("agent_pool.max_size must be positive, got %d", cfg.Pool.MaxSize)
	}
	if cfg.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", cfg.Engine.Workers)
	}
	if cfg.Engine.LeaseTTL <= 0 {
		return fmt.Errorf("engine.lease_ttl must be positive, got %s", cfg.Engine.LeaseTTL)
	}
	if cfg.Engine.StepRetries < 0 {
		return fmt.Errorf("engine.step_retries must not be negative, got %d", cfg.Engine.StepRetries)
	}
	if cfg.Streams.QueueSize <= 0 {
		return fmt.Errorf("streams.queue_size must be positive, got %d", cfg.Streams.QueueSize)
	}
	if cfg.Streams.MaxPerExecution <= 0 || cfg.Streams.MaxPerSquad <= 0 {
		return fmt.Errorf("streams subscription caps must be positive")
	}
	if cfg.Engine.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("engine.retry.max_attempts must be positive, got %d", cfg.Engine.Retry.MaxAttempts)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("Ignoring invalid integer environment override", "key", key, "value", v)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			slog.Warn("Ignoring invalid boolean environment override", "key", key, "value", v)
		}
	}
}

// setSeconds accepts either a bare number of seconds ("60") or a Go
// duration string ("60s", "5m").
func setSeconds(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	slog.Warn("Ignoring invalid duration environment override", "key", key, "value", v)
}
