// Package config loads the single process-wide configuration object:
// defaults, then an optional TOML file, then environment variable
// overrides (env wins).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the process-wide configuration object.
type Config struct {
	// InterruptDeadlineSeconds bounds how long C1 parks a waiter before
	// synthesizing a reject decision.
	InterruptDeadlineSeconds int `toml:"interrupt_deadline_seconds"`
	// WorkerPoolSize is N, the DAG scheduler's concurrent worker count.
	WorkerPoolSize int `toml:"worker_pool_size"`
	// MaxConcurrentMissions caps simultaneous missions admitted across the
	// process.
	MaxConcurrentMissions int `toml:"max_concurrent_missions"`
	// DefaultTaskTimeoutSeconds is the fallback task timeout when a plan
	// instance omits its own.
	DefaultTaskTimeoutSeconds int `toml:"default_task_timeout_seconds"`
	// FailFastDefault is used when a plan omits its own fail_fast field.
	FailFastDefault bool `toml:"fail_fast_default"`
	// EventSubscriberBuffer bounds each mission event subscriber's backlog
	// before the bus drops the oldest buffered event.
	EventSubscriberBuffer int `toml:"event_subscriber_buffer"`

	Redis    RedisConfig    `toml:"redis"`
	Mongo    MongoConfig    `toml:"mongo"`
	Model    ModelConfig    `toml:"model"`
	Server   ServerConfig   `toml:"server"`
	Temporal TemporalConfig `toml:"temporal"`
}

// RedisConfig configures the Redis connection backing internal/eventbus/pulse.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// MongoConfig configures the MongoDB connection backing internal/session/mongo
// and internal/outputstore/mongo.
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// ModelConfig configures the default LLM provider used by internal/modelprovider.
type ModelConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	Region   string `toml:"region"`

	// CostPerInputTokenUSD and CostPerOutputTokenUSD price the mission
	// scheduler's agentruntime cost accounting; the zero value (no
	// configured rate) simply totals to $0.
	CostPerInputTokenUSD  float64 `toml:"cost_per_input_token_usd"`
	CostPerOutputTokenUSD float64 `toml:"cost_per_output_token_usd"`
}

// ServerConfig configures the HITL WebSocket listener (internal/hitl).
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// TemporalConfig configures the optional durable engine backend
// (internal/engine/temporal).
type TemporalConfig struct {
	HostPort  string `toml:"host_port"`
	Namespace string `toml:"namespace"`
	TaskQueue string `toml:"task_queue"`
}

// Default returns a Config with every documented default applied.
func Default() Config {
	return Config{
		InterruptDeadlineSeconds:  300,
		WorkerPoolSize:            4,
		MaxConcurrentMissions:     8,
		DefaultTaskTimeoutSeconds: 600,
		FailFastDefault:           true,
		EventSubscriberBuffer:     256,
		Server:                    ServerConfig{Addr: ":8080"},
		Temporal:                  TemporalConfig{Namespace: "default", TaskQueue: "missionctl"},
	}
}

// InterruptDeadline returns InterruptDeadlineSeconds as a time.Duration.
func (c Config) InterruptDeadline() time.Duration {
	return time.Duration(c.InterruptDeadlineSeconds) * time.Second
}

// DefaultTaskTimeout returns DefaultTaskTimeoutSeconds as a time.Duration.
func (c Config) DefaultTaskTimeout() time.Duration {
	return time.Duration(c.DefaultTaskTimeoutSeconds) * time.Second
}

// Load reads config: defaults -> TOML file (if path is non-empty and exists)
// -> environment variable overrides (env wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, err
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MISSIONCTL_INTERRUPT_DEADLINE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InterruptDeadlineSeconds = n
		}
	}
	if v := os.Getenv("MISSIONCTL_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MISSIONCTL_MAX_CONCURRENT_MISSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentMissions = n
		}
	}
	if v := os.Getenv("MISSIONCTL_DEFAULT_TASK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultTaskTimeoutSeconds = n
		}
	}
	if v := os.Getenv("MISSIONCTL_FAIL_FAST_DEFAULT"); v != "" {
		cfg.FailFastDefault = v == "true" || v == "1"
	}
	if v := os.Getenv("MISSIONCTL_EVENT_SUBSCRIBER_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventSubscriberBuffer = n
		}
	}
	if v := os.Getenv("MISSIONCTL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MISSIONCTL_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MISSIONCTL_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("MISSIONCTL_MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("MISSIONCTL_MODEL_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	if v := os.Getenv("MISSIONCTL_MODEL_NAME"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("MISSIONCTL_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("MISSIONCTL_MODEL_COST_PER_INPUT_TOKEN_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Model.CostPerInputTokenUSD = f
		}
	}
	if v := os.Getenv("MISSIONCTL_MODEL_COST_PER_OUTPUT_TOKEN_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Model.CostPerOutputTokenUSD = f
		}
	}
	if v := os.Getenv("MISSIONCTL_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MISSIONCTL_TEMPORAL_HOST_PORT"); v != "" {
		cfg.Temporal.HostPort = v
	}
}
