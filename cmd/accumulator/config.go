package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/accumulator/runtime/accumulator/aggregator"
)

// Process roles.
const (
	roleAll    = "all"
	roleWorker = "worker"
	roleAPI    = "api"
)

type (
	// config is the YAML configuration of the accumulator process.
	config struct {
		Role          string        `yaml:"role"`
		HTTPAddr      string        `yaml:"http_addr"`
		Debug         bool          `yaml:"debug"`
		Queue         string        `yaml:"queue"`
		SessionPrefix string        `yaml:"session_prefix"`
		RunTimeout    time.Duration `yaml:"run_timeout"`
		PayloadSchema string        `yaml:"payload_schema_file"`

		Engine   engineConfig   `yaml:"engine"`
		Loop     loopConfig     `yaml:"loop"`
		Flush    flushConfig    `yaml:"flush"`
		Submit   submitConfig   `yaml:"submit"`
		Mongo    mongoConfig    `yaml:"mongo"`
		Redis    redisConfig    `yaml:"redis"`
		Listener listenerConfig `yaml:"listener"`
	}

	engineConfig struct {
		// Kind is "inmem" or "temporal".
		Kind      string `yaml:"kind"`
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
	}

	loopConfig struct {
		IdleTimeout          time.Duration `yaml:"idle_timeout"`
		Boundary             string        `yaml:"boundary"`
		IdleClose            bool          `yaml:"idle_close"`
		MaxBatchSize         int           `yaml:"max_batch_size"`
		MaxGenerationsPerRun int           `yaml:"max_generations_per_run"`
		MaxHistoryEvents     int           `yaml:"max_history_events"`
	}

	flushConfig struct {
		Timeout     time.Duration `yaml:"timeout"`
		MaxAttempts int           `yaml:"max_attempts"`
		Backoff     time.Duration `yaml:"backoff"`
	}

	submitConfig struct {
		Rate  float64 `yaml:"rate"`
		Burst int     `yaml:"burst"`
	}

	mongoConfig struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	redisConfig struct {
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password"`
		StreamMaxLen int    `yaml:"stream_max_len"`
	}

	listenerConfig struct {
		// SinkName is the Pulse consumer group. Each API replica needs its own.
		SinkName string `yaml:"sink_name"`
	}
)

func defaultConfig() config {
	return config{
		Role:     roleAll,
		HTTPAddr: ":8080",
		Engine:   engineConfig{Kind: "inmem", HostPort: "localhost:7233", Namespace: "default"},
		Loop: loopConfig{
			IdleTimeout:          aggregator.DefaultIdleTimeout,
			Boundary:             string(aggregator.BoundaryReplay),
			MaxGenerationsPerRun: 100,
		},
		Mongo: mongoConfig{Database: "accumulator"},
	}
}

// loadConfig reads the YAML file at path (optional) over the defaults, then
// applies environment overrides.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Role = envOr("ACCUMULATOR_ROLE", cfg.Role)
	cfg.HTTPAddr = envOr("ACCUMULATOR_HTTP_ADDR", cfg.HTTPAddr)
	cfg.Queue = envOr("ACCUMULATOR_QUEUE", cfg.Queue)
	cfg.Engine.Kind = envOr("ACCUMULATOR_ENGINE", cfg.Engine.Kind)
	cfg.Engine.HostPort = envOr("TEMPORAL_HOST_PORT", cfg.Engine.HostPort)
	cfg.Engine.Namespace = envOr("TEMPORAL_NAMESPACE", cfg.Engine.Namespace)
	cfg.Loop.IdleTimeout = envDurationOr("ACCUMULATOR_IDLE_TIMEOUT", cfg.Loop.IdleTimeout)
	cfg.Loop.MaxBatchSize = envIntOr("ACCUMULATOR_MAX_BATCH_SIZE", cfg.Loop.MaxBatchSize)
	cfg.Mongo.URI = envOr("MONGO_URI", cfg.Mongo.URI)
	cfg.Redis.Addr = envOr("REDIS_URL", cfg.Redis.Addr)
	cfg.Redis.Password = envOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Listener.SinkName = envOr("ACCUMULATOR_LISTENER_NAME", cfg.Listener.SinkName)
	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch c.Role {
	case roleAll, roleWorker, roleAPI:
	default:
		return fmt.Errorf("invalid role %q", c.Role)
	}
	switch c.Engine.Kind {
	case "inmem":
		if c.Role != roleAll {
			return errors.New("the in-memory engine requires role \"all\"")
		}
	case "temporal":
		if c.Engine.HostPort == "" {
			return errors.New("temporal host_port is required")
		}
	default:
		return fmt.Errorf("invalid engine %q", c.Engine.Kind)
	}
	switch aggregator.BoundaryPolicy(c.Loop.Boundary) {
	case aggregator.BoundaryReplay, aggregator.BoundaryReject, "":
	default:
		return fmt.Errorf("invalid boundary policy %q", c.Loop.Boundary)
	}
	if c.Loop.IdleTimeout < 0 || c.Loop.MaxBatchSize < 0 || c.Flush.MaxAttempts < 0 {
		return errors.New("loop and flush settings must not be negative")
	}
	if c.Role == roleAPI && c.Engine.Kind == "temporal" && c.Redis.Addr == "" {
		return errors.New("api role needs redis to receive completion events")
	}
	return nil
}

func (c config) loopOptions() aggregator.Options {
	return aggregator.Options{
		IdleTimeout:  c.Loop.IdleTimeout,
		Boundary:     aggregator.BoundaryPolicy(c.Loop.Boundary),
		IdleClose:    c.Loop.IdleClose,
		MaxBatchSize: c.Loop.MaxBatchSize,
		Planner: aggregator.Planner{
			MaxGenerationsPerRun: c.Loop.MaxGenerationsPerRun,
			MaxHistoryEvents:     c.Loop.MaxHistoryEvents,
		},
	}
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
