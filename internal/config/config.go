// Package config carries the engine's "Configuration surface"
// as a single struct loaded from environment variables, following the
// pkg/logging env-var convention rather than a process-wide mutable
// singleton.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/trestle/engine/pkg/jsonopts"
)

// TaskServerKind selects the Background Task Server implementation.
type TaskServerKind string

const (
	TaskServerInMemory TaskServerKind = "in-memory"
	TaskServerDurable  TaskServerKind = "durable-sql"
)

// MetadataCleanupConfig is the metadata retention policy.
type MetadataCleanupConfig struct {
	WorkflowTypeWhitelist []string
	RetentionPeriod       time.Duration
}

// Config is the engine's complete configuration surface.
type Config struct {
	// Per-loop polling intervals (Manager, Dispatcher, Task Server).
	ManagerPollingInterval    time.Duration
	DispatcherPollingInterval time.Duration
	TaskServerPollingInterval time.Duration
	CleanupPollingInterval    time.Duration

	VisibilityTimeout time.Duration

	// MaxActiveJobs is the global concurrency ceiling; nil disables it.
	// Manifest groups may further tighten this per-group.
	MaxActiveJobs *int64

	WorkflowParameterJSONOptions jsonopts.Options
	StepLogJSONOptions           jsonopts.Options

	LogLevel          string
	SerializeStepData bool

	MetadataCleanup MetadataCleanupConfig

	TaskServerKind TaskServerKind
	WorkerCount    int

	DatabaseURL string
	RedisURL    string

	HTTPAddr string
}

// FromEnv loads a Config from environment variables, defaulting every
// field that isn't set.
func FromEnv() Config {
	return Config{
		ManagerPollingInterval:    durationEnv("MANAGER_POLLING_INTERVAL", 5*time.Second),
		DispatcherPollingInterval: durationEnv("DISPATCHER_POLLING_INTERVAL", 2*time.Second),
		TaskServerPollingInterval: durationEnv("TASKSERVER_POLLING_INTERVAL", 1*time.Second),
		CleanupPollingInterval:    durationEnv("CLEANUP_POLLING_INTERVAL", time.Hour),
		VisibilityTimeout:         durationEnv("VISIBILITY_TIMEOUT", 5*time.Minute),
		MaxActiveJobs:             int64PtrEnv("MAX_ACTIVE_JOBS"),

		WorkflowParameterJSONOptions: jsonopts.Compact(),
		StepLogJSONOptions:           jsonopts.Pretty(),

		LogLevel:          envOr("LOG_LEVEL", "info"),
		SerializeStepData: boolEnv("SERIALIZE_STEP_DATA", true),

		MetadataCleanup: MetadataCleanupConfig{
			WorkflowTypeWhitelist: splitEnv("METADATA_CLEANUP_WHITELIST"),
			RetentionPeriod:       durationEnv("METADATA_CLEANUP_RETENTION", 30*24*time.Hour),
		},

		TaskServerKind: TaskServerKind(envOr("TASKSERVER_KIND", string(TaskServerDurable))),
		WorkerCount:    intEnv("TASKSERVER_WORKERS", 4),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		HTTPAddr: envOr("HTTP_ADDR", ":8080"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func intEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func int64PtrEnv(key string) *int64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitEnv(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
