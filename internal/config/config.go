package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Agents    []AgentConfig   `json:"agents"`
	Database  DatabaseConfig  `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type SchedulerConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// AgentConfig declares one agent in the pool and the capabilities it serves.
type AgentConfig struct {
	ID                 string             `json:"id"`
	Kind               string             `json:"kind"`
	Concurrency        int                `json:"concurrency"`
	HistorySize        int                `json:"history_size,omitempty"`
	HealthIntervalSec  int                `json:"health_interval_sec,omitempty"`
	MetricsIntervalSec int                `json:"metrics_interval_sec,omitempty"`
	DrainTimeoutSec    int                `json:"drain_timeout_sec,omitempty"`
	GPUAvailable       bool               `json:"gpu_available,omitempty"`
	Capabilities       []CapabilityConfig `json:"capabilities"`
}

// CapabilityConfig binds a task type to a builtin executor by name.
type CapabilityConfig struct {
	Name            string   `json:"name"`
	Executor        string   `json:"executor"`
	Description     string   `json:"description,omitempty"`
	ComplexityScore int      `json:"complexity_score"`
	InputTypes      []string `json:"input_types,omitempty"`
	OutputTypes     []string `json:"output_types,omitempty"`
	RequiresGPU     bool     `json:"requires_gpu,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
