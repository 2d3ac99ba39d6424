// Package config provides configuration loading and management for taskbatch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/taskbatch/cache"
	"github.com/c360studio/taskbatch/llm"
	"github.com/c360studio/taskbatch/observability"
	"github.com/c360studio/taskbatch/pool"
	taskorchestrator "github.com/c360studio/taskbatch/processor/task-orchestrator"
	"github.com/c360studio/taskbatch/workflow/machine"
)

// Config represents the complete taskbatch configuration
type Config struct {
	Workflow     machine.Config            `yaml:"workflow"`
	Generation   llm.EndpointConfig        `yaml:"generation"`
	Database     DatabaseConfig            `yaml:"database"`
	Cache        CacheConfig               `yaml:"cache"`
	Pools        PoolsConfig               `yaml:"pools"`
	NATS         NATSConfig                `yaml:"nats"`
	Orchestrator taskorchestrator.Config   `yaml:"orchestrator"`
	Alerts       observability.AlertConfig `yaml:"alerts"`
	HTTP         HTTPConfig                `yaml:"http"`
}

// DatabaseConfig configures persistence
type DatabaseConfig struct {
	// DSN is the Postgres connection string. Empty uses the in-memory store.
	DSN string `yaml:"dsn"`
	// Migrate applies the schema on startup
	Migrate bool `yaml:"migrate"`
	// Fixtures seeds the in-memory store (YAML or JSON file)
	Fixtures string `yaml:"fixtures"`
}

// CacheConfig sizes the context caches
type CacheConfig struct {
	Goals   cache.Config `yaml:"goals"`
	Actions cache.Config `yaml:"actions"`
}

// PoolsConfig holds the limits of each connection category
type PoolsConfig struct {
	Persistence pool.Config `yaml:"persistence"`
	Generation  pool.Config `yaml:"generation"`
}

// Categories returns the limits keyed by category, as pool.NewManager takes them.
func (p PoolsConfig) Categories() map[pool.Category]pool.Config {
	return map[pool.Category]pool.Config{
		pool.CategoryPersistence: p.Persistence,
		pool.CategoryGeneration:  p.Generation,
	}
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir holds JetStream data of the embedded server (empty = temp dir)
	StoreDir string `yaml:"store_dir"`
	// StateTTL is how long execution state stays in the KV bucket
	StateTTL time.Duration `yaml:"state_ttl"`
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	// Addr is the listen address
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds draining requests and executions on exit
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Workflow:   machine.DefaultConfig(),
		Generation: llm.DefaultEndpointConfig(),
		Database: DatabaseConfig{
			Migrate: true,
		},
		Cache: CacheConfig{
			Goals:   cache.Config{Capacity: 1000, TTL: 15 * time.Minute},
			Actions: cache.Config{Capacity: 5000, TTL: 5 * time.Minute},
		},
		Pools: PoolsConfig{
			Persistence: pool.DefaultPersistenceConfig(),
			Generation:  pool.DefaultGenerationConfig(),
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
			StateTTL: 24 * time.Hour,
		},
		Orchestrator: taskorchestrator.DefaultConfig(),
		Alerts:       observability.DefaultAlertConfig(),
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := c.Workflow.Validate(); err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	if err := c.Generation.Validate(); err != nil {
		return fmt.Errorf("generation: %w", err)
	}
	if c.Cache.Goals.Capacity < 0 || c.Cache.Actions.Capacity < 0 {
		return fmt.Errorf("cache capacity must not be negative")
	}
	if err := c.Pools.Persistence.Validate(); err != nil {
		return fmt.Errorf("pools.persistence: %w", err)
	}
	if err := c.Pools.Generation.Validate(); err != nil {
		return fmt.Errorf("pools.generation: %w", err)
	}
	if c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if c.Alerts.FailureRate < 0 || c.Alerts.FailureRate > 1 {
		return fmt.Errorf("alerts.failure_rate must be between 0 and 1")
	}
	if c.Alerts.Window <= 0 {
		return fmt.Errorf("alerts.window must be positive")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.ApplyFile(path); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyFile decodes a YAML file onto c. Keys absent from the file keep
// their current values, so files layer on top of each other.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
