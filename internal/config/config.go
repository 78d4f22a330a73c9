// Package config loads the single structured configuration document:
// cache cluster endpoints, durable table name and region, persist delay,
// push provider credentials, and the server instance id.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// ServerInstanceID uniquely identifies this front-end instance in the
	// presence registry.
	ServerInstanceID string `yaml:"server_instance_id"`

	Listen ListenConfig `yaml:"listen"`
	Cache  CacheConfig  `yaml:"cache"`
	Table  TableConfig  `yaml:"durable_table"`
	Push   PushConfig   `yaml:"push"`
	Delivery DeliveryConfig `yaml:"delivery"`
}

// ListenConfig is the WebSocket/HTTP listener address.
type ListenConfig struct {
	Address string `yaml:"address"`
}

// CacheConfig describes the sharded cluster cache client.
type CacheConfig struct {
	Addrs         []string      `yaml:"addrs"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	// ShardCount is the number of logical persist_queue_index shards
	// the persister cycles through.
	ShardCount int `yaml:"shard_count"`

	// BreakerFailureRatio is the fraction of failed calls within the
	// ring buffer that trips the circuit breaker open.
	BreakerFailureRatio float64 `yaml:"breaker_failure_ratio"`
	BreakerWindow       int     `yaml:"breaker_window"`
	BreakerOpenDuration time.Duration `yaml:"breaker_open_duration"`
}

// TableConfig is the durable-table (DynamoDB) connection.
type TableConfig struct {
	Name   string `yaml:"name"`
	Region string `yaml:"region"`
	// RetentionDays drives the table TTL attribute.
	RetentionDays int `yaml:"retention_days"`
}

// PushConfig carries platform push provider credentials.
type PushConfig struct {
	APNs APNsConfig `yaml:"apns"`
	FCM  FCMConfig  `yaml:"fcm"`
	// PollInterval is the cadence of the push scheduler's poll loop.
	PollInterval time.Duration `yaml:"poll_interval"`
	// BatchSize is the number of devices claimed per poll.
	BatchSize int `yaml:"batch_size"`
	// InitialBackoff is the starting retry delay before doubling.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxRetries     int           `yaml:"max_retries"`
}

// APNsConfig is Apple Push Notification service credentials.
type APNsConfig struct {
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	Sandbox    bool   `yaml:"sandbox"`
}

// FCMConfig is Firebase Cloud Messaging credentials.
type FCMConfig struct {
	ProjectID           string `yaml:"project_id"`
	ServiceAccountPath  string `yaml:"service_account_path"`
}

// DeliveryConfig holds the message delivery pipeline's timing constants.
type DeliveryConfig struct {
	// PersistDelay is how long an envelope sits in the cache queue
	// before becoming eligible for durable persistence.
	PersistDelay time.Duration `yaml:"persist_delay"`
	// PersistInterval is T_persist.
	PersistInterval time.Duration `yaml:"persist_interval"`
	// PersistLease is T_lease.
	PersistLease time.Duration `yaml:"persist_lease"`
	// MaxQueuesPerRun is MAX_QUEUES_PER_RUN.
	MaxQueuesPerRun int `yaml:"max_queues_per_run"`
	// PersistPage is PERSIST_PAGE.
	PersistPage int `yaml:"persist_page"`

	// PresentTTL is how long a presence record stays valid without a refresh.
	PresentTTL time.Duration `yaml:"present_ttl"`
	// PresentRefresh is T_refresh.
	PresentRefresh time.Duration `yaml:"present_refresh"`

	// MaxMessagesPerFetch bounds GET /messages/ responses.
	MaxMessagesPerFetch int `yaml:"max_messages_per_fetch"`
}

// Default returns a Config populated with reasonable production defaults.
func Default() Config {
	return Config{
		ServerInstanceID: "relay-unset",
		Listen:           ListenConfig{Address: ":8080"},
		Cache: CacheConfig{
			DialTimeout:         2 * time.Second,
			CommandTimeout:      500 * time.Millisecond,
			MaxRetries:          3,
			ShardCount:          16,
			BreakerFailureRatio: 0.5,
			BreakerWindow:       50,
			BreakerOpenDuration: 10 * time.Second,
		},
		Table: TableConfig{RetentionDays: 30},
		Push: PushConfig{
			PollInterval:   200 * time.Millisecond,
			BatchSize:      100,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     5 * time.Minute,
			MaxRetries:     8,
		},
		Delivery: DeliveryConfig{
			PersistDelay:        10 * time.Minute,
			PersistInterval:     100 * time.Millisecond,
			PersistLease:        30 * time.Second,
			MaxQueuesPerRun:     100,
			PersistPage:         100,
			PresentTTL:          11 * time.Minute,
			PresentRefresh:      5 * time.Minute,
			MaxMessagesPerFetch: 10000,
		},
	}
}

// Load reads and parses a YAML configuration document from path, applying
// it on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for the minimum fields required to
// start the pipeline.
func (c Config) Validate() error {
	if c.ServerInstanceID == "" {
		return fmt.Errorf("config: server_instance_id is required")
	}
	if len(c.Cache.Addrs) == 0 {
		return fmt.Errorf("config: cache.addrs must have at least one endpoint")
	}
	if c.Table.Name == "" {
		return fmt.Errorf("config: durable_table.name is required")
	}
	if c.Cache.ShardCount <= 0 {
		return fmt.Errorf("config: cache.shard_count must be positive")
	}
	return nil
}
