// Package config provides the configuration structure for the media-service.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                       string `toml:"url"`
	GenerateSubject           string `toml:"generate_subject"`
	StatusSubject             string `toml:"status_subject"`
	CompletionSubject         string `toml:"completion_subject"`
	EventsSubject             string `toml:"events_subject"`
	ArtifactObjectStoreBucket string `toml:"artifact_object_store_bucket"`
	CacheObjectStoreBucket    string `toml:"cache_object_store_bucket"`
	HandleTimeoutSeconds      int    `toml:"handle_timeout_seconds"`
}

// DatabaseConfig selects and locates the durable store.
type DatabaseConfig struct {
	Driver   string `toml:"driver"`
	Name     string `toml:"name"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// ValkeyConfig holds the connection settings of the distributed cache backend.
type ValkeyConfig struct {
	Address               string `toml:"address"`
	Password              string `toml:"password"`
	DB                    int    `toml:"db"`
	KeyPrefix             string `toml:"key_prefix"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
}

// CacheConfig holds the artifact cache settings.
type CacheConfig struct {
	Backend              string `toml:"backend"`
	TTLSeconds           int    `toml:"ttl_seconds"`
	MaxBytes             int64  `toml:"max_bytes"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
	Shards               int    `toml:"shards"`
	LocksDir             string `toml:"locks_dir"`
}

// RetryConfig holds the default retry budget for provider calls.
type RetryConfig struct {
	MaxAttempts              int   `toml:"max_attempts"`
	PerAttemptTimeoutSeconds int   `toml:"per_attempt_timeout_seconds"`
	BackoffMillis            []int `toml:"backoff_millis"`
}

// ReconcilerConfig holds the asynchronous task reconciliation settings.
type ReconcilerConfig struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	RetentionHours      int `toml:"retention_hours"`
}

// StateResetConfig holds the stuck-state recovery settings.
type StateResetConfig struct {
	StuckAfterSeconds    int `toml:"stuck_after_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// WebhookConfig holds the inbound completion endpoint settings.
type WebhookConfig struct {
	ListenAddr string `toml:"listen_addr"`
	PublicURL  string `toml:"public_url"`
	Token      string `toml:"token"`
}

// OrchestratorConfig selects providers and bounds batch work.
type OrchestratorConfig struct {
	ActiveProvider    string   `toml:"active_provider"`
	FallbackOrder     []string `toml:"fallback_order"`
	MaxParallelChunks int      `toml:"max_parallel_chunks"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS         NATSConfig         `toml:"nats"`
	Database     DatabaseConfig     `toml:"database"`
	Valkey       ValkeyConfig       `toml:"valkey"`
	Cache        CacheConfig        `toml:"cache"`
	Retry        RetryConfig        `toml:"retry"`
	Reconciler   ReconcilerConfig   `toml:"reconciler"`
	StateReset   StateResetConfig   `toml:"state_reset"`
	Webhook      WebhookConfig      `toml:"webhook"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Paths        PathsConfig        `toml:"paths"`
	Providers    []ProviderConfig   `toml:"providers"`
}

// Load loads the configuration for the media-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finalize(&cfg)
}

// LoadFile decodes a local TOML file instead of going through the configurator.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file '%s': %w", path, err)
	}

	return finalize(&cfg)
}

func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	validationErr := cfg.Validate()
	if validationErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validationErr)
	}

	return cfg, nil
}

// HandleTimeout is the per-message deadline of the NATS worker.
func (n NATSConfig) HandleTimeout() time.Duration {
	return seconds(n.HandleTimeoutSeconds)
}

// ConnectTimeout bounds the initial Valkey ping.
func (v ValkeyConfig) ConnectTimeout() time.Duration {
	return seconds(v.ConnectTimeoutSeconds)
}

// TTL is the default artifact lifetime.
func (c CacheConfig) TTL() time.Duration {
	return seconds(c.TTLSeconds)
}

// SweepInterval is the period of the expiry sweep.
func (c CacheConfig) SweepInterval() time.Duration {
	return seconds(c.SweepIntervalSeconds)
}

// PerAttemptTimeout bounds a single provider attempt.
func (r RetryConfig) PerAttemptTimeout() time.Duration {
	return seconds(r.PerAttemptTimeoutSeconds)
}

// Backoff converts the configured schedule into durations.
func (r RetryConfig) Backoff() []time.Duration {
	out := make([]time.Duration, 0, len(r.BackoffMillis))
	for _, ms := range r.BackoffMillis {
		out = append(out, time.Duration(ms)*time.Millisecond)
	}

	return out
}

// PollInterval is the period of the reconciler's status poll.
func (r ReconcilerConfig) PollInterval() time.Duration {
	return seconds(r.PollIntervalSeconds)
}

// Retention is how long terminal tasks are kept.
func (r ReconcilerConfig) Retention() time.Duration {
	return time.Duration(r.RetentionHours) * time.Hour
}

// StuckAfter is the age past which a non-terminal record is force-failed.
func (s StateResetConfig) StuckAfter() time.Duration {
	return seconds(s.StuckAfterSeconds)
}

// SweepInterval is the period of the stuck-state sweep.
func (s StateResetConfig) SweepInterval() time.Duration {
	return seconds(s.SweepIntervalSeconds)
}

// Provider returns the configuration of the named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}

	return ProviderConfig{}, false
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
