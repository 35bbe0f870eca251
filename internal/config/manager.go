// Package config holds the application configuration consumed by the fetch
// core: provider list, pool/limiter quotas, pipeline policy knobs, and
// logging. It mirrors spec.md §6's narrow "Configuration (consumed)"
// contract rather than the much larger surface (WebDAV, auth, UI, rclone
// mount) that sits outside the core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const DefaultCategoryName = "Default"

// ImportStrategy mirrors spec.md §6's importStrategy enum.
type ImportStrategy string

const (
	ImportStrategySymlinks ImportStrategy = "symlinks"
	ImportStrategySTRM     ImportStrategy = "strm"
)

// DuplicateNzbBehavior mirrors spec.md §4.9 / §6's duplicateNzbBehavior enum.
type DuplicateNzbBehavior string

const (
	DuplicateMarkFailed DuplicateNzbBehavior = "mark-failed"
	DuplicateIgnore     DuplicateNzbBehavior = "ignore"
	DuplicateIncrement  DuplicateNzbBehavior = "increment"
)

// UsageClass mirrors the Global Limiter's partitions (spec.md §4.4).
type UsageClass string

const (
	ClassStreaming   UsageClass = "streaming"
	ClassQueue       UsageClass = "queue"
	ClassHealthCheck UsageClass = "health_check"
	ClassRepair      UsageClass = "repair"
)

// ProviderType mirrors spec.md §4.3's pool types.
type ProviderType string

const (
	ProviderDisabled      ProviderType = "disabled"
	ProviderPrimaryPooled ProviderType = "primary_pooled"
	ProviderBackupAndStats ProviderType = "backup_and_stats"
	ProviderBackupOnly    ProviderType = "backup_only"
)

// ProviderConfig describes one NNTP provider (spec.md §6's providers list).
type ProviderConfig struct {
	ID             string       `yaml:"id" mapstructure:"id" json:"id"`
	Host           string       `yaml:"host" mapstructure:"host" json:"host"`
	Port           int          `yaml:"port" mapstructure:"port" json:"port"`
	TLS            bool         `yaml:"tls" mapstructure:"tls" json:"tls"`
	InsecureTLS    bool         `yaml:"insecure_tls" mapstructure:"insecure_tls" json:"insecure_tls"`
	Username       string       `yaml:"username" mapstructure:"username" json:"username"`
	Password       string       `yaml:"password" mapstructure:"password" json:"-"`
	MaxConnections int          `yaml:"max_connections" mapstructure:"max_connections" json:"max_connections"`
	Type           ProviderType `yaml:"type" mapstructure:"type" json:"type"`
	Priority       int          `yaml:"priority" mapstructure:"priority" json:"priority"`
}

// LimiterConfig carries the Global Limiter's per-class reserved quotas
// (spec.md §4.4: "sum(class quotas) ≤ total primary-pooled connections").
type LimiterConfig struct {
	StreamingReserve   int `yaml:"streaming_reserve" mapstructure:"streaming_reserve" json:"streaming_reserve"`
	QueueReserve       int `yaml:"queue_reserve" mapstructure:"queue_reserve" json:"queue_reserve"`
	HealthCheckReserve int `yaml:"health_check_reserve" mapstructure:"health_check_reserve" json:"health_check_reserve"`
	RepairReserve      int `yaml:"repair_reserve" mapstructure:"repair_reserve" json:"repair_reserve"`
	// AffinityHalfLifeSeconds is the decay half-life for provider affinity
	// scores (spec.md §4.5). Not named by the source revisions; fixed here
	// as a named, overridable config value (see SPEC_FULL.md §13).
	AffinityHalfLifeSeconds int `yaml:"affinity_half_life_seconds" mapstructure:"affinity_half_life_seconds" json:"affinity_half_life_seconds"`
}

// StreamingConfig holds the NNTP connection/streaming timeouts and buffer
// sizing named in spec.md §6 and §4.1.
type StreamingConfig struct {
	TotalStreamingConnections    int `yaml:"total_streaming_connections" mapstructure:"total_streaming_connections" json:"total_streaming_connections"`
	StreamBufferSize             int `yaml:"stream_buffer_size" mapstructure:"stream_buffer_size" json:"stream_buffer_size"`
	OperationTimeoutSec          int `yaml:"operation_timeout_sec" mapstructure:"operation_timeout_sec" json:"operation_timeout_sec"`
	ConnectionAcquireTimeoutSec  int `yaml:"connection_acquire_timeout_sec" mapstructure:"connection_acquire_timeout_sec" json:"connection_acquire_timeout_sec"`
	ConnectionsPerStream         int `yaml:"connections_per_stream" mapstructure:"connections_per_stream" json:"connections_per_stream"`
	IdlePingIntervalSec          int `yaml:"idle_ping_interval_sec" mapstructure:"idle_ping_interval_sec" json:"idle_ping_interval_sec"`
}

// PipelineConfig holds the Deobfuscation Pipeline / Aggregator policy knobs
// from spec.md §6.
type PipelineConfig struct {
	MaxQueueConnections     int                  `yaml:"max_queue_connections" mapstructure:"max_queue_connections" json:"max_queue_connections"`
	MaxProcessorWorkers     int                  `yaml:"max_processor_workers" mapstructure:"max_processor_workers" json:"max_processor_workers"`
	EnsureArticleExistence  bool                 `yaml:"ensure_article_existence" mapstructure:"ensure_article_existence" json:"ensure_article_existence"`
	EnsureImportableVideo   bool                 `yaml:"ensure_importable_video" mapstructure:"ensure_importable_video" json:"ensure_importable_video"`
	ImportStrategy          ImportStrategy       `yaml:"import_strategy" mapstructure:"import_strategy" json:"import_strategy"`
	DuplicateNzbBehavior    DuplicateNzbBehavior `yaml:"duplicate_nzb_behavior" mapstructure:"duplicate_nzb_behavior" json:"duplicate_nzb_behavior"`
	BlacklistedExtensions   []string             `yaml:"blacklisted_extensions" mapstructure:"blacklisted_extensions" json:"blacklisted_extensions"`
	HideSamples             bool                 `yaml:"hide_samples" mapstructure:"hide_samples" json:"hide_samples"`
	KnownMissingCacheSize   int                  `yaml:"known_missing_cache_size" mapstructure:"known_missing_cache_size" json:"known_missing_cache_size"`
	// StrmOutputDir/StrmBaseURL configure the optional STRM post-processor
	// (spec.md §4.9 step 4); only consulted when ImportStrategy is "strm".
	StrmOutputDir string `yaml:"strm_output_dir" mapstructure:"strm_output_dir" json:"strm_output_dir"`
	StrmBaseURL   string `yaml:"strm_base_url" mapstructure:"strm_base_url" json:"strm_base_url"`
}

// QueueConfig holds the Queue Manager's worker/scheduling knobs (spec.md
// §4.10).
type QueueConfig struct {
	Workers                        int `yaml:"workers" mapstructure:"workers" json:"workers"`
	QueueProcessingIntervalSeconds int `yaml:"queue_processing_interval_seconds" mapstructure:"queue_processing_interval_seconds" json:"queue_processing_interval_seconds"`
	RetryPauseSeconds              int `yaml:"retry_pause_seconds" mapstructure:"retry_pause_seconds" json:"retry_pause_seconds"`
	StuckTaskWarnMinutes           int `yaml:"stuck_task_warn_minutes" mapstructure:"stuck_task_warn_minutes" json:"stuck_task_warn_minutes"`
	HistoryRetentionHours          int `yaml:"history_retention_hours" mapstructure:"history_retention_hours" json:"history_retention_hours"`
}

// ArrConfig is an opaque passthrough for the out-of-scope arr integration
// (spec.md §6 names it only as "arr:{…}"); the core never interprets it.
type ArrConfig struct {
	Enabled bool              `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Extra   map[string]string `yaml:"extra" mapstructure:"extra" json:"extra,omitempty"`
}

// LogConfig mirrors the teacher's rotating-file logging configuration.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file" json:"file,omitempty"`
	Level      string `yaml:"level" mapstructure:"level" json:"level,omitempty"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size" json:"max_size,omitempty"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age" json:"max_age,omitempty"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" json:"max_backups,omitempty"`
	Compress   bool   `yaml:"compress" mapstructure:"compress" json:"compress,omitempty"`
}

// Config is the complete configuration consumed by the fetch core.
type Config struct {
	Providers []ProviderConfig `yaml:"providers" mapstructure:"providers" json:"providers"`
	Limiter   LimiterConfig    `yaml:"limiter" mapstructure:"limiter" json:"limiter"`
	Streaming StreamingConfig  `yaml:"streaming" mapstructure:"streaming" json:"streaming"`
	Pipeline  PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline" json:"pipeline"`
	Queue     QueueConfig      `yaml:"queue" mapstructure:"queue" json:"queue"`
	Arr       ArrConfig        `yaml:"arr" mapstructure:"arr" json:"arr"`
	Log       LogConfig        `yaml:"log" mapstructure:"log" json:"log,omitempty"`
}

// DeepCopy returns a deep copy of the configuration using copier, the way
// the teacher's Config.DeepCopy does, so OnConfigChange callbacks always see
// an immutable snapshot of the old config.
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}
	cp := &Config{}
	if err := copier.CopyWithOption(cp, c, copier.Option{DeepCopy: true}); err != nil {
		shallow := *c
		return &shallow
	}
	return cp
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Streaming.TotalStreamingConnections <= 0 {
		return fmt.Errorf("streaming total_streaming_connections must be greater than 0")
	}
	if c.Streaming.StreamBufferSize <= 0 {
		c.Streaming.StreamBufferSize = 1 << 20 // 1 MiB high-water, per spec.md §4.1
	}
	if c.Streaming.OperationTimeoutSec <= 0 {
		c.Streaming.OperationTimeoutSec = 30
	}
	if c.Streaming.ConnectionAcquireTimeoutSec <= 0 {
		c.Streaming.ConnectionAcquireTimeoutSec = 60
	}
	if c.Streaming.ConnectionsPerStream <= 0 {
		c.Streaming.ConnectionsPerStream = 1
	}

	sum := c.Limiter.StreamingReserve + c.Limiter.QueueReserve + c.Limiter.HealthCheckReserve + c.Limiter.RepairReserve
	if sum > c.Streaming.TotalStreamingConnections {
		return fmt.Errorf("limiter reserves (%d) exceed total_streaming_connections (%d)", sum, c.Streaming.TotalStreamingConnections)
	}
	if c.Limiter.AffinityHalfLifeSeconds <= 0 {
		c.Limiter.AffinityHalfLifeSeconds = 600 // 10 minutes, see SPEC_FULL.md §13
	}

	if c.Pipeline.MaxQueueConnections <= 0 {
		return fmt.Errorf("pipeline max_queue_connections must be greater than 0")
	}
	if c.Pipeline.MaxProcessorWorkers <= 0 {
		c.Pipeline.MaxProcessorWorkers = 2
	}
	switch c.Pipeline.DuplicateNzbBehavior {
	case DuplicateMarkFailed, DuplicateIgnore, DuplicateIncrement:
	case "":
		c.Pipeline.DuplicateNzbBehavior = DuplicateIncrement
	default:
		return fmt.Errorf("pipeline duplicate_nzb_behavior must be one of: mark-failed, ignore, increment")
	}
	if c.Pipeline.KnownMissingCacheSize <= 0 {
		c.Pipeline.KnownMissingCacheSize = 4096
	}

	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.QueueProcessingIntervalSeconds <= 0 {
		c.Queue.QueueProcessingIntervalSeconds = 5
	}
	if c.Queue.RetryPauseSeconds <= 0 {
		c.Queue.RetryPauseSeconds = 60 // spec.md §4.10: pauseUntil = now + 1 minute
	}
	if c.Queue.StuckTaskWarnMinutes <= 0 {
		c.Queue.StuckTaskWarnMinutes = 5 // spec.md §4.10: 5-minute supervisor
	}

	for i, p := range c.Providers {
		if p.Host == "" {
			return fmt.Errorf("provider %d: host cannot be empty", i)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("provider %d: port must be between 1 and 65535", i)
		}
		if p.Type != ProviderDisabled && p.MaxConnections <= 0 {
			return fmt.Errorf("provider %d: max_connections must be greater than 0", i)
		}
	}

	if c.Log.Level != "" {
		switch strings.ToLower(c.Log.Level) {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("log.level must be one of: debug, info, warn, error")
		}
	}

	return nil
}

// DefaultConfig returns a config with conservative defaults.
func DefaultConfig() *Config {
	return &Config{
		Limiter: LimiterConfig{
			StreamingReserve:        4,
			QueueReserve:            4,
			HealthCheckReserve:      1,
			RepairReserve:           1,
			AffinityHalfLifeSeconds: 600,
		},
		Streaming: StreamingConfig{
			TotalStreamingConnections:   20,
			StreamBufferSize:            1 << 20,
			OperationTimeoutSec:         30,
			ConnectionAcquireTimeoutSec: 60,
			ConnectionsPerStream:        1,
			IdlePingIntervalSec:         300,
		},
		Pipeline: PipelineConfig{
			MaxQueueConnections:   10,
			MaxProcessorWorkers:   2,
			ImportStrategy:        ImportStrategySymlinks,
			DuplicateNzbBehavior:  DuplicateIncrement,
			BlacklistedExtensions: []string{".nfo", ".sfv", ".par2", ".url", ".txt"},
			KnownMissingCacheSize: 4096,
		},
		Queue: QueueConfig{
			Workers:                        1,
			QueueProcessingIntervalSeconds: 5,
			RetryPauseSeconds:              60,
			StuckTaskWarnMinutes:           5,
			HistoryRetentionHours:          168,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
	}
}

// ChangeCallback is invoked with an immutable snapshot of the old config and
// a reference to the new config whenever UpdateConfig runs.
type ChangeCallback func(oldConfig, newConfig *Config)

// ConfigGetter returns the current configuration; passed down into workers
// that must observe hot-reloaded settings (queue worker count, limiter
// quotas) without holding a reference to the Manager.
type ConfigGetter func() *Config

// Manager guards the live configuration and notifies registered callbacks
// on change (teacher: internal/config/manager.go, internal/pool/config.go).
type Manager struct {
	current    *Config
	configFile string
	mutex      sync.RWMutex
	callbacks  []ChangeCallback
}

func NewManager(cfg *Config, configFile string) *Manager {
	return &Manager{current: cfg, configFile: configFile}
}

func (m *Manager) GetConfig() *Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

func (m *Manager) GetConfigGetter() ConfigGetter {
	return m.GetConfig
}

func (m *Manager) UpdateConfig(cfg *Config) error {
	m.mutex.Lock()
	var old *Config
	if m.current != nil {
		old = m.current.DeepCopy()
	}
	m.current = cfg
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mutex.Unlock()

	for _, cb := range callbacks {
		cb(old, cfg)
	}
	return nil
}

func (m *Manager) OnConfigChange(cb ChangeCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) ReloadConfig() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	viper.SetConfigFile(m.configFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", m.configFile, err)
	}

	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	m.current = cfg
	return nil
}

func (m *Manager) SaveConfig() error {
	m.mutex.RLock()
	cfg := m.current
	m.mutex.RUnlock()
	if cfg == nil {
		return fmt.Errorf("no configuration to save")
	}
	return SaveToFile(cfg, m.configFile)
}

func SaveToFile(cfg *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("no config file path provided")
	}
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filename, data, 0644)
}

// LoadConfig loads configuration from file, merging with defaults, the way
// the teacher's LoadConfig does.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		configFile = "config.yaml"
	}

	if err := viper.ReadInConfig(); err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
			if err := SaveToFile(cfg, configFile); err != nil {
				return nil, fmt.Errorf("failed to create default config file %s: %w", configFile, err)
			}
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading newly created config file %s: %w", configFile, err)
			}
		} else {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func GetConfigFilePath() string {
	return viper.ConfigFileUsed()
}
