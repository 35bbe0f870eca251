package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_Defaults(t *testing.T) {
	cfg := &Config{
		Streaming: StreamingConfig{TotalStreamingConnections: 10},
		Pipeline:  PipelineConfig{MaxQueueConnections: 5},
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1<<20, cfg.Streaming.StreamBufferSize)
	assert.Equal(t, DuplicateIncrement, cfg.Pipeline.DuplicateNzbBehavior)
	assert.Equal(t, 600, cfg.Limiter.AffinityHalfLifeSeconds)
	assert.Equal(t, 60, cfg.Queue.RetryPauseSeconds)
}

func TestConfig_Validate_LimiterReservesExceedTotal(t *testing.T) {
	cfg := &Config{
		Streaming: StreamingConfig{TotalStreamingConnections: 4},
		Limiter:   LimiterConfig{StreamingReserve: 3, QueueReserve: 3},
		Pipeline:  PipelineConfig{MaxQueueConnections: 1},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceed total_streaming_connections")
}

func TestConfig_Validate_RejectsUnknownDuplicateBehavior(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.DuplicateNzbBehavior = "explode"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate_nzb_behavior")
}

func TestConfig_Validate_ProviderRequiresHostAndPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{{Type: ProviderPrimaryPooled, MaxConnections: 5}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host cannot be empty")
}

func TestManager_OnConfigChange_ReceivesImmutableOldSnapshot(t *testing.T) {
	initial := DefaultConfig()
	initial.Queue.Workers = 1
	mgr := NewManager(initial, "")

	var sawOldWorkers, sawNewWorkers int
	mgr.OnConfigChange(func(old, newCfg *Config) {
		sawOldWorkers = old.Queue.Workers
		sawNewWorkers = newCfg.Queue.Workers
	})

	updated := initial.DeepCopy()
	updated.Queue.Workers = 4
	require.NoError(t, mgr.UpdateConfig(updated))

	assert.Equal(t, 1, sawOldWorkers)
	assert.Equal(t, 4, sawNewWorkers)
	assert.Equal(t, 1, initial.Queue.Workers, "original config must not be mutated")
}

func TestConfig_IsBlacklistedExtension(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.IsBlacklistedExtension(".nfo"))
	assert.False(t, cfg.IsBlacklistedExtension(".mkv"))
}
