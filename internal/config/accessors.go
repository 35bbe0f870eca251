package config

import "time"

// Streaming/limiter accessor methods with default fallbacks, mirroring the
// teacher's pattern of safe-default getters for config values that may be
// zero-valued in an old config file.

func (c *Config) GetOperationTimeout() time.Duration {
	if c.Streaming.OperationTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Streaming.OperationTimeoutSec) * time.Second
}

func (c *Config) GetConnectionAcquireTimeout() time.Duration {
	if c.Streaming.ConnectionAcquireTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Streaming.ConnectionAcquireTimeoutSec) * time.Second
}

func (c *Config) GetIdlePingInterval() time.Duration {
	if c.Streaming.IdlePingIntervalSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Streaming.IdlePingIntervalSec) * time.Second
}

func (c *Config) GetAffinityHalfLife() time.Duration {
	if c.Limiter.AffinityHalfLifeSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Limiter.AffinityHalfLifeSeconds) * time.Second
}

func (c *Config) GetQueueProcessingInterval() time.Duration {
	if c.Queue.QueueProcessingIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Queue.QueueProcessingIntervalSeconds) * time.Second
}

func (c *Config) GetRetryPause() time.Duration {
	if c.Queue.RetryPauseSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Queue.RetryPauseSeconds) * time.Second
}

func (c *Config) GetStuckTaskWarn() time.Duration {
	if c.Queue.StuckTaskWarnMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Queue.StuckTaskWarnMinutes) * time.Minute
}

func (c *Config) GetHistoryRetention() time.Duration {
	if c.Queue.HistoryRetentionHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.Queue.HistoryRetentionHours) * time.Hour
}

// IsBlacklistedExtension reports whether ext (including the leading dot) is
// in the configured blacklist, used by the aggregator's post-processor
// (spec.md §4.9).
func (c *Config) IsBlacklistedExtension(ext string) bool {
	for _, b := range c.Pipeline.BlacklistedExtensions {
		if b == ext {
			return true
		}
	}
	return false
}
