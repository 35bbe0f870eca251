package config

import "log/slog"

// PoolUpdater lets the connection-pool manager rebuild provider pools when
// the provider list changes (teacher: internal/pool/config.go's
// RegisterConfigHandlers wiring into OnConfigChange).
type PoolUpdater interface {
	SetProviders(providers []ProviderConfig) error
}

// LimiterUpdater lets the Global Limiter re-derive its per-class permits
// when reserve quotas or the streaming total changes (spec.md §4.4).
type LimiterUpdater interface {
	UpdateQuotas(total int, limiter LimiterConfig) error
}

// QueueWorkerUpdater lets the Queue Manager resize its worker pool when the
// configured worker count changes (spec.md §4.10).
type QueueWorkerUpdater interface {
	UpdateWorkers(count int) error
}

// LoggingUpdater defines interface for components that can update logging
// levels dynamically.
type LoggingUpdater interface {
	UpdateDebugMode(debug bool) error
}

// ComponentRegistry holds references to updatable components and applies
// OnConfigChange diffs to each of them, the way the teacher's
// ComponentRegistry wires config changes to live subsystems without those
// subsystems depending on *Manager directly.
type ComponentRegistry struct {
	Pool    PoolUpdater
	Limiter LimiterUpdater
	Queue   QueueWorkerUpdater
	Logging LoggingUpdater
	logger  *slog.Logger
}

func NewComponentRegistry(logger *slog.Logger) *ComponentRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComponentRegistry{logger: logger}
}

func (r *ComponentRegistry) RegisterPool(u PoolUpdater)       { r.Pool = u }
func (r *ComponentRegistry) RegisterLimiter(u LimiterUpdater) { r.Limiter = u }
func (r *ComponentRegistry) RegisterQueue(u QueueWorkerUpdater) { r.Queue = u }
func (r *ComponentRegistry) RegisterLogging(u LoggingUpdater) { r.Logging = u }

// ApplyUpdates diffs oldConfig against newConfig and pushes the relevant
// deltas into whichever components are registered.
func (r *ComponentRegistry) ApplyUpdates(oldConfig, newConfig *Config) {
	if !providersEqual(oldConfig.Providers, newConfig.Providers) {
		if r.Pool != nil {
			if err := r.Pool.SetProviders(newConfig.Providers); err != nil {
				r.logger.Error("failed to apply provider change", "err", err)
			} else {
				r.logger.Info("provider list updated", "count", len(newConfig.Providers))
			}
		}
	}

	if oldConfig.Limiter != newConfig.Limiter || oldConfig.Streaming.TotalStreamingConnections != newConfig.Streaming.TotalStreamingConnections {
		if r.Limiter != nil {
			if err := r.Limiter.UpdateQuotas(newConfig.Streaming.TotalStreamingConnections, newConfig.Limiter); err != nil {
				r.logger.Error("failed to apply limiter quota change", "err", err)
			} else {
				r.logger.Info("limiter quotas updated")
			}
		}
	}

	if oldConfig.Queue.Workers != newConfig.Queue.Workers {
		if r.Queue != nil {
			if err := r.Queue.UpdateWorkers(newConfig.Queue.Workers); err != nil {
				r.logger.Error("failed to resize queue workers", "err", err)
			} else {
				r.logger.Info("queue worker count updated", "old", oldConfig.Queue.Workers, "new", newConfig.Queue.Workers)
			}
		}
	}
}

func providersEqual(a, b []ProviderConfig) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]ProviderConfig, len(a))
	for _, p := range a {
		byID[p.ID] = p
	}
	for _, p := range b {
		old, ok := byID[p.ID]
		if !ok || old != p {
			return false
		}
	}
	return true
}
