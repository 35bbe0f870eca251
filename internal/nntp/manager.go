package nntp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/javi11/nzbfetch/internal/config"
	fetcherrors "github.com/javi11/nzbfetch/internal/errors"
)

// Manager owns one Pool per configured provider and implements
// config.PoolUpdater so a live config reload can rebuild provider pools
// without restarting the process. Grounded on the teacher's
// internal/pool/manager.go + internal/pool/config.go OnConfigChange wiring,
// generalized to spec.md §4.3's provider-tier semantics.
type Manager struct {
	mu      sync.RWMutex
	pools   map[string]*Pool
	order   []config.ProviderConfig // priority-sorted, mirrors config order
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	ticker  *time.Ticker
	closeWg sync.WaitGroup
}

// NewManager builds pools for every non-disabled provider and starts a
// background idle health-check loop.
func NewManager(providers []config.ProviderConfig, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		pools:  make(map[string]*Pool),
		log:    log.With("component", "nntp.manager"),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := m.rebuild(providers); err != nil {
		cancel()
		return nil, err
	}
	m.startHealthLoop()
	return m, nil
}

func (m *Manager) rebuild(providers []config.ProviderConfig) error {
	sorted := make([]config.ProviderConfig, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	m.mu.RLock()
	current := m.pools
	m.mu.RUnlock()

	newPools := make(map[string]*Pool, len(sorted))
	for _, p := range sorted {
		if p.Type == config.ProviderDisabled {
			continue
		}
		if existing, ok := current[p.ID]; ok && existing.provider == p {
			newPools[p.ID] = existing // unchanged provider keeps its pool
			continue
		}
		pool, err := NewPool(m.ctx, p, m.log)
		if err != nil {
			for id, created := range newPools {
				if current[id] != created {
					_ = created.Close()
				}
			}
			return fmt.Errorf("nntp: building pool for provider %s: %w", p.ID, err)
		}
		newPools[p.ID] = pool
	}

	m.mu.Lock()
	old := m.pools
	m.pools = newPools
	m.order = sorted
	m.mu.Unlock()

	for id, pool := range old {
		if newPools[id] != pool {
			_ = pool.Close()
		}
	}
	return nil
}

// SetProviders implements config.PoolUpdater.
func (m *Manager) SetProviders(providers []config.ProviderConfig) error {
	return m.rebuild(providers)
}

// providersByTier returns provider IDs for the requested tiers, in
// priority order, used by the fetcher to pick primary-vs-backup pools
// (spec.md §4.3's provider tiers).
func (m *Manager) providersByTier(tiers ...config.ProviderType) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	allowed := make(map[config.ProviderType]bool, len(tiers))
	for _, t := range tiers {
		allowed[t] = true
	}
	var ids []string
	for _, p := range m.order {
		if allowed[p.Type] {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Primary returns provider IDs usable for normal streaming/queue fetches.
func (m *Manager) Primary() []string {
	return m.providersByTier(config.ProviderPrimaryPooled)
}

// Backups returns provider IDs usable as fallback when primaries are
// exhausted or fail, in priority order.
func (m *Manager) Backups() []string {
	return m.providersByTier(config.ProviderBackupAndStats, config.ProviderBackupOnly)
}

// Get leases a connection from the named provider's pool.
func (m *Manager) Get(ctx context.Context, providerID string) (*Connection, error) {
	m.mu.RLock()
	pool, ok := m.pools[providerID]
	m.mu.RUnlock()
	if !ok {
		return nil, fetcherrors.New(fetcherrors.KindCouldNotConnect, fmt.Sprintf("unknown provider %s", providerID), nil)
	}
	return pool.Get(ctx)
}

// Put returns a connection to its provider's pool.
func (m *Manager) Put(providerID string, conn *Connection) {
	m.mu.RLock()
	pool, ok := m.pools[providerID]
	m.mu.RUnlock()
	if !ok {
		_ = conn.Close()
		return
	}
	pool.Put(conn)
}

func (m *Manager) startHealthLoop() {
	m.ticker = time.NewTicker(defaultHealthCheckInterval)
	m.closeWg.Add(1)
	go func() {
		defer m.closeWg.Done()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-m.ticker.C:
				m.mu.RLock()
				pools := make([]*Pool, 0, len(m.pools))
				for _, p := range m.pools {
					pools = append(pools, p)
				}
				m.mu.RUnlock()
				for _, p := range pools {
					p.HealthCheck(m.ctx)
				}
			}
		}
	}()
}

// Close stops the health-check loop and closes every provider pool.
func (m *Manager) Close() error {
	m.cancel()
	if m.ticker != nil {
		m.ticker.Stop()
	}
	m.closeWg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, pool := range m.pools {
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats summarizes live pool occupancy for observability (spec.md §12
// "pool metrics tracker").
type Stats struct {
	ProviderID string
	Type       config.ProviderType
	Capacity   int
	Active     int
	Idle       int
}

// Snapshot reports per-provider pool occupancy.
func (m *Manager) Snapshot() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.order))
	for _, p := range m.order {
		pool, ok := m.pools[p.ID]
		if !ok {
			continue
		}
		out = append(out, Stats{
			ProviderID: p.ID,
			Type:       p.Type,
			Capacity:   pool.ConnectionCount(),
			Active:     pool.ActiveConnections(),
			Idle:       pool.IdleConnections(),
		})
	}
	return out
}
