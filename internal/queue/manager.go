// Package queue implements the Queue Manager (spec.md §4.10): a worker
// loop that claims ready QueueItems, runs them through an ItemProcessor
// under a per-item cancellation token, and retires them to history or
// back to the ready pool on transient failure.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/javi11/nzbfetch/internal/config"
	fetcherrors "github.com/javi11/nzbfetch/internal/errors"
	"github.com/javi11/nzbfetch/internal/model"
	"github.com/javi11/nzbfetch/internal/store"
)

// ItemProcessor runs one QueueItem to completion. A nil error means the
// item finished and was already finalized into history by the processor
// (the aggregator does this internally); a non-nil error is classified by
// the manager and either retried (pauseUntil) or finalized as Failed.
type ItemProcessor interface {
	ProcessItem(ctx context.Context, item *model.QueueItem) error
}

// Manager runs spec.md §4.10's worker loop(s). The spec's default shape is
// a single worker goroutine; Workers is adjustable at runtime via
// UpdateWorkers (config.QueueWorkerUpdater) for deployments that need more
// throughput, without changing the per-item semantics.
type Manager struct {
	store     store.Store
	processor ItemProcessor
	cfgGet    config.ConfigGetter
	log       *slog.Logger

	mu      sync.Mutex
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	cancelMu    sync.Mutex
	cancelFuncs map[string]context.CancelFunc
	startedAt   map[string]time.Time
}

func New(s store.Store, processor ItemProcessor, cfgGet config.ConfigGetter, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	workers := cfgGet().Queue.Workers
	if workers <= 0 {
		workers = 1 // spec.md §4.10: "a single worker goroutine loop"
	}
	return &Manager{
		store:       s,
		processor:   processor,
		cfgGet:      cfgGet,
		log:         log.With("component", "queue-manager"),
		workers:     workers,
		cancelFuncs: make(map[string]context.CancelFunc),
		startedAt:   make(map[string]time.Time),
	}
}

// Start launches the worker pool and the stuck-task supervisor.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.workerLoop(i)
	}
	m.wg.Add(1)
	go m.stuckTaskSupervisor()
}

// Stop cancels every in-flight item and waits for workers to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// UpdateWorkers implements config.QueueWorkerUpdater (spec.md §4.10). It
// stops and restarts the pool at the new size; in-flight items are
// cancelled, released back to the ready pool (not failed), and re-claimed
// once the pool restarts.
func (m *Manager) UpdateWorkers(count int) error {
	if count <= 0 {
		count = 1
	}
	m.mu.Lock()
	wasRunning := m.running
	ctx := m.ctx
	m.mu.Unlock()

	if wasRunning {
		m.Stop()
	}
	m.mu.Lock()
	m.workers = count
	m.mu.Unlock()
	if wasRunning {
		m.Start(ctx)
	}
	return nil
}

// CancelItem cancels a specific in-flight item's token. Per spec.md §4.10's
// "cancellation and removal must not deadlock the worker", this only
// signals the context — it never blocks on the worker actually returning,
// and it is never called while holding m.mu.
func (m *Manager) CancelItem(itemID string) {
	m.cancelMu.Lock()
	cancel, ok := m.cancelFuncs[itemID]
	m.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) workerLoop(workerID int) {
	defer m.wg.Done()
	interval := m.cfgGet().GetQueueProcessingInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := m.log.With("worker_id", workerID)
	for {
		select {
		case <-m.ctx.Done():
			log.Debug("worker stopped")
			return
		case <-ticker.C:
			m.processNext(log)
		}
	}
}

func (m *Manager) processNext(log *slog.Logger) {
	item, err := m.store.ClaimNextReady(m.ctx)
	if err != nil {
		log.Error("claiming next queue item", "err", err)
		return
	}
	if item == nil {
		return
	}

	itemCtx, cancel := context.WithCancel(m.ctx)
	m.cancelMu.Lock()
	m.cancelFuncs[item.ID] = cancel
	m.startedAt[item.ID] = time.Now()
	m.cancelMu.Unlock()
	defer func() {
		m.cancelMu.Lock()
		delete(m.cancelFuncs, item.ID)
		delete(m.startedAt, item.ID)
		m.cancelMu.Unlock()
		cancel()
	}()

	err = m.processor.ProcessItem(itemCtx, item)
	if err == nil {
		return // processor already finalized success into history
	}

	if m.ctx.Err() != nil {
		// The pool is stopping: hand the item back so it is re-claimed.
		if rerr := m.store.ReleaseClaim(context.Background(), item.ID); rerr != nil {
			log.Error("releasing claim on shutdown", "item_id", item.ID, "err", rerr)
		}
		return
	}
	if itemCtx.Err() != nil {
		// Cancelled while processing: finalize as Failed, no orphan metadata
		// (spec.md §4.10's cancellation clause) — the processor is
		// responsible for the actual finalize-as-failed call since it
		// holds the transaction; the manager only logs here.
		log.Warn("queue item cancelled mid-processing", "item_id", item.ID)
		return
	}

	fe := fetcherrors.New(fetcherrors.KindUnknown, "queue item failed", err)
	if isRetryableDownloadFailure(err) {
		pauseUntil := time.Now().Add(m.cfgGet().GetRetryPause())
		if serr := m.store.SetPauseUntil(m.ctx, item.ID, pauseUntil); serr != nil {
			log.Error("re-queuing failed item", "item_id", item.ID, "err", serr)
		} else {
			log.Info("queue item paused for retry", "item_id", item.ID, "pause_until", pauseUntil)
		}
		return
	}

	log.Error("queue item failed", "item_id", item.ID, "err", fe, "reason", fetcherrors.ClassifyReason(err))
}

// isRetryableDownloadFailure reports spec.md §4.10's "transient retryable
// download" condition.
func isRetryableDownloadFailure(err error) bool {
	return !fetcherrors.IsNonRetryable(err)
}

// stuckTaskSupervisor logs (but does not forcibly cancel) any item that has
// been processing longer than the configured warn threshold (spec.md
// §4.10's "5-minute supervisor").
func (m *Manager) stuckTaskSupervisor() {
	defer m.wg.Done()
	threshold := m.cfgGet().GetStuckTaskWarn()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.cancelMu.Lock()
			for id, started := range m.startedAt {
				if now.Sub(started) > threshold {
					m.log.Warn("queue item has exceeded stuck-task threshold", "item_id", id, "running_for", now.Sub(started))
				}
			}
			m.cancelMu.Unlock()
		}
	}
}
