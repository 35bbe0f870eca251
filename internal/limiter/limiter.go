// Package limiter implements the process-wide Global Limiter (spec.md
// §4.4): admission control partitioned by usage class, with a reserved
// quota per class plus a shared overflow pool.
package limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/javi11/nzbfetch/internal/config"
	fetcherrors "github.com/javi11/nzbfetch/internal/errors"
)

// Class is a caller-declared usage class used to pick a reserve queue.
type Class int

const (
	ClassStreaming Class = iota
	ClassQueue
	ClassHealthCheck
	ClassRepair
)

func (c Class) String() string {
	switch c {
	case ClassStreaming:
		return "streaming"
	case ClassQueue:
		return "queue"
	case ClassHealthCheck:
		return "health_check"
	case ClassRepair:
		return "repair"
	default:
		return "unknown"
	}
}

// UsageContext is passed on every Acquire for tracing (spec.md §4.4).
type UsageContext struct {
	Class   Class
	JobName string
}

// classState holds the per-class reserve semaphore.
type classState struct {
	reserve *semaphore.Weighted
	quota   int64
}

// Limiter is the process-wide admission gate. Grounded in shape on the
// teacher's internal/pool package's reservation-style accounting, rebuilt
// here on golang.org/x/sync/semaphore.Weighted since no pack example wires
// that package up for a reserved-plus-overflow scheme and it is the
// idiomatic weighted-acquire primitive for exactly this job.
type Limiter struct {
	mu      sync.RWMutex
	classes map[Class]*classState
	shared  *semaphore.Weighted
	total   int64
}

// New builds a Limiter from the total primary-pooled connection count and
// the configured per-class reserves. sum(reserves) must not exceed total;
// config.Validate already enforces this, but New re-checks defensively.
func New(total int, cfg config.LimiterConfig) (*Limiter, error) {
	l := &Limiter{}
	if err := l.rebuild(total, cfg); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Limiter) rebuild(total int, cfg config.LimiterConfig) error {
	reserves := map[Class]int{
		ClassStreaming:   cfg.StreamingReserve,
		ClassQueue:       cfg.QueueReserve,
		ClassHealthCheck: cfg.HealthCheckReserve,
		ClassRepair:      cfg.RepairReserve,
	}
	sum := 0
	for _, v := range reserves {
		sum += v
	}
	if sum > total {
		return fmt.Errorf("limiter: sum of class quotas %d exceeds total %d", sum, total)
	}

	classes := make(map[Class]*classState, len(reserves))
	for class, quota := range reserves {
		classes[class] = &classState{reserve: semaphore.NewWeighted(int64(quota)), quota: int64(quota)}
	}
	shared := semaphore.NewWeighted(int64(total - sum))

	l.mu.Lock()
	l.classes = classes
	l.shared = shared
	l.total = int64(total)
	l.mu.Unlock()
	return nil
}

// UpdateQuotas implements config.LimiterUpdater, letting a config reload
// re-derive permits. Existing leases are unaffected; only future Acquire
// calls observe the new split.
func (l *Limiter) UpdateQuotas(total int, cfg config.LimiterConfig) error {
	return l.rebuild(total, cfg)
}

// Permit is released exactly once on all exit paths (spec.md §4.4).
type Permit struct {
	sem *semaphore.Weighted
}

// Release returns the permit. Safe to call at most once; calling it twice
// would over-release the semaphore, so callers must guard with sync.Once
// or a single defer, the same discipline spec.md §9 requires of the
// connection pool's scoped acquisition.
func (p *Permit) Release() {
	if p == nil || p.sem == nil {
		return
	}
	p.sem.Release(1)
}

// Acquire blocks until a permit of the requested class — or, failing
// that, a shared permit — becomes available, honoring ctx cancellation.
// A class never starves on its own reserve: it always tries its reserve
// queue first and only falls back to shared after that wait would block,
// so a caller never skips ahead of its own class's waiters via the
// overflow path.
func (l *Limiter) Acquire(ctx context.Context, uc UsageContext) (*Permit, error) {
	l.mu.RLock()
	cs, ok := l.classes[uc.Class]
	shared := l.shared
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("limiter: unknown usage class %v", uc.Class)
	}

	if cs.reserve.TryAcquire(1) {
		return &Permit{sem: cs.reserve}, nil
	}

	// Race the class's own reserve queue against the shared pool: whichever
	// frees a permit first wins, so we never starve behind an unrelated
	// class's shared-pool contention.
	type result struct {
		sem *semaphore.Weighted
		err error
	}
	resCh := make(chan result, 2)
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := cs.reserve.Acquire(acquireCtx, 1); err != nil {
			resCh <- result{nil, err}
			return
		}
		resCh <- result{cs.reserve, nil}
	}()
	go func() {
		if err := shared.Acquire(acquireCtx, 1); err != nil {
			resCh <- result{nil, err}
			return
		}
		resCh <- result{shared, nil}
	}()

	var first result
	for i := 0; i < 2; i++ {
		r := <-resCh
		if r.err == nil && first.sem == nil {
			first = r
			cancel() // stop the loser
			continue
		}
		if r.sem != nil && first.sem != nil && r.sem != first.sem {
			// the loser actually won its acquire after we cancelled it; give it back
			r.sem.Release(1)
		}
	}

	if first.sem == nil {
		return nil, fetcherrors.New(fetcherrors.KindCancelled, fmt.Sprintf("limiter: acquire cancelled for class %s (job %s)", uc.Class, uc.JobName), ctx.Err())
	}
	return &Permit{sem: first.sem}, nil
}

// TotalPermits reports the configured total capacity.
func (l *Limiter) TotalPermits() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.total)
}
