// Package store declares the metadata-store interface the Aggregator &
// Finalizer and Queue Manager consume (spec.md §6 "Metadata store
// interface (consumed, not defined here)"). This package holds no
// implementation; internal/store/sqlstore is the module's SQLite-backed
// one, and a host application may wire in its own instead.
package store

import (
	"context"
	"time"

	"github.com/javi11/nzbfetch/internal/model"
)

// Transaction is a change-tracked unit of work (spec.md §9's "cross-cutting
// change tracker... replace with an explicit unit-of-work object"): every
// mutation made through it is staged until Commit, and discarded on Abort
// or if the caller simply never calls Commit.
type Transaction interface {
	GetItemChild(ctx context.Context, parentID, name string) (*model.MountItem, error)
	GetItem(ctx context.Context, id string) (*model.MountItem, error)
	AddItem(ctx context.Context, item model.MountItem) error
	RemoveQueueItems(ctx context.Context, ids []string) error
	AddHistory(ctx context.Context, item model.HistoryItem) error
	RemoveHistory(ctx context.Context, ids []string) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Store opens Transactions and answers the scheduling lookups the Queue
// Manager needs outside of a finalization transaction (spec.md §4.10).
type Store interface {
	BeginTransaction(ctx context.Context) (Transaction, error)
	GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error)
	ListReadyQueueItems(ctx context.Context) ([]model.QueueItem, error)

	// ClaimNextReady atomically picks the next QueueItem that is not
	// paused (PauseUntil before now), ordered by priority then
	// CreatedAt, and marks it claimed so no other worker picks it up.
	// Returns (nil, nil) when nothing is ready.
	ClaimNextReady(ctx context.Context) (*model.QueueItem, error)

	// SetPauseUntil re-queues a claimed item for retry at the given time
	// (spec.md §4.10's transient-failure back-off) and releases its claim.
	SetPauseUntil(ctx context.Context, id string, until time.Time) error

	// ReleaseClaim releases a claimed item back to the ready pool without
	// changing its PauseUntil, used when a worker shuts down mid-item.
	ReleaseClaim(ctx context.Context, id string) error
}

// NotificationSink receives fire-and-forget events from the finalizer
// (spec.md §4.9 step 5, §9 "progress reporting is fire-and-forget"). A
// nil sink is valid; callers must treat Notify as best-effort.
type NotificationSink interface {
	Notify(event string, payload any)
}
