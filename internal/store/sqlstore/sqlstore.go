// Package sqlstore is a concrete, SQLite-backed implementation of
// store.Store/store.Transaction. spec.md §6 treats the metadata store as
// opaque ("consumed, not defined here"), so nothing about this package's
// schema or queries is spec-mandated; it exists so cmd/nzbfetch has a real
// store to run against. Grounded on the teacher's internal/database/db.go
// (mattn/go-sqlite3, WAL pragmas, database/sql directly rather than an
// ORM) and queue_repository.go (claim-next-ready via a single-writer
// transaction).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/javi11/nzbfetch/internal/model"
	"github.com/javi11/nzbfetch/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS mount_items (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL,
	name TEXT NOT NULL,
	is_directory INTEGER NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	release_date TEXT,
	last_health_chk TEXT
);
CREATE INDEX IF NOT EXISTS idx_mount_items_parent_name ON mount_items(parent_id, name);

CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY,
	job_name TEXT NOT NULL,
	category TEXT NOT NULL,
	total_segment_bytes INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	pause_until TEXT,
	created_at TEXT NOT NULL,
	claimed INTEGER NOT NULL DEFAULT 0,
	nzb_content BLOB
);

CREATE TABLE IF NOT EXISTS history_items (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	fail_message TEXT,
	failure_category TEXT,
	download_seconds REAL NOT NULL DEFAULT 0,
	download_dir_id TEXT,
	original_nzb_content TEXT,
	created_at TEXT NOT NULL
);
`

// Store is a sql.DB-backed store.Store, and also satisfies
// pipeline.NzbSource by reading back the content an Enqueue call stored.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	connString := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", connString)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: pinging database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// errNoQueueItem distinguishes "nothing ready to claim" from a real query
// failure inside ClaimNextReady.
var errNoQueueItem = errors.New("sqlstore: no queue item")

// Enqueue inserts a new QueueItem with its raw NZB content, the one
// operation spec.md §3 assigns to "the API" rather than the core; exposed
// here since the API itself is out of scope.
func (s *Store) Enqueue(ctx context.Context, item model.QueueItem, nzbContent []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items (id, job_name, category, total_segment_bytes, priority, created_at, nzb_content)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.JobName, item.Category, item.TotalSegmentByte, item.Priority, item.CreatedAt.UTC().Format(time.RFC3339Nano), nzbContent,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: enqueueing %s: %w", item.ID, err)
	}
	return nil
}

// ReadNzbContent implements pipeline.NzbSource.
func (s *Store) ReadNzbContent(ctx context.Context, queueItemID string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT nzb_content FROM queue_items WHERE id = ?`, queueItemID).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlstore: no queue item %s", queueItemID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: reading nzb content for %s: %w", queueItemID, err)
	}
	return content, nil
}

func (s *Store) BeginTransaction(ctx context.Context) (store.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: beginning transaction: %w", err)
	}
	return &transaction{tx: tx}, nil
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	item, err := scanQueueItem(s.db.QueryRowContext(ctx,
		`SELECT id, job_name, category, total_segment_bytes, priority, pause_until, created_at FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, errNoQueueItem) {
		return nil, nil
	}
	return item, err
}

func (s *Store) ListReadyQueueItems(ctx context.Context) ([]model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_name, category, total_segment_bytes, priority, pause_until, created_at FROM queue_items
		 WHERE claimed = 0 AND (pause_until IS NULL OR pause_until <= ?)
		 ORDER BY priority DESC, created_at ASC`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: listing ready queue items: %w", err)
	}
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		item, err := scanQueueItemRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ClaimNextReady picks and marks claimed the next ready item inside its
// own transaction, so two workers racing on the same DB never claim the
// same row (grounded on the teacher's queue_repository.go claim pattern).
func (s *Store) ClaimNextReady(ctx context.Context) (*model.QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := scanQueueItem(tx.QueryRowContext(ctx,
		`SELECT id, job_name, category, total_segment_bytes, priority, pause_until, created_at FROM queue_items
		 WHERE claimed = 0 AND (pause_until IS NULL OR pause_until <= ?)
		 ORDER BY priority DESC, created_at ASC LIMIT 1`,
		time.Now().UTC().Format(time.RFC3339Nano)))
	if err != nil {
		if errors.Is(err, errNoQueueItem) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue_items SET claimed = 1 WHERE id = ?`, item.ID); err != nil {
		return nil, fmt.Errorf("sqlstore: marking %s claimed: %w", item.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlstore: committing claim: %w", err)
	}
	return item, nil
}

func (s *Store) SetPauseUntil(ctx context.Context, id string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue_items SET claimed = 0, pause_until = ? WHERE id = ?`,
		until.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("sqlstore: pausing %s: %w", id, err)
	}
	return nil
}

func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue_items SET claimed = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlstore: releasing claim on %s: %w", id, err)
	}
	return nil
}

func scanQueueItem(row *sql.Row) (*model.QueueItem, error) {
	var item model.QueueItem
	var pauseUntil sql.NullString
	var createdAt string
	if err := row.Scan(&item.ID, &item.JobName, &item.Category, &item.TotalSegmentByte, &item.Priority, &pauseUntil, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNoQueueItem
		}
		return nil, err
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if pauseUntil.Valid {
		item.PauseUntil, _ = time.Parse(time.RFC3339Nano, pauseUntil.String)
	}
	return &item, nil
}

func scanQueueItemRow(rows *sql.Rows) (*model.QueueItem, error) {
	var item model.QueueItem
	var pauseUntil sql.NullString
	var createdAt string
	if err := rows.Scan(&item.ID, &item.JobName, &item.Category, &item.TotalSegmentByte, &item.Priority, &pauseUntil, &createdAt); err != nil {
		return nil, err
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if pauseUntil.Valid {
		item.PauseUntil, _ = time.Parse(time.RFC3339Nano, pauseUntil.String)
	}
	return &item, nil
}

type transaction struct {
	tx *sql.Tx
}

func (t *transaction) GetItemChild(ctx context.Context, parentID, name string) (*model.MountItem, error) {
	return scanMountItem(t.tx.QueryRowContext(ctx,
		`SELECT id, parent_id, name, is_directory, size, created_at, release_date, last_health_chk
		 FROM mount_items WHERE parent_id = ? AND name = ?`, parentID, name))
}

func (t *transaction) GetItem(ctx context.Context, id string) (*model.MountItem, error) {
	return scanMountItem(t.tx.QueryRowContext(ctx,
		`SELECT id, parent_id, name, is_directory, size, created_at, release_date, last_health_chk
		 FROM mount_items WHERE id = ?`, id))
}

func (t *transaction) AddItem(ctx context.Context, item model.MountItem) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO mount_items (id, parent_id, name, is_directory, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.ParentID, item.Name, boolToInt(item.IsDirectory), item.Size, item.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlstore: adding item %q: %w", item.Name, err)
	}
	return nil
}

func (t *transaction) RemoveQueueItems(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("sqlstore: removing queue item %s: %w", id, err)
		}
	}
	return nil
}

func (t *transaction) AddHistory(ctx context.Context, item model.HistoryItem) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO history_items (id, status, fail_message, failure_category, download_seconds, download_dir_id, original_nzb_content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Status), item.FailMessage, item.FailureCategory, item.DownloadSeconds, item.DownloadDirID, item.OriginalNzbContent,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlstore: adding history %s: %w", item.ID, err)
	}
	return nil
}

func (t *transaction) RemoveHistory(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM history_items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("sqlstore: removing history %s: %w", id, err)
		}
	}
	return nil
}

func (t *transaction) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

func (t *transaction) Abort(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("sqlstore: rollback: %w", err)
	}
	return nil
}

func scanMountItem(row *sql.Row) (*model.MountItem, error) {
	var item model.MountItem
	var isDir int
	var createdAt string
	var releaseDate, lastHealthChk sql.NullString
	err := row.Scan(&item.ID, &item.ParentID, &item.Name, &isDir, &item.Size, &createdAt, &releaseDate, &lastHealthChk)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item.IsDirectory = isDir != 0
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if releaseDate.Valid {
		t, _ := time.Parse(time.RFC3339Nano, releaseDate.String)
		item.ReleaseDate = &t
	}
	if lastHealthChk.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastHealthChk.String)
		item.LastHealthChk = &t
	}
	return &item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
