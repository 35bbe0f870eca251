// Package aggregator implements the Aggregator & Finalizer (spec.md §4.9):
// it turns a job's per-group FileProcessingResults into MountItems under a
// single store transaction, applies post-processors, and retires the
// originating QueueItem into a HistoryItem.
package aggregator

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/javi11/nzbfetch/internal/config"
	fetcherrors "github.com/javi11/nzbfetch/internal/errors"
	"github.com/javi11/nzbfetch/internal/model"
	"github.com/javi11/nzbfetch/internal/store"
)

var videoExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".mov": true, ".wmv": true,
	".m4v": true, ".ts": true, ".m2ts": true, ".webm": true,
}

// CategoryFolderID is spec.md §4.9 step 1's deterministic id: UUIDv5 over
// (contentRoot, category). Using v5 (not a random v4) is mandatory so
// re-ingesting the same NZB is idempotent (spec.md §9).
func CategoryFolderID(contentRoot uuid.UUID, category string) uuid.UUID {
	return uuid.NewSHA1(contentRoot, []byte(category))
}

// MountFolderID is spec.md §4.9 step 2's deterministic id: UUIDv5 over
// (categoryID, jobName).
func MountFolderID(categoryID uuid.UUID, jobName string) uuid.UUID {
	return uuid.NewSHA1(categoryID, []byte(jobName))
}

// Request carries everything Finalize needs for one job.
type Request struct {
	ContentRoot        uuid.UUID
	Category           string
	JobName            string
	QueueItemID        string
	OriginalNzbContent string
	DownloadSeconds    float64
	Results            []model.FileProcessingResult
}

// Finalizer runs spec.md §4.9's five steps.
type Finalizer struct {
	store    store.Store
	notifier store.NotificationSink
	cfgGet   config.ConfigGetter
}

func New(s store.Store, notifier store.NotificationSink, cfgGet config.ConfigGetter) *Finalizer {
	return &Finalizer{store: s, notifier: notifier, cfgGet: cfgGet}
}

// Finalize runs the full aggregate-and-finalize flow under one store
// transaction, committing on success and aborting on any fatal error.
func (f *Finalizer) Finalize(ctx context.Context, req Request) (*model.MountItem, error) {
	cfg := f.cfgGet()

	tx, err := f.store.BeginTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregator: begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Abort(ctx)
		}
	}()

	categoryID := CategoryFolderID(req.ContentRoot, req.Category)
	if err := ensureFolder(ctx, tx, categoryID.String(), "", req.Category); err != nil {
		return nil, err
	}

	jobName := req.JobName
	mountID := MountFolderID(categoryID, jobName)
	existing, err := tx.GetItem(ctx, mountID.String())
	if err != nil {
		return nil, fmt.Errorf("aggregator: checking for existing mount: %w", err)
	}
	if existing != nil {
		proceed, renamedTo, resolveErr := f.resolveDuplicate(ctx, tx, cfg.Pipeline.DuplicateNzbBehavior, categoryID, jobName)
		if resolveErr != nil {
			if err := f.finalizeFailure(ctx, tx, req, resolveErr); err != nil {
				return nil, err
			}
			committed = true
			return nil, resolveErr
		}
		if !proceed {
			// "ignore": silently drop this ingestion, no history entry.
			committed = true
			return nil, nil
		}
		jobName = renamedTo
		mountID = MountFolderID(categoryID, jobName)
	}

	if err := ensureFolder(ctx, tx, mountID.String(), categoryID.String(), jobName); err != nil {
		return nil, err
	}

	items, err := f.writeChildren(ctx, tx, mountID.String(), req.Results, cfg)
	if err != nil {
		if ferr := f.finalizeFailure(ctx, tx, req, err); ferr != nil {
			return nil, ferr
		}
		committed = true
		return nil, err
	}

	if cfg.Pipeline.EnsureImportableVideo && !anyVideo(items) {
		verr := fetcherrors.New(fetcherrors.KindNoVideoFiles, "no video files in import", nil)
		if ferr := f.finalizeFailure(ctx, tx, req, verr); ferr != nil {
			return nil, ferr
		}
		committed = true
		return nil, verr
	}

	if err := f.maybeEmitSTRM(cfg, mountID.String(), items); err != nil {
		return nil, fmt.Errorf("aggregator: emitting STRM files: %w", err)
	}

	if req.QueueItemID != "" {
		if err := tx.RemoveQueueItems(ctx, []string{req.QueueItemID}); err != nil {
			return nil, fmt.Errorf("aggregator: removing queue item: %w", err)
		}
	}
	if err := tx.AddHistory(ctx, model.HistoryItem{
		ID:                 req.QueueItemID,
		Status:             model.HistoryCompleted,
		DownloadSeconds:    req.DownloadSeconds,
		DownloadDirID:      mountID.String(),
		OriginalNzbContent: req.OriginalNzbContent,
	}); err != nil {
		return nil, fmt.Errorf("aggregator: recording history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("aggregator: committing transaction: %w", err)
	}
	committed = true

	f.notify("import.completed", mountID.String())

	return &model.MountItem{ID: mountID.String(), ParentID: categoryID.String(), Name: jobName, IsDirectory: true, CreatedAt: time.Now()}, nil
}

// resolveDuplicate applies spec.md §4.9 step 2's duplicateNzbBehavior. It
// returns (true, newJobName) when the caller should proceed under a
// renamed job (increment), or (false, "") when the ingestion should be
// silently dropped (ignore). mark-failed returns a fatal error.
func (f *Finalizer) resolveDuplicate(ctx context.Context, tx store.Transaction, behavior config.DuplicateNzbBehavior, categoryID uuid.UUID, jobName string) (bool, string, error) {
	switch behavior {
	case config.DuplicateIgnore:
		return false, "", nil
	case config.DuplicateMarkFailed:
		return false, "", fetcherrors.NewNonRetryableError(fmt.Sprintf("duplicate mount %q already exists", jobName), nil)
	case config.DuplicateIncrement:
		for n := 2; n <= 100; n++ {
			candidate := fmt.Sprintf("%s (%d)", jobName, n)
			id := MountFolderID(categoryID, candidate)
			existing, err := tx.GetItem(ctx, id.String())
			if err != nil {
				return false, "", fmt.Errorf("aggregator: checking candidate name %q: %w", candidate, err)
			}
			if existing == nil {
				return true, candidate, nil
			}
		}
		return false, "", fmt.Errorf("aggregator: exhausted duplicate-name candidates for %q", jobName)
	default:
		return false, "", fmt.Errorf("aggregator: unknown duplicate_nzb_behavior %q", behavior)
	}
}

func ensureFolder(ctx context.Context, tx store.Transaction, id, parentID, name string) error {
	existing, err := tx.GetItem(ctx, id)
	if err != nil {
		return fmt.Errorf("aggregator: looking up folder %q: %w", name, err)
	}
	if existing != nil {
		return nil
	}
	return tx.AddItem(ctx, model.MountItem{
		ID: id, ParentID: parentID, Name: name, IsDirectory: true, CreatedAt: time.Now(),
	})
}

// writeChildren runs spec.md §4.9 step 3 (per-type aggregation, here
// uniform since FileProcessingResult is already a flat list) plus step 4's
// post-processors: duplicate renaming and blacklisted-extension removal.
func (f *Finalizer) writeChildren(ctx context.Context, tx store.Transaction, parentID string, results []model.FileProcessingResult, cfg *config.Config) ([]model.MountItem, error) {
	seen := make(map[string]int)
	items := make([]model.MountItem, 0, len(results))

	for _, r := range results {
		if r.Corrupted {
			continue
		}
		ext := strings.ToLower(filepath.Ext(r.Name))
		if cfg.IsBlacklistedExtension(ext) {
			continue
		}

		name := dedupeName(seen, r.Name)
		itemID := uuid.NewSHA1(uuid.MustParse(parentIDOrNil(parentID)), []byte(name)).String()

		item := model.MountItem{
			ID:          itemID,
			ParentID:    parentID,
			Name:        name,
			IsDirectory: false,
			Size:        r.TotalSize,
			CreatedAt:   time.Now(),
		}
		if err := tx.AddItem(ctx, item); err != nil {
			return nil, fmt.Errorf("aggregator: adding item %q: %w", name, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func parentIDOrNil(id string) string {
	if _, err := uuid.Parse(id); err != nil {
		return uuid.Nil.String()
	}
	return id
}

// dedupeName implements spec.md §4.7's tie-break note and §4.9's
// "rename duplicates" post-processor: the second-and-later occurrence of a
// name within one mount gets " (2)", " (3)", ...
func dedupeName(seen map[string]int, name string) string {
	seen[name]++
	if n := seen[name]; n > 1 {
		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)
		return fmt.Sprintf("%s (%d)%s", base, n, ext)
	}
	return name
}

func anyVideo(items []model.MountItem) bool {
	for _, it := range items {
		if videoExtensions[strings.ToLower(filepath.Ext(it.Name))] {
			return true
		}
	}
	return false
}

// maybeEmitSTRM is the only disk write the core performs (spec.md §6
// "Persistent state... no files are written by the core except by the STRM
// post-processor which emits text files with URL content").
func (f *Finalizer) maybeEmitSTRM(cfg *config.Config, mountID string, items []model.MountItem) error {
	if cfg.Pipeline.ImportStrategy != config.ImportStrategySTRM {
		return nil
	}
	if cfg.Pipeline.StrmOutputDir == "" {
		return fmt.Errorf("strm output directory not configured")
	}
	for _, it := range items {
		if !videoExtensions[strings.ToLower(filepath.Ext(it.Name))] {
			continue
		}
		url := path.Join(cfg.Pipeline.StrmBaseURL, mountID, it.Name)
		strmPath := filepath.Join(cfg.Pipeline.StrmOutputDir, strings.TrimSuffix(it.Name, filepath.Ext(it.Name))+".strm")
		if err := writeSTRMFile(strmPath, url); err != nil {
			return err
		}
	}
	return nil
}

func (f *Finalizer) finalizeFailure(ctx context.Context, tx store.Transaction, req Request, cause error) error {
	if req.QueueItemID != "" {
		if err := tx.RemoveQueueItems(ctx, []string{req.QueueItemID}); err != nil {
			return fmt.Errorf("aggregator: removing queue item on failure: %w", err)
		}
	}
	reason := fetcherrors.ClassifyReason(cause)
	if err := tx.AddHistory(ctx, model.HistoryItem{
		ID:              req.QueueItemID,
		Status:          model.HistoryFailed,
		FailMessage:     cause.Error(),
		FailureCategory: string(reason),
	}); err != nil {
		return fmt.Errorf("aggregator: recording failure history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("aggregator: committing failure transaction: %w", err)
	}
	f.notify("import.failed", req.QueueItemID)
	return nil
}

// writeSTRMFile writes a single .strm file whose content is the item's
// streaming URL, grounded on the teacher's postprocessor.createSingleStrmFile.
func writeSTRMFile(strmPath, url string) error {
	if err := os.MkdirAll(filepath.Dir(strmPath), 0o755); err != nil {
		return fmt.Errorf("creating strm directory: %w", err)
	}
	return os.WriteFile(strmPath, []byte(url+"\n"), 0o644)
}

func (f *Finalizer) notify(event string, payload any) {
	if f.notifier == nil {
		return
	}
	f.notifier.Notify(event, payload)
}
