// Package fetcher implements the Segment Fetcher (spec.md §4.5): the
// single entry point everything above the NNTP layer uses to pull article
// bodies, with provider affinity, primary/backup fallback, and the Global
// Limiter woven in. Grounded on the teacher's internal/usenet/
// usenet_reader.go (retry-go + sourcegraph/conc worker pool shape for
// batch operations), adapted to the new internal/nntp + internal/limiter
// stack instead of the external nntppool client.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/javi11/nzbfetch/internal/config"
	fetcherrors "github.com/javi11/nzbfetch/internal/errors"
	"github.com/javi11/nzbfetch/internal/limiter"
	"github.com/javi11/nzbfetch/internal/nntp"
)

// Fetcher is the shared, process-wide article-fetching facade.
type Fetcher struct {
	manager  *nntp.Manager
	limiter  *limiter.Limiter
	affinity *affinityTracker
	cfgGet   config.ConfigGetter
	log      *slog.Logger
}

func New(manager *nntp.Manager, lim *limiter.Limiter, cfgGet config.ConfigGetter, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	cfg := cfgGet()
	return &Fetcher{
		manager:  manager,
		limiter:  lim,
		affinity: newAffinityTracker(cfg.GetAffinityHalfLife()),
		cfgGet:   cfgGet,
		log:      log.With("component", "fetcher"),
	}
}

// providerOrder returns primaries (affinity-ordered) followed by backups
// (priority order), per spec.md §4.5.
func (f *Fetcher) providerOrder() []string {
	primaries := f.manager.Primary()
	backups := f.manager.Backups()
	ordered := f.affinity.Order(primaries)
	return append(ordered, backups...)
}

// StatExists reports whether messageId exists on any provider, trying
// primaries before backups.
func (f *Fetcher) StatExists(ctx context.Context, messageID string, uc limiter.UsageContext) (bool, error) {
	permit, err := f.limiter.Acquire(ctx, uc)
	if err != nil {
		return false, err
	}
	defer permit.Release()

	var lastErr error
	for _, providerID := range f.providerOrder() {
		conn, err := f.manager.Get(ctx, providerID)
		if err != nil {
			lastErr = err
			continue
		}
		exists, err := conn.Stat(ctx, messageID)
		f.manager.Put(providerID, conn)
		if err == nil && exists {
			f.affinity.RecordSuccess(providerID, 0)
			return true, nil
		}
		if err == nil {
			err = fetcherrors.New(fetcherrors.KindArticleNotFound, fmt.Sprintf("article %s not found", messageID), nil)
		}
		lastErr = err
		if isNotFound(err) {
			continue // this provider doesn't have it; try the next
		}
		f.affinity.RecordFailure(providerID)
	}
	if lastErr == nil {
		lastErr = fetcherrors.New(fetcherrors.KindArticleNotFound, fmt.Sprintf("no providers available for %s", messageID), nil) // no providers configured
	}
	return false, lastErr
}

// FetchBody retrieves and yEnc-decodes messageId's article body, trying
// providers in affinity order and falling back to backups. The returned
// reader must be closed by the caller, which releases the limiter permit
// and returns the connection to its pool.
func (f *Fetcher) FetchBody(ctx context.Context, messageID string, uc limiter.UsageContext) (io.ReadCloser, error) {
	permit, err := f.limiter.Acquire(ctx, uc)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, providerID := range f.providerOrder() {
		start := time.Now()
		conn, err := f.manager.Get(ctx, providerID)
		if err != nil {
			lastErr = err
			continue
		}

		released := make(chan struct{})
		bs, err := conn.Body(ctx, messageID, func(state nntp.ReadyState) {
			f.manager.Put(providerID, conn)
			close(released)
		})
		if err != nil {
			f.manager.Put(providerID, conn)
			lastErr = err
			if isNotFound(err) {
				continue
			}
			f.affinity.RecordFailure(providerID)
			continue
		}

		dec, err := nntp.NewYencDecoder(bs)
		if err != nil {
			_ = bs.Close()
			<-released
			lastErr = err
			f.affinity.RecordFailure(providerID)
			continue
		}

		f.affinity.RecordSuccess(providerID, time.Since(start))
		return &decodedBody{dec: dec, raw: bs, permit: permit, released: released}, nil
	}

	permit.Release()
	if lastErr == nil {
		return nil, fetcherrors.New(fetcherrors.KindArticleNotFound, fmt.Sprintf("no providers available for %s", messageID), nil)
	}
	return nil, lastErr
}

// decodedBody adapts a YencDecoder + its underlying bodyStream into a
// single io.ReadCloser that releases the limiter permit exactly once.
type decodedBody struct {
	dec      *nntp.YencDecoder
	raw      io.Closer
	permit   *limiter.Permit
	released chan struct{}
	closed   bool
}

func (d *decodedBody) Read(p []byte) (int, error) {
	return d.dec.Read(p)
}

func (d *decodedBody) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.raw.Close()
	<-d.released // wait for the connection to actually return to its pool
	d.permit.Release()
	return err
}

func isNotFound(err error) bool {
	var fe *fetcherrors.FetchError
	if errors.As(err, &fe) {
		return fe.Kind == fetcherrors.KindArticleNotFound
	}
	return false
}

// GetFileSizesBatch fetches only header metadata to resolve file sizes
// for a batch of message ids, bounded by concurrency (spec.md §4.5).
func (f *Fetcher) GetFileSizesBatch(ctx context.Context, messageIDs []string, concurrency int, uc limiter.UsageContext) (map[string]int64, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	sizes := make(map[string]int64, len(messageIDs))
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx)

	for _, id := range messageIDs {
		messageID := id
		p.Go(func(c context.Context) error {
			size, err := f.headSize(c, messageID, uc)
			if err != nil {
				return err
			}
			mu.Lock()
			sizes[messageID] = size
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return sizes, nil
}

func (f *Fetcher) headSize(ctx context.Context, messageID string, uc limiter.UsageContext) (int64, error) {
	permit, err := f.limiter.Acquire(ctx, uc)
	if err != nil {
		return 0, err
	}
	defer permit.Release()

	var size int64
	err = retry.Do(func() error {
		for _, providerID := range f.providerOrder() {
			conn, err := f.manager.Get(ctx, providerID)
			if err != nil {
				continue
			}
			headerBytes, err := conn.Head(ctx, messageID)
			f.manager.Put(providerID, conn)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				continue
			}
			size = int64(len(headerBytes))
			return nil
		}
		return fetcherrors.New(fetcherrors.KindArticleNotFound, fmt.Sprintf("no providers had headers for %s", messageID), nil)
	},
		retry.Attempts(3),
		retry.Delay(20*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	)
	return size, err
}

// CheckAllSegments runs STAT over a population of message ids with
// progress reporting, bounded by concurrency (spec.md §4.5).
func (f *Fetcher) CheckAllSegments(ctx context.Context, messageIDs []string, concurrency int, progress func(percent int), uc limiter.UsageContext) (map[string]bool, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	results := make(map[string]bool, len(messageIDs))
	var mu sync.Mutex
	var done int

	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx)
	total := len(messageIDs)
	for _, id := range messageIDs {
		messageID := id
		p.Go(func(c context.Context) error {
			exists, err := f.StatExists(c, messageID, uc)
			if err != nil && !isNotFound(err) {
				return err
			}
			mu.Lock()
			results[messageID] = exists
			done++
			if progress != nil && total > 0 {
				progress(done * 100 / total)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
