package deobfuscate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sourcegraph/conc/pool"

	"github.com/javi11/nzbfetch/internal/config"
	"github.com/javi11/nzbfetch/internal/fetcher"
	"github.com/javi11/nzbfetch/internal/limiter"
	"github.com/javi11/nzbfetch/internal/model"
	"github.com/javi11/nzbfetch/internal/nzb"
	"github.com/javi11/nzbfetch/internal/par2"
)

var (
	rarMagic  = []byte("Rar!\x1a\x07\x00")
	rarMagic5 = []byte("Rar!\x1a\x07\x01\x00")
	sevenZip  = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}
	par2Magic = []byte("PAR2\x00PKT")
)

// firstSegmentPeekBytes is how much of the first segment's decoded body
// we need to sniff magic bytes and, for PAR2 files, parse descriptors —
// generous enough to cover a typical PAR2 file-description packet set.
const firstSegmentPeekBytes = 256 * 1024

// Pipeline runs the five-stage deobfuscation process (spec.md §4.7).
type Pipeline struct {
	fetcher      *fetcher.Fetcher
	knownMissing *lru.Cache[string, struct{}]
	cfgGet       config.ConfigGetter
	log          *slog.Logger
}

func New(f *fetcher.Fetcher, cfgGet config.ConfigGetter, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	size := cfgGet().Pipeline.KnownMissingCacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("deobfuscate: building known-missing cache: %w", err)
	}
	return &Pipeline{fetcher: f, knownMissing: cache, cfgGet: cfgGet, log: log.With("component", "deobfuscate")}, nil
}

// MarkMissing records a segment as known-absent so future runs short-circuit it.
func (p *Pipeline) MarkMissing(messageID string) { p.knownMissing.Add(messageID, struct{}{}) }

// Run executes stages 1-5 and returns the resolved FileInfo for every file
// in the document that has segments and whose first segment is not in the
// known-missing cache, reporting 0-50% progress across the whole pipeline
// (spec.md §4.7, §6 "Progress sink").
func (p *Pipeline) Run(ctx context.Context, doc *model.NzbDocument, uc limiter.UsageContext, progress func(percent int)) ([]model.FileInfo, error) {
	cfg := p.cfgGet()
	concurrency := cfg.Pipeline.MaxProcessorWorkers
	if concurrency <= 0 {
		concurrency = 2
	}

	// Stage 1: pre-check known-missing.
	eligible := make([]*model.NzbFile, 0, len(doc.Files))
	for i := range doc.Files {
		f := &doc.Files[i]
		if len(f.Segments) == 0 {
			continue
		}
		if _, missing := p.knownMissing.Get(f.Segments[0].MessageID); missing {
			p.log.Debug("skipping file with known-missing first segment", "subject", f.Subject)
			continue
		}
		eligible = append(eligible, f)
	}
	report(progress, 10)

	// Stage 2: fetch first segment of each eligible file.
	firstSegments := p.fetchFirstSegments(ctx, eligible, concurrency, uc)
	report(progress, 30)

	// Stage 3: parse Par2 descriptors from any Par2-identified file.
	par2ByFilename := p.collectPar2Descriptors(ctx, eligible, firstSegments, uc)
	report(progress, 40)

	// Stage 4: combine into FileInfo.
	infos := p.buildFileInfos(eligible, firstSegments, par2ByFilename)
	report(progress, 45)

	// Stage 5: fill missing sizes.
	p.fillMissingSizes(infos)
	report(progress, 50)

	return infos, nil
}

func report(progress func(int), pct int) {
	if progress != nil {
		progress(pct)
	}
}

func (p *Pipeline) fetchFirstSegments(ctx context.Context, files []*model.NzbFile, concurrency int, uc limiter.UsageContext) map[string]*model.FirstSegment {
	results := make(map[string]*model.FirstSegment, len(files))

	type kv struct {
		subject string
		fs      *model.FirstSegment
	}
	out := make(chan kv, len(files))

	wp := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx)
	for _, f := range files {
		file := f
		wp.Go(func(c context.Context) error {
			fs, err := p.fetchOneFirstSegment(c, file, uc)
			if err != nil {
				p.log.Debug("first segment fetch failed", "subject", file.Subject, "err", err)
				return nil // a missing/failed first segment just leaves this file unresolved, not fatal
			}
			out <- kv{subject: file.Subject, fs: fs}
			return nil
		})
	}
	_ = wp.Wait()
	close(out)
	for item := range out {
		results[item.subject] = item.fs
	}
	return results
}

func (p *Pipeline) fetchOneFirstSegment(ctx context.Context, file *model.NzbFile, uc limiter.UsageContext) (*model.FirstSegment, error) {
	seg := file.Segments[0]
	r, err := p.fetcher.FetchBody(ctx, seg.MessageID, uc)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	buf := make([]byte, firstSegmentPeekBytes)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	data := buf[:n]

	fs := &model.FirstSegment{
		SegmentID:    seg.MessageID,
		Bytes:        data,
		FilenameHint: nzb.SubjectFilename(file),
		IsRar:        bytes.HasPrefix(data, rarMagic) || bytes.HasPrefix(data, rarMagic5),
		IsSevenZip:   bytes.HasPrefix(data, sevenZip),
	}
	return fs, nil
}

// collectPar2Descriptors finds every Par2-identified file (by magic) among
// the eligible set, downloads its first segment's descriptor packets, and
// returns a map keyed by the descriptor's own filename (the correlation
// key available to us, since NZB files carry no numeric Par2 file id).
func (p *Pipeline) collectPar2Descriptors(ctx context.Context, files []*model.NzbFile, firstSegments map[string]*model.FirstSegment, uc limiter.UsageContext) map[string]model.Par2Descriptor {
	merged := make(map[string]model.Par2Descriptor)
	for _, f := range files {
		fs, ok := firstSegments[f.Subject]
		if !ok || !bytes.HasPrefix(fs.Bytes, par2Magic) {
			continue
		}
		descs, err := par2.ParseFileDescriptors(bytes.NewReader(fs.Bytes))
		if err != nil {
			p.log.Debug("par2 parse failed", "subject", f.Subject, "err", err)
			continue
		}
		for _, d := range descs {
			merged[strings.ToLower(d.Filename)] = d
		}
	}
	return merged
}

func (p *Pipeline) buildFileInfos(files []*model.NzbFile, firstSegments map[string]*model.FirstSegment, par2ByFilename map[string]model.Par2Descriptor) []model.FileInfo {
	infos := make([]model.FileInfo, 0, len(files))
	for _, f := range files {
		fs := firstSegments[f.Subject]
		headerName := nzb.SubjectFilename(f)

		info := model.FileInfo{File: f, Filename: headerName}
		if fs != nil {
			info.IsRar = fs.IsRar
			info.IsSevenZip = fs.IsSevenZip
			if fs.FileSize > 0 {
				info.FileSize = fs.FileSize
				info.SizeKnown = true
			}
		}

		// Par2 name wins over header-derived name (spec.md §4.7 tie-break).
		if desc, ok := par2ByFilename[strings.ToLower(headerName)]; ok {
			info.Filename = desc.Filename
			info.FileSize = desc.Size
			info.SizeKnown = true
			d := desc
			info.Par2 = &d
		}

		infos = append(infos, info)
	}
	return infos
}

// fillMissingSizes resolves the size of any file that didn't get one from
// a Par2 descriptor, falling back to the sum of the
// NZB's own declared segment sizes (spec.md §3: "a Segment's declared
// size is authoritative for allocation").
func (p *Pipeline) fillMissingSizes(infos []model.FileInfo) {
	for i := range infos {
		if infos[i].SizeKnown {
			continue
		}
		var total int64
		for _, s := range infos[i].File.Segments {
			total += s.Size
		}
		infos[i].FileSize = total
		infos[i].SizeKnown = true
	}
}
