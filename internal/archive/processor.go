package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/javi11/nzbfetch/internal/archive/rar"
	sevenziparchive "github.com/javi11/nzbfetch/internal/archive/sevenzip"
	fetcherrors "github.com/javi11/nzbfetch/internal/errors"
	"github.com/javi11/nzbfetch/internal/fetcher"
	"github.com/javi11/nzbfetch/internal/limiter"
	"github.com/javi11/nzbfetch/internal/model"
)

// Processor is the shared interface every File Processor kind implements
// (spec.md §9 "Polymorphic processors" — a tagged variant with one shared
// interface, no inheritance).
type Processor interface {
	Process(ctx context.Context) ([]model.FileProcessingResult, error)
}

// NewProcessor builds the Processor appropriate for group.Kind.
func NewProcessor(group Group, f *fetcher.Fetcher, uc limiter.UsageContext, password string) Processor {
	switch group.Kind {
	case model.ProcessorRAR:
		return &rarProcessor{group: group, fetcher: f, uc: uc, password: password}
	case model.ProcessorSevenZip:
		return &sevenZipProcessor{group: group, fetcher: f, uc: uc, password: password}
	case model.ProcessorMultipartMKV:
		return &multipartProcessor{group: group, fetcher: f, uc: uc}
	default:
		return &plainProcessor{group: group}
	}
}

// rarProcessor implements spec.md §4.8's "rar" classification.
type rarProcessor struct {
	group    Group
	fetcher  *fetcher.Fetcher
	uc       limiter.UsageContext
	password string
}

func (p *rarProcessor) Process(ctx context.Context) ([]model.FileProcessingResult, error) {
	vs := NewVolumeStream(ctx, p.fetcher, p.uc, p.group.Files)

	peek, err := io.ReadAll(io.LimitReader(vs, 64))
	if err != nil {
		return nil, fetcherrors.New(fetcherrors.KindUnsupportedRarCompression, "rar: reading volume signature", err)
	}
	deobfuscated := rar.Deobfuscate(peek)
	isObfuscated := !bytes.Equal(peek, deobfuscated)

	var full io.Reader
	if isObfuscated {
		// The rest of the stream must be XORed too; wrap it through a
		// streaming deobfuscator rather than buffering the whole archive.
		full = io.MultiReader(bytes.NewReader(deobfuscated), newXORReader(vs))
	} else {
		full = io.MultiReader(bytes.NewReader(peek), vs)
	}

	entries, err := rar.ScanEntries(full)
	if err != nil {
		return nil, fetcherrors.New(fetcherrors.KindUnsupportedRarCompression, "rar: parsing headers", err)
	}

	results := make([]model.FileProcessingResult, 0, len(entries))
	ranges := vs.Ranges()
	for _, e := range entries {
		if e.Encrypted && p.password == "" {
			return nil, fetcherrors.New(fetcherrors.KindPasswordProtectedRar, fmt.Sprintf("rar: %s is password protected", e.Name), nil)
		}
		if e.Encrypted {
			// Encrypted *and* solid is fatal; a lone encrypted entry without
			// solid-archive context is still unreadable without decryption
			// support, which this processor does not implement.
			return nil, fetcherrors.New(fetcherrors.KindPasswordProtectedRar, fmt.Sprintf("rar: %s is encrypted", e.Name), nil)
		}
		if !rar.IsStored(e.Method) {
			return nil, fetcherrors.New(fetcherrors.KindUnsupportedRarCompression, fmt.Sprintf("rar: %s uses compression method 0x%02x, only store is supported", e.Name, e.Method), nil)
		}

		spans := ToSpans(ranges, e.HeaderGlobalAt, e.HeaderGlobalAt+e.PackedSize)
		results = append(results, model.FileProcessingResult{
			Name:          e.Name,
			TotalSize:     e.UnpackedSize,
			Spans:         spans,
			Kind:          model.ProcessorRAR,
			SourceArchive: p.group.BaseName,
		})
	}
	return results, nil
}

// xorReader applies the RAR obfuscation key to every byte it reads, used
// when the archive's payload (not just its header) was posted obfuscated.
type xorReader struct {
	r   io.Reader
	pos int
	key [4]byte
}

func newXORReader(r io.Reader) *xorReader {
	return &xorReader{r: r, key: [4]byte{0xB0, 0x41, 0xC2, 0xCE}}
}

func (x *xorReader) Read(p []byte) (int, error) {
	n, err := x.r.Read(p)
	for i := 0; i < n; i++ {
		p[i] ^= x.key[x.pos%4]
		x.pos++
	}
	return n, err
}

// sevenZipProcessor implements spec.md §4.8's "7z" classification.
type sevenZipProcessor struct {
	group    Group
	fetcher  *fetcher.Fetcher
	uc       limiter.UsageContext
	password string
}

func (p *sevenZipProcessor) Process(ctx context.Context) ([]model.FileProcessingResult, error) {
	vs := NewVolumeStream(ctx, p.fetcher, p.uc, p.group.Files)
	buf, err := io.ReadAll(vs)
	if err != nil {
		return nil, fetcherrors.New(fetcherrors.KindUnsupported7zCompression, "7z: reading volume", err)
	}

	arc, err := sevenziparchive.Parse(bytes.NewReader(buf))
	if err != nil {
		return nil, fetcherrors.New(fetcherrors.KindUnsupported7zCompression, "7z: parsing header", err)
	}

	ranges := vs.Ranges()
	results := make([]model.FileProcessingResult, 0, len(arc.Entries))
	for _, e := range arc.Entries {
		if e.EmptyFile {
			continue
		}
		start := arc.PackedStart + e.PackedOffset
		spans := ToSpans(ranges, start, start+e.Size)
		results = append(results, model.FileProcessingResult{
			Name:          e.Name,
			TotalSize:     e.Size,
			Spans:         spans,
			Kind:          model.ProcessorSevenZip,
			SourceArchive: p.group.BaseName,
		})
	}
	return results, nil
}

// multipartProcessor implements spec.md §4.8's "multipart-mkv"
// classification: concatenate ordinal-ordered volumes into one logical
// output, spanning every segment of every volume in order.
type multipartProcessor struct {
	group   Group
	fetcher *fetcher.Fetcher
	uc      limiter.UsageContext
}

func (p *multipartProcessor) Process(ctx context.Context) ([]model.FileProcessingResult, error) {
	var spans []model.Span
	var total int64
	for _, info := range p.group.Files {
		for _, seg := range info.File.Segments {
			spans = append(spans, model.Span{SegmentMessageID: seg.MessageID, Start: 0, End: -1})
		}
		total += info.FileSize
	}
	return []model.FileProcessingResult{{
		Name:          p.group.BaseName,
		TotalSize:     total,
		Spans:         spans,
		Kind:          model.ProcessorMultipartMKV,
		SourceArchive: p.group.BaseName,
	}}, nil
}

// plainProcessor implements spec.md §4.8's "other" classification: each
// file in the group is its own output, unmodified.
type plainProcessor struct {
	group Group
}

func (p *plainProcessor) Process(ctx context.Context) ([]model.FileProcessingResult, error) {
	results := make([]model.FileProcessingResult, 0, len(p.group.Files))
	for _, info := range p.group.Files {
		var spans []model.Span
		for _, seg := range info.File.Segments {
			spans = append(spans, model.Span{SegmentMessageID: seg.MessageID, Start: 0, End: -1})
		}
		results = append(results, model.FileProcessingResult{
			Name:      filepath.Base(info.Filename),
			TotalSize: info.FileSize,
			Spans:     spans,
			Kind:      model.ProcessorOther,
		})
	}
	return results, nil
}
