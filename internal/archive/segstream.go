package archive

import (
	"context"
	"io"

	"github.com/javi11/nzbfetch/internal/fetcher"
	"github.com/javi11/nzbfetch/internal/limiter"
	"github.com/javi11/nzbfetch/internal/model"
)

// SegmentRange records where one segment's decoded bytes land within the
// concatenated decoded stream of an ordered list of files — the coordinate
// space archive headers (RAR/7z) are expressed in once volumes are
// concatenated in order.
type SegmentRange struct {
	MessageID   string
	GlobalStart int64
	GlobalEnd   int64
}

// VolumeStream reads the decoded bodies of an ordered list of files'
// segments back-to-back, recording each segment's placement in the global
// stream as it goes. Used by the rar and 7z processors to parse archive
// headers that span segment (and volume) boundaries, then translate entry
// byte ranges back into per-segment Spans.
type VolumeStream struct {
	ctx        context.Context
	fetcher    *fetcher.Fetcher
	uc         limiter.UsageContext
	messageIDs []string

	next   int
	cur    io.ReadCloser
	global int64
	ranges []SegmentRange
}

// NewVolumeStream flattens files' segments (already ordinal-sorted per
// file) into a single ordered message-id sequence, in file order, ready to
// be read back-to-back.
func NewVolumeStream(ctx context.Context, f *fetcher.Fetcher, uc limiter.UsageContext, files []model.FileInfo) *VolumeStream {
	var ids []string
	for _, file := range files {
		for _, seg := range file.File.Segments {
			ids = append(ids, seg.MessageID)
		}
	}
	return &VolumeStream{ctx: ctx, fetcher: f, uc: uc, messageIDs: ids}
}

func (v *VolumeStream) Read(p []byte) (int, error) {
	for {
		if v.cur == nil {
			if !v.advance() {
				return 0, io.EOF
			}
		}
		n, err := v.cur.Read(p)
		if n > 0 {
			v.global += int64(n)
			v.extendCurrentRange(int64(n))
		}
		if err == io.EOF {
			v.cur.Close()
			v.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (v *VolumeStream) extendCurrentRange(n int64) {
	if len(v.ranges) == 0 {
		return
	}
	v.ranges[len(v.ranges)-1].GlobalEnd += n
}

func (v *VolumeStream) advance() bool {
	for v.next < len(v.messageIDs) {
		id := v.messageIDs[v.next]
		v.next++
		r, err := v.fetcher.FetchBody(v.ctx, id, v.uc)
		if err != nil {
			continue // missing segment: header parse will fail downstream and surface as a propagated error
		}
		v.cur = r
		v.ranges = append(v.ranges, SegmentRange{MessageID: id, GlobalStart: v.global, GlobalEnd: v.global})
		return true
	}
	return false
}

// Ranges returns the segment placement table accumulated so far.
func (v *VolumeStream) Ranges() []SegmentRange { return v.ranges }

// ToSpans maps a [start,end) range in the global decoded-stream coordinate
// space onto the per-segment Spans that compose it.
func ToSpans(ranges []SegmentRange, start, end int64) []model.Span {
	var spans []model.Span
	for _, r := range ranges {
		lo := max64(start, r.GlobalStart)
		hi := min64(end, r.GlobalEnd)
		if lo >= hi {
			continue
		}
		spans = append(spans, model.Span{
			SegmentMessageID: r.MessageID,
			Start:            lo - r.GlobalStart,
			End:              hi - r.GlobalStart,
		})
	}
	return spans
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
