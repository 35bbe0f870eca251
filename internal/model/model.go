// Package model defines the data types shared across the pipeline (spec.md
// §3): the NZB document tree, the mutable per-file pipeline state, and the
// per-output-file processing result, plus the MountItem/QueueItem/
// HistoryItem shapes that the store interfaces in internal/store take and
// return. These are plain immutable-where-noted structs.
package model

import "time"

// Segment is one article within an NzbFile. Immutable once parsed.
type Segment struct {
	MessageID string
	Size      int64
	Ordinal   int
}

// NzbFile is one <file> entry from the NZB, with its segments sorted by
// Ordinal. Immutable post-parse.
type NzbFile struct {
	Subject  string
	Poster   string
	Segments []Segment
	Metadata map[string]string
}

// NzbDocument is the parsed form of a whole NZB (spec.md §4.6).
type NzbDocument struct {
	Metadata map[string]string // case-insensitive keys, lower-cased on parse
	Files    []NzbFile
}

// Password returns the NZB's password metadata, if any.
func (d *NzbDocument) Password() (string, bool) {
	if d.Metadata == nil {
		return "", false
	}
	p, ok := d.Metadata["password"]
	return p, ok
}

// FirstSegment is the transient result of fetching a file's first segment
// during deobfuscation (spec.md §4.7 step 2).
type FirstSegment struct {
	SegmentID    string
	Bytes        []byte
	FilenameHint string
	IsRar        bool
	IsSevenZip   bool
	// FileSize is a total file size known from the first segment; zero if
	// unknown. The Deobfuscation Pipeline does not read the yEnc header's
	// size into it, so first segments it fetches carry zero here.
	FileSize int64
}

// Par2Descriptor is a file entry parsed out of a PAR2 file-description
// packet (spec.md §4.7 step 3, §9 PAR2 descriptor).
type Par2Descriptor struct {
	FileID   string
	Filename string
	Size     int64
	MD5_16k  [16]byte
}

// FileInfo is the mutable per-file pipeline record (spec.md §3): created
// after first-segment fetch, refined by Par2 matching and size resolution,
// then consumed by a File Processor.
type FileInfo struct {
	File       *NzbFile
	Filename   string
	FileSize   int64
	SizeKnown  bool
	IsRar      bool
	IsSevenZip bool
	Par2       *Par2Descriptor
}

// Span is a byte range drawn from one segment's decoded body, used to
// compose a FileProcessingResult's reconstruction plan.
type Span struct {
	SegmentMessageID string
	Start            int64
	End              int64 // exclusive
}

// ProcessorKind classifies a group of NzbFiles (spec.md §4.8).
type ProcessorKind string

const (
	ProcessorRAR          ProcessorKind = "rar"
	ProcessorSevenZip     ProcessorKind = "7z"
	ProcessorMultipartMKV ProcessorKind = "multipart-mkv"
	ProcessorOther        ProcessorKind = "other"
)

// FileProcessingResult is one logical output file produced by a processor
// (spec.md §3). Spans are in byte order; reconstruction reads them in
// order regardless of the order segments finished downloading.
type FileProcessingResult struct {
	Name          string
	TotalSize     int64
	Spans         []Span
	Kind          ProcessorKind
	MediaType     string
	Corrupted     bool
	SourceArchive string // base group name, e.g. "Movie.Name.2024"
}

// MountItem mirrors the external metadata store's item shape (spec.md §3,
// §6 — the store itself is consumed, not defined here).
type MountItem struct {
	ID            string
	ParentID      string
	Name          string
	IsDirectory   bool
	Size          int64
	CreatedAt     time.Time
	ReleaseDate   *time.Time
	LastHealthChk *time.Time
}

// QueueItem is one pending NZB import job (spec.md §3).
type QueueItem struct {
	ID               string
	JobName          string
	Category         string
	TotalSegmentByte int64
	Priority         int
	PauseUntil       time.Time
	CreatedAt        time.Time
}

// HistoryStatus is the terminal state of a finished QueueItem.
type HistoryStatus string

const (
	HistoryCompleted HistoryStatus = "Completed"
	HistoryFailed    HistoryStatus = "Failed"
)

// HistoryItem is the append-only record left behind once a QueueItem
// finishes, id-aliased to the originating QueueItem (spec.md §3).
type HistoryItem struct {
	ID                 string
	Status             HistoryStatus
	FailMessage        string
	FailureCategory    string
	DownloadSeconds    float64
	DownloadDirID      string
	OriginalNzbContent string
}
