// Package par2 implements the streaming PAR2 file-description packet
// parser used by the Deobfuscation Pipeline (spec.md §4.7 step 3,
// SPEC_FULL.md §12's "PAR2 streaming parser" supplemented feature).
//
// Grounded on the teacher's internal/importer/deobfuscator.go
// (parsePAR2Header/parseFileDescPacket/streamParsePAR2), generalized here
// to collect every file-description packet into a full
// (fileId → Par2Descriptor) map instead of stopping at the first match
// against one target filename.
package par2

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/javi11/nzbfetch/internal/model"
)

// packetHeader is the fixed 64-byte PAR2 packet header.
type packetHeader struct {
	Magic      [8]byte
	Length     uint64
	PacketMD5  [16]byte
	RecoveryID [16]byte
	Type       [16]byte
}

var expectedMagic = [8]byte{'P', 'A', 'R', '2', 0, 'P', 'K', 'T'}
var fileDescType = [16]byte{'P', 'A', 'R', ' ', '2', '.', '0', 0, 'F', 'i', 'l', 'e', 'D', 'e', 's', 'c'}

const maxPackets = 200

// ParseFileDescriptors streams r, collecting every file-description packet
// into a map keyed by the hex-encoded PAR2 file id. Stops cleanly at the
// first unparseable header (end of stream, or content that isn't PAR2),
// since a first-segment read is necessarily truncated.
func ParseFileDescriptors(r io.Reader) (map[string]model.Par2Descriptor, error) {
	out := make(map[string]model.Par2Descriptor)

	for i := 0; i < maxPackets; i++ {
		header, err := readHeader(r)
		if err != nil {
			break // truncated stream or no more packets; what we have is what we have
		}

		if header.Type != fileDescType {
			if err := discard(r, header.Length); err != nil {
				break
			}
			continue
		}

		desc, err := readFileDesc(r, header.Length)
		if err != nil {
			continue
		}
		out[desc.FileID] = desc
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("par2: no file description packets found")
	}
	return out, nil
}

func readHeader(r io.Reader) (*packetHeader, error) {
	h := &packetHeader{}
	if err := binary.Read(r, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	if h.Magic != expectedMagic {
		return nil, fmt.Errorf("par2: bad magic")
	}
	if h.Length < 64 {
		return nil, fmt.Errorf("par2: implausible packet length %d", h.Length)
	}
	return h, nil
}

const fixedFileDescFields = 16 + 16 + 16 + 8 // FileID + FileMD5 + First16kMD5 + FileLength

func readFileDesc(r io.Reader, packetLength uint64) (model.Par2Descriptor, error) {
	contentLength := packetLength - 64
	if contentLength < fixedFileDescFields {
		return model.Par2Descriptor{}, fmt.Errorf("par2: file description packet too small: %d bytes", contentLength)
	}

	var fileID [16]byte
	var fileMD5 [16]byte
	var first16k [16]byte
	var length uint64

	if err := binary.Read(r, binary.LittleEndian, &fileID); err != nil {
		return model.Par2Descriptor{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &fileMD5); err != nil {
		return model.Par2Descriptor{}, err
	}
	_ = fileMD5 // whole-file MD5 is not part of model.Par2Descriptor's contract; only the 16kB prefix is
	if err := binary.Read(r, binary.LittleEndian, &first16k); err != nil {
		return model.Par2Descriptor{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return model.Par2Descriptor{}, err
	}

	filenameLength := contentLength - fixedFileDescFields
	filename := ""
	if filenameLength > 0 {
		raw := make([]byte, filenameLength)
		if _, err := io.ReadFull(r, raw); err != nil {
			return model.Par2Descriptor{}, err
		}
		filename = trimPadding(raw)
	}

	return model.Par2Descriptor{
		FileID:   hex.EncodeToString(fileID[:]),
		Filename: filename,
		Size:     int64(length),
		MD5_16k:  first16k,
	}, nil
}

// trimPadding strips PAR2's trailing null/control-byte alignment padding
// from a raw filename field.
func trimPadding(raw []byte) string {
	end := len(raw)
	for end > 0 && raw[end-1] < 32 {
		end--
	}
	return string(raw[:end])
}

func discard(r io.Reader, packetLength uint64) error {
	remaining := packetLength - 64
	if remaining == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(remaining))
	return err
}

// First16kMD5 hashes the first 16KB of data, used by callers that verify
// a downloaded file against its Par2Descriptor.
func First16kMD5(data []byte) [16]byte {
	n := len(data)
	if n > 16*1024 {
		n = 16 * 1024
	}
	return md5.Sum(data[:n])
}
