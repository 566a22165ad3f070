package ogg

// Page parsing and CRC checksum, modeled on the page-sync state machine of
// an Ogg-container library (spec §4.3.2 describes the algorithm; the CRC
// polynomial and page layout follow RFC 3533 §6).

import (
	"encoding/binary"

	"github.com/go-musicfox/mediacore/mediaerr"
)

var capturePattern = [4]byte{'O', 'g', 'g', 'S'}

const maxPageSize = 27 + 255 + 255*255

var crcTable [256]uint32

func init() {
	for i := range crcTable {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		crcTable[i] = r
	}
}

func crcUpdate(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

const (
	flagContinued = 1
	flagFirst     = 2
	flagLast      = 4
)

// page is one fully-parsed Ogg page: header fields plus the packet
// fragments it carries (a page may hold a partial packet at each end).
type page struct {
	version    uint8
	flags      byte
	granule    int64
	serial     uint32
	sequence   uint32
	checksum   uint32
	totalSize  int // sum of segment sizes
	packets    [][]byte
	incomplete bool // true if the last packet continues onto the next page
	byteOffset int64
}

func (p *page) isContinuation() bool { return p.flags&flagContinued != 0 }
func (p *page) isFirst() bool        { return p.flags&flagFirst != 0 }
func (p *page) isLast() bool         { return p.flags&flagLast != 0 }

var errBadCapture = mediaerr.Newf(mediaerr.KindFormat, "ogg_bad_capture", "missing OggS capture pattern")
var errBadChecksum = mediaerr.Newf(mediaerr.KindViolation, "ogg_bad_checksum", "page checksum mismatch")
var errBadVersion = mediaerr.Newf(mediaerr.KindFormat, "ogg_bad_version", "unsupported stream structure version")

// parsePage decodes one page starting at raw[0]; raw must contain at least
// the full page (header + segment table + payload). It returns the number
// of bytes consumed.
func parsePage(raw []byte, byteOffset int64) (*page, int, error) {
	if len(raw) < 27 {
		return nil, 0, errBadCapture
	}
	if raw[0] != 'O' || raw[1] != 'g' || raw[2] != 'g' || raw[3] != 'S' {
		return nil, 0, errBadCapture
	}
	p := &page{byteOffset: byteOffset}
	p.version = raw[4]
	if p.version != 0 {
		return nil, 0, errBadVersion
	}
	p.flags = raw[5]
	p.granule = int64(binary.LittleEndian.Uint64(raw[6:14]))
	p.serial = binary.LittleEndian.Uint32(raw[14:18])
	p.sequence = binary.LittleEndian.Uint32(raw[18:22])
	p.checksum = binary.LittleEndian.Uint32(raw[22:26])
	numSegs := int(raw[26])
	if len(raw) < 27+numSegs {
		return nil, 0, errBadCapture
	}
	segTable := raw[27 : 27+numSegs]

	size := 0
	p.totalSize = 0
	var packetSizes []int
	for _, s := range segTable {
		size += int(s)
		p.totalSize += int(s)
		if s < 0xFF {
			packetSizes = append(packetSizes, size)
			size = 0
		}
	}
	p.incomplete = numSegs > 0 && segTable[numSegs-1] == 0xFF

	headerEnd := 27 + numSegs
	total := headerEnd + p.totalSize
	if len(raw) < total {
		return nil, 0, errBadCapture
	}

	// checksum is computed over the header with the checksum field zeroed.
	headerCopy := make([]byte, headerEnd)
	copy(headerCopy, raw[:headerEnd])
	headerCopy[22], headerCopy[23], headerCopy[24], headerCopy[25] = 0, 0, 0, 0
	crc := crcUpdate(0, headerCopy)
	crc = crcUpdate(crc, raw[headerEnd:total])
	if crc != p.checksum {
		return nil, total, errBadChecksum
	}

	content := raw[headerEnd:total]
	p.packets = make([][]byte, len(packetSizes)+1)
	offset := 0
	for i, sz := range packetSizes {
		p.packets[i] = content[offset : offset+sz]
		offset += sz
	}
	p.packets[len(packetSizes)] = content[offset:]
	return p, total, nil
}
