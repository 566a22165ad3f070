// Package isobmff implements the ISO Base Media (MP4/M4A/MOV/3GP)
// demultiplexer (spec §4.3.3): box-tree recursive descent, the five sample
// tables, fragmented-file handling, and an ISO/IEC 14496-12 compliance
// validator.
package isobmff

import (
	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/mediaerr"
)

const maxBoxesPerContainer = 10000

// boxHeader is the parsed fixed header of one box: size and payload start
// are absolute file offsets; end is the first byte past the box.
type boxHeader struct {
	fourcc     bytestream.FourCC
	start      int64 // start of the whole box (header included)
	bodyStart  int64 // start of the box's payload, after type/size fields
	end        int64
}

// readBoxHeader reads one box header at the stream's current position
// (spec §4.3.3 Box grammar: 4-byte size, 4-byte type, size==1 extended,
// size==0 "to end of container").
func readBoxHeader(s bytestream.ByteStream, containerEnd int64) (boxHeader, error) {
	start := s.Tell()
	size32, err := bytestream.ReadU32BE(s)
	if err != nil {
		return boxHeader{}, err
	}
	fourcc, err := bytestream.ReadFourCC(s)
	if err != nil {
		return boxHeader{}, err
	}
	size := int64(size32)
	bodyStart := start + 8
	switch {
	case size32 == 1:
		ext, err := bytestream.ReadU64BE(s)
		if err != nil {
			return boxHeader{}, err
		}
		size = int64(ext)
		bodyStart = start + 16
	case size32 == 0:
		size = containerEnd - start
	}
	end := start + size
	if size < 8 || end > containerEnd {
		return boxHeader{}, mediaerr.Newf(mediaerr.KindViolation, "bad_box_size", "box %q at %d has implausible size %d", fourcc, start, size)
	}
	return boxHeader{fourcc: fourcc, start: start, bodyStart: bodyStart, end: end}, nil
}

// walker drives recursive descent over a box range, recovering from an
// invalid header by scanning forward up to 1 KiB for the next plausible
// one (spec §4.3.3 Parse). Recursion into containers is left to the
// caller (moov/trak/mdia/stbl each have distinct child semantics, so the
// hierarchy is hand-written rather than dispatched through a generic
// depth-indexed callback); forEachChild only enforces the shared box-count
// cap, the size/offset validity check, and resync recovery.
type walker struct {
	s        bytestream.ByteStream
	maxDepth int
	errs     *complianceLog
}

// forEachChild iterates the immediate children of [start, end) at the given
// nesting depth, invoking fn for each. Callers recurse by calling
// forEachChild again from within fn with depth+1.
func (w *walker) forEachChild(depth int, start, end int64, fn func(h boxHeader) error) error {
	if depth > w.maxDepth {
		w.errs.add(severityError, "box nesting exceeds configured maximum")
		return mediaerr.Newf(mediaerr.KindViolation, "nesting_too_deep", "box nesting exceeds max depth %d", w.maxDepth)
	}
	pos := start
	count := 0
	for pos < end {
		count++
		if count > maxBoxesPerContainer {
			return mediaerr.Newf(mediaerr.KindResource, "too_many_boxes", "container exceeds %d boxes", maxBoxesPerContainer)
		}
		if err := w.s.Seek(pos, bytestream.SeekStart); err != nil {
			return mediaerr.New(mediaerr.KindIO, "seek", err)
		}
		h, err := readBoxHeader(w.s, end)
		if err != nil {
			w.errs.add(severityWarning, "invalid box header, scanning forward to resync")
			next, ok := w.resync(pos+1, end)
			if !ok {
				return nil
			}
			pos = next
			continue
		}
		if err := fn(h); err != nil {
			return err
		}
		pos = h.end
	}
	return nil
}

const resyncScanLimit = 1 << 10

// resync scans forward up to 1 KiB re-attempting readBoxHeader at each byte
// offset, accepting the first one that parses (spec §4.3.3 recovery).
func (w *walker) resync(from, end int64) (int64, bool) {
	limit := from + resyncScanLimit
	if limit > end {
		limit = end
	}
	for pos := from; pos < limit; pos++ {
		if err := w.s.Seek(pos, bytestream.SeekStart); err != nil {
			return 0, false
		}
		if _, err := readBoxHeader(w.s, end); err == nil {
			return pos, true
		}
	}
	return 0, false
}
