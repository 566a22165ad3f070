// Package flac implements the native-FLAC demultiplexer (spec §4.3.4):
// metadata-block chain parsing, frame sync search with CRC-8/CRC-16
// validation, three-tier seeking, and a central recovery manager.
package flac

import (
	"sort"

	goflac "github.com/go-flac/go-flac"

	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/demux"
	"github.com/go-musicfox/mediacore/media"
	"github.com/go-musicfox/mediacore/mediaerr"
)

const streamID uint32 = 1

// CRCMode selects how aggressively frame CRC failures are treated.
type CRCMode int

const (
	CRCDisabled CRCMode = iota
	CRCEnabled
	CRCStrict
)

func ParseCRCMode(s string) CRCMode {
	switch s {
	case "strict", "Strict":
		return CRCStrict
	case "disabled", "Disabled":
		return CRCDisabled
	default:
		return CRCEnabled
	}
}

// SubsetMode selects streamable-subset validation strictness (RFC 9639 §7).
type SubsetMode int

const (
	SubsetDisabled SubsetMode = iota
	SubsetWarn
	SubsetStrict
)

func ParseSubsetMode(s string) SubsetMode {
	switch s {
	case "warn", "Warn":
		return SubsetWarn
	case "strict", "Strict":
		return SubsetStrict
	default:
		return SubsetDisabled
	}
}

// Options configures the demuxer; it mirrors config.FLACConfig but is kept
// local so this package doesn't depend on the config package.
type Options struct {
	CRCValidation                 CRCMode
	MaxCRCMismatchesBeforeDisable int
	FrameIndexingEnabled          bool
	StreamableSubsetMode          SubsetMode
	SynthesizeSilenceOnSkip       bool
}

func DefaultOptions() Options {
	return Options{
		CRCValidation:                 CRCEnabled,
		MaxCRCMismatchesBeforeDisable: 10,
		FrameIndexingEnabled:          true,
		StreamableSubsetMode:          SubsetDisabled,
	}
}

// frameIndexEntry is one recorded (sample_offset, file_offset) seek anchor.
type frameIndexEntry struct {
	sampleOffset uint64
	fileOffset   int64
	blockSize    uint32
}

const (
	maxFrameIndexEntries = 50000
	maxFrameIndexBytes   = 8 << 20
	frameIndexEntryBytes = 20
)

// Demuxer implements demux.Demuxer and demux.Recoverable for native FLAC.
type Demuxer struct {
	s    bytestream.ByteStream
	opts Options

	si         streamInfo
	seekPoints []seekPoint
	pictures   []pictureMeta
	tags       media.Tags

	dataStart int64 // byte offset of the first audio frame
	fileSize  int64

	parsed bool

	pos       int64 // current read cursor
	sampleOff uint64
	durMs     uint64

	frameIndex  []frameIndexEntry
	crcMismatch int
	crcDisabled bool

	stats demux.RecoveryStats

	streamableViolations int
}

func New(s bytestream.ByteStream, opts Options) *Demuxer {
	return &Demuxer{s: s, opts: opts}
}

const metaReadLimit = 64 << 10

// ParseContainer reads the "fLaC" signature and the metadata-block chain,
// then leaves the cursor at the first audio frame (spec §4.3.4).
func (d *Demuxer) ParseContainer() error {
	if d.parsed {
		return nil
	}
	d.fileSize = d.s.Size()
	if err := d.s.Seek(0, bytestream.SeekStart); err != nil {
		return mediaerr.New(mediaerr.KindIO, "seek", err)
	}
	magic, err := bytestream.ReadFourCC(d.s)
	if err != nil {
		return err
	}
	if !magic.Eq("fLaC") {
		return mediaerr.Newf(mediaerr.KindFormat, "bad_magic", "not a native FLAC stream")
	}

	haveStreamInfo := false
	for {
		hdr, err := bytestream.ReadU8(d.s)
		if err != nil {
			return mediaerr.New(mediaerr.KindFormat, "missing_streaminfo", err)
		}
		isLast := hdr&0x80 != 0
		blockType := hdr & 0x7F

		lenBytes := [3]byte{}
		b0, err := bytestream.ReadU8(d.s)
		if err != nil {
			return mediaerr.New(mediaerr.KindIO, "short_read", err)
		}
		b1, err := bytestream.ReadU8(d.s)
		if err != nil {
			return mediaerr.New(mediaerr.KindIO, "short_read", err)
		}
		b2, err := bytestream.ReadU8(d.s)
		if err != nil {
			return mediaerr.New(mediaerr.KindIO, "short_read", err)
		}
		lenBytes[0], lenBytes[1], lenBytes[2] = b0, b1, b2
		length := uint32(lenBytes[0])<<16 | uint32(lenBytes[1])<<8 | uint32(lenBytes[2])
		blockOffset := d.s.Tell()

		if !haveStreamInfo && goflac.BlockType(blockType) != goflac.StreamInfo {
			return mediaerr.Newf(mediaerr.KindFormat, "missing_streaminfo", "first metadata block is not STREAMINFO")
		}

		if d.fileSize != bytestream.SizeUnknown && blockOffset+int64(length) > d.fileSize {
			d.stats.MetadataCorruption++
			d.stats.RecoverySuccesses++
			length = uint32(d.fileSize - blockOffset)
		}

		data := make([]byte, length)
		if _, err := bytestream.ReadFull(d.s, data); err != nil {
			return mediaerr.New(mediaerr.KindIO, "short_read", err)
		}

		switch goflac.BlockType(blockType) {
		case goflac.StreamInfo:
			si, err := decodeStreamInfo(data)
			if err != nil {
				return err
			}
			d.si = si
			haveStreamInfo = true
		case goflac.SeekTable:
			d.seekPoints = decodeSeekTable(data)
		case goflac.VorbisComment:
			d.tags = decodeVorbisComment(data)
		case goflac.Picture:
			if len(d.pictures) < maxPictures {
				pm, err := parsePictureHeader(data, blockOffset)
				if err == nil {
					d.pictures = append(d.pictures, pm)
				} else {
					d.stats.MetadataCorruption++
				}
			}
		case goflac.Padding, goflac.Application, goflac.CueSheet:
			// intentionally skipped: no fields this demuxer surfaces
		default:
			d.stats.MetadataCorruption++
			d.stats.RecoverySuccesses++
		}

		if isLast {
			break
		}
	}

	d.dataStart = d.s.Tell()
	d.pos = d.dataStart
	if d.si.SampleRate > 0 {
		d.durMs = d.si.TotalSamples * 1000 / uint64(d.si.SampleRate)
	}
	d.parsed = true
	return nil
}

func (d *Demuxer) streamInfoPublic() media.StreamInfo {
	return media.StreamInfo{
		StreamID:        streamID,
		CodecType:       media.CodecTypeAudio,
		CodecName:       media.CodecFLAC,
		SampleRate:      d.si.SampleRate,
		Channels:        d.si.Channels,
		BitsPerSample:   d.si.BitsPerSample,
		DurationSamples: d.si.TotalSamples,
		DurationMs:      d.durMs,
		Tags:            d.tags,
	}
}

func (d *Demuxer) Streams() []media.StreamInfo {
	if !d.parsed {
		return nil
	}
	return []media.StreamInfo{d.streamInfoPublic()}
}

func (d *Demuxer) StreamInfo(id uint32) (media.StreamInfo, bool) {
	if !d.parsed || id != streamID {
		return media.StreamInfo{}, false
	}
	return d.streamInfoPublic(), true
}

// Pictures returns the lazily-skimmed PICTURE block headers; call Fetch on
// an entry to retrieve the decoded image.
func (d *Demuxer) Pictures() []pictureMeta { return d.pictures }

const frameReadWindow = 4096

// readWindow reads up to n bytes starting at offset without disturbing the
// demuxer's own cursor field (callers restore it explicitly).
func (d *Demuxer) readWindow(offset int64, n int) ([]byte, error) {
	if err := d.s.Seek(offset, bytestream.SeekStart); err != nil {
		return nil, mediaerr.New(mediaerr.KindIO, "seek", err)
	}
	buf := make([]byte, n)
	read, err := d.s.Read(buf)
	if read == 0 && err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// findNextFrame scans forward from offset in <=8 KiB windows for a
// structurally valid frame header (spec §4.3.4 Frame sync search).
func (d *Demuxer) findNextFrame(offset int64) (*frameHeader, int64, error) {
	windowSize := 8 << 10
	scanned := int64(0)
	const maxScan = 64 << 10
	for scanned < maxScan {
		buf, err := d.readWindow(offset, windowSize)
		if err != nil || len(buf) < 5 {
			return nil, 0, errFrameNotFound
		}
		for i := 0; i+5 <= len(buf); i++ {
			if !isFrameSync(buf[i], buf[i+1]) {
				continue
			}
			candidate := buf[i:]
			if len(candidate) < 16 && offset+int64(i)+16 <= d.fileSize {
				extra, err := d.readWindow(offset+int64(i), 32)
				if err == nil {
					candidate = extra
				}
			}
			h, ok := parseFrameHeader(candidate, d.si)
			if !ok {
				continue
			}
			return h, offset + int64(i), nil
		}
		advance := int64(len(buf)) - 4
		if advance <= 0 {
			break
		}
		offset += advance
		scanned += advance
		d.stats.SyncLoss++
	}
	return nil, 0, errFrameNotFound
}

// frameEnd locates the end of the frame starting at start with header h, by
// searching for the next sync pattern between the theoretical min and max
// bounds, then validates the trailing CRC-16.
func (d *Demuxer) frameEnd(start int64, h *frameHeader) (int64, bool) {
	minB := start + minFrameBound(h)
	maxB := start + maxFrameBound(h)
	if d.fileSize != bytestream.SizeUnknown && maxB > d.fileSize {
		maxB = d.fileSize
	}
	if minB >= maxB {
		return maxB, d.verifyCRC16(start, maxB)
	}

	searchLen := int(maxB - minB)
	buf, err := d.readWindow(minB, searchLen+2)
	if err == nil {
		for i := 0; i+2 <= len(buf); i++ {
			if isFrameSync(buf[i], buf[i+1]) {
				end := minB + int64(i)
				if d.verifyCRC16(start, end) {
					return end, true
				}
			}
		}
	}
	if d.fileSize != bytestream.SizeUnknown && maxB >= d.fileSize {
		return d.fileSize, d.verifyCRC16(start, d.fileSize)
	}
	return maxB, d.verifyCRC16(start, maxB)
}

func (d *Demuxer) verifyCRC16(start, end int64) bool {
	if d.crcDisabled {
		return true
	}
	if end-start < 2 {
		return false
	}
	buf, err := d.readWindow(start, int(end-start))
	if err != nil || len(buf) < 2 {
		return false
	}
	got := uint16(buf[len(buf)-2])<<8 | uint16(buf[len(buf)-1])
	want := crc16(buf[:len(buf)-2])
	return got == want
}

// ReadChunk reads the next frame, applying CRC validation and recovery per
// the configured CRCValidation mode.
func (d *Demuxer) ReadChunk() (media.MediaChunk, error) {
	if !d.parsed {
		return media.MediaChunk{}, mediaerr.ErrInvalidState
	}
	if d.fileSize != bytestream.SizeUnknown && d.pos >= d.fileSize {
		return media.MediaChunk{}, nil
	}

	h, start, err := d.findNextFrame(d.pos)
	if err != nil {
		d.pos = d.fileSize
		return media.MediaChunk{}, nil
	}
	end, crcOK := d.frameEnd(start, h)

	if d.opts.StreamableSubsetMode != SubsetDisabled {
		d.checkStreamableSubset(h)
	}

	if !crcOK && d.opts.CRCValidation != CRCDisabled && !d.crcDisabled {
		d.crcMismatch++
		d.stats.FrameCorruption++
		if d.opts.CRCValidation == CRCStrict {
			d.stats.RecoveryFailures++
			d.pos = end
			return d.ReadChunk()
		}
		if d.crcMismatch >= d.opts.MaxCRCMismatchesBeforeDisable {
			d.crcDisabled = true
		}
		d.stats.RecoverySuccesses++
	}

	buf, rerr := d.readWindow(start, int(end-start))
	if rerr != nil {
		d.pos = d.fileSize
		return media.MediaChunk{}, nil
	}

	if d.opts.FrameIndexingEnabled {
		d.recordIndexEntry(d.sampleOff, start, h.blockSize)
	}

	chunk := media.MediaChunk{
		StreamID:     streamID,
		Data:         buf,
		Granule:      d.sampleOff,
		TimestampMs:  d.sampleOff * 1000 / uint64(max32(d.si.SampleRate, 1)),
		SourceOffset: start,
	}
	d.sampleOff += uint64(h.blockSize)
	d.pos = end
	return chunk, nil
}

func max32(v, floor uint32) uint32 {
	if v < floor {
		return floor
	}
	return v
}

func (d *Demuxer) checkStreamableSubset(h *frameHeader) {
	limit := uint32(16384)
	if h.sampleRate <= 48000 {
		limit = 4608
	}
	violates := h.blockSize > limit || h.channelCode > 10
	if violates {
		d.streamableViolations++
		if d.opts.StreamableSubsetMode == SubsetStrict {
			d.stats.FrameCorruption++
		}
	}
}

// recordIndexEntry appends a seek anchor respecting the ~1 s granularity
// and the memory caps (spec §4.3.4 Seeking).
func (d *Demuxer) recordIndexEntry(sample uint64, offset int64, blockSize uint32) {
	if len(d.frameIndex) >= maxFrameIndexEntries || int64(len(d.frameIndex))*frameIndexEntryBytes >= maxFrameIndexBytes {
		return
	}
	if len(d.frameIndex) > 0 {
		last := d.frameIndex[len(d.frameIndex)-1]
		if d.si.SampleRate > 0 && sample-last.sampleOffset < uint64(d.si.SampleRate) {
			return
		}
	}
	d.frameIndex = append(d.frameIndex, frameIndexEntry{sampleOffset: sample, fileOffset: offset, blockSize: blockSize})
}

func (d *Demuxer) ReadChunkFor(id uint32) (media.MediaChunk, error) {
	if id != streamID {
		return media.MediaChunk{}, mediaerr.Newf(mediaerr.KindLogic, "unknown_stream", "no stream %d", id)
	}
	return d.ReadChunk()
}

// SeekTo implements the three-tier strategy: frame index, then SEEKTABLE,
// then linear from the first frame at dataStart (spec §4.3.4 Seeking).
func (d *Demuxer) SeekTo(ms uint64) error {
	if !d.parsed {
		return mediaerr.ErrInvalidState
	}
	if d.si.SampleRate == 0 {
		return mediaerr.Newf(mediaerr.KindLogic, "no_sample_rate", "cannot convert time to sample without a sample rate")
	}
	target := ms * uint64(d.si.SampleRate) / 1000

	if offset, sample, ok := d.seekViaIndex(target); ok {
		return d.resyncFrom(offset, sample, target)
	}
	if offset, sample, ok := d.seekViaSeekTable(target); ok {
		return d.resyncFrom(offset, sample, target)
	}
	return d.resyncFrom(d.dataStart, 0, target)
}

func (d *Demuxer) seekViaIndex(target uint64) (int64, uint64, bool) {
	if len(d.frameIndex) == 0 {
		return 0, 0, false
	}
	i := sort.Search(len(d.frameIndex), func(i int) bool {
		return d.frameIndex[i].sampleOffset > target
	}) - 1
	if i < 0 {
		return 0, 0, false
	}
	e := d.frameIndex[i]
	return e.fileOffset, e.sampleOffset, true
}

func (d *Demuxer) seekViaSeekTable(target uint64) (int64, uint64, bool) {
	if len(d.seekPoints) == 0 {
		return 0, 0, false
	}
	i := sort.Search(len(d.seekPoints), func(i int) bool {
		return d.seekPoints[i].SampleNumber > target
	}) - 1
	if i < 0 {
		return 0, 0, false
	}
	p := d.seekPoints[i]
	return d.dataStart + int64(p.StreamOffset), p.SampleNumber, true
}

// resyncFrom repositions the cursor at the caller's anchor (offset, sample),
// then steps frames forward one at a time until it finds the one covering
// target, i.e. the first frame with sampleOff+blockSize > target (spec
// §4.3.4 Seeking). The anchor is only ever at or before target, so this
// never has to move backward.
func (d *Demuxer) resyncFrom(offset int64, sample uint64, target uint64) error {
	d.pos = offset
	d.sampleOff = sample
	for {
		h, start, err := d.findNextFrame(d.pos)
		if err != nil {
			d.pos = d.fileSize
			return nil
		}
		if d.sampleOff+uint64(h.blockSize) > target {
			d.pos = start
			return nil
		}
		end, _ := d.frameEnd(start, h)
		d.sampleOff += uint64(h.blockSize)
		d.pos = end
	}
}

func (d *Demuxer) EOF() bool {
	return d.parsed && d.fileSize != bytestream.SizeUnknown && d.pos >= d.fileSize
}

func (d *Demuxer) DurationMs() uint64 { return d.durMs }

func (d *Demuxer) PositionMs() uint64 {
	if d.si.SampleRate == 0 {
		return 0
	}
	return d.sampleOff * 1000 / uint64(d.si.SampleRate)
}

// GranulePosition returns the current sample offset for the (sole) stream.
func (d *Demuxer) GranulePosition(id uint32) uint64 {
	if id != streamID {
		return 0
	}
	return d.sampleOff
}

// RecoveryStats reports locally-recovered fault counters (spec §7, §9).
func (d *Demuxer) RecoveryStats() demux.RecoveryStats { return d.stats }

var _ demux.Demuxer = (*Demuxer)(nil)
var _ demux.Recoverable = (*Demuxer)(nil)
