// Package riff implements the RIFF/WAVE and FORM/AIFF/AIFC demultiplexer
// (spec §4.3.1): a single flat chunk walker shared by both byte orders.
package riff

import (
	"math"

	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/demux"
	"github.com/go-musicfox/mediacore/media"
	"github.com/go-musicfox/mediacore/mediaerr"
)

// streamID is the canonical single-audio-stream id (spec §9: the source's
// hard-coded 0 is rejected; ids must be non-zero).
const streamID uint32 = 1

// form distinguishes the two byte orders and chunk vocabularies this
// demuxer understands.
type form int

const (
	formUnknown form = iota
	formWAVE
	formAIFF
)

// Demuxer implements demux.Demuxer for RIFF/WAVE and FORM/AIFF/AIFC.
type Demuxer struct {
	s    bytestream.ByteStream
	form form

	info       media.StreamInfo
	dataOffset int64
	dataSize   int64
	blockAlign uint32

	fallbackMode bool

	parsed   bool
	pos      int64 // current read cursor within [dataOffset, dataOffset+dataSize)
	posMs    uint64
	fileSize int64
}

// New constructs a Demuxer over s. ParseContainer must be called before any
// other method.
func New(s bytestream.ByteStream) *Demuxer {
	return &Demuxer{s: s}
}

const chunkReadSize = 4096

// ParseContainer reads the top-level header and walks the flat chunk list
// (spec §4.3.1).
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
	sizeField, err := bytestream.ReadU32LE(d.s) // byte order fixed up below
	if err != nil {
		return err
	}

	switch {
	case magic.Eq("RIFF"):
		d.form = formWAVE
	case magic.Eq("FORM"):
		d.form = formAIFF
		// AIFF's top-level size field is big-endian; re-read correctly.
		sizeField = swap32(sizeField)
	default:
		return mediaerr.Newf(mediaerr.KindFormat, "bad_magic", "not a RIFF or FORM container")
	}

	formType, err := bytestream.ReadFourCC(d.s)
	if err != nil {
		return err
	}
	switch d.form {
	case formWAVE:
		if !formType.Eq("WAVE") {
			return mediaerr.Newf(mediaerr.KindFormat, "bad_form_type", "RIFF form type %q, want WAVE", formType)
		}
	case formAIFF:
		if !formType.Eq("AIFF") && !formType.Eq("AIFC") {
			return mediaerr.Newf(mediaerr.KindFormat, "bad_form_type", "FORM form type %q, want AIFF/AIFC", formType)
		}
	}

	_ = sizeField // the top-level size is advisory; chunk walk is authoritative

	d.info.StreamID = streamID
	d.info.CodecType = media.CodecTypeAudio

	haveFmt, haveData := false, false
	var factSamples uint64
	haveFact := false

	for {
		fourcc, chunkSize, chunkDataOffset, err := d.readChunkHeader()
		if err != nil {
			if err == errEOFChunks {
				break
			}
			return err
		}

		switch {
		case d.form == formWAVE && fourcc.Eq("fmt "):
			if err := d.parseWaveFmt(chunkSize); err != nil {
				return err
			}
			haveFmt = true
		case d.form == formWAVE && fourcc.Eq("data"):
			d.dataOffset = chunkDataOffset
			d.dataSize = chunkSize
			haveData = true
		case d.form == formWAVE && fourcc.Eq("fact"):
			n, err := bytestream.ReadU32LE(d.s)
			if err == nil {
				factSamples = uint64(n)
				haveFact = true
			}
		case d.form == formWAVE && fourcc.Eq("LIST"):
			d.parseWaveList(chunkDataOffset, chunkSize)
		case d.form == formAIFF && fourcc.Eq("COMM"):
			if err := d.parseAiffComm(chunkSize); err != nil {
				return err
			}
			haveFmt = true
		case d.form == formAIFF && fourcc.Eq("SSND"):
			offset, err := bytestream.ReadU32BE(d.s)
			if err != nil {
				return err
			}
			_, err = bytestream.ReadU32BE(d.s) // block-size, unused for PCM
			if err != nil {
				return err
			}
			d.dataOffset = chunkDataOffset + 8 + int64(offset)
			d.dataSize = chunkSize - 8 - int64(offset)
			haveData = true
		case fourcc.Eq("NAME"):
			if s, err := bytestream.ReadFixedString(d.s, int(chunkSize)); err == nil {
				d.info.Tags.Title = s
			}
		case fourcc.Eq("AUTH"):
			if s, err := bytestream.ReadFixedString(d.s, int(chunkSize)); err == nil {
				d.info.Tags.Artist = s
			}
		}

		if err := d.s.Seek(chunkDataOffset+chunkSize, bytestream.SeekStart); err != nil {
			return mediaerr.New(mediaerr.KindIO, "seek", err)
		}
		if err := bytestream.Align(d.s, 2); err != nil {
			return mediaerr.New(mediaerr.KindIO, "seek", err)
		}
	}

	if !haveFmt || !haveData {
		return mediaerr.Newf(mediaerr.KindFormat, "missing_required_chunk",
			"no format and/or data chunk found")
	}

	if haveFact && factSamples > 0 {
		d.info.DurationSamples = factSamples
		if d.info.SampleRate > 0 {
			d.info.DurationMs = factSamples * 1000 / uint64(d.info.SampleRate)
		}
	} else {
		d.deriveDurationFromDataSize()
	}

	d.pos = d.dataOffset
	d.parsed = true
	return nil
}

var errEOFChunks = mediaerr.Newf(mediaerr.KindIO, "eof_chunks", "no more chunks")

// readChunkHeader reads one 8-byte chunk header (FourCC + size) at the
// current position and returns (fourcc, size, dataOffset). Size is clamped
// to the remaining file size on an implausible value (spec §4.3.1 error
// recovery); unrecognisable headers trigger a forward scan for a known
// FourCC.
func (d *Demuxer) readChunkHeader() (bytestream.FourCC, int64, int64, error) {
	pos := d.s.Tell()
	if d.fileSize != bytestream.SizeUnknown && pos+8 > d.fileSize {
		return bytestream.FourCC{}, 0, 0, errEOFChunks
	}

	fourcc, err := bytestream.ReadFourCC(d.s)
	if err != nil {
		return bytestream.FourCC{}, 0, 0, errEOFChunks
	}
	var size int64
	if d.form == formWAVE {
		n, err := bytestream.ReadU32LE(d.s)
		if err != nil {
			return bytestream.FourCC{}, 0, 0, errEOFChunks
		}
		size = int64(n)
	} else {
		n, err := bytestream.ReadU32BE(d.s)
		if err != nil {
			return bytestream.FourCC{}, 0, 0, errEOFChunks
		}
		size = int64(n)
	}
	dataOffset := d.s.Tell()

	if !isKnownFourCC(fourcc) {
		d.fallbackMode = true
		found, newPos, err := d.scanForKnownFourCC(pos)
		if err != nil {
			return bytestream.FourCC{}, 0, 0, errEOFChunks
		}
		if err := d.s.Seek(newPos, bytestream.SeekStart); err != nil {
			return bytestream.FourCC{}, 0, 0, err
		}
		return d.readChunkHeader2(found, newPos)
	}

	if d.fileSize != bytestream.SizeUnknown && dataOffset+size > d.fileSize {
		size = d.fileSize - dataOffset
		d.fallbackMode = true
	}
	if size < 0 {
		size = 0
	}
	return fourcc, size, dataOffset, nil
}

// readChunkHeader2 re-reads a chunk header once the scanner has located a
// known FourCC at newPos.
func (d *Demuxer) readChunkHeader2(fourcc bytestream.FourCC, newPos int64) (bytestream.FourCC, int64, int64, error) {
	var size int64
	if d.form == formWAVE {
		n, err := bytestream.ReadU32LE(d.s)
		if err != nil {
			return bytestream.FourCC{}, 0, 0, errEOFChunks
		}
		size = int64(n)
	} else {
		n, err := bytestream.ReadU32BE(d.s)
		if err != nil {
			return bytestream.FourCC{}, 0, 0, errEOFChunks
		}
		size = int64(n)
	}
	dataOffset := d.s.Tell()
	if d.fileSize != bytestream.SizeUnknown && dataOffset+size > d.fileSize {
		size = d.fileSize - dataOffset
	}
	if size < 0 {
		size = 0
	}
	return fourcc, size, dataOffset, nil
}

// scanForKnownFourCC scans forward from pos in 4 KiB windows (with 3-byte
// overlap) for one of the chunk ids this demuxer recognises (spec §4.3.1).
func (d *Demuxer) scanForKnownFourCC(pos int64) (bytestream.FourCC, int64, error) {
	candidates := []string{"RIFF", "FORM", "LIST", "fmt ", "data", "COMM", "SSND"}
	window := make([]byte, chunkReadSize)
	cursor := pos
	for cursor < d.fileSize {
		if err := d.s.Seek(cursor, bytestream.SeekStart); err != nil {
			return bytestream.FourCC{}, 0, err
		}
		n, _ := d.s.Read(window)
		if n < 4 {
			break
		}
		for i := 0; i+4 <= n; i++ {
			for _, c := range candidates {
				if string(window[i:i+4]) == c {
					var f bytestream.FourCC
					copy(f[:], window[i:i+4])
					return f, cursor + int64(i) + 4, nil
				}
			}
		}
		cursor += int64(n) - 3
	}
	return bytestream.FourCC{}, 0, mediaerr.Newf(mediaerr.KindFormat, "no_known_chunk", "scan exhausted without finding a known chunk")
}

func isKnownFourCC(f bytestream.FourCC) bool {
	switch string(f[:]) {
	case "fmt ", "data", "fact", "LIST", "COMM", "SSND", "NAME", "AUTH", "(c) ", "ANNO":
		return true
	}
	return false
}

// parseWaveFmt parses the WAVEFORMATEX-style fmt chunk.
func (d *Demuxer) parseWaveFmt(size int64) error {
	tag, err := bytestream.ReadU16LE(d.s)
	if err != nil {
		return err
	}
	channels, err := bytestream.ReadU16LE(d.s)
	if err != nil {
		return err
	}
	rate, err := bytestream.ReadU32LE(d.s)
	if err != nil {
		return err
	}
	_, err = bytestream.ReadU32LE(d.s) // average bytes/sec
	if err != nil {
		return err
	}
	blockAlign, err := bytestream.ReadU16LE(d.s)
	if err != nil {
		return err
	}
	bps, err := bytestream.ReadU16LE(d.s)
	if err != nil {
		return err
	}
	_ = size

	d.info.CodecTag = uint32(tag)
	d.info.Channels = channels
	d.info.SampleRate = rate
	d.info.BitsPerSample = bps
	d.blockAlign = uint32(blockAlign)
	d.info.CodecName = waveCodecName(tag)
	return nil
}

func waveCodecName(tag uint16) string {
	switch tag {
	case 0x0001, 0xFFFE:
		return media.CodecPCM
	case 0x0003:
		return media.CodecPCM
	case 0x0002, 0x0011:
		return media.CodecADPCM
	case 0x0006:
		return media.CodecALaw
	case 0x0007:
		return media.CodecMULaw
	case 0x0055:
		return media.CodecMP3
	default:
		return media.CodecPCM
	}
}

// parseWaveList scans an INFO-style LIST chunk for ASCII tag subchunks.
func (d *Demuxer) parseWaveList(dataOffset, size int64) {
	listType, err := bytestream.ReadFourCC(d.s)
	if err != nil || !listType.Eq("INFO") {
		return
	}
	end := dataOffset + size
	for d.s.Tell()+8 <= end {
		fourcc, err := bytestream.ReadFourCC(d.s)
		if err != nil {
			return
		}
		n, err := bytestream.ReadU32LE(d.s)
		if err != nil {
			return
		}
		val, err := bytestream.ReadFixedString(d.s, int(n))
		if err != nil {
			return
		}
		switch fourcc.String() {
		case "INAM":
			d.info.Tags.Title = trimNul(val)
		case "IART":
			d.info.Tags.Artist = trimNul(val)
		case "IPRD":
			d.info.Tags.Album = trimNul(val)
		}
		if err := bytestream.Align(d.s, 2); err != nil {
			return
		}
	}
}

func trimNul(s string) string {
	for i, c := range s {
		if c == 0 {
			return s[:i]
		}
	}
	return s
}

// parseAiffComm parses AIFF/AIFC's COMM chunk, including the 80-bit IEEE
// extended sample rate and the optional AIFC compression FourCC.
func (d *Demuxer) parseAiffComm(size int64) error {
	channels, err := bytestream.ReadU16BE(d.s)
	if err != nil {
		return err
	}
	_, err = bytestream.ReadU32BE(d.s) // sample frames
	if err != nil {
		return err
	}
	bps, err := bytestream.ReadU16BE(d.s)
	if err != nil {
		return err
	}
	var extended [10]byte
	if _, err := bytestream.ReadFull(d.s, extended[:]); err != nil {
		return mediaerr.New(mediaerr.KindIO, "short_read", err)
	}
	rate := ieee80ToFloat64(extended)

	d.info.Channels = channels
	d.info.BitsPerSample = bps
	d.info.SampleRate = uint32(rate)

	codecName := media.CodecPCM
	if size > 18 {
		compression, err := bytestream.ReadFourCC(d.s)
		if err == nil {
			switch compression.String() {
			case "NONE", "sowt", "fl32", "fl64":
				codecName = media.CodecPCM
			case "alaw":
				codecName = media.CodecALaw
			case "ulaw":
				codecName = media.CodecMULaw
			}
		}
	}
	d.info.CodecName = codecName
	return nil
}

// ieee80ToFloat64 converts an 80-bit IEEE extended float (big-endian: 1
// sign bit, 15-bit biased exponent, 64-bit explicit-integer mantissa) to a
// float64, per spec §4.3.1. Zero and denormals map to 0.0.
func ieee80ToFloat64(b [10]byte) float64 {
	sign := b[0] & 0x80
	exp := (uint16(b[0]&0x7F) << 8) | uint16(b[1])
	mantissa := uint64(0)
	for i := 2; i < 10; i++ {
		mantissa = mantissa<<8 | uint64(b[i])
	}
	if exp == 0 || mantissa == 0 {
		return 0.0
	}
	f := float64(mantissa) * math.Pow(2, float64(exp)-16383-63)
	if sign != 0 {
		f = -f
	}
	return f
}

func (d *Demuxer) deriveDurationFromDataSize() {
	if d.dataSize <= 0 {
		return
	}
	var bytesPerFrame int64
	if d.blockAlign > 0 {
		bytesPerFrame = int64(d.blockAlign)
	} else if d.info.Channels > 0 && d.info.BitsPerSample > 0 {
		bytesPerFrame = int64(d.info.Channels) * int64(d.info.BitsPerSample) / 8
	}
	if bytesPerFrame <= 0 || d.info.SampleRate == 0 {
		return
	}
	frames := uint64(d.dataSize / bytesPerFrame)
	d.info.DurationSamples = frames
	d.info.DurationMs = frames * 1000 / uint64(d.info.SampleRate)
}

func swap32(v uint32) uint32 {
	return (v>>24)&0xFF | (v>>8)&0xFF00 | (v<<8)&0xFF0000 | (v<<24)&0xFF000000
}

// Streams returns the single audio stream (spec §4.3.1: this family carries
// exactly one elementary stream).
func (d *Demuxer) Streams() []media.StreamInfo {
	if !d.parsed {
		return nil
	}
	return []media.StreamInfo{d.info}
}

func (d *Demuxer) StreamInfo(id uint32) (media.StreamInfo, bool) {
	if !d.parsed || id != streamID {
		return media.StreamInfo{}, false
	}
	return d.info, true
}

// ReadChunk returns 4 KiB at a time for PCM; compressed formats round to a
// multiple of block_align (spec §4.3.1).
func (d *Demuxer) ReadChunk() (media.MediaChunk, error) {
	if !d.parsed {
		return media.MediaChunk{}, mediaerr.ErrInvalidState
	}
	end := d.dataOffset + d.dataSize
	if d.pos >= end {
		return media.MediaChunk{}, nil
	}

	size := int64(chunkReadSize)
	if d.blockAlign > 0 {
		n := size / int64(d.blockAlign)
		if n < 1 {
			n = 1
		}
		size = n * int64(d.blockAlign)
	}
	if d.pos+size > end {
		size = end - d.pos
	}

	if err := d.s.Seek(d.pos, bytestream.SeekStart); err != nil {
		return media.MediaChunk{}, mediaerr.New(mediaerr.KindIO, "seek", err)
	}
	buf := make([]byte, size)
	n, err := bytestream.ReadFull(d.s, buf)
	if err != nil && n == 0 {
		return media.MediaChunk{}, nil
	}
	buf = buf[:n]

	chunk := media.MediaChunk{
		StreamID:     streamID,
		Data:         buf,
		TimestampMs:  d.posMs,
		SourceOffset: d.pos,
	}
	d.advance(int64(n))
	return chunk, nil
}

func (d *Demuxer) advance(n int64) {
	d.pos += n
	if d.bytesPerMs() > 0 {
		d.posMs = uint64(d.pos-d.dataOffset) / d.bytesPerMs()
	}
}

func (d *Demuxer) bytesPerMs() uint64 {
	var bytesPerSec uint64
	if d.blockAlign > 0 && d.info.SampleRate > 0 {
		bytesPerSec = uint64(d.blockAlign) * uint64(d.info.SampleRate)
	} else if d.info.Channels > 0 && d.info.BitsPerSample > 0 && d.info.SampleRate > 0 {
		bytesPerSec = uint64(d.info.Channels) * uint64(d.info.BitsPerSample) / 8 * uint64(d.info.SampleRate)
	}
	if bytesPerSec == 0 {
		return 0
	}
	return bytesPerSec / 1000
}

// ReadChunkFor returns the next chunk for id, which must be the sole stream.
func (d *Demuxer) ReadChunkFor(id uint32) (media.MediaChunk, error) {
	if id != streamID {
		return media.MediaChunk{}, mediaerr.Newf(mediaerr.KindLogic, "unknown_stream", "no stream %d", id)
	}
	return d.ReadChunk()
}

// SeekTo converts ms to a byte offset using the same bytes-per-ms
// arithmetic as ReadChunk (spec §4.3.1).
func (d *Demuxer) SeekTo(ms uint64) error {
	if !d.parsed {
		return mediaerr.ErrInvalidState
	}
	bpms := d.bytesPerMs()
	if bpms == 0 {
		d.pos, d.posMs = d.dataOffset, 0
		return nil
	}
	byteOffset := int64(ms * bpms)
	if d.blockAlign > 0 {
		byteOffset -= byteOffset % int64(d.blockAlign)
	}
	end := d.dataSize
	if byteOffset > end {
		byteOffset = end
	}
	d.pos = d.dataOffset + byteOffset
	d.posMs = uint64(byteOffset) / bpms
	return nil
}

func (d *Demuxer) EOF() bool {
	return d.parsed && d.pos >= d.dataOffset+d.dataSize
}

func (d *Demuxer) DurationMs() uint64 { return d.info.DurationMs }

func (d *Demuxer) PositionMs() uint64 { return d.posMs }

// GranulePosition always returns 0: granules are an Ogg-only concept.
func (d *Demuxer) GranulePosition(uint32) uint64 { return 0 }

// FallbackMode reports whether the parser had to recover from an
// unrecognisable or oversize chunk (spec §4.3.1).
func (d *Demuxer) FallbackMode() bool { return d.fallbackMode }

var _ demux.Demuxer = (*Demuxer)(nil)
