// Package ogg implements the Ogg container demultiplexer (spec §4.3.2):
// page-sync state machine, per-codec header identification (Vorbis,
// Ogg-FLAC, Opus, Speex), granule-based duration and seeking.
package ogg

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/demux"
	"github.com/go-musicfox/mediacore/media"
	"github.com/go-musicfox/mediacore/mediaerr"
)

type codecKind int

const (
	codecUnknown codecKind = iota
	codecVorbis
	codecOggFLAC
	codecOpus
	codecSpeex
)

func (k codecKind) requiredHeaders() int {
	switch k {
	case codecVorbis:
		return 3
	case codecOggFLAC:
		return 1
	case codecOpus:
		return 2
	case codecSpeex:
		return 1
	default:
		return 0
	}
}

func identifyCodec(first []byte) codecKind {
	switch {
	case bytes.HasPrefix(first, []byte("\x01vorbis")):
		return codecVorbis
	case bytes.HasPrefix(first, []byte("\x7FFLAC")):
		return codecOggFLAC
	case bytes.HasPrefix(first, []byte("OpusHead")):
		return codecOpus
	case bytes.HasPrefix(first, []byte("Speex   ")):
		return codecSpeex
	default:
		return codecUnknown
	}
}

// logicalStream tracks one serial number's codec identity, cached header
// packets, and granule/playback bookkeeping.
type logicalStream struct {
	serial   uint32
	streamID uint32
	codec    codecKind
	info     media.StreamInfo

	headerPackets   [][]byte
	headersComplete bool

	preSkip     uint64 // Opus only, in 48 kHz samples
	lastGranule int64  // -1 == unknown
	maxGranule  int64

	carry []byte // unterminated packet fragment carried across a page boundary

	headersDelivered bool // true once ReadChunk has replayed cached headers
	replayIndex      int
}

// Demuxer implements demux.Demuxer for Ogg containers.
type Demuxer struct {
	s        bytestream.ByteStream
	fileSize int64

	parsed  bool
	streams map[uint32]*logicalStream // keyed by serial
	order   []uint32                  // serials in first-seen order
	primary uint32                    // serial of the first audio stream, 0 if none

	dataStart int64 // byte offset of the first page after header discovery
	cursor    int64 // current sequential read cursor

	durationMs uint64
	posMs      uint64

	pending []media.MediaChunk
}

func New(s bytestream.ByteStream) *Demuxer {
	return &Demuxer{s: s, streams: make(map[uint32]*logicalStream)}
}

const resyncLimit = 64 << 10

// readPageAt reads one page starting at (or resynced forward from) offset,
// returning the page and the offset of the byte immediately following it.
func readPageAt(s bytestream.ByteStream, offset int64) (*page, int64, error) {
	if err := s.Seek(offset, bytestream.SeekStart); err != nil {
		return nil, 0, mediaerr.New(mediaerr.KindIO, "seek", err)
	}
	hdr := make([]byte, 27)
	if _, err := bytestream.ReadFull(s, hdr); err != nil {
		return nil, 0, io.EOF
	}
	if hdr[0] != 'O' || hdr[1] != 'g' || hdr[2] != 'g' || hdr[3] != 'S' {
		newOff, err := resync(s, offset)
		if err != nil {
			return nil, 0, err
		}
		return readPageAt(s, newOff)
	}
	numSegs := int(hdr[26])
	segTable := make([]byte, numSegs)
	if _, err := bytestream.ReadFull(s, segTable); err != nil {
		return nil, 0, io.EOF
	}
	total := 0
	for _, b := range segTable {
		total += int(b)
	}
	content := make([]byte, total)
	if _, err := bytestream.ReadFull(s, content); err != nil {
		return nil, 0, io.EOF
	}

	raw := make([]byte, 27+numSegs+total)
	copy(raw, hdr)
	copy(raw[27:], segTable)
	copy(raw[27+numSegs:], content)

	p, consumed, err := parsePage(raw, offset)
	if err != nil {
		if p == nil {
			newOff, rerr := resync(s, offset+1)
			if rerr != nil {
				return nil, 0, rerr
			}
			return readPageAt(s, newOff)
		}
		return nil, 0, err
	}
	return p, offset + int64(consumed), nil
}

// resync scans forward from offset, within resyncLimit bytes, for the next
// OggS capture pattern (spec §4.3.2 lost-sync recovery).
func resync(s bytestream.ByteStream, offset int64) (int64, error) {
	if err := s.Seek(offset, bytestream.SeekStart); err != nil {
		return 0, mediaerr.New(mediaerr.KindIO, "seek", err)
	}
	window := make([]byte, 4096)
	scanned := 0
	cursor := offset
	for scanned < resyncLimit {
		n, _ := s.Read(window)
		if n < 4 {
			return 0, io.EOF
		}
		if i := bytes.Index(window[:n], capturePattern[:]); i >= 0 {
			return cursor + int64(i), nil
		}
		advance := n - 3
		cursor += int64(advance)
		scanned += advance
		if err := s.Seek(cursor, bytestream.SeekStart); err != nil {
			return 0, mediaerr.New(mediaerr.KindIO, "seek", err)
		}
	}
	return 0, mediaerr.Newf(mediaerr.KindFormat, "ogg_sync_lost", "no OggS capture found within %d bytes", resyncLimit)
}

// ParseContainer walks header pages until every stream's header-packet
// count is satisfied, derives duration, then resets the read cursor to the
// start of audio data (spec §4.3.2 steps 1-4).
func (d *Demuxer) ParseContainer() error {
	if d.parsed {
		return nil
	}
	d.fileSize = d.s.Size()

	offset := int64(0)
	for {
		p, next, err := readPageAt(d.s, offset)
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}

		ls, ok := d.streams[p.serial]
		if !ok {
			ls = &logicalStream{serial: p.serial, lastGranule: -1, maxGranule: -1}
			d.streams[p.serial] = ls
			d.order = append(d.order, p.serial)
			ls.streamID = uint32(len(d.order))
		}

		d.absorbPage(ls, p)

		offset = next
		if d.allHeadersComplete() {
			d.dataStart = offset
			break
		}
		if d.fileSize != bytestream.SizeUnknown && offset >= d.fileSize {
			d.dataStart = offset
			break
		}
	}

	if len(d.order) == 0 {
		return mediaerr.Newf(mediaerr.KindFormat, "no_streams", "no Ogg logical streams found")
	}

	for _, serial := range d.order {
		ls := d.streams[serial]
		if !ls.headersComplete {
			return mediaerr.Newf(mediaerr.KindFormat, "incomplete_headers", "stream %d never completed its header packets", ls.streamID)
		}
		if ls.info.IsAudio() && d.primary == 0 {
			d.primary = ls.serial
		}
	}
	if d.primary == 0 {
		return mediaerr.Newf(mediaerr.KindFormat, "no_audio_stream", "no recognised audio codec among logical streams")
	}

	d.deriveDuration()

	d.cursor = d.dataStart
	d.parsed = true
	return nil
}

// absorbPage feeds a page's packets into ls, accumulating header packets
// until the codec's required count is reached. Header pages routinely
// carry a granule of 0 (OpusHead/OpusTags/the Vorbis ident packet), so
// ls.maxGranule is deliberately left untouched here — it is only updated
// once audio packets are actually streamed (pageToChunks), so that an
// unset maxGranule correctly sends deriveDuration to the tail scan.
func (d *Demuxer) absorbPage(ls *logicalStream, p *page) {
	if p.granule != -1 {
		ls.lastGranule = p.granule
	}

	for i, frag := range p.packets {
		last := i == len(p.packets)-1
		data := frag
		if len(ls.carry) > 0 {
			data = append(append([]byte(nil), ls.carry...), frag...)
			ls.carry = nil
		}
		if last && p.incomplete {
			ls.carry = data
			continue
		}
		if len(data) == 0 {
			continue
		}

		if ls.codec == codecUnknown && len(ls.headerPackets) == 0 {
			ls.codec = identifyCodec(data)
		}
		if ls.codec != codecUnknown && !ls.headersComplete {
			ls.headerPackets = append(ls.headerPackets, data)
			parseCodecHeader(ls, data, len(ls.headerPackets))
			if len(ls.headerPackets) >= ls.codec.requiredHeaders() {
				ls.headersComplete = true
			}
		}
	}
}

func (d *Demuxer) allHeadersComplete() bool {
	if len(d.streams) == 0 {
		return false
	}
	for _, ls := range d.streams {
		if !ls.headersComplete {
			return false
		}
	}
	return true
}

// parseCodecHeader populates StreamInfo incrementally as header packets
// for ls arrive (spec §4.3.2).
func parseCodecHeader(ls *logicalStream, data []byte, headerIndex int) {
	switch ls.codec {
	case codecVorbis:
		if headerIndex == 1 {
			parseVorbisIdent(ls, data)
		} else if headerIndex == 2 {
			parseCommentHeader(ls, data, len("\x03vorbis"))
		}
	case codecOpus:
		if headerIndex == 1 {
			parseOpusHead(ls, data)
		} else if headerIndex == 2 {
			parseCommentHeader(ls, data, len("OpusTags"))
		}
	case codecOggFLAC:
		if headerIndex == 1 {
			parseOggFLACHeader(ls, data)
		}
	case codecSpeex:
		if headerIndex == 1 {
			parseSpeexHeader(ls, data)
		}
	}
}

func parseVorbisIdent(ls *logicalStream, data []byte) {
	if len(data) < 30 {
		return
	}
	channels := data[11]
	rate := binary.LittleEndian.Uint32(data[12:16])
	ls.info.StreamID = ls.streamID
	ls.info.CodecType = media.CodecTypeAudio
	ls.info.CodecName = media.CodecVorbis
	ls.info.Channels = uint16(channels)
	ls.info.SampleRate = rate
}

func parseOpusHead(ls *logicalStream, data []byte) {
	if len(data) < 19 {
		return
	}
	channels := data[9]
	preSkip := binary.LittleEndian.Uint16(data[10:12])
	ls.info.StreamID = ls.streamID
	ls.info.CodecType = media.CodecTypeAudio
	ls.info.CodecName = media.CodecOpus
	ls.info.Channels = uint16(channels)
	ls.info.SampleRate = 48000 // spec §4.3.2: Opus granules are always 48 kHz units
	ls.preSkip = uint64(preSkip)
}

func parseOggFLACHeader(ls *logicalStream, data []byte) {
	// layout: 0x7F 'F' 'L' 'A' 'C' major minor numHeaderPackets(2BE) "fLaC"(9 prefix bytes total 13) STREAMINFO block header(4) + data(34)
	if len(data) < 13+4+34 {
		return
	}
	streaminfo := data[13+4:]
	rate := (uint32(streaminfo[10]) << 12) | (uint32(streaminfo[11]) << 4) | (uint32(streaminfo[12]) >> 4)
	channels := uint16((streaminfo[12]>>1)&0x07) + 1
	bps := uint16(((streaminfo[12]&0x01)<<4)|(streaminfo[13]>>4)) + 1
	totalSamples := (uint64(streaminfo[13]&0x0F) << 32) | uint64(streaminfo[14])<<24 | uint64(streaminfo[15])<<16 | uint64(streaminfo[16])<<8 | uint64(streaminfo[17])

	ls.info.StreamID = ls.streamID
	ls.info.CodecType = media.CodecTypeAudio
	ls.info.CodecName = media.CodecFLAC
	ls.info.SampleRate = rate
	ls.info.Channels = channels
	ls.info.BitsPerSample = bps
	ls.info.DurationSamples = totalSamples
	ls.info.CodecPrivate = append([]byte(nil), streaminfo...)
}

func parseSpeexHeader(ls *logicalStream, data []byte) {
	if len(data) < 80 {
		return
	}
	rate := binary.LittleEndian.Uint32(data[36:40])
	channels := binary.LittleEndian.Uint32(data[48:52])
	ls.info.StreamID = ls.streamID
	ls.info.CodecType = media.CodecTypeAudio
	ls.info.CodecName = media.CodecSpeex
	ls.info.SampleRate = rate
	ls.info.Channels = uint16(channels)
}

// parseCommentHeader parses the Vorbis-comment grammar shared by Vorbis
// comment headers and OpusTags (spec §4.3.2): vendor-length, vendor
// string, comment-count, N x (length, "FIELD=VALUE").
func parseCommentHeader(ls *logicalStream, data []byte, skip int) {
	if len(data) < skip+4 {
		return
	}
	r := data[skip:]
	vendorLen, r, ok := takeU32LE(r)
	if !ok || uint32(len(r)) < vendorLen {
		return
	}
	r = r[vendorLen:]
	count, r, ok := takeU32LE(r)
	if !ok {
		return
	}
	for i := uint32(0); i < count && len(r) >= 4; i++ {
		entryLen, rest, ok := takeU32LE(r)
		if !ok || uint32(len(rest)) < entryLen {
			return
		}
		entry := rest[:entryLen]
		r = rest[entryLen:]

		eq := bytes.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		field := strings.ToUpper(string(entry[:eq]))
		value := string(entry[eq+1:])
		switch field {
		case "ARTIST":
			ls.info.Tags.Artist = value
		case "TITLE":
			ls.info.Tags.Title = value
		case "ALBUM":
			ls.info.Tags.Album = value
		}
	}
}

func takeU32LE(b []byte) (uint32, []byte, bool) {
	if len(b) < 4 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint32(b[:4]), b[4:], true
}

// deriveDuration prefers codec-reported total samples, then falls back to
// the highest granule recorded by pageToChunks (none yet when called from
// ParseContainer, since absorbPage leaves maxGranule unset), then a tail
// scan of the last ~1 MiB for the highest granule on the primary stream.
func (d *Demuxer) deriveDuration() {
	ls := d.streams[d.primary]
	if ls.info.DurationSamples > 0 && ls.info.SampleRate > 0 {
		d.durationMs = ls.info.DurationSamples * 1000 / uint64(ls.info.SampleRate)
		return
	}
	if ls.maxGranule >= 0 {
		d.durationMs = granuleToMs(ls, ls.maxGranule)
		return
	}
	if d.fileSize == bytestream.SizeUnknown {
		return
	}
	if g, ok := d.tailScanMaxGranule(ls.serial); ok {
		d.durationMs = granuleToMs(ls, g)
	}
}

func (d *Demuxer) tailScanMaxGranule(serial uint32) (int64, bool) {
	start := d.fileSize - (1 << 20)
	if start < 0 {
		start = 0
	}
	offset := start
	best := int64(-1)
	found := false
	for offset < d.fileSize {
		p, next, err := readPageAt(d.s, offset)
		if err != nil {
			break
		}
		if p.serial == serial && p.granule > best {
			best = p.granule
			found = true
		}
		offset = next
	}
	return best, found
}

func granuleToMs(ls *logicalStream, granule int64) uint64 {
	if ls.codec == codecOpus {
		net := granule - int64(ls.preSkip)
		if net < 0 {
			net = 0
		}
		return uint64(net) / 48
	}
	if ls.info.SampleRate == 0 {
		return 0
	}
	return uint64(granule) * 1000 / uint64(ls.info.SampleRate)
}

func msToGranule(ls *logicalStream, ms uint64) int64 {
	if ls.codec == codecOpus {
		return int64(ms*48) + int64(ls.preSkip)
	}
	if ls.info.SampleRate == 0 {
		return 0
	}
	return int64(ms * uint64(ls.info.SampleRate) / 1000)
}

// Streams returns every identified logical stream, in first-seen order.
func (d *Demuxer) Streams() []media.StreamInfo {
	if !d.parsed {
		return nil
	}
	out := make([]media.StreamInfo, 0, len(d.order))
	for _, serial := range d.order {
		out = append(out, d.streams[serial].info)
	}
	return out
}

func (d *Demuxer) StreamInfo(id uint32) (media.StreamInfo, bool) {
	for _, ls := range d.streams {
		if ls.streamID == id {
			return ls.info, true
		}
	}
	return media.StreamInfo{}, false
}

// ReadChunk returns the next chunk from any stream in container order,
// replaying each stream's cached header packets before its audio packets
// (spec §4.3.2 step 5).
func (d *Demuxer) ReadChunk() (media.MediaChunk, error) {
	if !d.parsed {
		return media.MediaChunk{}, mediaerr.ErrInvalidState
	}
	if len(d.pending) > 0 {
		c := d.pending[0]
		d.pending = d.pending[1:]
		d.posMs = c.TimestampMs
		return c, nil
	}

	if c, ok := d.nextUndeliveredHeader(); ok {
		return c, nil
	}

	for {
		if d.fileSize != bytestream.SizeUnknown && d.cursor >= d.fileSize {
			return media.MediaChunk{}, nil
		}
		p, next, err := readPageAt(d.s, d.cursor)
		if err != nil {
			d.cursor = d.fileSize
			return media.MediaChunk{}, nil
		}
		d.cursor = next

		ls, ok := d.streams[p.serial]
		if !ok {
			continue
		}
		chunks := d.pageToChunks(ls, p)
		if len(chunks) == 0 {
			continue
		}
		d.pending = append(d.pending, chunks...)
		c := d.pending[0]
		d.pending = d.pending[1:]
		d.posMs = c.TimestampMs
		return c, nil
	}
}

// nextUndeliveredHeader replays one cached header packet for the first
// stream (in order) that hasn't finished replaying its headers.
func (d *Demuxer) nextUndeliveredHeader() (media.MediaChunk, bool) {
	for _, serial := range d.order {
		ls := d.streams[serial]
		if ls.headersDelivered {
			continue
		}
		if ls.replayIndex < len(ls.headerPackets) {
			pkt := ls.headerPackets[ls.replayIndex]
			ls.replayIndex++
			if ls.replayIndex >= len(ls.headerPackets) {
				ls.headersDelivered = true
			}
			return media.MediaChunk{StreamID: ls.streamID, Data: pkt, TimestampMs: 0}, true
		}
		ls.headersDelivered = true
	}
	return media.MediaChunk{}, false
}

// pageToChunks converts the non-header packets that complete on p into
// MediaChunks, assigning the page's granule to the packet that completes
// on it.
func (d *Demuxer) pageToChunks(ls *logicalStream, p *page) []media.MediaChunk {
	if !ls.headersDelivered {
		return nil
	}
	if p.granule > ls.maxGranule {
		ls.maxGranule = p.granule
	}
	var out []media.MediaChunk
	for i, frag := range p.packets {
		last := i == len(p.packets)-1
		data := frag
		if len(ls.carry) > 0 {
			data = append(append([]byte(nil), ls.carry...), frag...)
			ls.carry = nil
		}
		if last && p.incomplete {
			ls.carry = data
			continue
		}
		if len(data) == 0 {
			continue
		}
		granule := p.granule
		if granule == -1 {
			granule = ls.lastGranule
		}
		out = append(out, media.MediaChunk{
			StreamID:     ls.streamID,
			Data:         data,
			Granule:      uint64(max64(granule, 0)),
			TimestampMs:  granuleToMs(ls, granule),
			SourceOffset: p.byteOffset,
		})
	}
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ReadChunkFor returns the next chunk belonging to id, draining and
// discarding interleaved chunks for other streams.
func (d *Demuxer) ReadChunkFor(id uint32) (media.MediaChunk, error) {
	for {
		c, err := d.ReadChunk()
		if err != nil || c.EOF() {
			return c, err
		}
		if c.StreamID == id {
			return c, nil
		}
	}
}

// SeekTo bisects over byte offsets to find the primary stream's page with
// the greatest granule <= target (spec §4.3.2 Seeking), falling back to
// seek-to-zero (which re-delivers cached headers) on failure.
func (d *Demuxer) SeekTo(ms uint64) error {
	if !d.parsed {
		return mediaerr.ErrInvalidState
	}
	if ms == 0 {
		return d.seekToZero()
	}

	primary := d.streams[d.primary]
	target := msToGranule(primary, ms)

	lo, hi := d.dataStart, d.fileSize
	if d.fileSize == bytestream.SizeUnknown {
		return d.seekToZero()
	}

	var bestOffset int64 = -1
	var bestGranule int64 = -1
	for iter := 0; iter < 32 && lo < hi; iter++ {
		mid := lo + (hi-lo)/2
		p, next, ok := findPageForSerial(d.s, mid, primary.serial, d.fileSize)
		if !ok {
			hi = mid
			continue
		}
		if p.granule == -1 {
			lo = next
			continue
		}
		if p.granule <= target {
			if p.granule > bestGranule {
				bestOffset, bestGranule = p.byteOffset, p.granule
			}
			lo = next
		} else {
			hi = mid
		}
	}

	if bestGranule < 0 {
		return d.seekToZero()
	}

	d.cursor = bestOffset
	d.pending = nil
	for _, serial := range d.order {
		ls := d.streams[serial]
		ls.headersDelivered = true
		ls.replayIndex = len(ls.headerPackets)
		ls.carry = nil
		if serial == primary.serial {
			ls.lastGranule = bestGranule
		}
	}
	d.posMs = granuleToMs(primary, bestGranule)
	return nil
}

func (d *Demuxer) seekToZero() error {
	d.cursor = d.dataStart
	d.pending = nil
	d.posMs = 0
	for _, serial := range d.order {
		ls := d.streams[serial]
		ls.headersDelivered = false
		ls.replayIndex = 0
		ls.carry = nil
		ls.lastGranule = -1
	}
	return nil
}

// findPageForSerial scans forward from offset for the first page belonging
// to serial, returning false if none is found before limit.
func findPageForSerial(s bytestream.ByteStream, offset int64, serial uint32, limit int64) (*page, int64, bool) {
	cursor := offset
	for cursor < limit {
		p, next, err := readPageAt(s, cursor)
		if err != nil {
			return nil, 0, false
		}
		if p.serial == serial {
			return p, next, true
		}
		cursor = next
	}
	return nil, 0, false
}

func (d *Demuxer) EOF() bool {
	return d.parsed && len(d.pending) == 0 && d.fileSize != bytestream.SizeUnknown && d.cursor >= d.fileSize
}

func (d *Demuxer) DurationMs() uint64 { return d.durationMs }

func (d *Demuxer) PositionMs() uint64 { return d.posMs }

// GranulePosition returns the last known granule for id, or 0 if unknown or
// id does not exist.
func (d *Demuxer) GranulePosition(id uint32) uint64 {
	for _, ls := range d.streams {
		if ls.streamID == id {
			return uint64(max64(ls.lastGranule, 0))
		}
	}
	return 0
}

var _ demux.Demuxer = (*Demuxer)(nil)
