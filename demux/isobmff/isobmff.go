package isobmff

// Demuxer ties the box walker, sample tables, codec identification, and
// fragment handling together into the demux.Demuxer contract (spec
// §4.3.3).

import (
	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/demux"
	"github.com/go-musicfox/mediacore/media"
	"github.com/go-musicfox/mediacore/mediaerr"
)

// Options configures the demuxer; it mirrors config.ISOConfig but is kept
// local so this package doesn't depend on the config package.
type Options struct {
	MaxBoxNestingDepth int
	ComplianceLevel    Level
}

func DefaultOptions() Options {
	return Options{MaxBoxNestingDepth: 32, ComplianceLevel: LevelRelaxed}
}

// Demuxer implements demux.Demuxer for ISO-BMFF containers (MP4/M4A/MOV).
type Demuxer struct {
	s    bytestream.ByteStream
	opts Options

	fileSize   int64
	majorBrand string
	tracks     []*track
	tags       media.Tags
	compliance *complianceLog

	parsed    bool
	cursors   []uint32 // per-track next-sample index, indexed like d.tracks
	durationMs uint64
}

func New(s bytestream.ByteStream, opts Options) *Demuxer {
	return &Demuxer{s: s, opts: opts}
}

// ParseContainer walks the top-level boxes, descending into moov (track and
// sample-table discovery) and every moof (fragment sample appending).
func (d *Demuxer) ParseContainer() error {
	if d.parsed {
		return nil
	}
	d.fileSize = d.s.Size()
	d.compliance = newComplianceLog(d.opts.ComplianceLevel)
	maxDepth := d.opts.MaxBoxNestingDepth
	if maxDepth <= 0 {
		maxDepth = 32
	}
	w := &walker{s: d.s, maxDepth: maxDepth, errs: d.compliance}

	end := d.fileSize
	if end == bytestream.SizeUnknown {
		return mediaerr.Newf(mediaerr.KindFormat, "unknown_size", "isobmff requires a seekable stream with a known size")
	}

	sawMoov := false
	err := w.forEachChild(0, 0, end, func(h boxHeader) error {
		switch h.fourcc.String() {
		case "ftyp":
			brand, err := parseFtyp(d.s, h)
			if err == nil {
				d.majorBrand = brand
			}
			return nil
		case "moov":
			sawMoov = true
			return d.parseMoov(w, h, 1)
		case "moof":
			return d.parseMoof(w, h, 1)
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}
	if !sawMoov {
		d.compliance.add(severityError, "no moov box found")
		return mediaerr.Newf(mediaerr.KindFormat, "no_moov", "no moov box found")
	}
	if len(d.tracks) == 0 {
		return mediaerr.Newf(mediaerr.KindFormat, "no_audio_track", "no audio track found")
	}

	for i, t := range d.tracks {
		if t.trackID == 0 {
			t.trackID = uint32(i + 1)
		}
		t.info.StreamID = t.trackID
		if t.timescale > 0 {
			durMs := t.durationUnits * 1000 / uint64(t.timescale)
			t.info.DurationMs = durMs
			if durMs > d.durationMs {
				d.durationMs = durMs
			}
		}
		if t.info.DurationSamples == 0 {
			t.info.DurationSamples = uint64(len(t.samples))
		}
	}
	d.cursors = make([]uint32, len(d.tracks))
	d.parsed = true
	return nil
}

// MajorBrand returns the ftyp major brand, or "" if the container carried
// none (common for QuickTime-derived .mov files).
func (d *Demuxer) MajorBrand() string { return d.majorBrand }

// Compliance returns the accumulated deviation report (spec §4.3.3
// Compliance); call only after ParseContainer.
func (d *Demuxer) Compliance() Report {
	return d.compliance.report()
}

func (d *Demuxer) Streams() []media.StreamInfo {
	if !d.parsed {
		return nil
	}
	out := make([]media.StreamInfo, 0, len(d.tracks))
	for _, t := range d.tracks {
		info := t.info
		info.Tags = d.tags
		out = append(out, info)
	}
	return out
}

func (d *Demuxer) StreamInfo(id uint32) (media.StreamInfo, bool) {
	for _, t := range d.tracks {
		if t.trackID == id {
			info := t.info
			info.Tags = d.tags
			return info, true
		}
	}
	return media.StreamInfo{}, false
}

func (d *Demuxer) trackIndex(id uint32) int {
	for i, t := range d.tracks {
		if t.trackID == id {
			return i
		}
	}
	return -1
}

// ReadChunk returns the next sample in container order, selecting the
// track whose next pending sample has the lowest file offset across all
// tracks (spec §4.3.3 Parse: natural container order).
func (d *Demuxer) ReadChunk() (media.MediaChunk, error) {
	if !d.parsed {
		return media.MediaChunk{}, mediaerr.ErrInvalidState
	}
	best := -1
	var bestOffset int64
	for i, t := range d.tracks {
		if int(d.cursors[i]) >= len(t.samples) {
			continue
		}
		off := t.samples[d.cursors[i]].offset
		if best < 0 || off < bestOffset {
			best, bestOffset = i, off
		}
	}
	if best < 0 {
		return media.MediaChunk{}, nil
	}
	return d.readSample(best)
}

func (d *Demuxer) readSample(trackIdx int) (media.MediaChunk, error) {
	t := d.tracks[trackIdx]
	n := d.cursors[trackIdx]
	s := t.samples[n]

	if err := d.s.Seek(s.offset, bytestream.SeekStart); err != nil {
		return media.MediaChunk{}, mediaerr.New(mediaerr.KindIO, "seek", err)
	}
	buf := make([]byte, s.size)
	if _, err := bytestream.ReadFull(d.s, buf); err != nil {
		return media.MediaChunk{}, mediaerr.New(mediaerr.KindIO, "short_read", err)
	}
	d.cursors[trackIdx]++

	var tsMs uint64
	if t.timescale > 0 {
		tsMs = s.timeUnits * 1000 / uint64(t.timescale)
	}
	return media.MediaChunk{
		StreamID:     t.trackID,
		Data:         buf,
		TimestampMs:  tsMs,
		Keyframe:     s.sync,
		SourceOffset: s.offset,
	}, nil
}

// ReadChunkFor returns the next chunk for id, discarding (and advancing
// past) any pending samples from other tracks in between.
func (d *Demuxer) ReadChunkFor(id uint32) (media.MediaChunk, error) {
	idx := d.trackIndex(id)
	if idx < 0 {
		return media.MediaChunk{}, mediaerr.Newf(mediaerr.KindLogic, "unknown_stream", "no stream %d", id)
	}
	for {
		best := -1
		var bestOffset int64
		for i, t := range d.tracks {
			if int(d.cursors[i]) >= len(t.samples) {
				continue
			}
			off := t.samples[d.cursors[i]].offset
			if best < 0 || off < bestOffset {
				best, bestOffset = i, off
			}
		}
		if best < 0 {
			return media.MediaChunk{}, nil
		}
		if best == idx {
			return d.readSample(best)
		}
		d.cursors[best]++
	}
}

// SeekTo repositions every track to the sample at or before ms, snapping
// each track to its nearest preceding sync sample (spec §4.3.3 Seeking).
func (d *Demuxer) SeekTo(ms uint64) error {
	if !d.parsed {
		return mediaerr.ErrInvalidState
	}
	for i, t := range d.tracks {
		if t.timescale == 0 || len(t.samples) == 0 {
			d.cursors[i] = uint32(len(t.samples))
			continue
		}
		targetUnits := ms * uint64(t.timescale) / 1000
		n := t.sampleForTime(targetUnits)
		n = t.nearestSyncAtOrBefore(n)
		d.cursors[i] = n
	}
	return nil
}

func (d *Demuxer) EOF() bool {
	if !d.parsed {
		return false
	}
	for i, t := range d.tracks {
		if int(d.cursors[i]) < len(t.samples) {
			return false
		}
	}
	return true
}

func (d *Demuxer) DurationMs() uint64 { return d.durationMs }

func (d *Demuxer) PositionMs() uint64 {
	var maxMs uint64
	for i, t := range d.tracks {
		if t.timescale == 0 {
			continue
		}
		n := d.cursors[i]
		if int(n) >= len(t.samples) {
			if len(t.samples) == 0 {
				continue
			}
			n = uint32(len(t.samples) - 1)
		}
		ms := t.samples[n].timeUnits * 1000 / uint64(t.timescale)
		if ms > maxMs {
			maxMs = ms
		}
	}
	return maxMs
}

// GranulePosition always returns 0: ISO-BMFF carries no Ogg-style granule
// (spec §3 glossary).
func (d *Demuxer) GranulePosition(id uint32) uint64 { return 0 }

var _ demux.Demuxer = (*Demuxer)(nil)
