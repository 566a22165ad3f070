package isobmff

// Sample tables (spec §4.3.3 Sample tables): stsc/stco/stsz/stts/stss
// parsing and the flat per-sample index derived from them.

import (
	"sort"

	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/media"
)

// sampleToChunkRun is one stsc entry: chunks [firstChunk, next run's
// firstChunk) each hold samplesPerChunk samples described by sampleDescIndex.
type sampleToChunkRun struct {
	firstChunk      uint32
	samplesPerChunk uint32
	sampleDescIndex uint32
}

// timeToSampleRun is one stts entry: the next count samples each last delta
// timescale units.
type timeToSampleRun struct {
	count uint32
	delta uint32
}

// trackSample is one fully resolved sample: its file offset, size, decode
// time (in the track's timescale), and whether it's a random-access point.
type trackSample struct {
	offset    int64
	size      uint32
	timeUnits uint64
	sync      bool
}

// track holds one trak box's resolved state: identity, codec, and the flat
// sample index built once in ParseContainer from the stbl tables (and any
// moof/traf fragments appended after it).
type track struct {
	trackID     uint32
	timescale   uint32
	durationUnits uint64
	handlerType string // "soun", "vide", ...

	info media.StreamInfo

	sampleToChunk []sampleToChunkRun
	chunkOffsets  []int64
	uniformSize   uint32 // stsz sample_size field; 0 means per-sample sizes
	sampleSizes   []uint32
	sampleCount   uint32
	timeToSample  []timeToSampleRun
	syncSamples   []uint32 // 0-based sample indices; empty means every sample is sync

	samples []trackSample // built by expandSamples once stbl+fragments are read
}

func (t *track) sampleSize(n uint32) uint32 {
	if t.uniformSize != 0 {
		return t.uniformSize
	}
	if int(n) < len(t.sampleSizes) {
		return t.sampleSizes[n]
	}
	return 0
}

// expandSamples flattens stsc/stco/stsz/stts/stss into t.samples. This
// trades memory for a simple, uniform sample index shared by static and
// fragmented tracks; fine at the file sizes this module is built to probe
// (spec's demo/testing scope), not a general-purpose multi-GB MP4 index.
func (t *track) expandSamples() {
	samples := make([]trackSample, 0, t.sampleCount)
	sampleIdx := uint32(0)
	for i, run := range t.sampleToChunk {
		lastChunk := uint32(len(t.chunkOffsets))
		if i+1 < len(t.sampleToChunk) {
			lastChunk = t.sampleToChunk[i+1].firstChunk - 1
		}
		for chunk := run.firstChunk; chunk <= lastChunk; chunk++ {
			if chunk == 0 || int(chunk-1) >= len(t.chunkOffsets) {
				break
			}
			base := t.chunkOffsets[chunk-1]
			var within int64
			for s := uint32(0); s < run.samplesPerChunk; s++ {
				if sampleIdx >= t.sampleCount {
					break
				}
				size := t.sampleSize(sampleIdx)
				samples = append(samples, trackSample{offset: base + within, size: size})
				within += int64(size)
				sampleIdx++
			}
		}
	}

	var timeAcc uint64
	pos := 0
	for _, run := range t.timeToSample {
		for c := uint32(0); c < run.count && pos < len(samples); c++ {
			samples[pos].timeUnits = timeAcc
			timeAcc += uint64(run.delta)
			pos++
		}
	}

	if len(t.syncSamples) == 0 {
		for i := range samples {
			samples[i].sync = true
		}
	} else {
		syncSet := make(map[uint32]bool, len(t.syncSamples))
		for _, s := range t.syncSamples {
			syncSet[s] = true
		}
		for i := range samples {
			if syncSet[uint32(i)] {
				samples[i].sync = true
			}
		}
	}
	t.samples = samples
}

// sampleForTime returns the index of the last sample whose decode time is
// <= targetUnits, or 0 if targetUnits precedes every sample.
func (t *track) sampleForTime(targetUnits uint64) uint32 {
	i := sort.Search(len(t.samples), func(i int) bool {
		return t.samples[i].timeUnits > targetUnits
	}) - 1
	if i < 0 {
		return 0
	}
	return uint32(i)
}

// nearestSyncAtOrBefore snaps n down to the closest preceding sync sample
// (spec §4.3.3 Seeking), falling back to n itself when every sample is sync.
func (t *track) nearestSyncAtOrBefore(n uint32) uint32 {
	if int(n) >= len(t.samples) || t.samples[n].sync {
		return n
	}
	for i := int(n); i >= 0; i-- {
		if t.samples[i].sync {
			return uint32(i)
		}
	}
	return 0
}

func parseStsc(s bytestream.ByteStream, body int64) ([]sampleToChunkRun, error) {
	if _, err := bytestream.ReadU32BE(s); err != nil { // version+flags
		return nil, err
	}
	count, err := bytestream.ReadU32BE(s)
	if err != nil {
		return nil, err
	}
	runs := make([]sampleToChunkRun, 0, count)
	for i := uint32(0); i < count; i++ {
		first, err := bytestream.ReadU32BE(s)
		if err != nil {
			return runs, err
		}
		perChunk, err := bytestream.ReadU32BE(s)
		if err != nil {
			return runs, err
		}
		descIdx, err := bytestream.ReadU32BE(s)
		if err != nil {
			return runs, err
		}
		runs = append(runs, sampleToChunkRun{firstChunk: first, samplesPerChunk: perChunk, sampleDescIndex: descIdx})
	}
	return runs, nil
}

func parseStco(s bytestream.ByteStream, wide bool) ([]int64, error) {
	if _, err := bytestream.ReadU32BE(s); err != nil {
		return nil, err
	}
	count, err := bytestream.ReadU32BE(s)
	if err != nil {
		return nil, err
	}
	offsets := make([]int64, 0, count)
	for i := uint32(0); i < count; i++ {
		if wide {
			v, err := bytestream.ReadU64BE(s)
			if err != nil {
				return offsets, err
			}
			offsets = append(offsets, int64(v))
		} else {
			v, err := bytestream.ReadU32BE(s)
			if err != nil {
				return offsets, err
			}
			offsets = append(offsets, int64(v))
		}
	}
	return offsets, nil
}

// parseStsz parses both stsz (uniform-or-per-sample) and stz2 (compact
// per-sample, 4/8/16-bit field sizes) layouts.
func parseStsz(s bytestream.ByteStream, compact bool) (uniform uint32, sizes []uint32, count uint32, err error) {
	if _, err = bytestream.ReadU32BE(s); err != nil {
		return
	}
	if compact {
		reserved, e := bytestream.ReadU32BE(s)
		if e != nil {
			err = e
			return
		}
		fieldSize := byte(reserved & 0xFF)
		count, err = bytestream.ReadU32BE(s)
		if err != nil {
			return
		}
		sizes = make([]uint32, 0, count)
		switch fieldSize {
		case 16:
			for i := uint32(0); i < count; i++ {
				v, e := bytestream.ReadU16BE(s)
				if e != nil {
					return uniform, sizes, count, e
				}
				sizes = append(sizes, uint32(v))
			}
		case 8:
			for i := uint32(0); i < count; i++ {
				v, e := bytestream.ReadU8(s)
				if e != nil {
					return uniform, sizes, count, e
				}
				sizes = append(sizes, uint32(v))
			}
		default: // 4-bit packed, two samples per byte
			for i := uint32(0); i < count; i += 2 {
				b, e := bytestream.ReadU8(s)
				if e != nil {
					return uniform, sizes, count, e
				}
				sizes = append(sizes, uint32(b>>4))
				if i+1 < count {
					sizes = append(sizes, uint32(b&0x0F))
				}
			}
		}
		return
	}

	uniform, err = bytestream.ReadU32BE(s)
	if err != nil {
		return
	}
	count, err = bytestream.ReadU32BE(s)
	if err != nil {
		return
	}
	if uniform != 0 {
		return
	}
	sizes = make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		v, e := bytestream.ReadU32BE(s)
		if e != nil {
			return uniform, sizes, count, e
		}
		sizes = append(sizes, v)
	}
	return
}

func parseStts(s bytestream.ByteStream) ([]timeToSampleRun, error) {
	if _, err := bytestream.ReadU32BE(s); err != nil {
		return nil, err
	}
	count, err := bytestream.ReadU32BE(s)
	if err != nil {
		return nil, err
	}
	runs := make([]timeToSampleRun, 0, count)
	for i := uint32(0); i < count; i++ {
		c, err := bytestream.ReadU32BE(s)
		if err != nil {
			return runs, err
		}
		d, err := bytestream.ReadU32BE(s)
		if err != nil {
			return runs, err
		}
		runs = append(runs, timeToSampleRun{count: c, delta: d})
	}
	return runs, nil
}

func parseStss(s bytestream.ByteStream) ([]uint32, error) {
	if _, err := bytestream.ReadU32BE(s); err != nil {
		return nil, err
	}
	count, err := bytestream.ReadU32BE(s)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := bytestream.ReadU32BE(s)
		if err != nil {
			return out, err
		}
		out = append(out, v-1) // stss is 1-based
	}
	return out, nil
}
