package isobmff

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-musicfox/mediacore/bytestream/memstream"
	"github.com/go-musicfox/mediacore/media"
)

// box wraps body in a standard 4-byte-size + 4-byte-FourCC ISO-BMFF box
// header (spec §4.3.3 Box grammar).
func box(fourcc string, body []byte) []byte {
	out := make([]byte, 0, 8+len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(8+len(body)))
	out = append(out, fourcc...)
	out = append(out, body...)
	return out
}

func u32be(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

// buildFragmentFreeM4A assembles a minimal single-track, single-chunk,
// fragment-free audio-only MP4 container: ftyp, moov/trak/mdia/minf/stbl,
// and one mdat holding 4 two-byte PCM ("twos") samples.
func buildFragmentFreeM4A(pcm []byte) []byte {
	// stsd: one "twos" audio sample entry, no config child box needed.
	entryBody := make([]byte, 0, 28)
	entryBody = append(entryBody, make([]byte, 6)...) // reserved
	entryBody = append(entryBody, 0, 1)                // data_reference_index = 1
	entryBody = append(entryBody, make([]byte, 8)...)  // reserved
	entryBody = append(entryBody, 0, 1)                // channels = 1
	entryBody = append(entryBody, 0, 16)               // sample size = 16 bits
	entryBody = append(entryBody, 0, 0)                // pre_defined
	entryBody = append(entryBody, 0, 0)                // reserved
	entryBody = u32be(entryBody, uint32(8000)<<16)     // sample rate, 16.16 fixed point
	entry := box("twos", entryBody)

	stsdBody := u32be(nil, 0) // version+flags
	stsdBody = u32be(stsdBody, 1) // entry_count
	stsdBody = append(stsdBody, entry...)
	stsdBox := box("stsd", stsdBody)

	sttsBody := u32be(nil, 0)
	sttsBody = u32be(sttsBody, 1)   // entry_count
	sttsBody = u32be(sttsBody, 4)   // sample_count
	sttsBody = u32be(sttsBody, 250) // sample_delta
	sttsBox := box("stts", sttsBody)

	stscBody := u32be(nil, 0)
	stscBody = u32be(stscBody, 1) // entry_count
	stscBody = u32be(stscBody, 1) // first_chunk
	stscBody = u32be(stscBody, 4) // samples_per_chunk
	stscBody = u32be(stscBody, 1) // sample_description_index
	stscBox := box("stsc", stscBody)

	stszBody := u32be(nil, 0)
	stszBody = u32be(stszBody, 2) // uniform sample_size
	stszBody = u32be(stszBody, 4) // sample_count
	stszBox := box("stsz", stszBody)

	stcoBody := u32be(nil, 0)
	stcoBody = u32be(stcoBody, 1) // entry_count
	stcoOffsetPos := len(stcoBody)
	stcoBody = u32be(stcoBody, 0) // chunk_offset placeholder, patched below
	stcoBox := box("stco", stcoBody)

	stblBody := append([]byte{}, stsdBox...)
	stblBody = append(stblBody, sttsBox...)
	stblBody = append(stblBody, stscBox...)
	stblBody = append(stblBody, stszBox...)
	stblBody = append(stblBody, stcoBox...)
	stblBox := box("stbl", stblBody)

	minfBox := box("minf", stblBox)

	hdlrBody := make([]byte, 8) // version+flags, pre_defined
	hdlrBody = append(hdlrBody, "soun"...)
	hdlrBody = append(hdlrBody, make([]byte, 12)...) // reserved/name, unread
	hdlrBox := box("hdlr", hdlrBody)

	mdhdBody := u32be(nil, 0)                       // version+flags
	mdhdBody = append(mdhdBody, make([]byte, 8)...) // creation+modification time
	mdhdBody = u32be(mdhdBody, 1000)                // timescale
	mdhdBody = u32be(mdhdBody, 1000)                // duration
	mdhdBody = append(mdhdBody, make([]byte, 4)...) // language+pad
	mdhdBox := box("mdhd", mdhdBody)

	mdiaBody := append([]byte{}, mdhdBox...)
	mdiaBody = append(mdiaBody, hdlrBox...)
	mdiaBody = append(mdiaBody, minfBox...)
	mdiaBox := box("mdia", mdiaBody)

	tkhdBody := u32be(nil, 0)                       // version+flags
	tkhdBody = append(tkhdBody, make([]byte, 8)...) // ctime+mtime
	tkhdBody = u32be(tkhdBody, 1)                   // track_ID
	tkhdBox := box("tkhd", tkhdBody)

	trakBody := append([]byte{}, tkhdBox...)
	trakBody = append(trakBody, mdiaBox...)
	trakBox := box("trak", trakBody)

	moovBox := box("moov", trakBox)

	ftypBody := append([]byte("M4A "), 0, 0, 0, 0)
	ftypBody = append(ftypBody, "M4A "...)
	ftypBox := box("ftyp", ftypBody)

	mdatDataOffset := int64(len(ftypBox) + len(moovBox) + 8)

	// stcoBox lives inside stblBox inside minfBox inside mdiaBox inside
	// trakBox inside moovBox; compute its absolute byte offset within
	// moovBox from the sizes of everything built before it.
	stcoOffsetInMoov := 8 /* moov hdr */ + 8 /* trak hdr */ + len(tkhdBox) +
		8 /* mdia hdr */ + len(mdhdBox) + len(hdlrBox) +
		8 /* minf hdr */ + 8 /* stbl hdr */ + len(stsdBox) + len(sttsBox) + len(stscBox) + len(stszBox) +
		8 /* stco hdr */ + stcoOffsetPos
	binary.BigEndian.PutUint32(moovBox[stcoOffsetInMoov:], uint32(mdatDataOffset))

	mdatBox := box("mdat", pcm)

	out := append([]byte{}, ftypBox...)
	out = append(out, moovBox...)
	out = append(out, mdatBox...)
	return out
}

func TestParseContainerFragmentFreeM4A(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	data := buildFragmentFreeM4A(pcm)
	d := New(memstream.New(data), DefaultOptions())

	if err := d.ParseContainer(); err != nil {
		t.Fatalf("ParseContainer: %v", err)
	}

	streams := d.Streams()
	if len(streams) != 1 {
		t.Fatalf("Streams() len = %d, want 1", len(streams))
	}
	info := streams[0]
	if info.CodecType != media.CodecTypeAudio || info.CodecName != media.CodecPCM {
		t.Fatalf("info = %+v, want audio/pcm", info)
	}
	if info.SampleRate != 8000 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Fatalf("info = %+v, want 8000Hz/1ch/16bit", info)
	}
	if info.DurationMs != 1000 || info.DurationSamples != 4 {
		t.Fatalf("info duration = %d ms / %d samples, want 1000/4", info.DurationMs, info.DurationSamples)
	}

	wantChunks := [][]byte{pcm[0:2], pcm[2:4], pcm[4:6], pcm[6:8]}
	wantTimestamps := []uint64{0, 250, 500, 750}
	for i, want := range wantChunks {
		chunk, err := d.ReadChunk()
		if err != nil {
			t.Fatalf("ReadChunk %d: %v", i, err)
		}
		if !bytes.Equal(chunk.Data, want) {
			t.Fatalf("chunk %d data = %x, want %x", i, chunk.Data, want)
		}
		if chunk.TimestampMs != wantTimestamps[i] {
			t.Fatalf("chunk %d timestamp = %d, want %d", i, chunk.TimestampMs, wantTimestamps[i])
		}
		if !chunk.Keyframe {
			t.Fatalf("chunk %d: expected Keyframe=true (no stss means every sample is sync)", i)
		}
	}

	eofChunk, err := d.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk (eof): %v", err)
	}
	if !eofChunk.EOF() {
		t.Fatalf("expected EOF after exhausting all samples, got %+v", eofChunk)
	}
	if !d.EOF() {
		t.Fatalf("expected Demuxer.EOF() to report true")
	}
}

func TestSeekToSnapsToSyncSample(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	d := New(memstream.New(buildFragmentFreeM4A(pcm)), DefaultOptions())
	if err := d.ParseContainer(); err != nil {
		t.Fatalf("ParseContainer: %v", err)
	}

	if err := d.SeekTo(400); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	chunk, err := d.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if chunk.TimestampMs != 250 {
		t.Fatalf("after SeekTo(400), next chunk timestamp = %d, want 250 (nearest sample at-or-before)", chunk.TimestampMs)
	}
}

func TestParseContainerRejectsMissingMoov(t *testing.T) {
	ftypBody := append([]byte("M4A "), 0, 0, 0, 0)
	ftypBody = append(ftypBody, "M4A "...)
	data := box("ftyp", ftypBody)
	d := New(memstream.New(data), DefaultOptions())
	if err := d.ParseContainer(); err == nil {
		t.Fatalf("expected an error for a container with no moov box")
	}
}
