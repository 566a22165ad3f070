package riff

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-musicfox/mediacore/bytestream/memstream"
	"github.com/go-musicfox/mediacore/media"
)

func buildWAV(pcm []byte) []byte {
	var fmtChunk bytes.Buffer
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(1))     // PCM tag
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(1))     // mono
	binary.Write(&fmtChunk, binary.LittleEndian, uint32(8000))  // sample rate
	binary.Write(&fmtChunk, binary.LittleEndian, uint32(16000)) // byte rate
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(2))     // block align
	binary.Write(&fmtChunk, binary.LittleEndian, uint16(16))    // bits per sample

	var body bytes.Buffer
	body.WriteString("WAVE")
	body.WriteString("fmt ")
	binary.Write(&body, binary.LittleEndian, uint32(fmtChunk.Len()))
	body.Write(fmtChunk.Bytes())
	body.WriteString("data")
	binary.Write(&body, binary.LittleEndian, uint32(len(pcm)))
	body.Write(pcm)
	if len(pcm)%2 != 0 {
		body.WriteByte(0)
	}

	var out bytes.Buffer
	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func TestParseContainerWAV(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00} // 4 mono int16 samples
	s := memstream.New(buildWAV(pcm))
	d := New(s)

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

	chunk, err := d.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(chunk.Data, pcm) {
		t.Fatalf("chunk.Data = %x, want %x", chunk.Data, pcm)
	}

	next, err := d.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk (second): %v", err)
	}
	if !next.EOF() {
		t.Fatalf("expected EOF chunk after exhausting the single data chunk, got %+v", next)
	}
}

func TestParseContainerRejectsUnknownMagic(t *testing.T) {
	s := memstream.New([]byte("NOPE0000garbagegarbage"))
	d := New(s)
	if err := d.ParseContainer(); err == nil {
		t.Fatalf("expected an error for a non-RIFF/FORM stream")
	}
}

func TestParseContainerIsIdempotent(t *testing.T) {
	s := memstream.New(buildWAV([]byte{0, 0, 0, 0}))
	d := New(s)
	if err := d.ParseContainer(); err != nil {
		t.Fatalf("ParseContainer: %v", err)
	}
	if err := d.ParseContainer(); err != nil {
		t.Fatalf("second ParseContainer call should be a no-op, got: %v", err)
	}
}
