package factory

import (
	"testing"

	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/bytestream/memstream"
)

func wavHeader() []byte {
	b := make([]byte, 44)
	copy(b[0:4], "RIFF")
	copy(b[8:12], "WAVE")
	copy(b[12:16], "fmt ")
	copy(b[36:40], "data")
	return b
}

func aiffHeader() []byte {
	b := make([]byte, 32)
	copy(b[0:4], "FORM")
	copy(b[8:12], "AIFF")
	return b
}

func TestDetectRIFFFamily(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"wav", wavHeader()},
		{"aiff", aiffHeader()},
	}
	for _, c := range cases {
		s := memstream.New(c.data)
		got, err := Detect(s, "")
		if err != nil {
			t.Fatalf("%s: Detect: %v", c.name, err)
		}
		if got != FormatRIFF {
			t.Fatalf("%s: Detect = %q, want %q", c.name, got, FormatRIFF)
		}
		if s.Tell() != 0 {
			t.Fatalf("%s: Detect moved the stream position to %d, want 0", c.name, s.Tell())
		}
	}
}

func TestDetectOggFLACAndISOBMFF(t *testing.T) {
	ogg := []byte("OggS\x00\x02\x00\x00\x00\x00\x00\x00")
	if got, err := Detect(memstream.New(ogg), ""); err != nil || got != FormatOgg {
		t.Fatalf("Detect(ogg) = %q, %v; want %q, nil", got, err, FormatOgg)
	}

	flac := []byte("fLaC\x80\x00\x00\x22")
	if got, err := Detect(memstream.New(flac), ""); err != nil || got != FormatFLAC {
		t.Fatalf("Detect(flac) = %q, %v; want %q, nil", got, err, FormatFLAC)
	}

	mp4 := make([]byte, 16)
	mp4[3] = 20 // big-endian size = 20
	copy(mp4[4:8], "ftyp")
	copy(mp4[8:12], "M4A ")
	if got, err := Detect(memstream.New(mp4), ""); err != nil || got != FormatISOBMFF {
		t.Fatalf("Detect(mp4) = %q, %v; want %q, nil", got, err, FormatISOBMFF)
	}
}

func TestDetectUnknownReturnsFormatUnknown(t *testing.T) {
	s := memstream.New([]byte("not a media container"))
	got, err := Detect(s, "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != FormatUnknown {
		t.Fatalf("Detect = %q, want %q", got, FormatUnknown)
	}
}

func TestDetectPreservesStreamPosition(t *testing.T) {
	s := memstream.New(wavHeader())
	if err := s.Seek(10, bytestream.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := Detect(s, ""); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if s.Tell() != 10 {
		t.Fatalf("Detect left position at %d, want 10 (restored)", s.Tell())
	}
}

func TestOpenConstructsMatchingDemuxer(t *testing.T) {
	s := memstream.New(wavHeader())
	d, format, err := Open(s, "song.wav", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if format != FormatRIFF {
		t.Fatalf("format = %q, want %q", format, FormatRIFF)
	}
	if d == nil {
		t.Fatalf("Open returned a nil demuxer alongside a nil error")
	}
}

func TestOpenUnsupportedFormatErrors(t *testing.T) {
	s := memstream.New([]byte("garbage"))
	if _, _, err := Open(s, "", Options{}); err == nil {
		t.Fatalf("expected an error for an unrecognised byte stream")
	}
}
