// Package media defines the container-agnostic value types produced by the
// demultiplexer family: StreamInfo and MediaChunk (spec §3).
package media

// CodecType classifies an elementary stream.
type CodecType string

const (
	CodecTypeAudio    CodecType = "audio"
	CodecTypeVideo    CodecType = "video"
	CodecTypeSubtitle CodecType = "subtitle"
)

// Well-known codec names (spec §3); format-specific parsers populate
// StreamInfo.CodecName with one of these.
const (
	CodecPCM    = "pcm"
	CodecMP3    = "mp3"
	CodecVorbis = "vorbis"
	CodecOpus   = "opus"
	CodecFLAC   = "flac"
	CodecAAC    = "aac"
	CodecALAC   = "alac"
	CodecALaw   = "alaw"
	CodecMULaw  = "mulaw"
	CodecADPCM  = "adpcm"
	CodecSpeex  = "speex"
)

// Tags holds the basic tag triple carried by every container family.
type Tags struct {
	Artist string
	Title  string
	Album  string
}

// StreamInfo is the per-elementary-stream descriptor (spec §3).
type StreamInfo struct {
	StreamID  uint32
	CodecType CodecType
	CodecName string
	CodecTag  uint32

	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
	Bitrate       uint32

	// CodecPrivate is an opaque codec-specific configuration blob (e.g. the
	// ISO-BMFF AudioSpecificConfig, the ALAC magic cookie, or the FLAC
	// STREAMINFO metadata block). Owned by this StreamInfo.
	CodecPrivate []byte

	DurationSamples uint64
	DurationMs      uint64

	Tags Tags
}

// IsValid reports whether s carries the minimum required fields (spec §8.1).
func (s StreamInfo) IsValid() bool {
	return s.StreamID != 0 && s.CodecType != "" && s.CodecName != ""
}

// IsAudio reports whether s is an audio stream.
func (s StreamInfo) IsAudio() bool { return s.CodecType == CodecTypeAudio }

// IsVideo reports whether s is a video stream.
func (s StreamInfo) IsVideo() bool { return s.CodecType == CodecTypeVideo }

// IsSubtitle reports whether s is a subtitle stream.
func (s StreamInfo) IsSubtitle() bool { return s.CodecType == CodecTypeSubtitle }

// MediaChunk is one encoded unit handed to a decoder (spec §3). An empty
// chunk (len(Data) == 0) signals end-of-stream.
type MediaChunk struct {
	StreamID     uint32
	Data         []byte
	Granule      uint64 // codec-defined granule/sample timestamp
	TimestampMs  uint64
	Keyframe     bool
	SourceOffset int64 // originating file offset, used for seek recovery
}

// EOF reports whether c represents end-of-stream.
func (c MediaChunk) EOF() bool { return len(c.Data) == 0 }
