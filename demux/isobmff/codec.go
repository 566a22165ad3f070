package isobmff

// Codec identification from an stsd sample entry (spec §4.3.3 Codec ID
// table): mp4a+esds -> AAC, alac -> ALAC, ulaw/alaw -> telephony, the PCM
// variants, fLaC+dfLa -> FLAC via the flac package's STREAMINFO decoder.

import (
	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/demux/flac"
	"github.com/go-musicfox/mediacore/media"
)

// audioSampleEntryFixedLen is the QuickTime/ISO audio sample entry's fixed
// region after the 16-byte common sample-entry header: reserved(8) +
// channelCount(2) + sampleSize(2) + preDefined(2) + reserved(2) +
// sampleRate(4, 16.16 fixed point) = 20 bytes.
const audioSampleEntryFixedLen = 20

type audioSampleEntry struct {
	format     string
	channels   uint16
	sampleSize uint16
	sampleRate uint32 // integer Hz, truncated from the 16.16 fixed-point field
	bodyStart  int64
	bodyEnd    int64
}

// parseStsd reads the version/flags/entry_count and the first sample
// entry's common header plus audio-fixed fields, returning the box range
// that still needs to be walked (its config child boxes: esds/alac/dfLa).
func parseStsd(s bytestream.ByteStream, end int64) (audioSampleEntry, error) {
	var e audioSampleEntry
	if _, err := bytestream.ReadU32BE(s); err != nil { // version+flags
		return e, err
	}
	if _, err := bytestream.ReadU32BE(s); err != nil { // entry_count
		return e, err
	}
	entryStart := s.Tell()
	entrySize, err := bytestream.ReadU32BE(s)
	if err != nil {
		return e, err
	}
	fourcc, err := bytestream.ReadFourCC(s)
	if err != nil {
		return e, err
	}
	e.format = fourcc.String()
	entryEnd := entryStart + int64(entrySize)
	if entryEnd > end || entrySize < 8 {
		entryEnd = end
	}

	if err := s.Seek(6, bytestream.SeekCurrent); err != nil { // reserved
		return e, err
	}
	if _, err := bytestream.ReadU16BE(s); err != nil { // data_reference_index
		return e, err
	}
	if s.Tell()+audioSampleEntryFixedLen <= entryEnd {
		if err := s.Seek(8, bytestream.SeekCurrent); err != nil { // reserved
			return e, err
		}
		ch, err := bytestream.ReadU16BE(s)
		if err != nil {
			return e, err
		}
		sz, err := bytestream.ReadU16BE(s)
		if err != nil {
			return e, err
		}
		if err := s.Seek(4, bytestream.SeekCurrent); err != nil { // predefined+reserved
			return e, err
		}
		rate, err := bytestream.ReadU32BE(s)
		if err != nil {
			return e, err
		}
		e.channels = ch
		e.sampleSize = sz
		e.sampleRate = rate >> 16
	}
	e.bodyStart = s.Tell()
	e.bodyEnd = entryEnd
	return e, nil
}

// identifyCodec classifies a sample entry and populates the codec-specific
// StreamInfo fields; esdsConfig is the raw payload of an esds (or, for alac
// entries, alac) child box and dfLaData that of a dfLa child box, each nil
// if absent.
func identifyCodec(e audioSampleEntry, esdsConfig, dfLaData []byte) media.StreamInfo {
	info := media.StreamInfo{
		CodecType:     media.CodecTypeAudio,
		Channels:      e.channels,
		SampleRate:    e.sampleRate,
		BitsPerSample: e.sampleSize,
	}
	switch e.format {
	case "mp4a":
		info.CodecName = media.CodecAAC
		if asc := extractAudioSpecificConfig(esdsConfig); asc != nil {
			info.CodecPrivate = asc
		}
	case "alac":
		info.CodecName = media.CodecALAC
		info.CodecPrivate = esdsConfig
	case "ulaw":
		info.CodecName = media.CodecMULaw
		if info.SampleRate == 0 {
			info.SampleRate = 8000
		}
		if info.Channels == 0 {
			info.Channels = 1
		}
		info.BitsPerSample = 8
	case "alaw":
		info.CodecName = media.CodecALaw
		if info.SampleRate == 0 {
			info.SampleRate = 8000
		}
		if info.Channels == 0 {
			info.Channels = 1
		}
		info.BitsPerSample = 8
	case "lpcm", "sowt", "twos", "in24", "in32", "fl32", "fl64":
		info.CodecName = media.CodecPCM
		if e.format == "fl32" {
			info.BitsPerSample = 32
		} else if e.format == "fl64" {
			info.BitsPerSample = 64
		} else if e.format == "in24" {
			info.BitsPerSample = 24
		} else if e.format == "in32" {
			info.BitsPerSample = 32
		}
	case "fLaC":
		info.CodecName = media.CodecFLAC
		if len(dfLaData) >= 34 {
			if si, err := flac.DecodeStreamInfoBlock(dfLaData); err == nil {
				info.SampleRate = si.SampleRate
				info.Channels = si.Channels
				info.BitsPerSample = si.BitsPerSample
				info.DurationSamples = si.TotalSamples
			}
		}
		info.CodecPrivate = dfLaData
	default:
		info.CodecName = e.format
	}
	return info
}

// extractAudioSpecificConfig pulls the AudioSpecificConfig out of an esds
// box's DecoderSpecificInfo descriptor (tag 0x05), skipping the
// ES_Descriptor/DecoderConfigDescriptor wrapper tags (0x03/0x04).
func extractAudioSpecificConfig(esds []byte) []byte {
	if len(esds) < 4 {
		return nil
	}
	body := esds[4:] // skip version+flags
	for len(body) > 0 {
		tag := body[0]
		body = body[1:]
		length, n, ok := readDescLength(body)
		if !ok {
			return nil
		}
		body = body[n:]
		if uint32(len(body)) < length {
			return nil
		}
		payload := body[:length]
		switch tag {
		case 0x03: // ES_DescrTag: ES_ID(2)+flags(1) prefix before nested descriptors
			if len(payload) >= 3 {
				body = payload[3:]
				continue
			}
		case 0x04: // DecoderConfigDescrTag: 13-byte fixed prefix, then nested
			if len(payload) >= 13 {
				body = payload[13:]
				continue
			}
		case 0x05: // DecSpecificInfoTag: this is the AudioSpecificConfig itself
			return append([]byte(nil), payload...)
		}
		body = body[length:]
	}
	return nil
}

// readDescLength decodes an MPEG-4 descriptor's variable-length size field
// (up to 4 bytes, continuation bit in the high bit of each byte).
func readDescLength(b []byte) (uint32, int, bool) {
	var length uint32
	for i := 0; i < 4 && i < len(b); i++ {
		length = length<<7 | uint32(b[i]&0x7F)
		if b[i]&0x80 == 0 {
			return length, i + 1, true
		}
	}
	return 0, 0, false
}
