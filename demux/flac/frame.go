package flac

// Frame sync search and header parsing (spec §4.3.4, RFC 9639 §9.1).

import "github.com/go-musicfox/mediacore/mediaerr"

var blockSizeTable = map[byte]uint32{
	1: 192,
	2: 576, 3: 1152, 4: 2304, 5: 4608,
	8: 256, 9: 512, 10: 1024, 11: 2048, 12: 4096, 13: 8192, 14: 16384, 15: 32768,
}

var sampleRateTable = map[byte]uint32{
	1: 88200, 2: 176400, 3: 192000,
	4: 8000, 5: 16000, 6: 22050, 7: 24000, 8: 32000, 9: 44100, 10: 48000, 11: 96000,
}

// channelCount returns the channel count implied by a 4-bit channel
// assignment code (0-7: independent mono..8ch; 8-10: 2ch stereo decorrelation
// modes; 11-15 reserved).
func channelCount(code byte) (uint16, bool) {
	switch {
	case code <= 7:
		return uint16(code) + 1, true
	case code >= 8 && code <= 10:
		return 2, true
	default:
		return 0, false
	}
}

var bitsPerSampleTable = map[byte]uint16{
	1: 8, 2: 12, 4: 16, 5: 20, 6: 24, 7: 32,
}

// isFrameSync reports whether b0,b1 begin a FLAC frame header (the 14-bit
// sync code 0x3FFE followed by a zero reserved bit).
func isFrameSync(b0, b1 byte) bool {
	return b0 == 0xFF && (b1&0xFE) == 0xF8
}

// frameHeader is the parsed, pre-CRC portion of a frame header plus its
// total byte length.
type frameHeader struct {
	variableBlocking bool
	blockSize        uint32
	sampleRate       uint32
	channels         uint16
	channelCode      byte
	bitsPerSample    uint16
	number           uint64 // sample number (variable) or frame number (fixed)
	headerLen        int
}

// parseFrameHeader parses a candidate frame header from buf (which must
// hold at least 16 bytes, or up to EOF), validating CRC-8 over the header
// bytes. sampleRate and bitsPerSample are taken from si when the frame
// header doesn't explicitly encode them; explicitly encoded values are
// accepted even when they differ from si.
func parseFrameHeader(buf []byte, si streamInfo) (*frameHeader, bool) {
	if len(buf) < 5 || !isFrameSync(buf[0], buf[1]) {
		return nil, false
	}
	h := &frameHeader{variableBlocking: buf[1]&0x01 != 0}

	blockCode := buf[2] >> 4
	rateCode := buf[2] & 0x0F
	chanCode := buf[3] >> 4
	bpsCode := (buf[3] >> 1) & 0x07
	if buf[3]&0x01 != 0 {
		return nil, false // reserved bit must be 0
	}
	h.channelCode = chanCode

	channels, ok := channelCount(chanCode)
	if !ok {
		return nil, false
	}
	h.channels = channels

	if bpsCode == 0 {
		h.bitsPerSample = si.BitsPerSample
	} else if bps, ok := bitsPerSampleTable[bpsCode]; ok {
		h.bitsPerSample = bps
	} else {
		return nil, false
	}

	pos := 4
	number, n, ok := readFlacUTF8(buf[pos:])
	if !ok {
		return nil, false
	}
	h.number = number
	pos += n

	switch {
	case blockCode == 0:
		return nil, false
	case blockCode == 6:
		if pos >= len(buf) {
			return nil, false
		}
		h.blockSize = uint32(buf[pos]) + 1
		pos++
	case blockCode == 7:
		if pos+2 > len(buf) {
			return nil, false
		}
		h.blockSize = (uint32(buf[pos])<<8 | uint32(buf[pos+1])) + 1
		pos += 2
	default:
		size, ok := blockSizeTable[blockCode]
		if !ok {
			return nil, false
		}
		h.blockSize = size
	}

	switch {
	case rateCode == 0:
		h.sampleRate = si.SampleRate
	case rateCode == 12:
		if pos >= len(buf) {
			return nil, false
		}
		h.sampleRate = uint32(buf[pos]) * 1000
		pos++
	case rateCode == 13:
		if pos+2 > len(buf) {
			return nil, false
		}
		h.sampleRate = uint32(buf[pos])<<8 | uint32(buf[pos+1])
		pos += 2
	case rateCode == 14:
		if pos+2 > len(buf) {
			return nil, false
		}
		h.sampleRate = (uint32(buf[pos])<<8 | uint32(buf[pos+1])) * 10
		pos += 2
	case rateCode == 15:
		return nil, false
	default:
		rate, ok := sampleRateTable[rateCode]
		if !ok {
			return nil, false
		}
		h.sampleRate = rate
	}

	if pos >= len(buf) {
		return nil, false
	}
	gotCRC := buf[pos]
	wantCRC := crc8(buf[:pos])
	if gotCRC != wantCRC {
		return nil, false
	}
	h.headerLen = pos + 1

	if si.SampleRate != 0 && rateCode != 0 && h.sampleRate != si.SampleRate {
		// Explicitly encoded and disagreeing with STREAMINFO: still a
		// structurally valid header (spec allows explicit override), so
		// accept it rather than rejecting the frame.
		_ = si
	}
	return h, true
}

// readFlacUTF8 decodes the extended-UTF-8 coded frame/sample number used by
// FLAC frame headers (up to 7 bytes, 36-bit values), returning the decoded
// value and the number of bytes consumed.
func readFlacUTF8(b []byte) (uint64, int, bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	b0 := b[0]
	var value uint64
	var extra int
	switch {
	case b0&0x80 == 0x00:
		return uint64(b0), 1, true
	case b0&0xE0 == 0xC0:
		value, extra = uint64(b0&0x1F), 1
	case b0&0xF0 == 0xE0:
		value, extra = uint64(b0&0x0F), 2
	case b0&0xF8 == 0xF0:
		value, extra = uint64(b0&0x07), 3
	case b0&0xFC == 0xF8:
		value, extra = uint64(b0&0x03), 4
	case b0&0xFE == 0xFC:
		value, extra = uint64(b0&0x01), 5
	case b0 == 0xFE:
		value, extra = 0, 6
	default:
		return 0, 0, false
	}
	if len(b) < 1+extra {
		return 0, 0, false
	}
	for i := 0; i < extra; i++ {
		cb := b[1+i]
		if cb&0xC0 != 0x80 {
			return 0, 0, false
		}
		value = value<<6 | uint64(cb&0x3F)
	}
	return value, 1 + extra, true
}

// minFrameBound and maxFrameBound give the header's theoretical size bounds
// for searching the next frame boundary (spec §4.3.4).
func minFrameBound(h *frameHeader) int64 {
	dataBits := int64(h.blockSize) * int64(h.channels) * int64(h.bitsPerSample)
	return int64(h.headerLen) + dataBits/10/8 + 2
}

func maxFrameBound(h *frameHeader) int64 {
	return minFrameBound(h) * 3 / 2
}

var errFrameNotFound = mediaerr.Newf(mediaerr.KindViolation, "flac_sync_lost", "no frame sync found within search window")
