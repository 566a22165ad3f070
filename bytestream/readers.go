package bytestream

import (
	"encoding/binary"

	"github.com/go-musicfox/mediacore/mediaerr"
)

// This file is the shared helper layer described in spec §4.3: little- and
// big-endian fixed-width readers that return a typed error on a short read,
// a FourCC reader, fixed-length and NUL-terminated string readers, and an
// alignment helper. Kept as free functions over ByteStream rather than a
// base class (spec §9 DESIGN NOTES: no virtual-base-class helper layer).

const maxCString = 4096 // safety cap for ReadCString

func shortRead(err error) error {
	return mediaerr.New(mediaerr.KindIO, "short_read", err)
}

func ReadU8(s ByteStream) (uint8, error) {
	var buf [1]byte
	if _, err := ReadFull(s, buf[:]); err != nil {
		return 0, shortRead(err)
	}
	return buf[0], nil
}

func ReadU16LE(s ByteStream) (uint16, error) {
	var buf [2]byte
	if _, err := ReadFull(s, buf[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func ReadU16BE(s ByteStream) (uint16, error) {
	var buf [2]byte
	if _, err := ReadFull(s, buf[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func ReadU32LE(s ByteStream) (uint32, error) {
	var buf [4]byte
	if _, err := ReadFull(s, buf[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func ReadU32BE(s ByteStream) (uint32, error) {
	var buf [4]byte
	if _, err := ReadFull(s, buf[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func ReadU64LE(s ByteStream) (uint64, error) {
	var buf [8]byte
	if _, err := ReadFull(s, buf[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func ReadU64BE(s ByteStream) (uint64, error) {
	var buf [8]byte
	if _, err := ReadFull(s, buf[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// FourCC is a four-byte big-endian type tag used by RIFF/IFF/ISO families.
type FourCC [4]byte

func (f FourCC) String() string { return string(f[:]) }

func (f FourCC) Eq(s string) bool { return len(s) == 4 && string(f[:]) == s }

func ReadFourCC(s ByteStream) (FourCC, error) {
	var f FourCC
	if _, err := ReadFull(s, f[:]); err != nil {
		return f, shortRead(err)
	}
	return f, nil
}

// ReadFixedString reads an n-byte fixed-length ASCII/UTF-8 field.
func ReadFixedString(s ByteStream, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := ReadFull(s, buf); err != nil {
		return "", shortRead(err)
	}
	return string(buf), nil
}

// ReadCString reads a NUL-terminated string, capped at maxCString bytes to
// bound memory on corrupt input.
func ReadCString(s ByteStream) (string, error) {
	var out []byte
	var b [1]byte
	for i := 0; i < maxCString; i++ {
		if _, err := ReadFull(s, b[:]); err != nil {
			return "", shortRead(err)
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", mediaerr.Newf(mediaerr.KindFormat, "cstring_too_long", "NUL-terminated string exceeded %d bytes", maxCString)
}

// Align advances s to the next n-byte boundary (n ∈ {2,4,8}) relative to the
// stream start, used for RIFF/AIFF chunk padding.
func Align(s ByteStream, n int64) error {
	pos := s.Tell()
	rem := pos % n
	if rem == 0 {
		return nil
	}
	return s.Seek(n-rem, SeekCurrent)
}
