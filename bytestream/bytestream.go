// Package bytestream defines the seekable random-access byte source
// abstraction that every demultiplexer is written against (spec §4.1), plus
// the shared fixed-width/FourCC/string readers used by the demux family.
package bytestream

import "io"

// Whence selects the reference point for Seek, mirroring io.Seeker but kept
// local so implementations are not required to satisfy io.Seeker's exact
// error semantics (seeking from end with unknown size must fail cleanly).
type Whence int

const (
	SeekStart Whence = iota
	SeekCurrent
	SeekEnd
)

// SizeUnknown is the sentinel returned by Size when the source has no known
// total length (e.g. a live HTTP stream without Content-Length).
const SizeUnknown int64 = -1

// ByteStream is a seekable byte source with integer positions in [0, Size()].
// Operations are serialised per instance: concurrent callers must observe a
// consistent position (spec §5 — only the byte-stream layer may block).
type ByteStream interface {
	// Read fills dst with up to len(dst) bytes, returning the actual count,
	// which may be less than len(dst) on a short read. Position advances by
	// exactly the returned count. Returns io.EOF only once no more data is
	// available at all (a short non-EOF read is not an error).
	Read(dst []byte) (n int, err error)

	// Seek repositions to offset relative to whence. Seeking beyond Size()
	// is an error; SeekEnd is an error when Size() is unknown.
	Seek(offset int64, whence Whence) error

	// Tell returns the current logical position.
	Tell() int64

	// Size returns the total byte length, or SizeUnknown.
	Size() int64

	// EOF reports whether the stream has been read to exhaustion.
	EOF() bool

	// LastError returns the most recent non-nil error observed, or nil.
	LastError() error

	io.Closer
}

// ReadFull reads exactly len(dst) bytes from s, mirroring io.ReadFull's
// short-read-is-an-error contract that every demux parse helper relies on.
func ReadFull(s ByteStream, dst []byte) (int, error) {
	n := 0
	for n < len(dst) {
		m, err := s.Read(dst[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.ErrUnexpectedEOF
		}
	}
	return n, nil
}
