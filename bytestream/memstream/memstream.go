// Package memstream provides an in-memory ByteStream, used as the primary
// test fixture across the demux family (spec §6 permits implementations
// beyond local-file and HTTP as long as they honour the contract).
package memstream

import (
	"io"

	"github.com/go-musicfox/mediacore/bytestream"
)

type Stream struct {
	data []byte
	pos  int64
	eof  bool
	last error
}

var _ bytestream.ByteStream = (*Stream)(nil)

func New(data []byte) *Stream {
	return &Stream{data: data}
}

func (m *Stream) Read(dst []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		m.eof = true
		return 0, io.EOF
	}
	n := copy(dst, m.data[m.pos:])
	m.pos += int64(n)
	if m.pos >= int64(len(m.data)) {
		m.eof = true
	}
	return n, nil
}

func (m *Stream) Seek(offset int64, whence bytestream.Whence) error {
	var target int64
	switch whence {
	case bytestream.SeekStart:
		target = offset
	case bytestream.SeekCurrent:
		target = m.pos + offset
	case bytestream.SeekEnd:
		target = int64(len(m.data)) + offset
	}
	if target < 0 || target > int64(len(m.data)) {
		m.last = io.ErrUnexpectedEOF
		return m.last
	}
	m.pos = target
	m.eof = m.pos >= int64(len(m.data))
	return nil
}

func (m *Stream) Tell() int64 { return m.pos }

func (m *Stream) Size() int64 { return int64(len(m.data)) }

func (m *Stream) EOF() bool { return m.eof }

func (m *Stream) LastError() error { return m.last }

func (m *Stream) Close() error { return nil }
