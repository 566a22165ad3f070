// Package filestream is the local-file ByteStream implementation (spec
// §4.1): a thin wrapper over an *os.File with no buffering beyond the OS.
package filestream

import (
	"io"
	"os"

	"github.com/go-musicfox/mediacore/bytestream"
)

type Stream struct {
	f    *os.File
	size int64
	pos  int64
	eof  bool
	last error
}

var _ bytestream.ByteStream = (*Stream)(nil)

// Open opens path for reading.
func Open(path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Stream{f: f, size: info.Size()}, nil
}

func (s *Stream) Read(dst []byte) (int, error) {
	n, err := s.f.Read(dst)
	s.pos += int64(n)
	if err == io.EOF {
		s.eof = true
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
	if err != nil {
		s.last = err
		return n, err
	}
	if s.pos >= s.size {
		s.eof = true
	}
	return n, nil
}

func (s *Stream) Seek(offset int64, whence bytestream.Whence) error {
	var w int
	switch whence {
	case bytestream.SeekStart:
		w = io.SeekStart
	case bytestream.SeekCurrent:
		w = io.SeekCurrent
	case bytestream.SeekEnd:
		w = io.SeekEnd
	}
	pos, err := s.f.Seek(offset, w)
	if err != nil {
		s.last = err
		return err
	}
	if pos < 0 || pos > s.size {
		s.last = io.ErrUnexpectedEOF
		return s.last
	}
	s.pos = pos
	s.eof = s.pos >= s.size
	return nil
}

func (s *Stream) Tell() int64 { return s.pos }

func (s *Stream) Size() int64 { return s.size }

func (s *Stream) EOF() bool { return s.eof }

func (s *Stream) LastError() error { return s.last }

func (s *Stream) Close() error { return s.f.Close() }
