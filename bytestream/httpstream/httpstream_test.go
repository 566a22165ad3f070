package httpstream

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-musicfox/mediacore/bufferpool"
	"github.com/go-musicfox/mediacore/bytestream"
)

func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "audio/flac; charset=binary")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}
		http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(payload))
	}))
}

func TestOpenDetectsSizeAndRangeSupport(t *testing.T) {
	payload := make([]byte, 100000)
	for i := range payload {
		payload[i] = byte(i)
	}
	srv := rangeServer(t, payload)
	defer srv.Close()

	pool := bufferpool.New(bufferpool.Config{PreallocateCommon: false})
	defer pool.Close()

	s, err := Open(context.Background(), srv.URL, Config{Pool: pool})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Size() != int64(len(payload)) {
		t.Fatalf("Size() = %d, want %d", s.Size(), len(payload))
	}
	if s.ContentType() != "audio/flac" {
		t.Fatalf("ContentType() = %q", s.ContentType())
	}
	if !s.acceptsRanges {
		t.Fatal("expected range support to be detected")
	}
}

func TestReadSequentialAndSeek(t *testing.T) {
	payload := make([]byte, 500000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	srv := rangeServer(t, payload)
	defer srv.Close()

	pool := bufferpool.New(bufferpool.Config{PreallocateCommon: false})
	defer pool.Close()

	s, err := Open(context.Background(), srv.URL, Config{Pool: pool, ReadAheadOK: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	buf := make([]byte, 4096)
	total := 0
	for total < 40000 {
		n, err := s.Read(buf)
		if n == 0 && err != nil {
			t.Fatalf("Read: %v", err)
		}
		for i := 0; i < n; i++ {
			if buf[i] != payload[total+i] {
				t.Fatalf("mismatch at %d: got %d want %d", total+i, buf[i], payload[total+i])
			}
		}
		total += n
	}

	if err := s.Seek(100, bytestream.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	n, err := s.Read(buf[:10])
	if err != nil {
		t.Fatalf("Read after seek: %v", err)
	}
	for i := 0; i < n; i++ {
		if buf[i] != payload[100+i] {
			t.Fatalf("post-seek mismatch at %d", i)
		}
	}
}

func TestSeekBeyondSizeFails(t *testing.T) {
	payload := []byte("hello world")
	srv := rangeServer(t, payload)
	defer srv.Close()

	pool := bufferpool.New(bufferpool.Config{PreallocateCommon: false})
	defer pool.Close()

	s, err := Open(context.Background(), srv.URL, Config{Pool: pool})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Seek(int64(len(payload)+10), bytestream.SeekStart); err == nil {
		t.Fatal("expected seek beyond size to fail")
	}
}

func TestStatReportsRequestCount(t *testing.T) {
	payload := []byte("short payload for stats test")
	srv := rangeServer(t, payload)
	defer srv.Close()

	pool := bufferpool.New(bufferpool.Config{PreallocateCommon: false})
	defer pool.Close()

	s, err := Open(context.Background(), srv.URL, Config{Pool: pool})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	buf := make([]byte, 8)
	_, _ = s.Read(buf)

	stat := s.Stat()
	if stat.RequestCount == 0 {
		t.Fatal("expected at least one request recorded")
	}
	if stat.CircuitOpen {
		t.Fatal("circuit should not be open after successful requests")
	}
}
