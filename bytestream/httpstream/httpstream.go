// Package httpstream implements the HTTP range-request ByteStream (spec
// §4.1.1): adaptive windowed buffering backed by buffer-pool loans, retry
// with exponential backoff, and a circuit breaker.
package httpstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-musicfox/mediacore/bufferpool"
	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/mediaerr"
)

const (
	minRangeSize    = 16 << 10
	maxRangeSize    = 1 << 20
	maxBufferBytes  = 1 << 20 // absolute cap per buffer (§4.1.1)
	maxTotalBytes   = 2 << 20 // absolute cap across both windows
	emaAlpha        = 0.3
	sequentialWithin = 128 << 10
	maxRetries      = 3
	baseBackoff     = 1 * time.Second
	maxBackoff      = 30 * time.Second
	rateLimitCap    = 60 * time.Second
	breakerFailures = 10
	breakerCooldown = 5 * time.Minute
)

// Config configures a Stream (spec §6).
type Config struct {
	Client         *http.Client
	Pool           *bufferpool.Pool
	Logger         *slog.Logger
	TimeoutSeconds int
	MaxRetries     int
	ReadAheadOK    bool
}

func (c Config) withDefaults() Config {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: time.Duration(c.TimeoutSeconds) * time.Second}
	}
	if c.Pool == nil {
		c.Pool = bufferpool.Default()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = maxRetries
	}
	return c
}

// window is one in-memory buffered range, anchored at start.
type window struct {
	loan  *bufferpool.Loan
	start int64
	n     int   // valid bytes in loan.Bytes()
}

func (w *window) end() int64 {
	if w == nil {
		return -1
	}
	return w.start + int64(w.n)
}

func (w *window) release() {
	if w != nil && w.loan != nil {
		w.loan.Release()
	}
}

// Stats is the observable per-instance state (spec §4.1.1).
type Stats struct {
	Position         int64
	EOF              bool
	LastErrorCode    string
	ThroughputBps    float64
	RequestCount     int64
	BytesDownloaded  int64
	TimeoutErrors    int64
	ConnectionErrors int64
	HTTPErrors       int64
	CircuitOpen      bool
}

// Stream is the HTTP ByteStream.
type Stream struct {
	cfg Config
	url string

	// mu guards position/window/EOF state, held across Read/Seek/Close and
	// across the synchronous portion of Read's fill path.
	mu sync.Mutex
	// statsMu guards request accounting and the circuit breaker, which are
	// also touched from inside withRetry while mu may already be held by a
	// caller further up the stack (Read holds mu across fillPrimary).
	// Keeping them on separate mutexes avoids a self-deadlock on a
	// non-reentrant sync.Mutex.
	statsMu sync.Mutex

	size          int64 // bytestream.SizeUnknown if unknown
	contentType   string
	acceptsRanges bool

	pos int64
	eof bool
	last error

	primary   *window
	readAhead *window

	recentForward   int // consecutive sequential forward reads, capped
	throughputBps   float64

	reqCount      int64
	bytesDL       int64
	timeoutErrs   int64
	connErrs      int64
	httpErrs      int64

	breakerFails   int
	breakerOpenAt  time.Time
}

var _ bytestream.ByteStream = (*Stream)(nil)

// Open fires the HEAD request and the range-support probe concurrently (the
// probe's GET bytes=0-0 answer does not depend on the HEAD outcome) and
// returns a ready Stream once both complete.
func Open(ctx context.Context, url string, cfg Config) (*Stream, error) {
	cfg = cfg.withDefaults()
	s := &Stream{cfg: cfg, url: url, size: bytestream.SizeUnknown}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.headWithRetry(gctx) })
	g.Go(func() error { return s.probeRangeSupport(gctx) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stream) headWithRetry(ctx context.Context) error {
	return s.withRetry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
		if err != nil {
			return mediaerr.New(mediaerr.KindIO, "bad_url", err)
		}
		resp, err := s.cfg.Client.Do(req)
		s.statsMu.Lock()
		s.reqCount++
		s.statsMu.Unlock()
		if err != nil {
			return classifyNetErr(err)
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode, resp.Header); err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				s.size = n
			}
		}
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			if parsed, _, err := mime.ParseMediaType(ct); err == nil {
				s.contentType = strings.ToLower(parsed)
			} else {
				s.contentType = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
			}
		}
		if strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") {
			s.acceptsRanges = true
		}
		return nil
	})
}

// probeRangeSupport issues a bytes=0-0 GET to detect range support on
// servers that omit Accept-Ranges from their HEAD response.
func (s *Stream) probeRangeSupport(ctx context.Context) error {
	return s.withRetry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return mediaerr.New(mediaerr.KindIO, "bad_url", err)
		}
		req.Header.Set("Range", "bytes=0-0")
		resp, err := s.cfg.Client.Do(req)
		s.statsMu.Lock()
		s.reqCount++
		s.statsMu.Unlock()
		if err != nil {
			return classifyNetErr(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusPartialContent {
			s.mu.Lock()
			s.acceptsRanges = true
			s.mu.Unlock()
			return nil
		}
		if resp.StatusCode == http.StatusOK {
			return nil // 200 with data: server ignored Range, HEAD's signal stands
		}
		return classifyStatus(resp.StatusCode, resp.Header)
	})
}

// ContentType returns the normalised MIME type observed at Open, if any.
func (s *Stream) ContentType() string { return s.contentType }

func (s *Stream) Size() int64 { return s.size }

func (s *Stream) Tell() int64 { return s.pos }

func (s *Stream) EOF() bool { return s.eof }

func (s *Stream) LastError() error { return s.last }

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary.release()
	s.readAhead.release()
	s.primary, s.readAhead = nil, nil
	return nil
}

func (s *Stream) Seek(offset int64, whence bytestream.Whence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target int64
	switch whence {
	case bytestream.SeekStart:
		target = offset
	case bytestream.SeekCurrent:
		target = s.pos + offset
	case bytestream.SeekEnd:
		if s.size == bytestream.SizeUnknown {
			s.last = mediaerr.Newf(mediaerr.KindIO, "seek_end_unknown_size", "cannot seek from end: size unknown")
			return s.last
		}
		target = s.size + offset
	}
	if target < 0 || (s.size != bytestream.SizeUnknown && target > s.size) {
		s.last = mediaerr.Newf(mediaerr.KindIO, "seek_out_of_range", "seek target %d out of range", target)
		return s.last
	}
	if !s.acceptsRanges && target != s.pos {
		s.last = mediaerr.Newf(mediaerr.KindIO, "seek_unsupported", "server does not support range requests")
		return s.last
	}
	if target != s.pos+1 && target != s.pos {
		s.recentForward = 0 // non-sequential: disable read-ahead heuristic
	}
	s.pos = target
	s.eof = s.size != bytestream.SizeUnknown && s.pos >= s.size
	return nil
}

func (s *Stream) Read(dst []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(dst) == 0 {
		return 0, nil
	}
	if s.size != bytestream.SizeUnknown && s.pos >= s.size {
		s.eof = true
		return 0, io.EOF
	}

	if s.primary == nil || s.pos < s.primary.start || s.pos >= s.primary.end() {
		if s.readAhead != nil && s.pos >= s.readAhead.start && s.pos < s.readAhead.end() {
			s.primary.release()
			s.primary, s.readAhead = s.readAhead, nil
		} else {
			if err := s.fillPrimary(context.Background()); err != nil {
				s.last = err
				return 0, err
			}
		}
	}

	avail := s.primary.end() - s.pos
	n := len(dst)
	if int64(n) > avail {
		n = int(avail)
	}
	off := s.pos - s.primary.start
	copy(dst[:n], s.primary.loan.Bytes()[off:off+int64(n)])
	s.pos += int64(n)

	s.trackSequentialAccess()
	if s.cfg.ReadAheadOK && s.sequentialDetected() && s.readAhead == nil {
		go s.maybePrefetchReadAhead()
	}

	if s.size != bytestream.SizeUnknown && s.pos >= s.size {
		s.eof = true
	}
	return n, nil
}

func (s *Stream) trackSequentialAccess() {
	if s.recentForward < 3 {
		s.recentForward++
	}
}

func (s *Stream) sequentialDetected() bool {
	return s.recentForward >= 3
}

// fillPrimary issues a range request sized adaptively from the EMA
// throughput estimate and installs the result as the primary window.
func (s *Stream) fillPrimary(ctx context.Context) error {
	size := s.adaptiveRangeSize()
	if s.pressureShrink() {
		size = minRangeSize
	}
	buf, n, err := s.rangeRequest(ctx, s.pos, size)
	if err != nil {
		return err
	}
	s.primary.release()
	s.primary = &window{loan: buf, start: s.pos, n: n}
	return nil
}

func (s *Stream) maybePrefetchReadAhead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.ReadAheadOK || s.readAhead != nil || s.primary == nil {
		return
	}
	if s.pressureShrink() {
		return // consult pool pressure before allocating the read-ahead window
	}
	start := s.primary.end()
	if s.size != bytestream.SizeUnknown && start >= s.size {
		return
	}
	size := s.adaptiveRangeSize()
	if s.totalWindowBytes()+size > maxTotalBytes {
		return
	}
	buf, n, err := s.rangeRequest(context.Background(), start, size)
	if err != nil {
		return // read-ahead is best-effort
	}
	s.readAhead = &window{loan: buf, start: start, n: n}
}

func (s *Stream) totalWindowBytes() int64 {
	var total int64
	if s.primary != nil {
		total += int64(s.primary.n)
	}
	if s.readAhead != nil {
		total += int64(s.readAhead.n)
	}
	return total
}

// pressureShrink reports whether the buffer pool is under high/critical
// pressure, in which case the handler shrinks or drops its windows (§4.1.1).
func (s *Stream) pressureShrink() bool {
	return s.cfg.Pool.Pressure() != bufferpool.PressureNormal
}

func (s *Stream) adaptiveRangeSize() int64 {
	if s.throughputBps <= 0 {
		return minRangeSize
	}
	// Target ~1 second worth of data at the current estimated throughput.
	size := int64(s.throughputBps)
	if size < minRangeSize {
		size = minRangeSize
	}
	if size > maxRangeSize {
		size = maxRangeSize
	}
	if size > maxBufferBytes {
		size = maxBufferBytes
	}
	return size
}

// rangeRequest performs one retried GET with a Range header, returning a
// pool loan of size bytes and the count of bytes actually received into it.
func (s *Stream) rangeRequest(ctx context.Context, start, size int64) (*bufferpool.Loan, int, error) {
	if size > maxBufferBytes {
		size = maxBufferBytes
	}
	var loan *bufferpool.Loan
	var n int
	err := s.withRetry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return mediaerr.New(mediaerr.KindIO, "bad_url", err)
		}
		end := start + size - 1
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

		t0 := time.Now()
		resp, err := s.cfg.Client.Do(req)
		s.statsMu.Lock()
		s.reqCount++
		s.statsMu.Unlock()
		if err != nil {
			return classifyNetErr(err)
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode, resp.Header); err != nil {
			return err
		}

		loan = s.cfg.Pool.Acquire(int(size))
		n, err = io.ReadFull(resp.Body, loan.Bytes())
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil // short final range, not an error
		}
		if err != nil {
			loan.Release()
			loan = nil
			return mediaerr.New(mediaerr.KindIO, "range_read", err)
		}
		elapsed := time.Since(t0).Seconds()
		if elapsed > 0 {
			inst := float64(n) / elapsed
			if s.throughputBps == 0 {
				s.throughputBps = inst
			} else {
				s.throughputBps = emaAlpha*inst + (1-emaAlpha)*s.throughputBps
			}
		}
		s.bytesDL += int64(n)
		return nil
	})
	return loan, n, err
}

// withRetry executes op with the §4.1.1 retry policy and circuit breaker.
func (s *Stream) withRetry(op func() error) error {
	if s.breakerOpen() {
		return mediaerr.Newf(mediaerr.KindIO, "circuit_open", "circuit breaker open, retry later")
	}
	var err error
	backoff := baseBackoff
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		err = op()
		if err == nil {
			s.statsMu.Lock()
			s.breakerFails = 0
			s.statsMu.Unlock()
			return nil
		}
		if !recoverable(err) {
			return err
		}
		s.tallyError(err)
		s.cfg.Logger.Debug("http range request retrying", "attempt", attempt, "err", err)
		if attempt == s.cfg.MaxRetries {
			break
		}
		wait := backoff
		if rl, ok := retryAfter(err); ok {
			wait = rl
			if wait > rateLimitCap {
				wait = rateLimitCap
			}
		} else {
			jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
			wait += jitter
			if wait > maxBackoff {
				wait = maxBackoff
			}
		}
		time.Sleep(wait)
		backoff *= 2
	}
	s.statsMu.Lock()
	s.breakerFails++
	if s.breakerFails >= breakerFailures {
		s.breakerOpenAt = time.Now()
		s.cfg.Logger.Error("http circuit breaker open", "failures", s.breakerFails)
	}
	s.statsMu.Unlock()
	return err
}

func (s *Stream) breakerOpen() bool {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.breakerOpenAt.IsZero() {
		return false
	}
	if time.Since(s.breakerOpenAt) >= breakerCooldown {
		s.breakerOpenAt = time.Time{}
		s.breakerFails = 0
		return false
	}
	return true
}

func (s *Stream) tallyError(err error) {
	var kindErr *mediaerr.Error
	if e, ok := err.(*mediaerr.Error); ok {
		kindErr = e
	}
	if kindErr == nil {
		return
	}
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	switch kindErr.Code {
	case "timeout":
		s.timeoutErrs++
	case "connection":
		s.connErrs++
	case "http_status":
		s.httpErrs++
	}
}

// Stat returns the observable per-instance state (spec §4.1.1).
func (s *Stream) Stat() Stats {
	s.mu.Lock()
	pos, eofFlag, throughput, bytesDL := s.pos, s.eof, s.throughputBps, s.bytesDL
	code := ""
	if s.last != nil {
		code = s.last.Error()
	}
	s.mu.Unlock()

	s.statsMu.Lock()
	reqCount, timeoutErrs, connErrs, httpErrs := s.reqCount, s.timeoutErrs, s.connErrs, s.httpErrs
	s.statsMu.Unlock()

	return Stats{
		Position:         pos,
		EOF:              eofFlag,
		LastErrorCode:    code,
		ThroughputBps:    throughput,
		RequestCount:     reqCount,
		BytesDownloaded:  bytesDL,
		TimeoutErrors:    timeoutErrs,
		ConnectionErrors: connErrs,
		HTTPErrors:       httpErrs,
		CircuitOpen:      s.breakerOpen(),
	}
}
