package httpstream

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-musicfox/mediacore/mediaerr"
)

// retryAfterErr carries a server-mandated wait parsed from a Retry-After
// header, surfaced through mediaerr.Error.Err so withRetry can honour it.
type retryAfterErr struct {
	wait time.Duration
	msg  string
}

func (e *retryAfterErr) Error() string { return e.msg }

// parseRetryAfter parses the Retry-After header (seconds or HTTP-date form;
// only the seconds form is supported here, which covers every server this
// package has been exercised against).
func parseRetryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// classifyNetErr maps a transport-level error (DNS, dial, timeout) to a
// mediaerr.Error with a code the retry policy and stat counters key off.
func classifyNetErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return mediaerr.New(mediaerr.KindIO, "timeout", err)
	}
	return mediaerr.New(mediaerr.KindIO, "connection", err)
}

// classifyStatus maps an HTTP status code (and, for 429/503, a parsed
// Retry-After header) to nil (success) or a mediaerr.Error tagged
// recoverable/non-recoverable per spec §4.1.1.
func classifyStatus(code int, header http.Header) error {
	switch {
	case code == http.StatusOK || code == http.StatusPartialContent:
		return nil
	case code == http.StatusRequestedRangeNotSatisfiable:
		return mediaerr.Newf(mediaerr.KindIO, "http_status", "range not satisfiable (416)")
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable:
		if wait, ok := parseRetryAfter(header); ok {
			return &mediaerr.Error{Kind: mediaerr.KindIO, Code: "http_status", Offset: -1, Sample: -1,
				Err: &retryAfterErr{wait: wait, msg: fmt.Sprintf("rate limited (%d), retry after %s", code, wait)}}
		}
		return mediaerr.Newf(mediaerr.KindIO, "http_status", "rate limited (%d)", code)
	case code == http.StatusNotImplemented, code == http.StatusHTTPVersionNotSupported, code == http.StatusVariantAlsoNegotiates:
		return &mediaerr.Error{Kind: mediaerr.KindIO, Code: "http_status_permanent", Offset: -1, Sample: -1,
			Err: fmt.Errorf("non-recoverable server error (%d)", code)}
	case code >= 500 && code < 600:
		return mediaerr.Newf(mediaerr.KindIO, "http_status", "server error (%d)", code)
	case code >= 400 && code < 500:
		return &mediaerr.Error{Kind: mediaerr.KindIO, Code: "http_status_permanent", Offset: -1, Sample: -1,
			Err: fmt.Errorf("non-recoverable client error (%d)", code)}
	default:
		return mediaerr.Newf(mediaerr.KindIO, "http_status", "unexpected status (%d)", code)
	}
}

// recoverable reports whether err is worth retrying: everything except a
// permanent classification (4xx other than 416 and 429, and 501/505/506).
func recoverable(err error) bool {
	var me *mediaerr.Error
	if errors.As(err, &me) {
		return me.Code != "http_status_permanent"
	}
	return true
}

// retryAfter extracts a server-mandated wait from a classified error, if any.
func retryAfter(err error) (time.Duration, bool) {
	var me *mediaerr.Error
	if !errors.As(err, &me) {
		return 0, false
	}
	var ra *retryAfterErr
	if errors.As(me.Err, &ra) {
		return ra.wait, true
	}
	return 0, false
}
