package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// trackingWriter wraps the ResponseWriter handed to a dispatch step so
// observe() can log status, byte count, and content-type after the handler
// returns, without the handler itself knowing it is being measured.
type trackingWriter struct {
	http.ResponseWriter
	status      int
	bytesOut    int64
	wroteHeader bool
	ct          string
}

func newTrackingWriter(w http.ResponseWriter) *trackingWriter {
	return &trackingWriter{ResponseWriter: w, status: http.StatusOK}
}

func (t *trackingWriter) WriteHeader(status int) {
	if t.wroteHeader {
		return
	}
	t.wroteHeader = true
	t.status = status
	t.ct = t.Header().Get("Content-Type")
	t.ResponseWriter.WriteHeader(status)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	n, err := t.ResponseWriter.Write(b)
	t.bytesOut += int64(n)
	return n, err
}

// Hijack satisfies http.Hijacker so httputil.ReverseProxy's 101-Switching-
// Protocols WebSocket path can take over the raw connection; it delegates to
// the wrapped ResponseWriter, which is the real hijacker.
func (t *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := t.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

func (t *trackingWriter) contentType() string {
	if t.ct == "" {
		return t.Header().Get("Content-Type")
	}
	return t.ct
}
