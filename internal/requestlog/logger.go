// Package requestlog records one entry per proxied data-plane request. It is
// deliberately not gin-based: the data-plane listeners (80/443) are raw
// net/http (or raw TCP for TLS passthrough), unlike the admin surface in
// internal/middleware.
package requestlog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one proxied request's log line. Field names follow this
// domain's vocabulary rather than the admin middleware's request/response
// vocabulary, since a proxied request's notion of "route" and "backend" has
// no equivalent there.
type Record struct {
	Host         string
	Method       string
	Path         string
	Status       int
	ResponseMs   float64
	BytesOut     int64
	UserAgent    string
	Referer      string
	VisitorID    int32
	SessionID    int32
	ClientIP     string
	RouteBackend string
	GeoCountry   string
	GeoRegion    string
	GeoCity      string
	Timestamp    time.Time
}

// GeoLookup resolves a client IP to coarse geographic location. The
// production implementation reads a bundled MaxMind-format database at
// boot; it never makes a network call per request.
type GeoLookup interface {
	Lookup(clientIP string) (country, region, city string)
}

var recordPool = sync.Pool{New: func() any { return new(Record) }}

// AcquireRecord returns a pooled, zeroed Record. Handing it to Logger.Log
// passes ownership to the Logger, which returns it to the pool once it has
// been written or dropped.
func AcquireRecord() *Record {
	r := recordPool.Get().(*Record)
	*r = Record{}
	return r
}

func releaseRecord(r *Record) { recordPool.Put(r) }

// Logger is a bounded, fire-and-forget sink for Records. When the channel is
// full, the oldest queued record is dropped to make room rather than
// blocking the proxy pipeline.
type Logger struct {
	logger *zap.Logger
	geo    GeoLookup
	ch     chan *Record
	done   chan struct{}
}

// NewLogger starts the background writer goroutine. capacity bounds how
// many records may be queued before overflow starts dropping the oldest.
func NewLogger(logger *zap.Logger, geo GeoLookup, capacity int) *Logger {
	l := &Logger{
		logger: logger,
		geo:    geo,
		ch:     make(chan *Record, capacity),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Log enqueues rec for asynchronous writing. It never blocks: if the queue
// is full, the oldest queued record is discarded to make room.
func (l *Logger) Log(rec *Record) {
	if l.geo != nil && rec.ClientIP != "" {
		rec.GeoCountry, rec.GeoRegion, rec.GeoCity = l.geo.Lookup(rec.ClientIP)
	}

	select {
	case l.ch <- rec:
		return
	default:
	}

	select {
	case stale := <-l.ch:
		releaseRecord(stale)
	default:
	}

	select {
	case l.ch <- rec:
	default:
		releaseRecord(rec)
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for rec := range l.ch {
		l.write(rec)
		releaseRecord(rec)
	}
}

func (l *Logger) write(rec *Record) {
	l.logger.Info("proxied request",
		zap.String("host", rec.Host),
		zap.String("method", rec.Method),
		zap.String("path", rec.Path),
		zap.Int("status", rec.Status),
		zap.Float64("response_ms", rec.ResponseMs),
		zap.Int64("bytes_out", rec.BytesOut),
		zap.String("user_agent", rec.UserAgent),
		zap.String("referer", rec.Referer),
		zap.Int32("visitor_id", rec.VisitorID),
		zap.Int32("session_id", rec.SessionID),
		zap.String("client_ip", rec.ClientIP),
		zap.String("route_backend", rec.RouteBackend),
		zap.String("geo_country", rec.GeoCountry),
		zap.String("geo_region", rec.GeoRegion),
		zap.String("geo_city", rec.GeoCity),
	)
}

// Close stops accepting new records and waits for the queue to drain.
func (l *Logger) Close() {
	close(l.ch)
	<-l.done
}
