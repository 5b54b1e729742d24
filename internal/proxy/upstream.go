package proxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/temps/edge/internal/routing"
)

// hopByHopHeaders are always stripped before forwarding per §6. Connection
// and Upgrade are stripped separately, only when the request is not a
// WebSocket handshake: httputil.ReverseProxy switches to its hijacked byte
// pump only when both headers reach it.
var hopByHopHeaders = []string{
	"Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding",
}

// serveUpstream dispatches to the resolved backend via a pooled
// net/http/httputil.ReverseProxy. On connect failure it retries up to
// min(3, len(addresses)) peers drawn from the backend's round-robin
// counter before giving up with 502, per §4.8's failure semantics.
func (p *Pipeline) serveUpstream(w http.ResponseWriter, r *http.Request, res routing.Resolution) {
	addresses := []string{res.Address}
	if res.Backend != nil {
		limit := p.cfg.ConnectRetry
		if limit <= 0 {
			limit = 3
		}
		for len(addresses) < limit {
			if addr, ok := res.Backend.Next(); ok {
				addresses = append(addresses, addr)
			} else {
				break
			}
		}
	}

	isWebSocket := strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
	for _, h := range hopByHopHeaders {
		r.Header.Del(h)
	}
	if !isWebSocket {
		r.Header.Del("Connection")
		r.Header.Del("Upgrade")
	}

	clientIP := clientIPOf(r)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		r.Header.Set("X-Forwarded-For", clientIP)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	r.Header.Set("X-Forwarded-Proto", proto)
	r.Header.Set("X-Forwarded-Host", r.Host)
	r.Header.Set("X-Real-IP", clientIP)

	var lastErr error
	unique := dedupe(addresses)
	for i, addr := range unique {
		rp := p.reverseProxyFor(addr)
		caught := false
		rp.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, err error) {
			caught = true
			lastErr = err
		}
		rp.ServeHTTP(w, r)
		if !caught {
			return
		}
		if i == len(unique)-1 {
			p.logger.Warn("upstream exhausted", zap.Strings("addresses", unique), zap.Error(lastErr))
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
	}
}

func dedupe(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := addrs[:0:0]
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// reverseProxyFor returns a cached ReverseProxy for addr, sharing the
// pipeline's single connection-pooled Transport across every backend.
func (p *Pipeline) reverseProxyFor(addr string) *httputil.ReverseProxy {
	if cached, ok := p.proxies.Load(addr); ok {
		return cloneProxy(cached.(*httputil.ReverseProxy))
	}

	target := &url.URL{Scheme: "http", Host: addr}
	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			// req.Host is left untouched: the backend sees the original
			// inbound Host header, not the dialed address.
		},
	}
	actual, _ := p.proxies.LoadOrStore(addr, rp)
	return cloneProxy(actual.(*httputil.ReverseProxy))
}

// cloneProxy returns a shallow copy so a per-request ErrorHandler override
// (used to detect connect failures for retry) never races with other
// requests sharing the same cached *ReverseProxy.
func cloneProxy(rp *httputil.ReverseProxy) *httputil.ReverseProxy {
	clone := *rp
	return &clone
}
