// Package proxy is the edge request pipeline (C8): it orchestrates the
// routing core, static file server, visitor/session cookies, and request
// logging for every request that reaches the data-plane listeners.
package proxy

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/temps/edge/internal/acme"
	"github.com/temps/edge/internal/requestlog"
	"github.com/temps/edge/internal/routing"
	"github.com/temps/edge/internal/staticfiles"
	"github.com/temps/edge/internal/visitor"
)

// Config governs retry, timeout, and admin-console behavior for the
// pipeline; it is populated from internal/config.ProxyConfig at boot.
type Config struct {
	AdminConsoleAddr string
	ConnectRetry     int
	DialTimeout      time.Duration
	IdleTimeout      time.Duration
	MaxIdlePerHost   int
	RequestDeadline  time.Duration
}

// Pipeline implements http.Handler for the TLS-terminated (443) listener.
// The plain (80) listener does not run the pipeline: it is served by
// servePlainHTTP, which answers ACME challenges and redirects the rest to
// https.
type Pipeline struct {
	table     *routing.Table
	resolver  *routing.Resolver
	visitors  *visitor.Manager
	reqLog    *requestlog.Logger
	challenge *acme.ChallengeHandler
	logger    *zap.Logger
	cfg       Config

	transport *http.Transport
	proxies   sync.Map // addr (string) -> *httputil.ReverseProxy
	statics   sync.Map // dir (string) -> *staticfiles.Server
}

func New(table *routing.Table, visitors *visitor.Manager, reqLog *requestlog.Logger, challenge *acme.ChallengeHandler, logger *zap.Logger, cfg Config) *Pipeline {
	return &Pipeline{
		table:     table,
		resolver:  routing.NewResolver(table, cfg.AdminConsoleAddr),
		visitors:  visitors,
		reqLog:    reqLog,
		challenge: challenge,
		logger:    logger,
		cfg:       cfg,
		transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
			MaxIdleConnsPerHost: orDefault(cfg.MaxIdlePerHost, 32),
			IdleConnTimeout:     orDefaultDuration(cfg.IdleTimeout, 60*time.Second),
		},
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// requestState threads per-request bookkeeping from Classify through to the
// observability step, following §9's "explicit request-context struct"
// redesign of the original's framework-style extractors.
type requestState struct {
	start       time.Time
	host        string
	path        string
	isTLS       bool
	visitorID   int32
	sessionID   int32
	setCookies  []string
	track       bool
	routeInfo   string
}

// ServeHTTP implements the state machine from §4.8: classify, resolve,
// cookies, dispatch, observe.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := &requestState{start: time.Now(), host: stripPort(r.Host), path: r.URL.Path, isTLS: r.TLS != nil}

	if acme.IsChallengePath(st.path) {
		p.challenge.ServeHTTP(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.RequestDeadline)
	defer cancel()
	r = r.WithContext(ctx)

	resolution := p.resolver.Resolve(st.host, st.path)

	if resolution.RedirectTo != "" {
		status := resolution.StatusCode
		if status == 0 {
			status = http.StatusFound
		}
		http.Redirect(w, r, resolution.RedirectTo, status)
		return
	}

	clientIP := clientIPOf(r)
	p.attachVisitorSession(w, r, st, clientIP)

	var rec *trackingWriter
	if st.track {
		rec = newTrackingWriter(w)
		w = rec
	}

	switch {
	case resolution.IsStatic:
		st.routeInfo = "static:" + resolution.StaticDir
		p.serveStatic(w, r, resolution.StaticDir)
	case resolution.Address != "":
		st.routeInfo = "upstream:" + resolution.Address
		p.serveUpstream(w, r, resolution)
	default:
		http.NotFound(w, r)
	}

	p.observe(st, rec, r, clientIP)
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func clientIPOf(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (p *Pipeline) attachVisitorSession(w http.ResponseWriter, r *http.Request, st *requestState, clientIP string) {
	secure := r.TLS != nil
	var visitorCookie, sessionCookie string
	if c, err := r.Cookie(visitor.VisitorCookieName); err == nil {
		visitorCookie = c.Value
	}
	if c, err := r.Cookie(visitor.SessionCookieName); err == nil {
		sessionCookie = c.Value
	}

	v, isNewVisitor, err := p.visitors.GetOrCreateVisitor(r.Context(), visitorCookie, r.UserAgent(), clientIP)
	if err != nil {
		p.logger.Warn("visitor lookup failed", zap.Error(err))
		return
	}
	st.visitorID = v.ID

	if isNewVisitor {
		if cookie, err := p.visitors.GenerateVisitorCookie(v, secure); err == nil {
			http.SetCookie(w, mustParseCookie(cookie))
		}
	}

	session, err := p.visitors.GetOrCreateSession(r.Context(), sessionCookie, v, r.URL.Path)
	if err != nil {
		p.logger.Warn("session lookup failed", zap.Error(err))
		return
	}
	st.sessionID = session.ID
	if session.IsNew {
		if cookie, err := p.visitors.GenerateSessionCookie(session, secure); err == nil {
			http.SetCookie(w, mustParseCookie(cookie))
		}
	}

	// ShouldTrackVisitor needs the response's content type/status, which
	// aren't known until after dispatch; Classify here on path alone and
	// refine the decision once the response is observed (see observe).
	st.track = !strings.HasPrefix(st.path, "/api/_temps")
}

func mustParseCookie(raw string) *http.Cookie {
	header := http.Header{}
	header.Add("Set-Cookie", raw)
	req := &http.Response{Header: header}
	cookies := req.Cookies()
	if len(cookies) == 0 {
		return &http.Cookie{}
	}
	return cookies[0]
}

func (p *Pipeline) serveStatic(w http.ResponseWriter, r *http.Request, dir string) {
	if cached, ok := p.statics.Load(dir); ok {
		cached.(*staticfiles.Server).ServeHTTP(w, r)
		return
	}

	srv, err := staticfiles.New(dir)
	if err != nil {
		p.logger.Error("static directory unavailable", zap.String("dir", dir), zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	actual, _ := p.statics.LoadOrStore(dir, srv)
	actual.(*staticfiles.Server).ServeHTTP(w, r)
}

func (p *Pipeline) observe(st *requestState, rec *trackingWriter, r *http.Request, clientIP string) {
	if !st.track || rec == nil {
		return
	}
	if !visitor.ShouldTrackVisitor(st.path, rec.contentType(), rec.status) {
		return
	}
	if p.reqLog == nil {
		return
	}

	entry := requestlog.AcquireRecord()
	entry.Host = st.host
	entry.Method = r.Method
	entry.Path = st.path
	entry.Status = rec.status
	entry.ResponseMs = float64(time.Since(st.start).Microseconds()) / 1000.0
	entry.BytesOut = rec.bytesOut
	entry.UserAgent = r.UserAgent()
	entry.Referer = r.Referer()
	entry.VisitorID = st.visitorID
	entry.SessionID = st.sessionID
	entry.ClientIP = clientIP
	entry.RouteBackend = st.routeInfo
	entry.Timestamp = time.Now().UTC()
	p.reqLog.Log(entry)
}

// ResolveSNI is used by the TCP passthrough listener (tcp.go) before C8 ever
// sees the connection, so it lives alongside the pipeline that shares its
// routing table.
func (p *Pipeline) ResolveSNI(sni string) (routing.Resolution, bool) {
	return p.resolver.ResolveSNI(sni)
}

// servePlainHTTP is the port-80 handler: ACME HTTP-01 validation must
// complete over plain HTTP (the CA dials port 80 directly), so it is
// answered here rather than redirected; every other request is sent to the
// https equivalent of the same URL.
func (p *Pipeline) servePlainHTTP(w http.ResponseWriter, r *http.Request) {
	if acme.IsChallengePath(r.URL.Path) {
		p.challenge.ServeHTTP(w, r)
		return
	}
	target := "https://" + stripPort(r.Host) + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
}
