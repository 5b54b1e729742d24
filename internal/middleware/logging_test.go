package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestMiddleware(t *testing.T, core zapcore.Core, skipPaths []string, slow time.Duration) *AdminLoggingMiddleware {
	t.Helper()
	return &AdminLoggingMiddleware{
		logger:          zap.New(core),
		skipPaths:       skipPaths,
		slowRequestTime: slow,
	}
}

func TestAdminLoggingMiddleware_LogsRequestCompleted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, observed := observer.New(zapcore.InfoLevel)
	m := newTestMiddleware(t, core, []string{"/healthz"}, time.Second)

	router := gin.New()
	router.Use(m.Handle())
	router.GET("/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var found bool
	for _, entry := range observed.All() {
		if entry.Message == "request completed" {
			found = true
			ctx := entry.ContextMap()
			if ctx["status"] != int64(200) {
				t.Errorf("status = %v, want 200", ctx["status"])
			}
			if ctx["path"] != "/status" {
				t.Errorf("path = %v, want /status", ctx["path"])
			}
		}
	}
	if !found {
		t.Fatal("expected a \"request completed\" log entry")
	}
}

func TestAdminLoggingMiddleware_SkipsConfiguredPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, observed := observer.New(zapcore.InfoLevel)
	m := newTestMiddleware(t, core, []string{"/healthz"}, time.Second)

	router := gin.New()
	router.Use(m.Handle())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	for _, entry := range observed.All() {
		if entry.Message == "request completed" {
			t.Fatalf("expected /healthz to be skipped, got log entry: %v", entry)
		}
	}
}

func TestAdminLoggingMiddleware_ErrorStatusLogsAtErrorLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, observed := observer.New(zapcore.InfoLevel)
	m := newTestMiddleware(t, core, nil, time.Second)

	router := gin.New()
	router.Use(m.Handle())
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var found bool
	for _, entry := range observed.All() {
		if entry.Message == "request completed" && entry.Level == zapcore.ErrorLevel {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an error-level \"request completed\" log entry for a 500 response")
	}
}

func TestAdminLoggingMiddleware_SlowRequestLogsWarning(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, observed := observer.New(zapcore.InfoLevel)
	m := newTestMiddleware(t, core, nil, 10*time.Millisecond)

	router := gin.New()
	router.Use(m.Handle())
	router.GET("/slow", func(c *gin.Context) {
		time.Sleep(20 * time.Millisecond)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/slow", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var found bool
	for _, entry := range observed.All() {
		if entry.Message == "slow request" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a \"slow request\" warning")
	}
}

func TestAdminLoggingMiddleware_RedactsBearerTokens(t *testing.T) {
	m := &AdminLoggingMiddleware{logger: zap.NewNop()}
	m.compileRedactPatterns()

	input := "Authorization: Bearer abc123.def456"
	got := m.redact(input)
	if got == input {
		t.Fatal("expected bearer token to be redacted")
	}
	want := "Authorization: [REDACTED]"
	if got != want {
		t.Errorf("redact() = %q, want %q", got, want)
	}
}

func TestAdminLoggingMiddleware_PanicRecovered(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, observed := observer.New(zapcore.InfoLevel)
	m := newTestMiddleware(t, core, nil, time.Second)

	router := gin.New()
	router.Use(m.Handle())
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}

	var found bool
	for _, entry := range observed.All() {
		if entry.Message == "panic recovered" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a \"panic recovered\" log entry")
	}
}
