package staticfiles

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()

	mustWrite(t, filepath.Join(dir, "index.html"), "<html>home</html>")
	mustWrite(t, filepath.Join(dir, "app.js"), "console.log(1)")
	os.MkdirAll(filepath.Join(dir, "assets"), 0o755)
	mustWrite(t, filepath.Join(dir, "assets", "main.abcd1234.js"), "console.log(2)")

	srv, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, dir
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestServer_ServesExistingFileWithMIMEType(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/javascript" {
		t.Errorf("Content-Type = %q, want application/javascript", ct)
	}
}

func TestServer_SPAFallbackForExtensionlessRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/dashboard/settings", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "public, no-cache, must-revalidate" {
		t.Errorf("Cache-Control = %q, want public, no-cache, must-revalidate", cc)
	}
}

func TestServer_MissingFileWithExtensionReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/missing.png", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestServer_PathTraversalRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/../../../../etc/passwd", nil)
	req.URL.Path = "/../../../../etc/passwd"
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Error("expected path traversal attempt to be rejected, got 200")
	}
}

func TestServer_AssetsPathGetsImmutableCacheControl(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/assets/main.abcd1234.js", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	want := "public, max-age=31536000, immutable"
	if cc := w.Header().Get("Cache-Control"); cc != want {
		t.Errorf("Cache-Control = %q, want %q", cc, want)
	}
}

func TestServer_RegularFileGetsRevalidateCacheControl(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	want := "public, no-cache, must-revalidate"
	if cc := w.Header().Get("Cache-Control"); cc != want {
		t.Errorf("Cache-Control = %q, want %q", cc, want)
	}
}
