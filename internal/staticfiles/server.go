// Package staticfiles serves deployments whose backend is a directory of
// prebuilt static assets rather than a running container (C7).
package staticfiles

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var contentHashFragment = regexp.MustCompile(`[0-9a-f]{8,}`)

var extraMimeTypes = map[string]string{
	".js":    "application/javascript",
	".css":   "text/css; charset=utf-8",
	".json":  "application/json",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".wasm":  "application/wasm",
	".map":   "application/json",
	".txt":   "text/plain; charset=utf-8",
	".html":  "text/html; charset=utf-8",
}

// Server serves one deployment's static directory.
type Server struct {
	root string
}

// New canonicalizes root once at construction; root must already exist.
func New(root string) (*Server, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Server{root: resolved}, nil
}

// ServeHTTP implements the five-step algorithm: resolve, path-traversal
// gate, serve-if-exists, SPA fallback for extensionless routes, 404
// otherwise.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestPath := strings.TrimPrefix(r.URL.Path, "/")
	candidate := filepath.Join(s.root, requestPath)

	if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
		if !isWithinRoot(resolved, s.root) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		s.serveFile(w, r, resolved)
		return
	}

	cleaned := filepath.Clean(candidate)
	if !isWithinRoot(cleaned, s.root) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if filepath.Ext(requestPath) == "" {
		s.serveSPAFallback(w, r)
		return
	}

	http.NotFound(w, r)
}

func isWithinRoot(candidate, root string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentTypeFor(path))
	w.Header().Set("Cache-Control", cacheControlFor(r.URL.Path))
	io.Copy(w, f)
}

func (s *Server) serveSPAFallback(w http.ResponseWriter, r *http.Request) {
	indexPath := filepath.Join(s.root, "index.html")
	f, err := os.Open(indexPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "public, no-cache, must-revalidate")
	io.Copy(w, f)
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := extraMimeTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func cacheControlFor(path string) string {
	base := filepath.Base(path)
	if strings.HasPrefix(path, "/assets/") || strings.Contains(base, ".chunk.") {
		return "public, max-age=31536000, immutable"
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if contentHashFragment.MatchString(stem) {
		return "public, max-age=31536000, immutable"
	}

	return "public, no-cache, must-revalidate"
}
